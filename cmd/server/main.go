// chatlab - backend for a counterbalanced dialogue experiment.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/pguan/chatlab/internal/api"
	"github.com/pguan/chatlab/internal/chat"
	"github.com/pguan/chatlab/internal/config"
	"github.com/pguan/chatlab/internal/contacts"
	"github.com/pguan/chatlab/internal/i18n"
	"github.com/pguan/chatlab/internal/llm"
	"github.com/pguan/chatlab/internal/middleware"
	"github.com/pguan/chatlab/internal/session"
	"github.com/pguan/chatlab/internal/status"
	"github.com/pguan/chatlab/internal/turnlog"
	"github.com/pguan/chatlab/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "data_dir", cfg.DataDir, "model", cfg.Model)

	// Initialize persistence.
	statuses, err := status.NewStore(cfg.DataDir)
	if err != nil {
		slog.Error("Failed to initialize status store", "error", err)
		os.Exit(1)
	}
	turns, err := turnlog.NewLogger(cfg.DataDir)
	if err != nil {
		slog.Error("Failed to initialize turn logger", "error", err)
		os.Exit(1)
	}
	contactStore, err := contacts.NewStore(cfg.ContactsDBPath)
	if err != nil {
		slog.Error("Failed to initialize contact store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := contactStore.Close(); closeErr != nil {
			slog.Error("Failed to close contact store", "error", closeErr)
		}
	}()

	strings, err := i18n.Load()
	if err != nil {
		slog.Error("Failed to load localization strings", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	sessions := session.NewManager(session.DefaultPreamble)
	generator := llm.NewClient(llm.Config{
		URL:            cfg.OllamaURL,
		Model:          cfg.Model,
		StreamTimeout:  cfg.ChatTimeout,
		SummaryTimeout: cfg.SummaryTimeout,
	}, logger)
	proxy := chat.NewProxy(sessions, generator, turns, cfg.SummaryInterval, logger)

	handler := api.NewHandler(cfg, statuses, sessions, proxy, turns, contactStore, strings, web.Pages())

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	handler.RegisterRoutes(r)

	// Static assets for the experiment pages.
	r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServerFS(web.Pages())))

	// The chat body streams for up to the full inference timeout, so no
	// write timeout on the server.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
