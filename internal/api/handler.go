// Package api exposes the experiment HTTP surface: participant setup, step
// submissions, page gating, the streamed chat endpoint and contact capture.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pguan/chatlab/internal/chat"
	"github.com/pguan/chatlab/internal/config"
	"github.com/pguan/chatlab/internal/experiment"
	"github.com/pguan/chatlab/internal/i18n"
	"github.com/pguan/chatlab/internal/session"
	"github.com/pguan/chatlab/internal/status"
	"github.com/pguan/chatlab/internal/turnlog"
)

// maxRequestBodySize caps JSON request bodies (1MB).
const maxRequestBodySize = 1 << 20

// ContactSaver persists follow-up contact emails.
type ContactSaver interface {
	Save(ctx context.Context, participantID, email string) error
}

// Handler handles all experiment HTTP requests.
type Handler struct {
	cfg      *config.Config
	statuses *status.Store
	sessions *session.Manager
	proxy    *chat.Proxy
	turns    *turnlog.Logger
	contacts ContactSaver
	strings  *i18n.Table
	pages    fs.FS
}

// NewHandler creates the experiment handler.
func NewHandler(
	cfg *config.Config,
	statuses *status.Store,
	sessions *session.Manager,
	proxy *chat.Proxy,
	turns *turnlog.Logger,
	contacts ContactSaver,
	strings *i18n.Table,
	pages fs.FS,
) *Handler {
	return &Handler{
		cfg:      cfg,
		statuses: statuses,
		sessions: sessions,
		proxy:    proxy,
		turns:    turns,
		contacts: contacts,
		strings:  strings,
		pages:    pages,
	}
}

// RegisterRoutes registers all experiment routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/start_experiment", h.HandleStartExperiment)
	r.Get("/page/{name}", h.HandlePage)
	r.Post("/save_data", h.HandleSaveData)
	r.Post("/chat", h.HandleChat)
	r.Post("/end_dialogue", h.HandleEndDialogue)
	r.Post("/save_contact", h.HandleSaveContact)
	r.Get("/i18n/{module}", h.HandleStrings)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// readStatusOr500 reads a participant's status for flow control. A missing
// record is fatal here: progress can only be re-derived by the operator, so
// the participant is told to contact them rather than silently restarted.
func (h *Handler) readStatusOr500(w http.ResponseWriter, pid string) (experiment.Status, bool) {
	rec, err := h.statuses.Read(pid)
	if errors.Is(err, status.ErrNotFound) {
		slog.Error("status record missing for active participant", "participant_id", pid)
		writeError(w, http.StatusInternalServerError, "participant record not found, please contact the experimenter")
		return experiment.Status{}, false
	}
	if err != nil {
		slog.Error("failed to read participant status", "participant_id", pid, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read participant status")
		return experiment.Status{}, false
	}
	return rec, true
}
