// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	// DataDir holds per-participant status files and JSONL logs.
	DataDir string
	// ContactsDBPath is the separate SQLite database for follow-up emails.
	ContactsDBPath string
	// OperatorKey gates the operator setup page. Empty disables the check.
	OperatorKey string

	OllamaURL       string
	Model           string
	ChatTimeout     time.Duration
	SummaryTimeout  time.Duration
	SummaryInterval int

	WashoutDuration time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DataDir:        getEnv("DATA_DIR", "./data"),
		ContactsDBPath: getEnv("CONTACTS_DB_PATH", "./data/contacts/contacts.db"),
		OperatorKey:    getEnv("OPERATOR_KEY", ""),

		OllamaURL:       getEnv("OLLAMA_URL", "http://localhost:11434/api/generate"),
		Model:           getEnv("MODEL_NAME", "qwen2.5:1.5b"),
		ChatTimeout:     getEnvDuration("CHAT_TIMEOUT", 300*time.Second),
		SummaryTimeout:  getEnvDuration("SUMMARY_TIMEOUT", 120*time.Second),
		SummaryInterval: getEnvInt("SUMMARY_INTERVAL", 5),

		WashoutDuration: getEnvDuration("WASHOUT_DURATION", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.ContactsDBPath == "" {
		return fmt.Errorf("CONTACTS_DB_PATH cannot be empty")
	}
	if c.OllamaURL == "" {
		return fmt.Errorf("OLLAMA_URL cannot be empty")
	}
	if c.Model == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.SummaryInterval <= 0 {
		return fmt.Errorf("SUMMARY_INTERVAL must be > 0")
	}
	if c.WashoutDuration <= 0 {
		return fmt.Errorf("WASHOUT_DURATION must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
