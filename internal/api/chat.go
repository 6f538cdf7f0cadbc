package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pguan/chatlab/internal/chat"
	"github.com/pguan/chatlab/internal/status"
)

type chatRequest struct {
	ParticipantID    string `json:"participant_id"`
	Message          string `json:"message"`
	ExplanationShown bool   `json:"explanation_shown"`
}

// HandleChat streams the agent's reply as a plain-text chunked body. Errors
// that occur after the first byte has been sent surface inline in the stream;
// the HTTP status is already committed by then.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" || req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "message and participant_id are required")
		return
	}

	st, err := h.statuses.Read(req.ParticipantID)
	if errors.Is(err, status.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "experiment not started for this participant")
		return
	}
	if err != nil {
		slog.Error("failed to read participant status", "participant_id", req.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read participant status")
		return
	}

	fragments, err := h.proxy.Stream(r.Context(), chat.Request{
		ParticipantID:    req.ParticipantID,
		Message:          req.Message,
		ExplanationShown: req.ExplanationShown,
		Condition:        st.Condition,
		SessionPart:      st.SessionPart(),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	for fragment := range fragments {
		if _, err := w.Write([]byte(fragment)); err != nil {
			slog.Warn("failed to write chat fragment", "participant_id", req.ParticipantID, "error", err)
			return
		}
		flusher.Flush()
	}
}

type saveContactRequest struct {
	ParticipantID string `json:"participant_id"`
	Email         string `json:"email"`
}

// HandleSaveContact stores an optional follow-up email in the contact store,
// which is kept separate from the anonymized experiment log.
func (h *Handler) HandleSaveContact(w http.ResponseWriter, r *http.Request) {
	var req saveContactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ParticipantID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "participant_id and email are required")
		return
	}

	if err := h.contacts.Save(r.Context(), req.ParticipantID, req.Email); err != nil {
		slog.Error("failed to save contact", "participant_id", req.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save contact")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleStrings returns the localized string table for one page module, in
// the participant's configured language.
func (h *Handler) HandleStrings(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")

	language := "en"
	if pid := r.URL.Query().Get("pid"); pid != "" {
		if st, err := h.statuses.Read(pid); err == nil && st.Language != "" {
			language = st.Language
		}
	}

	strings, err := h.strings.Strings(module, language)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, strings)
}
