package api

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pguan/chatlab/internal/experiment"
)

// operatorPage is the setup page the experimenter uses to register a
// participant; it is the only page gated by the operator key.
const operatorPage = "setup.html"

// stepInit labels the initialization record in the participant log.
const stepInit = "INIT"

type startExperimentRequest struct {
	ParticipantID  string `json:"participant_id"`
	ConditionOrder string `json:"condition_order"`
	Language       string `json:"language"`
}

// HandleStartExperiment initializes (or reinitializes) a participant: the
// status record is written fresh at the pre-consent index and any existing
// dialogue session is dropped.
func (h *Handler) HandleStartExperiment(w http.ResponseWriter, r *http.Request) {
	var req startExperimentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ParticipantID == "" || req.ConditionOrder == "" {
		writeError(w, http.StatusBadRequest, "participant_id and condition_order are required")
		return
	}
	order, err := experiment.ParseOrder(req.ConditionOrder)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.sessions.Clear(req.ParticipantID)

	st, err := experiment.NewStatus(req.ParticipantID, order, req.Language, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.turns.AppendStepData(req.ParticipantID, stepInit, st); err != nil {
		slog.Error("failed to append init record", "participant_id", req.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist initialization")
		return
	}
	if err := h.statuses.Write(req.ParticipantID, st); err != nil {
		slog.Error("failed to write participant status", "participant_id", req.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist participant status")
		return
	}

	slog.Info("experiment started",
		"participant_id", req.ParticipantID,
		"condition_order", order,
		"condition", st.Condition,
		"language", st.Language,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"next_url": withPID(experiment.ConsentPage, req.ParticipantID),
	})
}

// HandlePage serves the single page a participant is allowed to see, or
// redirects to it. The persisted status record is the source of truth; the
// page the client happens to request never is.
func (h *Handler) HandlePage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if name == operatorPage {
		if h.cfg.OperatorKey != "" && r.URL.Query().Get("key") != h.cfg.OperatorKey {
			writeError(w, http.StatusForbidden, "operator key required")
			return
		}
		h.servePage(w, r, name)
		return
	}

	pid := r.URL.Query().Get("pid")
	if pid == "" {
		http.Redirect(w, r, "/page/"+operatorPage, http.StatusFound)
		return
	}

	st, ok := h.readStatusOr500(w, pid)
	if !ok {
		return
	}
	decision, err := experiment.ValidateRequest(st, name)
	if err != nil {
		slog.Error("failed to validate page request", "participant_id", pid, "page", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve expected step")
		return
	}
	if !decision.OK {
		slog.Info("redirecting out-of-order page request",
			"participant_id", pid,
			"requested", name,
			"redirect_to", decision.RedirectTo,
		)
		http.Redirect(w, r, decision.RedirectTo, http.StatusFound)
		return
	}
	h.servePage(w, r, name)
}

// servePage writes the page body directly instead of going through
// http.ServeFileFS, whose index.html redirect special case would bounce the
// consent page.
func (h *Handler) servePage(w http.ResponseWriter, _ *http.Request, name string) {
	data, err := fs.ReadFile(h.pages, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		slog.Warn("failed to write page", "page", name, "error", err)
	}
}

type saveDataRequest struct {
	ParticipantID    string `json:"participant_id"`
	StepName         string `json:"step_name"`
	Data             any    `json:"data"`
	CurrentStepIndex *int   `json:"current_step_index"`
}

// HandleSaveData persists one step submission and advances the participant
// to the next step. Submitting the same step twice appends two log records;
// the cursor still advances at most once because the second submission's
// step index no longer matches the persisted one.
func (h *Handler) HandleSaveData(w http.ResponseWriter, r *http.Request) {
	var req saveDataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ParticipantID == "" || req.StepName == "" || req.Data == nil || req.CurrentStepIndex == nil {
		writeError(w, http.StatusBadRequest, "participant_id, step_name, data and current_step_index are required")
		return
	}

	st, ok := h.readStatusOr500(w, req.ParticipantID)
	if !ok {
		return
	}

	// Leaving the washout step goes through the gate before anything is
	// persisted: an early attempt must have no side effect at all.
	if curStep, okStep := experiment.StepAt(st.CurrentStepIndex); okStep &&
		curStep == experiment.StepWashout && *req.CurrentStepIndex == st.CurrentStepIndex {
		h.completeWashoutAndAdvance(w, req)
		return
	}

	// The log is an audit trail: a replayed submission appends a second
	// record, but the index recheck below advances the cursor at most once.
	if err := h.turns.AppendStepData(req.ParticipantID, req.StepName, req.Data); err != nil {
		slog.Error("failed to append step record", "participant_id", req.ParticipantID, "step", req.StepName, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist step data")
		return
	}

	updated, err := h.statuses.Update(req.ParticipantID, func(s *experiment.Status) error {
		if s.CurrentStepIndex != *req.CurrentStepIndex {
			return errAlreadyAdvanced
		}
		return h.advance(s)
	})
	if errors.Is(err, errAlreadyAdvanced) {
		h.writeRedirectToExpected(w, updated, req.ParticipantID)
		return
	}
	if err != nil {
		slog.Error("failed to advance participant", "participant_id", req.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to advance participant")
		return
	}

	h.writeAdvanceResponse(w, updated, req.ParticipantID, req.StepName)
}

var errAlreadyAdvanced = errors.New("step index advanced concurrently")

// advance moves the cursor one step forward and applies entry side effects
// for the step being entered.
func (h *Handler) advance(s *experiment.Status) error {
	s.CurrentStepIndex++
	if step, ok := experiment.StepAt(s.CurrentStepIndex); ok && step == experiment.StepWashout {
		experiment.BeginWashout(s, time.Now())
	}
	return nil
}

// completeWashoutAndAdvance handles the submission that leaves the washout
// step: the gate decides, and only on success does the condition flip, the
// session clear and the cursor advance.
func (h *Handler) completeWashoutAndAdvance(w http.ResponseWriter, req saveDataRequest) {
	updated, err := h.statuses.Update(req.ParticipantID, func(s *experiment.Status) error {
		if s.CurrentStepIndex != *req.CurrentStepIndex {
			return errAlreadyAdvanced
		}
		if err := experiment.CompleteWashout(s, time.Now(), h.cfg.WashoutDuration); err != nil {
			return err
		}
		return h.advance(s)
	})
	if ge, isGate := experiment.AsGateError(err); isGate {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "washout period not complete",
			"seconds_remaining": ge.SecondsRemaining(),
		})
		return
	}
	if errors.Is(err, errAlreadyAdvanced) {
		h.writeRedirectToExpected(w, updated, req.ParticipantID)
		return
	}
	if err != nil {
		slog.Error("failed to complete washout", "participant_id", req.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to complete washout")
		return
	}

	// The second dialogue session must start with empty context.
	h.sessions.Clear(req.ParticipantID)
	slog.Info("washout completed",
		"participant_id", req.ParticipantID,
		"new_condition", updated.Condition,
	)

	if err := h.turns.AppendStepData(req.ParticipantID, req.StepName, req.Data); err != nil {
		slog.Error("failed to append washout record", "participant_id", req.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist step data")
		return
	}
	h.writeAdvanceResponse(w, updated, req.ParticipantID, req.StepName)
}

type endDialogueRequest struct {
	ParticipantID string `json:"participant_id"`
}

// dialogueEndData is the payload logged when a dialogue session closes.
// EmotionFluctuation is a placeholder until sentiment scoring lands: the
// intended computation is max(score)-min(score) over the session.
type dialogueEndData struct {
	EmotionFluctuation float64 `json:"emotion_fluctuation"`
	TotalTurns         int     `json:"total_turns"`
}

// HandleEndDialogue closes the active dialogue session and advances past the
// dialogue step. Calling it from any other step is a client error.
func (h *Handler) HandleEndDialogue(w http.ResponseWriter, r *http.Request) {
	var req endDialogueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participant_id is required")
		return
	}

	st, ok := h.readStatusOr500(w, req.ParticipantID)
	if !ok {
		return
	}
	step, okStep := experiment.StepAt(st.CurrentStepIndex)
	if !okStep || !step.IsDialogueStep() {
		writeError(w, http.StatusBadRequest, "no dialogue step is active")
		return
	}

	sess := h.sessions.Get(req.ParticipantID)
	end := dialogueEndData{TotalTurns: sess.TurnCount()}
	if err := h.turns.AppendStepData(req.ParticipantID, "DIALOGUE_END", end); err != nil {
		slog.Error("failed to append dialogue end record", "participant_id", req.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist dialogue end data")
		return
	}

	updated, err := h.statuses.Update(req.ParticipantID, func(s *experiment.Status) error {
		cur, okCur := experiment.StepAt(s.CurrentStepIndex)
		if !okCur || !cur.IsDialogueStep() {
			return errAlreadyAdvanced
		}
		return h.advance(s)
	})
	if errors.Is(err, errAlreadyAdvanced) {
		h.writeRedirectToExpected(w, updated, req.ParticipantID)
		return
	}
	if err != nil {
		slog.Error("failed to advance past dialogue", "participant_id", req.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to advance participant")
		return
	}

	slog.Info("dialogue ended",
		"participant_id", req.ParticipantID,
		"total_turns", end.TotalTurns,
		"session_part", st.SessionPart(),
	)
	h.writeAdvanceResponse(w, updated, req.ParticipantID, string(step))
}

func (h *Handler) writeAdvanceResponse(w http.ResponseWriter, st experiment.Status, pid, stepName string) {
	next, err := experiment.ExpectedURL(st)
	if err != nil {
		slog.Error("failed to resolve next step URL", "participant_id", pid, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve next step")
		return
	}
	slog.Info("step saved",
		"participant_id", pid,
		"step", stepName,
		"next_step_index", st.CurrentStepIndex,
		"next_url", next,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"next_url":        withPID(next, pid),
		"next_step_index": st.CurrentStepIndex,
	})
}

// writeRedirectToExpected resolves a flow inconsistency by steering the
// client back to the participant's actual expected page.
func (h *Handler) writeRedirectToExpected(w http.ResponseWriter, st experiment.Status, pid string) {
	expected, err := experiment.ExpectedURL(st)
	if err != nil {
		slog.Error("failed to resolve expected URL", "participant_id", pid, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve expected step")
		return
	}
	slog.Warn("step submission out of sync, redirecting",
		"participant_id", pid,
		"expected_index", st.CurrentStepIndex,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         false,
		"next_url":        withPID(expected, pid),
		"next_step_index": st.CurrentStepIndex,
	})
}

func withPID(page, pid string) string {
	return fmt.Sprintf("%s?pid=%s", page, url.QueryEscape(pid))
}
