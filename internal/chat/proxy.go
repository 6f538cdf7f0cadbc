// Package chat streams dialogue turns between participants and the local
// inference service, recording per-turn analytics once a reply completes.
package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"

	"github.com/pguan/chatlab/internal/experiment"
	"github.com/pguan/chatlab/internal/session"
	"github.com/pguan/chatlab/internal/turnlog"
)

// ErrInvalidRequest reports a chat request with a missing participant id or
// empty message. No session state is touched in that case.
var ErrInvalidRequest = errors.New("message and participant_id are required")

// Generator is the inference backend the proxy streams from.
type Generator interface {
	Stream(ctx context.Context, prompt string) iter.Seq2[string, error]
	Generate(ctx context.Context, prompt string) (string, error)
}

// TurnWriter receives completed turn records.
type TurnWriter interface {
	AppendTurn(pid string, turn turnlog.TurnRecord) error
}

// Request is one user chat message plus the participant state it runs under.
type Request struct {
	ParticipantID    string
	Message          string
	ExplanationShown bool
	Condition        experiment.Condition
	SessionPart      int
}

// Proxy assembles prompts from session state, relays inference output and
// applies turn-completion side effects exactly once per finished reply.
type Proxy struct {
	sessions        *session.Manager
	generator       Generator
	turns           TurnWriter
	summaryInterval int
	logger          *slog.Logger
}

// NewProxy creates a chat proxy. summaryInterval is the number of completed
// exchanges between summary regenerations.
func NewProxy(sessions *session.Manager, generator Generator, turns TurnWriter, summaryInterval int, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	if summaryInterval <= 0 {
		summaryInterval = 5
	}
	return &Proxy{
		sessions:        sessions,
		generator:       generator,
		turns:           turns,
		summaryInterval: summaryInterval,
		logger:          logger,
	}
}

// Stream validates the request and returns the sequence of reply fragments.
// Fragments are forwarded as they arrive from the inference service. Once
// the upstream stream drains with a non-empty reply, the session history and
// turn counter advance exactly once and a turn record is written. An
// upstream failure yields one inline diagnostic fragment and ends the
// stream cleanly with no record; a cancelled context (client disconnect)
// writes no record either.
func (p *Proxy) Stream(ctx context.Context, req Request) (iter.Seq[string], error) {
	if req.ParticipantID == "" || strings.TrimSpace(req.Message) == "" {
		return nil, ErrInvalidRequest
	}

	sess := p.sessions.Get(req.ParticipantID)
	prompt, expectedTurn := sess.BeginTurn(req.Message, p.sessions.Preamble())
	userMetrics := Measure(req.Message)

	p.logger.Info("chat turn started",
		"participant_id", req.ParticipantID,
		"session_id", sess.ID,
		"turn", expectedTurn,
		"condition", req.Condition,
		"prompt_length", len(prompt),
	)

	return func(yield func(string) bool) {
		var full strings.Builder
		for fragment, err := range p.generator.Stream(ctx, prompt) {
			if err != nil {
				p.logger.Error("inference stream failed",
					"participant_id", req.ParticipantID,
					"turn", expectedTurn,
					"error", err,
				)
				yield("⚠️ Failed connecting backend LLM: " + err.Error())
				return
			}
			full.WriteString(fragment)
			if !yield(fragment) {
				return
			}
		}
		if ctx.Err() != nil {
			// Client went away mid-stream; the reply is incomplete.
			return
		}

		reply := strings.TrimSpace(full.String())
		if !sess.CompleteTurn(expectedTurn, reply) {
			return
		}

		p.recordTurn(req, expectedTurn, userMetrics, Measure(reply))
		p.maybeSummarize(context.WithoutCancel(ctx), req.ParticipantID, sess)
	}, nil
}

func (p *Proxy) recordTurn(req Request, turn int, user, agent TextMetrics) {
	explanationShown := req.ExplanationShown
	if req.Condition != experiment.ConditionXAI {
		explanationShown = false
	}
	rec := turnlog.TurnRecord{
		UserID:      req.ParticipantID,
		Condition:   req.Condition,
		Turn:        turn,
		SessionPart: req.SessionPart,

		UserInputLengthToken: user.Tokens,
		UserInputLengthChar:  user.Chars,
		UserInputLengthWord:  user.Words,

		AgentResponseLengthToken: agent.Tokens,
		AgentResponseLengthChar:  agent.Chars,
		AgentResponseLengthWord:  agent.Words,

		ExplanationShown: explanationShown,
	}
	if err := p.turns.AppendTurn(req.ParticipantID, rec); err != nil {
		p.logger.Error("failed to append turn record",
			"participant_id", req.ParticipantID,
			"turn", turn,
			"error", err,
		)
	}
}

// maybeSummarize regenerates the rolling summary every summaryInterval
// completed exchanges. Failures leave the prior summary untouched.
func (p *Proxy) maybeSummarize(ctx context.Context, pid string, sess *session.Session) {
	count := sess.TurnCount()
	if count == 0 || count%p.summaryInterval != 0 {
		return
	}
	summary, err := p.generator.Generate(ctx, sess.SummaryPrompt())
	if err != nil {
		p.logger.Warn("summary generation failed", "participant_id", pid, "error", err)
		return
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}
	sess.SetSummary(summary)
	p.logger.Info("summary updated", "participant_id", pid, "turn_count", count, "summary_length", len(summary))
}
