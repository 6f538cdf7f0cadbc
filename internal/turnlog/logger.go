// Package turnlog appends per-step and per-turn analytics records to one
// append-only JSONL file per participant. Every call adds a new line; there
// is no deduplication or update-in-place, so callers log at most once per
// logical event.
package turnlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pguan/chatlab/internal/experiment"
)

// StepDialogueTurn labels per-turn analytics records in the log.
const StepDialogueTurn = "DIALOGUE_TURN"

// TurnRecord is the analytics payload for one completed dialogue turn.
// Sentiment fields are reserved for later analysis stages and always null.
type TurnRecord struct {
	UserID    string               `json:"user_id"`
	Condition experiment.Condition `json:"condition"`
	Turn      int                  `json:"turn"`
	// SessionPart is 1 for the pre-washout dialogue, 2 for the post-washout one.
	SessionPart int `json:"session_part"`

	UserSentimentScore   *float64 `json:"user_sentiment_score"`
	UserSentimentLabel   *string  `json:"user_sentiment_label"`
	UserInputLengthToken int      `json:"user_input_length_token"`
	UserInputLengthChar  int      `json:"user_input_length_char"`
	UserInputLengthWord  int      `json:"user_input_length_word"`

	AgentSentimentScore      *float64 `json:"agent_sentiment_score"`
	AgentSentimentLabel      *string  `json:"agent_sentiment_label"`
	AgentResponseLengthToken int      `json:"agent_response_length_token"`
	AgentResponseLengthChar  int      `json:"agent_response_length_char"`
	AgentResponseLengthWord  int      `json:"agent_response_length_word"`

	// ExplanationShown is meaningful only under the XAI condition and forced
	// false otherwise.
	ExplanationShown bool `json:"explanation_shown"`
}

type record struct {
	Timestamp     float64 `json:"timestamp"`
	Datetime      string  `json:"datetime"`
	ParticipantID string  `json:"participant_id"`
	Step          string  `json:"step"`
	Data          any     `json:"data"`
}

// Logger appends records to per-participant JSONL files under a data
// directory. A per-participant mutex keeps lines whole and ordered when two
// requests for the same participant race.
type Logger struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLogger creates the data directory if needed and returns a logger.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Logger{
		dir:   dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// AppendStepData appends one step-submission record.
func (l *Logger) AppendStepData(pid, step string, data any) error {
	return l.append(pid, step, data)
}

// AppendTurn appends one dialogue-turn analytics record.
func (l *Logger) AppendTurn(pid string, turn TurnRecord) error {
	return l.append(pid, StepDialogueTurn, turn)
}

func (l *Logger) append(pid, step string, data any) error {
	now := l.now()
	line, err := json.Marshal(record{
		Timestamp:     float64(now.UnixMilli()) / 1000,
		Datetime:      now.Format("2006-01-02 15:04:05"),
		ParticipantID: pid,
		Step:          step,
		Data:          data,
	})
	if err != nil {
		return fmt.Errorf("encode log record for %s: %w", pid, err)
	}

	lock := l.lockFor(pid)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(l.path(pid), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log for %s: %w", pid, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append log record for %s: %w", pid, err)
	}
	return nil
}

func (l *Logger) path(pid string) string {
	return filepath.Join(l.dir, "P_"+pid+".jsonl")
}

func (l *Logger) lockFor(pid string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[pid]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[pid] = lock
	}
	return lock
}
