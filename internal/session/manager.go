// Package session owns the in-memory conversational context for each
// participant. Sessions are never persisted: step progress survives a
// restart through the status store, dialogue context intentionally does not.
package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// PromptWindow is the number of recent history entries rendered into a
// prompt. History is capped at the same bound: entries that can never be
// prompted again are not retained.
const PromptWindow = 10

// Role labels one side of the dialogue.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is a single history entry.
type Message struct {
	Role    Role
	Content string
}

// Session is one participant's dialogue context. All access goes through
// methods that take the session lock, so concurrent requests for the same
// participant serialize while other participants are unaffected.
type Session struct {
	ID string

	mu         sync.Mutex
	history    []Message
	summary    string
	turnCount  int
	lastPrompt string
}

// Manager maps participant ids to sessions, creating them lazily.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	preamble string
}

// NewManager creates a session manager. The preamble is the role-setting
// text prepended to the very first prompt of each session.
func NewManager(preamble string) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		preamble: preamble,
	}
}

// Get returns the session for a participant, creating it if absent.
func (m *Manager) Get(pid string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[pid]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[pid]; ok {
		return s
	}
	s = &Session{ID: uuid.NewString()}
	m.sessions[pid] = s
	slog.Info("dialogue session created", "participant_id", pid, "session_id", s.ID)
	return s
}

// Clear drops a participant's session. Called at experiment (re)start and at
// washout completion so the second counterbalanced session starts with empty
// context.
func (m *Manager) Clear(pid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[pid]; ok {
		delete(m.sessions, pid)
		slog.Info("dialogue session cleared", "participant_id", pid, "session_id", s.ID)
	}
}

// Preamble returns the role-setting preamble configured for new sessions.
func (m *Manager) Preamble() string {
	return m.preamble
}

// BeginTurn appends the user message to history and assembles the prompt for
// it. It returns the prompt and the turn number this exchange will complete
// as, used by CompleteTurn to guard against double-counting.
func (s *Session) BeginTurn(userInput, preamble string) (prompt string, expectedTurn int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	firstMessage := s.turnCount == 0 && len(s.history) == 0
	s.history = appendCapped(s.history, Message{Role: RoleUser, Content: userInput})

	prompt = buildPrompt(preamble, firstMessage, s.summary, s.history)
	s.lastPrompt = prompt
	return prompt, s.turnCount + 1
}

// CompleteTurn records a finished agent reply. It applies only when the
// reply is non-empty and the turn counter has not already advanced past
// expectedTurn; otherwise it reports false and leaves the session untouched.
func (s *Session) CompleteTurn(expectedTurn int, reply string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reply == "" || s.turnCount+1 != expectedTurn {
		return false
	}
	s.history = appendCapped(s.history, Message{Role: RoleAgent, Content: reply})
	s.turnCount = expectedTurn
	return true
}

// TurnCount returns the number of completed exchanges.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// Summary returns the current rolling summary.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// SetSummary replaces the rolling summary wholesale.
func (s *Session) SetSummary(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = text
}

// LastPrompt returns the most recently assembled prompt, for diagnostics.
func (s *Session) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrompt
}

// History returns a copy of the retained history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

func appendCapped(history []Message, msg Message) []Message {
	history = append(history, msg)
	if len(history) > PromptWindow {
		history = history[len(history)-PromptWindow:]
	}
	return history
}
