package session

import (
	"fmt"
	"strings"
)

// DefaultPreamble sets the agent's conversational role. It is sent only
// before the first message of a session.
const DefaultPreamble = "You are a gentle and empathetic conversational partner. " +
	"Always respond in a natural, human-like manner. " +
	"Keep your responses consistent with the user's language. " +
	"Do not comment on the user's language skills."

const summaryContextHeader = "The following is a summary of previous conversation to help you understand context:"

// buildPrompt renders the preamble (first exchange only), the rolling
// summary if present, and the prompt window of history as labeled turns,
// terminated by an open completion cue for the model.
func buildPrompt(preamble string, firstMessage bool, summary string, history []Message) string {
	var b strings.Builder
	if firstMessage && preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n\n")
	}
	if summary != "" {
		b.WriteString(summaryContextHeader)
		b.WriteString("\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	start := 0
	if len(history) > PromptWindow {
		start = len(history) - PromptWindow
	}
	for _, msg := range history[start:] {
		b.WriteString(roleLabel(msg.Role))
		b.WriteString(" ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString("AI:")
	return b.String()
}

// SummaryPrompt renders the instruction used to regenerate the rolling
// summary from the prompt window plus the previous summary.
func (s *Session) SummaryPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.summary
	if prev == "" {
		prev = "(None)"
	}
	var recent strings.Builder
	for _, msg := range s.history {
		recent.WriteString(roleLabel(msg.Role))
		recent.WriteString(" ")
		recent.WriteString(msg.Content)
		recent.WriteString("\n")
	}
	return fmt.Sprintf(`Please summarize the following conversation into a concise summary of no more than 150 words.
Focus on the user's main emotions, topics, and intents. Keep the summary in English.

Previous summary (if any):
%s

New conversation:
%s
Output the new summary:
`, prev, recent.String())
}

func roleLabel(r Role) string {
	if r == RoleUser {
		return "User:"
	}
	return "AI:"
}
