package experiment

import (
	"fmt"
	"net/url"
	"path"
)

// Decision is the outcome of validating a page request against the
// participant's expected step.
type Decision struct {
	OK bool
	// RedirectTo carries the expected page URL (with pid) when OK is false.
	RedirectTo string
}

// ExpectedURL computes the single page a participant in the given status is
// allowed to see. The sentinels map to the consent and debrief pages; every
// in-sequence index resolves through the step table.
func ExpectedURL(st Status) (string, error) {
	if st.AtPreStart() {
		return ConsentPage, nil
	}
	if st.AtTerminal() {
		return TerminalPage, nil
	}
	step, ok := StepAt(st.CurrentStepIndex)
	if !ok {
		return "", fmt.Errorf("step index %d outside sequence of length %d", st.CurrentStepIndex, len(Steps))
	}
	return URLForStep(step, st.Condition)
}

// NextURL computes the page for the step after the current one, applied when
// a step submission advances the cursor.
func NextURL(st Status, nextIndex int) (string, error) {
	next := st
	next.CurrentStepIndex = nextIndex
	return ExpectedURL(next)
}

// ValidateRequest compares a requested page name against the expected page
// for the participant's current step. Query parameters on the requested name
// are ignored; a mismatch yields a redirect to the expected URL carrying the
// participant id. This is the single enforcement point that stops skipping
// ahead, stale reloads and revisits.
func ValidateRequest(st Status, requestedPage string) (Decision, error) {
	expected, err := ExpectedURL(st)
	if err != nil {
		return Decision{}, err
	}
	if pageFilename(requestedPage) == path.Base(expected) {
		return Decision{OK: true}, nil
	}
	return Decision{RedirectTo: expected + "?pid=" + url.QueryEscape(st.ParticipantID)}, nil
}

func pageFilename(requested string) string {
	name := requested
	if u, err := url.Parse(requested); err == nil {
		name = u.Path
	}
	return path.Base(name)
}
