package experiment

import (
	"errors"
	"fmt"
	"time"
)

// DefaultWashoutDuration is the minimum break enforced between the two
// counterbalanced sessions.
const DefaultWashoutDuration = 5 * time.Minute

// GateError is returned when washout completion is attempted before the
// minimum duration has elapsed. It is fully recoverable: no state mutates on
// rejection and the participant may retry.
type GateError struct {
	Remaining time.Duration
}

func (e *GateError) Error() string {
	return fmt.Sprintf("washout not complete: %d seconds remaining", e.SecondsRemaining())
}

// SecondsRemaining rounds the remaining wait up to whole seconds.
func (e *GateError) SecondsRemaining() int {
	return int((e.Remaining + time.Second - 1) / time.Second)
}

// AsGateError unwraps err as a *GateError if it is one.
func AsGateError(err error) (*GateError, bool) {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// BeginWashout records the washout start timestamp. The timestamp is set
// exactly once: repeated calls while a start time is already recorded are
// no-ops, so re-entering the washout page does not restart the clock.
func BeginWashout(st *Status, now time.Time) {
	if st.WashoutStart.IsZero() {
		st.WashoutStart = now
	}
}

// CompleteWashout applies the post-washout transition if the minimum
// duration has elapsed: the condition flips to the second half of the
// counterbalance and the completion marker is set. On early attempts a
// *GateError is returned and the status is untouched.
func CompleteWashout(st *Status, now time.Time, minimum time.Duration) error {
	if st.WashoutStart.IsZero() {
		return errors.New("washout has not started")
	}
	if st.WashoutCompleted {
		return errors.New("washout already completed")
	}
	elapsed := now.Sub(st.WashoutStart)
	if elapsed < minimum {
		return &GateError{Remaining: minimum - elapsed}
	}
	st.Condition = SwitchedCondition(st.ConditionOrder, st.Condition)
	st.VersionURL = dialoguePage(st.Condition)
	st.WashoutCompleted = true
	return nil
}
