package experiment

import (
	"time"
)

// PreStartIndex is the step index of a participant who has initialized the
// experiment but not yet submitted the consent page.
const PreStartIndex = -1

// Status is the persisted progress record for one participant. The whole
// record is overwritten on every update; there is no partial-update
// primitive.
type Status struct {
	ParticipantID    string    `json:"participant_id"`
	Condition        Condition `json:"condition"`
	ConditionOrder   Order     `json:"condition_order"`
	Language         string    `json:"language"`
	CurrentStepIndex int       `json:"current_step_index"`
	StartTime        float64   `json:"start_time"`
	VersionURL       string    `json:"version_url"`
	WashoutStart     time.Time `json:"washout_start_ts,omitzero"`
	WashoutCompleted bool      `json:"washout_completed"`
}

// NewStatus builds the initial status record for a fresh participant.
func NewStatus(pid string, order Order, language string, now time.Time) (Status, error) {
	cond, err := InitialCondition(order)
	if err != nil {
		return Status{}, err
	}
	if language == "" {
		language = "en"
	}
	return Status{
		ParticipantID:    pid,
		Condition:        cond,
		ConditionOrder:   order,
		Language:         language,
		CurrentStepIndex: PreStartIndex,
		StartTime:        float64(now.UnixMilli()) / 1000,
		VersionURL:       dialoguePage(cond),
	}, nil
}

// SessionPart reports which of the two counterbalanced dialogue sessions the
// participant is currently in: 1 before washout completion, 2 after.
func (s Status) SessionPart() int {
	if s.WashoutCompleted {
		return 2
	}
	return 1
}

// AtTerminal reports whether the participant has finished the sequence.
func (s Status) AtTerminal() bool {
	return s.CurrentStepIndex >= len(Steps)
}

// AtPreStart reports whether the participant has not yet passed consent.
func (s Status) AtPreStart() bool {
	return s.CurrentStepIndex == PreStartIndex
}
