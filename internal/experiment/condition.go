// Package experiment contains the participant progress state machine:
// condition counterbalancing, the fixed step sequence, request validation
// and the washout gate.
package experiment

import (
	"fmt"
	"log/slog"
)

// Condition is the experimental arm a participant is currently in.
type Condition string

const (
	// ConditionXAI shows model explanations alongside replies.
	ConditionXAI Condition = "XAI"
	// ConditionNonXAI hides explanations.
	ConditionNonXAI Condition = "NON_XAI"
)

// Order is the counterbalancing assignment. AB runs XAI first, BA runs
// NON_XAI first.
type Order string

const (
	OrderAB Order = "AB"
	OrderBA Order = "BA"
)

// ParseOrder validates a client-supplied condition order.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case OrderAB:
		return OrderAB, nil
	case OrderBA:
		return OrderBA, nil
	default:
		return "", fmt.Errorf("invalid condition_order %q: must be AB or BA", s)
	}
}

// Other returns the complement condition.
func (c Condition) Other() Condition {
	if c == ConditionXAI {
		return ConditionNonXAI
	}
	return ConditionXAI
}

// InitialCondition maps a counterbalance order to the first-half condition.
func InitialCondition(order Order) (Condition, error) {
	switch order {
	case OrderAB:
		return ConditionXAI, nil
	case OrderBA:
		return ConditionNonXAI, nil
	default:
		return "", fmt.Errorf("invalid condition_order %q: must be AB or BA", order)
	}
}

// SwitchedCondition returns the second-half condition for the given order.
// If current does not match what the order predicts for the first half, the
// complement of current is still returned so the experiment can proceed, but
// a warning is logged: that state indicates an upstream sequencing bug, not
// a situation this function can repair.
func SwitchedCondition(order Order, current Condition) Condition {
	expected, err := InitialCondition(order)
	if err != nil || current != expected {
		slog.Warn("condition switch from unexpected state",
			"condition_order", order,
			"current_condition", current,
		)
	}
	return current.Other()
}
