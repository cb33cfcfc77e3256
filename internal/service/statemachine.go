package service

import (
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
)

// transitions lists every permitted from -> to edge of the flow lifecycle.
var transitions = map[models.FlowState][]models.FlowState{
	models.StateCreated: {
		models.StateSubmitting,
		models.StateCanceling,
		models.StateFailed,
	},
	models.StateSubmitting: {
		models.StateSubmitting,
		models.StateAwaitingBank,
		models.StateApproved,
		models.StateRejected,
		models.StateFailed,
		models.StateCanceling,
	},
	models.StateAwaitingBank: {
		models.StateApproved,
		models.StateRejected,
		models.StateCanceled,
		models.StateCanceling,
		models.StateFailed,
	},
	models.StateCanceling: {
		models.StateCanceled,
		models.StateApproved,
		models.StateRejected,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.FlowState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns *models.InvalidTransitionError for illegal edges.
func ValidateTransition(from, to models.FlowState) error {
	if !from.IsValid() || !to.IsValid() || !CanTransition(from, to) {
		return &models.InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// validateInvariants checks record-level rules that a single edge check cannot.
func validateInvariants(f *models.AuthorizationFlow) error {
	switch f.State {
	case models.StateCreated, models.StateSubmitting, models.StateFailed:
		if f.ExternalReference != "" {
			return &models.InvalidTransitionError{From: f.State, To: f.State}
		}
	case models.StateAwaitingBank, models.StateApproved, models.StateRejected:
		if f.ExternalReference == "" {
			return &models.InvalidTransitionError{From: f.State, To: f.State}
		}
	}
	return nil
}

// eventTarget decides where a bank outcome takes a flow in its current state.
// ok is false when the outcome cannot be applied from that state.
func eventTarget(current models.FlowState, outcome models.BankOutcome) (models.FlowState, bool) {
	target := outcome.TargetState()
	switch current {
	case models.StateAwaitingBank, models.StateCanceling:
		return target, CanTransition(current, target)
	}
	return "", false
}
