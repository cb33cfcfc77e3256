package models

import "time"

type FlowState string

const (
	StateCreated      FlowState = "CREATED"
	StateSubmitting   FlowState = "SUBMITTING"
	StateAwaitingBank FlowState = "AWAITING_BANK"
	StateApproved     FlowState = "APPROVED"
	StateRejected     FlowState = "REJECTED"
	StateCanceling    FlowState = "CANCELING"
	StateCanceled     FlowState = "CANCELED"
	StateFailed       FlowState = "FAILED"
)

// TerminalStates never transition further.
var TerminalStates = []FlowState{StateApproved, StateRejected, StateCanceled, StateFailed}

func (s FlowState) String() string { return string(s) }

func (s FlowState) IsTerminal() bool {
	switch s {
	case StateApproved, StateRejected, StateCanceled, StateFailed:
		return true
	}
	return false
}

func (s FlowState) IsValid() bool {
	switch s {
	case StateCreated, StateSubmitting, StateAwaitingBank, StateApproved,
		StateRejected, StateCanceling, StateCanceled, StateFailed:
		return true
	}
	return false
}

// AuthorizationFlow is one attempt to get a credit proposal authorized by one bank.
type AuthorizationFlow struct {
	FlowID            string    `json:"flow_id"`
	ProposalID        int64     `json:"proposal_id"`
	BankCode          string    `json:"bank_code"`
	State             FlowState `json:"state"`
	ExternalReference string    `json:"external_reference,omitempty"`
	Attempts          int       `json:"attempts"`
	LastError         string    `json:"last_error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Version           int64     `json:"version"`
}

func (f *AuthorizationFlow) Clone() *AuthorizationFlow {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func (f *AuthorizationFlow) Summary() FlowSummary {
	return FlowSummary{
		ProposalID:        f.ProposalID,
		FlowID:            f.FlowID,
		BankCode:          f.BankCode,
		State:             f.State,
		ExternalReference: f.ExternalReference,
		Attempts:          f.Attempts,
		LastError:         f.LastError,
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.UpdatedAt,
		Version:           f.Version,
	}
}

// FlowSummary is the read-only snapshot handed to API callers.
type FlowSummary struct {
	ProposalID        int64     `json:"proposal_id"`
	FlowID            string    `json:"flow_id"`
	BankCode          string    `json:"bank_code"`
	State             FlowState `json:"state"`
	ExternalReference string    `json:"external_reference,omitempty"`
	Attempts          int       `json:"attempts"`
	LastError         string    `json:"last_error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Version           int64     `json:"version"`
}

// FlowTransition is what the notification sink receives after every persisted transition.
type FlowTransition struct {
	ProposalID int64             `json:"proposal_id"`
	FlowID     string            `json:"flow_id"`
	BankCode   string            `json:"bank_code"`
	From       FlowState         `json:"from_state"`
	To         FlowState         `json:"to_state"`
	Version    int64             `json:"version"`
	Flow       FlowSummary       `json:"flow"`
	OccurredAt time.Time         `json:"timestamp"`
	Trigger    TransitionTrigger `json:"trigger"`
}

type TransitionTrigger string

const (
	TriggerStart         TransitionTrigger = "start"
	TriggerSubmit        TransitionTrigger = "submit"
	TriggerRetry         TransitionTrigger = "retry"
	TriggerAcknowledged  TransitionTrigger = "acknowledged"
	TriggerDecision      TransitionTrigger = "decision"
	TriggerConnectorFail TransitionTrigger = "connector_failure"
	TriggerCancel        TransitionTrigger = "cancel"
	TriggerAbortResult   TransitionTrigger = "abort_result"
	TriggerBankEvent     TransitionTrigger = "bank_event"
	TriggerTimeout       TransitionTrigger = "timeout"
)

// CancelOutcome tells the caller what a cancel request actually achieved.
type CancelOutcome string

const (
	CancelPending  CancelOutcome = "CANCELING"
	CancelApplied  CancelOutcome = "CANCELED"
	CancelTooLate  CancelOutcome = "TOO_LATE"
	CancelNoChange CancelOutcome = "ALREADY_CANCELING"
)

type CancelResult struct {
	Flow    FlowSummary   `json:"flow"`
	Outcome CancelOutcome `json:"cancel_outcome"`
}
