package models

import (
	"encoding/json"
	"strings"
	"time"
)

// BankOutcome is the terminal decision a bank reports for a submission.
type BankOutcome string

const (
	OutcomeApproved BankOutcome = "APPROVED"
	OutcomeRejected BankOutcome = "REJECTED"
	OutcomeAborted  BankOutcome = "ABORTED"
)

// ParseBankOutcome normalizes the outcome spellings banks send.
func ParseBankOutcome(raw string) (BankOutcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVED", "APPROVE", "ACCEPTED":
		return OutcomeApproved, true
	case "REJECTED", "REJECT", "DENIED":
		return OutcomeRejected, true
	case "ABORTED", "CANCELED", "CANCELLED":
		return OutcomeAborted, true
	}
	return "", false
}

// TargetState is the state a flow ends in when the outcome is applied.
func (o BankOutcome) TargetState() FlowState {
	switch o {
	case OutcomeApproved:
		return StateApproved
	case OutcomeRejected:
		return StateRejected
	default:
		return StateCanceled
	}
}

// BankEvent is a normalized, authenticated asynchronous notification from a bank.
type BankEvent struct {
	EventID           string      `json:"event_id,omitempty"`
	ExternalReference string      `json:"external_reference"`
	Outcome           BankOutcome `json:"outcome"`
	BankCode          string      `json:"bank_code"`
	OccurredAt        time.Time   `json:"occurred_at"`
}

type EventResult string

const (
	EventApplied   EventResult = "applied"
	EventDuplicate EventResult = "duplicate"
	EventIgnored   EventResult = "ignored"
	EventUnmatched EventResult = "unmatched"
)

// Proposal is the slice of CRM data a connector needs to submit a credit proposal.
type Proposal struct {
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SubmitStatus string

const (
	SubmitPending  SubmitStatus = "PENDING"
	SubmitApproved SubmitStatus = "APPROVED"
	SubmitRejected SubmitStatus = "REJECTED"
)

type SubmitRequest struct {
	FlowID   string   `json:"flow_id"`
	BankCode string   `json:"bank_code"`
	Attempt  int      `json:"attempt"`
	Proposal Proposal `json:"proposal"`
}

// SubmitResult is the connector's acknowledgement. ExternalReference is mandatory.
type SubmitResult struct {
	Status            SubmitStatus `json:"status"`
	ExternalReference string       `json:"external_reference"`
}

type AbortStatus string

const (
	// AbortConfirmed means the bank dropped the submission.
	AbortConfirmed AbortStatus = "CONFIRMED"
	// AbortAccepted means the bank will report the abort later with an ABORTED event.
	AbortAccepted AbortStatus = "ACCEPTED"
	// AbortTooLate means the bank already committed a decision.
	AbortTooLate AbortStatus = "TOO_LATE"
)
