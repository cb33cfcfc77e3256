package models

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyActive     = errors.New("authorization flow already active")
	ErrConflict          = errors.New("non-terminal flow already exists")
	ErrNotFound          = errors.New("authorization flow not found")
	ErrAlreadyTerminal   = errors.New("authorization flow already terminal")
	ErrVersionConflict   = errors.New("authorization flow version conflict")
	ErrUnmatchedEvent    = errors.New("bank event matches no flow")
	ErrEventMismatch     = errors.New("bank event does not match flow")
	ErrUnknownBank       = errors.New("unsupported bank")
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConnector         = errors.New("bank connector error")
)

type AlreadyActiveError struct {
	ProposalID int64
	FlowID     string
	State      FlowState
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("proposal %d already has an active flow %s in state %s", e.ProposalID, e.FlowID, e.State)
}

func (e *AlreadyActiveError) Is(target error) bool { return target == ErrAlreadyActive }

type VersionConflictError struct {
	ProposalID      int64
	ExpectedVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("proposal %d: stored flow version is not %d", e.ProposalID, e.ExpectedVersion)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

type InvalidTransitionError struct {
	From FlowState
	To   FlowState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	if target == ErrInvalidTransition {
		return true
	}
	return target == ErrAlreadyTerminal && e.From.IsTerminal()
}

// ConnectorError is returned by bank connectors. Retryable marks transient failures.
type ConnectorError struct {
	BankCode  string
	Op        string
	Retryable bool
	Err       error
}

func NewTransientError(bankCode, op string, err error) *ConnectorError {
	return &ConnectorError{BankCode: bankCode, Op: op, Retryable: true, Err: err}
}

func NewPermanentError(bankCode, op string, err error) *ConnectorError {
	return &ConnectorError{BankCode: bankCode, Op: op, Retryable: false, Err: err}
}

func (e *ConnectorError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.BankCode, e.Op, kind, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

func (e *ConnectorError) Is(target error) bool { return target == ErrConnector }

// IsRetryable reports whether err is a transient connector failure.
func IsRetryable(err error) bool {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
