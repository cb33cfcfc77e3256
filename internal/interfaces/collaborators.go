package interfaces

import (
	"context"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
)

// BankConnector submits proposals to one institution's authorization system.
// Errors should be *models.ConnectorError so the orchestrator can tell
// transient failures from permanent ones.
type BankConnector interface {
	BankCode() string
	Submit(ctx context.Context, req models.SubmitRequest) (*models.SubmitResult, error)
	Abort(ctx context.Context, bankCode, externalReference string) (models.AbortStatus, error)
}

// ConnectorRegistry selects a connector by bank code.
type ConnectorRegistry interface {
	Lookup(bankCode string) (BankConnector, bool)
	BankCodes() []string
}

// Notifier is told about every persisted flow transition.
type Notifier interface {
	FlowChanged(ctx context.Context, transition models.FlowTransition) error
}

// ProposalDirectory resolves credit proposals owned by the CRM.
type ProposalDirectory interface {
	// GetProposal returns models.ErrProposalNotFound for unknown ids.
	GetProposal(ctx context.Context, proposalID int64) (*models.Proposal, error)
}

// BankEventApplier is the orchestrator surface the webhook ingestor depends on.
type BankEventApplier interface {
	ApplyBankEvent(ctx context.Context, event models.BankEvent) (models.EventResult, *models.FlowSummary, error)
}

// FlowService is the orchestrator surface the HTTP API depends on.
type FlowService interface {
	Start(ctx context.Context, proposalID int64, bankCode string) (*models.FlowSummary, error)
	Cancel(ctx context.Context, proposalID int64) (*models.CancelResult, error)
	Summary(ctx context.Context, proposalID int64) (*models.FlowSummary, error)
	SupportedBanks() []string
}
