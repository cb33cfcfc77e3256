package connector

import (
	"context"

	"github.com/google/uuid"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
)

var _ interfaces.BankConnector = (*SandboxConnector)(nil)

// SandboxConnector accepts every submission asynchronously and confirms every
// abort. Decisions arrive only through webhook events posted by hand.
type SandboxConnector struct {
	bankCode string
}

func NewSandboxConnector(bankCode string) *SandboxConnector {
	return &SandboxConnector{bankCode: bankCode}
}

func (c *SandboxConnector) BankCode() string { return c.bankCode }

func (c *SandboxConnector) Submit(ctx context.Context, req models.SubmitRequest) (*models.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewTransientError(c.bankCode, "submit", err)
	}
	return &models.SubmitResult{
		Status:            models.SubmitPending,
		ExternalReference: "SBX-" + uuid.NewString(),
	}, nil
}

func (c *SandboxConnector) Abort(ctx context.Context, bankCode, externalReference string) (models.AbortStatus, error) {
	return models.AbortConfirmed, nil
}
