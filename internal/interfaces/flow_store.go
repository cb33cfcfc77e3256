package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
)

// FlowStore defines the durable storage contract for authorization flows.
// Implementations must make Create and CompareAndSwap atomic per proposal.
type FlowStore interface {
	// Create fails with models.ErrConflict when the proposal already has a non-terminal flow.
	Create(ctx context.Context, flow *models.AuthorizationFlow) error
	// Get returns the proposal's current (most recent) flow or models.ErrNotFound.
	Get(ctx context.Context, proposalID int64) (*models.AuthorizationFlow, error)
	// GetByExternalReference resolves an inbound bank event to its flow.
	GetByExternalReference(ctx context.Context, externalReference string) (*models.AuthorizationFlow, error)
	// CompareAndSwap persists next with version expectedVersion+1, or fails with
	// *models.VersionConflictError when the stored version differs.
	CompareAndSwap(ctx context.Context, proposalID int64, expectedVersion int64, next *models.AuthorizationFlow) error
	// ListStale returns flows in state whose last update is older than updatedBefore.
	ListStale(ctx context.Context, state models.FlowState, updatedBefore time.Time, limit int) ([]*models.AuthorizationFlow, error)
}
