package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/connector"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/repository"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/service"
)

func newOrchestrator(store interfaces.FlowStore) *service.Orchestrator {
	return service.NewOrchestrator(
		store,
		connector.NewRegistry(connector.NewSandboxConnector("itau")),
		repository.StaticProposalDirectory{},
		nil,
		service.Config{SupportedBanks: []string{"itau"}},
	)
}

func stuckSubmitting(t *testing.T, store *repository.MemoryFlowStore, proposalID int64) {
	t.Helper()
	ctx := context.Background()
	f := &models.AuthorizationFlow{FlowID: "orphan", ProposalID: proposalID, BankCode: "itau", State: models.StateCreated}
	require.NoError(t, store.Create(ctx, f))
	next := f.Clone()
	next.State = models.StateSubmitting
	next.Attempts = 1
	require.NoError(t, store.CompareAndSwap(ctx, proposalID, f.Version, next))
}

func TestReconciler_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryFlowStore()
	orch := newOrchestrator(store)

	waiting, err := orch.Start(ctx, 1, "itau")
	require.NoError(t, err)

	decided, err := orch.Start(ctx, 2, "itau")
	require.NoError(t, err)
	_, _, err = orch.ApplyBankEvent(ctx, models.BankEvent{ExternalReference: decided.ExternalReference, Outcome: models.OutcomeApproved})
	require.NoError(t, err)

	stuckSubmitting(t, store, 3)

	r := NewReconciler(store, orch, ReconcilerConfig{
		BankResponseTimeout: 72 * time.Hour,
		SubmissionTimeout:   10 * time.Minute,
	})

	// Nothing is old enough yet.
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	r.now = func() time.Time { return time.Now().UTC().Add(73 * time.Hour) }
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s, err := orch.Summary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, s.State)
	assert.Empty(t, s.ExternalReference)
	assert.Contains(t, s.LastError, "bank response timeout")
	assert.Contains(t, s.LastError, waiting.ExternalReference)

	s, err = orch.Summary(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, s.State)

	s, err = orch.Summary(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, s.State)
	assert.Equal(t, "submission interrupted", s.LastError)

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// flakyStore fails the next compare-and-swap once, like a dropped connection.
type flakyStore struct {
	*repository.MemoryFlowStore
	failNextCAS bool
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, proposalID int64, expectedVersion int64, next *models.AuthorizationFlow) error {
	if s.failNextCAS {
		s.failNextCAS = false
		return errors.New("db connection reset")
	}
	return s.MemoryFlowStore.CompareAndSwap(ctx, proposalID, expectedVersion, next)
}

func TestReconciler_RetiresFlowStuckInCreated(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryFlowStore: repository.NewMemoryFlowStore(), failNextCAS: true}
	orch := newOrchestrator(store)

	_, err := orch.Start(ctx, 42, "itau")
	require.ErrorContains(t, err, "db connection reset")

	s, err := orch.Summary(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, models.StateCreated, s.State)

	_, err = orch.Start(ctx, 42, "itau")
	require.ErrorIs(t, err, models.ErrAlreadyActive)

	r := NewReconciler(store, orch, ReconcilerConfig{
		BankResponseTimeout: time.Hour,
		SubmissionTimeout:   10 * time.Minute,
	})
	r.now = func() time.Time { return time.Now().UTC().Add(11 * time.Minute) }

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err = orch.Summary(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, s.State)
	assert.Equal(t, "submission never started", s.LastError)

	s, err = orch.Start(ctx, 42, "itau")
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingBank, s.State)
}

type failingExpirer struct{}

func (failingExpirer) ExpireFlow(ctx context.Context, stale *models.AuthorizationFlow, reason string) (*models.FlowSummary, bool, error) {
	return nil, false, errors.New("store unavailable")
}

func TestReconciler_ReportsFailures(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryFlowStore()
	_, err := newOrchestrator(store).Start(ctx, 1, "itau")
	require.NoError(t, err)

	r := NewReconciler(store, failingExpirer{}, ReconcilerConfig{BankResponseTimeout: time.Hour})
	r.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	n, err := r.RunOnce(ctx)
	assert.Zero(t, n)
	assert.ErrorContains(t, err, "store unavailable")
}

func TestReconciler_StartStop(t *testing.T) {
	store := repository.NewMemoryFlowStore()
	r := NewReconciler(store, newOrchestrator(store), ReconcilerConfig{
		Interval:            10 * time.Millisecond,
		BankResponseTimeout: time.Hour,
	})

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop()
	assert.Equal(t, "reconciler", r.Name())
}
