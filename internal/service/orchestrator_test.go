package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/connector"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/repository"
)

type submitStep struct {
	status models.SubmitStatus
	err    error
}

// scriptedConnector plays back submit steps in order, repeating the last one.
type scriptedConnector struct {
	mu       sync.Mutex
	code     string
	steps    []submitStep
	submits  int
	abort    models.AbortStatus
	abortErr error
	aborted  []string

	entered chan struct{}
	release chan struct{}
}

func newScripted(code string, steps ...submitStep) *scriptedConnector {
	return &scriptedConnector{code: code, steps: steps, abort: models.AbortConfirmed}
}

func (c *scriptedConnector) BankCode() string { return c.code }

func (c *scriptedConnector) Submit(ctx context.Context, req models.SubmitRequest) (*models.SubmitResult, error) {
	c.mu.Lock()
	c.submits++
	n := c.submits
	step := submitStep{status: models.SubmitPending}
	if len(c.steps) > 0 {
		step = c.steps[min(n-1, len(c.steps)-1)]
	}
	c.mu.Unlock()

	if c.entered != nil {
		c.entered <- struct{}{}
		<-c.release
	}
	if step.err != nil {
		return nil, step.err
	}
	return &models.SubmitResult{Status: step.status, ExternalReference: fmt.Sprintf("%s-REF-%d-%d", c.code, req.Proposal.ID, n)}, nil
}

func (c *scriptedConnector) Abort(ctx context.Context, bankCode, externalReference string) (models.AbortStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = append(c.aborted, externalReference)
	return c.abort, c.abortErr
}

func (c *scriptedConnector) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []models.FlowTransition
}

func (n *recordingNotifier) FlowChanged(ctx context.Context, t models.FlowTransition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, t)
	return nil
}

func (n *recordingNotifier) states() []models.FlowState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.FlowState, 0, len(n.transitions))
	for _, t := range n.transitions {
		out = append(out, t.To)
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	store    *repository.MemoryFlowStore
	conn     *scriptedConnector
	notifier *recordingNotifier
}

func newFixture(t *testing.T, conn *scriptedConnector, tweak ...func(*Config)) *fixture {
	t.Helper()
	cfg := Config{
		MaxSubmitAttempts: 3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		MaxCASRetries:     10,
		SupportedBanks:    []string{"itau", "bradesco"},
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	store := repository.NewMemoryFlowStore()
	notifier := &recordingNotifier{}
	orch := NewOrchestrator(store, connector.NewRegistry(conn), repository.StaticProposalDirectory{}, notifier, cfg)
	return &fixture{orch: orch, store: store, conn: conn, notifier: notifier}
}

func (f *fixture) event(ref string, outcome models.BankOutcome) models.BankEvent {
	return models.BankEvent{ExternalReference: ref, Outcome: outcome, BankCode: f.conn.code}
}

func TestStart_AwaitsBankThenApproves(t *testing.T) {
	f := newFixture(t, newScripted("itau"))
	ctx := context.Background()

	s, err := f.orch.Start(ctx, 1, "itau")
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingBank, s.State)
	assert.NotEmpty(t, s.ExternalReference)
	assert.Equal(t, 1, s.Attempts)

	res, approved, err := f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, models.OutcomeApproved))
	require.NoError(t, err)
	assert.Equal(t, models.EventApplied, res)
	assert.Equal(t, models.StateApproved, approved.State)

	// A replayed decision changes nothing.
	res, again, err := f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, models.OutcomeApproved))
	require.NoError(t, err)
	assert.Equal(t, models.EventDuplicate, res)
	assert.Equal(t, approved.Version, again.Version)

	assert.Equal(t, []models.FlowState{
		models.StateCreated,
		models.StateSubmitting,
		models.StateAwaitingBank,
		models.StateApproved,
	}, f.notifier.states())
}

func TestStart_NotificationsFollowVersionOrder(t *testing.T) {
	f := newFixture(t, newScripted("itau"))

	_, err := f.orch.Start(context.Background(), 1, "itau")
	require.NoError(t, err)

	var last int64
	for _, tr := range f.notifier.transitions {
		assert.Greater(t, tr.Version, last)
		last = tr.Version
	}
}

func TestStart_ImmediateDecision(t *testing.T) {
	f := newFixture(t, newScripted("itau", submitStep{status: models.SubmitRejected}))

	s, err := f.orch.Start(context.Background(), 7, "itau")
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, s.State)
	assert.NotEmpty(t, s.ExternalReference)
}

func TestStart_RejectsSecondActiveFlow(t *testing.T) {
	f := newFixture(t, newScripted("itau"))
	ctx := context.Background()

	first, err := f.orch.Start(ctx, 1, "itau")
	require.NoError(t, err)

	_, err = f.orch.Start(ctx, 1, "itau")
	require.ErrorIs(t, err, models.ErrAlreadyActive)

	var active *models.AlreadyActiveError
	require.True(t, errors.As(err, &active))
	assert.Equal(t, first.FlowID, active.FlowID)
	assert.Equal(t, models.StateAwaitingBank, active.State)
	assert.Equal(t, 1, f.conn.submitCount())
}

func TestStart_NewFlowAfterTerminal(t *testing.T) {
	f := newFixture(t, newScripted("itau"))
	ctx := context.Background()

	first, err := f.orch.Start(ctx, 1, "itau")
	require.NoError(t, err)
	_, _, err = f.orch.ApplyBankEvent(ctx, f.event(first.ExternalReference, models.OutcomeRejected))
	require.NoError(t, err)

	second, err := f.orch.Start(ctx, 1, "itau")
	require.NoError(t, err)
	assert.NotEqual(t, first.FlowID, second.FlowID)
	assert.Len(t, f.store.History(1), 2)

	// A late replay for the retired flow is still recognized.
	res, s, err := f.orch.ApplyBankEvent(ctx, f.event(first.ExternalReference, models.OutcomeRejected))
	require.NoError(t, err)
	assert.Equal(t, models.EventDuplicate, res)
	assert.Equal(t, first.FlowID, s.FlowID)

	cur, err := f.orch.Summary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.FlowID, cur.FlowID)
}

func TestStart_UnknownBank(t *testing.T) {
	f := newFixture(t, newScripted("itau"))

	_, err := f.orch.Start(context.Background(), 1, "nubank")
	assert.ErrorIs(t, err, models.ErrUnknownBank)

	// Configured but without a connector.
	_, err = f.orch.Start(context.Background(), 1, "bradesco")
	assert.ErrorIs(t, err, models.ErrUnknownBank)

	_, err = f.orch.Summary(context.Background(), 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStart_UnknownProposal(t *testing.T) {
	f := newFixture(t, newScripted("itau"))

	_, err := f.orch.Start(context.Background(), 0, "itau")
	assert.ErrorIs(t, err, models.ErrProposalNotFound)
	assert.Zero(t, f.conn.submitCount())
}

func TestStart_RetriesTransientFailures(t *testing.T) {
	transient := models.NewTransientError("itau", "submit", errors.New("gateway timeout"))

	t.Run("succeeds within budget", func(t *testing.T) {
		f := newFixture(t, newScripted("itau",
			submitStep{err: transient},
			submitStep{err: transient},
			submitStep{status: models.SubmitPending},
		))

		s, err := f.orch.Start(context.Background(), 1, "itau")
		require.NoError(t, err)
		assert.Equal(t, models.StateAwaitingBank, s.State)
		assert.Equal(t, 3, s.Attempts)
		assert.Empty(t, s.LastError)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		f := newFixture(t, newScripted("itau",
			submitStep{err: transient},
			submitStep{err: transient},
			submitStep{status: models.SubmitPending},
		), func(c *Config) { c.MaxSubmitAttempts = 2 })

		s, err := f.orch.Start(context.Background(), 1, "itau")
		require.Error(t, err)
		assert.True(t, models.IsRetryable(err))
		require.NotNil(t, s)
		assert.Equal(t, models.StateFailed, s.State)
		assert.Equal(t, 2, s.Attempts)
		assert.Empty(t, s.ExternalReference)
		assert.Contains(t, s.LastError, "gateway timeout")
		assert.Equal(t, 2, f.conn.submitCount())
	})
}

func TestStart_PermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, newScripted("itau",
		submitStep{err: models.NewPermanentError("itau", "submit", errors.New("invalid proposal"))},
	))

	s, err := f.orch.Start(context.Background(), 1, "itau")
	var ce *models.ConnectorError
	require.True(t, errors.As(err, &ce))
	assert.False(t, ce.Retryable)
	assert.Equal(t, models.StateFailed, s.State)
	assert.Equal(t, 1, f.conn.submitCount())

	// FAILED is terminal, so a fresh flow may start.
	f.conn.steps = nil
	_, err = f.orch.Start(context.Background(), 1, "itau")
	assert.NoError(t, err)
}

func TestCancel_AwaitingBank(t *testing.T) {
	tests := []struct {
		name        string
		abort       models.AbortStatus
		abortErr    error
		wantState   models.FlowState
		wantOutcome models.CancelOutcome
	}{
		{"abort confirmed", models.AbortConfirmed, nil, models.StateCanceled, models.CancelApplied},
		{"abort accepted", models.AbortAccepted, nil, models.StateCanceling, models.CancelPending},
		{"bank already decided", models.AbortTooLate, nil, models.StateCanceling, models.CancelTooLate},
		{"abort call failed", "", errors.New("bank offline"), models.StateCanceling, models.CancelPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newScripted("itau")
			conn.abort, conn.abortErr = tt.abort, tt.abortErr
			f := newFixture(t, conn)
			ctx := context.Background()

			started, err := f.orch.Start(ctx, 1, "itau")
			require.NoError(t, err)

			res, err := f.orch.Cancel(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, res.Flow.State)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, []string{started.ExternalReference}, conn.aborted)
			if tt.abortErr != nil {
				assert.Contains(t, res.Flow.LastError, "bank offline")
			}
		})
	}
}

func TestCancel_ResolvedByBankEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("aborted event completes cancel", func(t *testing.T) {
		conn := newScripted("itau")
		conn.abort = models.AbortAccepted
		f := newFixture(t, conn)

		s, err := f.orch.Start(ctx, 1, "itau")
		require.NoError(t, err)
		_, err = f.orch.Cancel(ctx, 1)
		require.NoError(t, err)

		res, out, err := f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, models.OutcomeAborted))
		require.NoError(t, err)
		assert.Equal(t, models.EventApplied, res)
		assert.Equal(t, models.StateCanceled, out.State)
	})

	t.Run("approval wins over late cancel", func(t *testing.T) {
		conn := newScripted("itau")
		conn.abort = models.AbortTooLate
		f := newFixture(t, conn)

		s, err := f.orch.Start(ctx, 1, "itau")
		require.NoError(t, err)
		_, err = f.orch.Cancel(ctx, 1)
		require.NoError(t, err)

		_, out, err := f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, models.OutcomeApproved))
		require.NoError(t, err)
		assert.Equal(t, models.StateApproved, out.State)
	})
}

func TestCancel_Idempotent(t *testing.T) {
	conn := newScripted("itau")
	conn.abort = models.AbortAccepted
	f := newFixture(t, conn)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, 1, "itau")
	require.NoError(t, err)

	first, err := f.orch.Cancel(ctx, 1)
	require.NoError(t, err)
	second, err := f.orch.Cancel(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, models.CancelNoChange, second.Outcome)
	assert.Equal(t, first.Flow.Version, second.Flow.Version)
	assert.Len(t, conn.aborted, 1)
}

func TestCancel_TerminalAndMissing(t *testing.T) {
	f := newFixture(t, newScripted("itau", submitStep{status: models.SubmitApproved}))
	ctx := context.Background()

	_, err := f.orch.Cancel(ctx, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.orch.Start(ctx, 1, "itau")
	require.NoError(t, err)

	_, err = f.orch.Cancel(ctx, 1)
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
}

func TestCancel_DuringSubmission(t *testing.T) {
	conn := newScripted("itau")
	conn.entered = make(chan struct{})
	conn.release = make(chan struct{})
	f := newFixture(t, conn)
	ctx := context.Background()

	done := make(chan *models.FlowSummary, 1)
	go func() {
		s, err := f.orch.Start(ctx, 1, "itau")
		assert.NoError(t, err)
		done <- s
	}()

	<-conn.entered
	res, err := f.orch.Cancel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.CancelPending, res.Outcome)
	assert.Equal(t, models.StateCanceling, res.Flow.State)
	close(conn.release)

	final := <-done
	assert.Equal(t, models.StateCanceled, final.State)
	require.Len(t, conn.aborted, 1, "the issued reference must be aborted")
	assert.Equal(t, final.ExternalReference, conn.aborted[0])
}

func TestApplyBankEvent_Unmatched(t *testing.T) {
	f := newFixture(t, newScripted("itau"))

	res, s, err := f.orch.ApplyBankEvent(context.Background(), f.event("NOPE", models.OutcomeApproved))
	assert.ErrorIs(t, err, models.ErrUnmatchedEvent)
	assert.Equal(t, models.EventUnmatched, res)
	assert.Nil(t, s)
}

func TestApplyBankEvent_BankMismatch(t *testing.T) {
	f := newFixture(t, newScripted("itau"))
	ctx := context.Background()

	s, err := f.orch.Start(ctx, 1, "itau")
	require.NoError(t, err)

	ev := f.event(s.ExternalReference, models.OutcomeApproved)
	ev.BankCode = "bradesco"
	_, _, err = f.orch.ApplyBankEvent(ctx, ev)
	assert.ErrorIs(t, err, models.ErrEventMismatch)

	cur, err := f.orch.Summary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingBank, cur.State)
}

func TestApplyBankEvent_TerminalIsAbsorbing(t *testing.T) {
	f := newFixture(t, newScripted("itau"))
	ctx := context.Background()

	s, err := f.orch.Start(ctx, 1, "itau")
	require.NoError(t, err)
	_, approved, err := f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, models.OutcomeApproved))
	require.NoError(t, err)

	res, after, err := f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, models.OutcomeRejected))
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
	assert.Equal(t, models.EventIgnored, res)
	assert.Equal(t, models.StateApproved, after.State)
	assert.Equal(t, approved.Version, after.Version)
}

func TestConcurrentStarts_OneWins(t *testing.T) {
	f := newFixture(t, newScripted("itau"))
	ctx := context.Background()

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		refused int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Start(ctx, 1, "itau")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, models.ErrAlreadyActive):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, refused)
	assert.Equal(t, 1, f.conn.submitCount())
}

func TestConcurrentBankEvents_OneDecisionSticks(t *testing.T) {
	f := newFixture(t, newScripted("itau"))
	ctx := context.Background()

	s, err := f.orch.Start(ctx, 1, "itau")
	require.NoError(t, err)

	outcomes := []models.BankOutcome{
		models.OutcomeApproved, models.OutcomeRejected,
		models.OutcomeApproved, models.OutcomeRejected,
		models.OutcomeAborted, models.OutcomeApproved,
	}
	results := make([]models.EventResult, len(outcomes))

	var wg sync.WaitGroup
	for i, o := range outcomes {
		wg.Add(1)
		go func(i int, o models.BankOutcome) {
			defer wg.Done()
			results[i], _, _ = f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, o))
		}(i, o)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r == models.EventApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	final, err := f.orch.Summary(ctx, 1)
	require.NoError(t, err)
	assert.True(t, final.State.IsTerminal())
	assert.Equal(t, s.Version+1, final.Version)
}

func TestConcurrentCancelAndApproval(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, newScripted("itau"))
		ctx := context.Background()

		s, err := f.orch.Start(ctx, 1, "itau")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			cancelRes *models.CancelResult
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelRes, cancelErr = f.orch.Cancel(ctx, 1)
		}()
		go func() {
			defer wg.Done()
			_, _, _ = f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, models.OutcomeApproved))
		}()
		wg.Wait()

		final, err := f.orch.Summary(ctx, 1)
		require.NoError(t, err)
		require.True(t, final.State == models.StateApproved || final.State == models.StateCanceled,
			"unexpected final state %s", final.State)

		if cancelErr != nil {
			assert.ErrorIs(t, cancelErr, models.ErrAlreadyTerminal)
			assert.Equal(t, models.StateApproved, final.State)
			continue
		}
		if final.State == models.StateApproved {
			assert.Equal(t, models.CancelTooLate, cancelRes.Outcome)
		} else {
			assert.Equal(t, models.CancelApplied, cancelRes.Outcome)
		}
	}
}

func TestExpireFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("awaiting bank fails and drops reference", func(t *testing.T) {
		f := newFixture(t, newScripted("itau"))
		s, err := f.orch.Start(ctx, 1, "itau")
		require.NoError(t, err)

		stale, err := f.store.Get(ctx, 1)
		require.NoError(t, err)

		out, applied, err := f.orch.ExpireFlow(ctx, stale, "bank response timeout")
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, models.StateFailed, out.State)
		assert.Empty(t, out.ExternalReference)
		assert.Contains(t, out.LastError, s.ExternalReference)

		res, _, err := f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, models.OutcomeApproved))
		assert.ErrorIs(t, err, models.ErrUnmatchedEvent)
		assert.Equal(t, models.EventUnmatched, res)
	})

	t.Run("skips flows that moved on", func(t *testing.T) {
		f := newFixture(t, newScripted("itau"))
		s, err := f.orch.Start(ctx, 1, "itau")
		require.NoError(t, err)

		stale, err := f.store.Get(ctx, 1)
		require.NoError(t, err)
		_, _, err = f.orch.ApplyBankEvent(ctx, f.event(s.ExternalReference, models.OutcomeApproved))
		require.NoError(t, err)

		out, applied, err := f.orch.ExpireFlow(ctx, stale, "bank response timeout")
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, models.StateApproved, out.State)
	})
}

func TestSupportedBanks(t *testing.T) {
	f := newFixture(t, newScripted("itau"))
	assert.Equal(t, []string{"itau"}, f.orch.SupportedBanks())
}
