package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

// FlowExpirer retires a stuck flow if it has not changed since it was listed.
type FlowExpirer interface {
	ExpireFlow(ctx context.Context, stale *models.AuthorizationFlow, reason string) (*models.FlowSummary, bool, error)
}

type ReconcilerConfig struct {
	Interval            time.Duration
	BatchSize           int
	BankResponseTimeout time.Duration
	SubmissionTimeout   time.Duration
}

type sweepRule struct {
	state  models.FlowState
	maxAge time.Duration
	reason string
}

// Reconciler periodically retires flows that never heard back from the bank,
// and flows orphaned mid-submission or mid-cancel by a crashed process.
type Reconciler struct {
	store   interfaces.FlowStore
	expirer FlowExpirer
	cfg     ReconcilerConfig
	rules   []sweepRule
	now     func() time.Time

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewReconciler(store interfaces.FlowStore, expirer FlowExpirer, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SubmissionTimeout <= 0 {
		cfg.SubmissionTimeout = 10 * time.Minute
	}
	return &Reconciler{
		store:   store,
		expirer: expirer,
		cfg:     cfg,
		rules: []sweepRule{
			{models.StateAwaitingBank, cfg.BankResponseTimeout, "bank response timeout"},
			{models.StateCreated, cfg.SubmissionTimeout, "submission never started"},
			{models.StateSubmitting, cfg.SubmissionTimeout, "submission interrupted"},
			{models.StateCanceling, cfg.BankResponseTimeout, "abort unconfirmed"},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Name() string { return "reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return errors.New("reconciler is already running")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.isRunning = true

	telemetry.Logger.Info("Reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Duration("bank_response_timeout", r.cfg.BankResponseTimeout),
	)

	go r.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = false
	r.cancel()
	done := r.done
	r.mu.Unlock()

	<-done
	telemetry.Logger.Info("Reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			telemetry.Logger.Error("Reconciliation sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep and returns how many flows it retired.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	expired := 0
	var errs []error

	for _, rule := range r.rules {
		if rule.maxAge <= 0 {
			continue
		}
		stale, err := r.store.ListStale(ctx, rule.state, now.Add(-rule.maxAge), r.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stale %s flows: %w", rule.state, err))
			continue
		}

		for _, f := range stale {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			summary, applied, err := r.expirer.ExpireFlow(ctx, f, rule.reason)
			if err != nil {
				telemetry.Logger.Warn("Failed to expire flow",
					zap.Int64("proposal_id", f.ProposalID),
					zap.String("flow_id", f.FlowID),
					zap.Error(err),
				)
				errs = append(errs, err)
				continue
			}
			if !applied {
				continue
			}
			expired++
			telemetry.Logger.Info("Expired stale authorization flow",
				zap.Int64("proposal_id", f.ProposalID),
				zap.String("flow_id", f.FlowID),
				zap.String("from_state", string(f.State)),
				zap.String("to_state", string(summary.State)),
				zap.String("reason", rule.reason),
			)
		}
	}

	return expired, errors.Join(errs...)
}
