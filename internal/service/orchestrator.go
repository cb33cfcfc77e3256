package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

var (
	_ interfaces.BankEventApplier = (*Orchestrator)(nil)
	_ interfaces.FlowService      = (*Orchestrator)(nil)
)

// Config carries the orchestrator's tunables. It is injected at construction.
type Config struct {
	MaxSubmitAttempts int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxCASRetries     int
	SupportedBanks    []string
}

func DefaultConfig() Config {
	return Config{
		MaxSubmitAttempts: 3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		MaxCASRetries:     5,
	}
}

// Orchestrator owns the authorization flow state machine. It keeps no
// in-process locks: every transition is a re-read followed by a store
// compare-and-swap, so several instances can share one store.
type Orchestrator struct {
	store     interfaces.FlowStore
	registry  interfaces.ConnectorRegistry
	proposals interfaces.ProposalDirectory
	notifier  interfaces.Notifier
	cfg       Config

	newID func() string
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	store interfaces.FlowStore,
	registry interfaces.ConnectorRegistry,
	proposals interfaces.ProposalDirectory,
	notifier interfaces.Notifier,
	cfg Config,
) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxSubmitAttempts < 1 {
		cfg.MaxSubmitAttempts = def.MaxSubmitAttempts
	}
	if cfg.MaxCASRetries < 1 {
		cfg.MaxCASRetries = def.MaxCASRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.SupportedBanks == nil {
		cfg.SupportedBanks = registry.BankCodes()
	}

	return &Orchestrator{
		store:     store,
		registry:  registry,
		proposals: proposals,
		notifier:  notifier,
		cfg:       cfg,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
	}
}

// SupportedBanks lists configured banks that have a registered connector.
func (o *Orchestrator) SupportedBanks() []string {
	out := make([]string, 0, len(o.cfg.SupportedBanks))
	for _, code := range o.cfg.SupportedBanks {
		if _, ok := o.registry.Lookup(code); ok {
			out = append(out, code)
		}
	}
	return out
}

func (o *Orchestrator) connectorFor(bankCode string) (interfaces.BankConnector, error) {
	for _, code := range o.cfg.SupportedBanks {
		if code == bankCode {
			if c, ok := o.registry.Lookup(bankCode); ok {
				return c, nil
			}
			break
		}
	}
	return nil, fmt.Errorf("bank %q: %w", bankCode, models.ErrUnknownBank)
}

// Start creates a flow for the proposal and submits it to the bank. It returns
// once the flow is AWAITING_BANK or reached a terminal state synchronously.
// When the connector failed the flow, the summary is returned together with
// the *models.ConnectorError.
func (o *Orchestrator) Start(ctx context.Context, proposalID int64, bankCode string) (summary *models.FlowSummary, err error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.Start", proposalID)
	defer func() { endSpan(span, err) }()

	conn, err := o.connectorFor(bankCode)
	if err != nil {
		return nil, err
	}
	proposal, err := o.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	flow := &models.AuthorizationFlow{
		FlowID:     o.newID(),
		ProposalID: proposalID,
		BankCode:   bankCode,
		State:      models.StateCreated,
	}
	if err := o.store.Create(ctx, flow); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		active := &models.AlreadyActiveError{ProposalID: proposalID}
		if cur, getErr := o.store.Get(ctx, proposalID); getErr == nil {
			active.FlowID, active.State = cur.FlowID, cur.State
		}
		return nil, active
	}
	o.emit(ctx, nil, flow, models.TriggerStart)

	telemetry.Logger.Info("Authorization flow created",
		zap.Int64("proposal_id", proposalID),
		zap.String("flow_id", flow.FlowID),
		zap.String("bank_code", bankCode),
	)

	// The bank may act on the submission even if our caller goes away, so the
	// bookkeeping from here on must not be cut short by the request context.
	ctx = context.WithoutCancel(ctx)

	cur, applied, err := o.transition(ctx, proposalID, flow.FlowID, models.TriggerSubmit, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
		if c.State != models.StateCreated {
			return nil, nil
		}
		n := c.Clone()
		n.State = models.StateSubmitting
		n.Attempts = 1
		return n, nil
	})
	if err != nil {
		return summaryOf(cur), err
	}
	if !applied {
		// Canceled before submission began.
		final, _, err := o.completeCancel(ctx, cur, conn)
		return summaryOf(final), err
	}

	return o.submit(ctx, cur, conn, proposal)
}

func (o *Orchestrator) submit(ctx context.Context, cur *models.AuthorizationFlow, conn interfaces.BankConnector, proposal *models.Proposal) (*models.FlowSummary, error) {
	bo := o.newBackOff()

	for {
		res, callErr := conn.Submit(ctx, models.SubmitRequest{
			FlowID:   cur.FlowID,
			BankCode: cur.BankCode,
			Attempt:  cur.Attempts,
			Proposal: *proposal,
		})
		if callErr == nil {
			return o.recordAcknowledgement(ctx, cur, conn, res)
		}

		telemetry.Logger.Warn("Bank submission attempt failed",
			zap.Int64("proposal_id", cur.ProposalID),
			zap.String("flow_id", cur.FlowID),
			zap.Int("attempt", cur.Attempts),
			zap.Bool("retryable", models.IsRetryable(callErr)),
			zap.Error(callErr),
		)

		var wait time.Duration = backoff.Stop
		if models.IsRetryable(callErr) {
			wait = bo.NextBackOff()
		}
		if wait == backoff.Stop {
			return o.failSubmission(ctx, cur, conn, callErr)
		}
		if err := o.sleep(ctx, wait); err != nil {
			return o.failSubmission(ctx, cur, conn, fmt.Errorf("submission interrupted: %w", err))
		}

		next, applied, err := o.transition(ctx, cur.ProposalID, cur.FlowID, models.TriggerRetry, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
			if c.State != models.StateSubmitting {
				return nil, nil
			}
			n := c.Clone()
			n.Attempts++
			n.LastError = callErr.Error()
			return n, nil
		})
		if err != nil {
			return summaryOf(next), err
		}
		if !applied {
			final, _, err := o.completeCancel(ctx, next, conn)
			return summaryOf(final), err
		}
		cur = next
	}
}

func (o *Orchestrator) failSubmission(ctx context.Context, cur *models.AuthorizationFlow, conn interfaces.BankConnector, cause error) (*models.FlowSummary, error) {
	reason := cause.Error()
	if models.IsRetryable(cause) {
		reason = fmt.Sprintf("retry budget exhausted after %d attempts: %s", cur.Attempts, reason)
	}

	final, applied, err := o.transition(ctx, cur.ProposalID, cur.FlowID, models.TriggerConnectorFail, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
		if c.State != models.StateSubmitting {
			return nil, nil
		}
		n := c.Clone()
		n.State = models.StateFailed
		n.LastError = reason
		return n, nil
	})
	if err != nil {
		return summaryOf(final), err
	}
	if !applied {
		final, _, err = o.completeCancel(ctx, final, conn)
		return summaryOf(final), err
	}

	var ce *models.ConnectorError
	if !errors.As(cause, &ce) {
		ce = models.NewPermanentError(cur.BankCode, "submit", cause)
	}
	return summaryOf(final), ce
}

func (o *Orchestrator) recordAcknowledgement(ctx context.Context, cur *models.AuthorizationFlow, conn interfaces.BankConnector, res *models.SubmitResult) (*models.FlowSummary, error) {
	if res == nil || res.ExternalReference == "" {
		return o.failSubmission(ctx, cur, conn,
			models.NewPermanentError(cur.BankCode, "submit", errors.New("acknowledgement without external reference")))
	}

	target := models.StateAwaitingBank
	trigger := models.TriggerAcknowledged
	switch res.Status {
	case models.SubmitApproved:
		target, trigger = models.StateApproved, models.TriggerDecision
	case models.SubmitRejected:
		target, trigger = models.StateRejected, models.TriggerDecision
	}

	final, _, err := o.transition(ctx, cur.ProposalID, cur.FlowID, trigger, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
		n := c.Clone()
		n.ExternalReference = res.ExternalReference
		n.LastError = ""
		switch c.State {
		case models.StateSubmitting:
			n.State = target
		case models.StateCanceling:
			// Cancel was queued while the bank call was in flight. A decision
			// already taken wins; otherwise keep canceling, now with a reference to abort.
			if c.ExternalReference != "" {
				return nil, nil
			}
			if target != models.StateAwaitingBank {
				n.State = target
			}
		default:
			return nil, nil
		}
		return n, nil
	})
	if err != nil {
		return summaryOf(final), err
	}

	if final.State == models.StateCanceling {
		final, _, err = o.completeCancel(ctx, final, conn)
	}
	return summaryOf(final), err
}

// Cancel asks for the proposal's active flow to be canceled. Losing a race to
// a bank decision is reported as models.CancelTooLate, not as an error.
func (o *Orchestrator) Cancel(ctx context.Context, proposalID int64) (result *models.CancelResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.Cancel", proposalID)
	defer func() { endSpan(span, err) }()

	cur, err := o.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if cur.State.IsTerminal() {
		return nil, fmt.Errorf("proposal %d flow %s is %s: %w", proposalID, cur.FlowID, cur.State, models.ErrAlreadyTerminal)
	}
	if cur.State == models.StateCanceling {
		return &models.CancelResult{Flow: cur.Summary(), Outcome: models.CancelNoChange}, nil
	}

	var prior models.FlowState
	next, applied, err := o.transition(ctx, proposalID, cur.FlowID, models.TriggerCancel, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
		switch c.State {
		case models.StateCreated, models.StateSubmitting, models.StateAwaitingBank:
			prior = c.State
			n := c.Clone()
			n.State = models.StateCanceling
			return n, nil
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, models.ErrAlreadyTerminal) && next != nil {
			// Our flow finished and a new one replaced it while we retried.
			return &models.CancelResult{Flow: next.Summary(), Outcome: models.CancelTooLate}, nil
		}
		return nil, err
	}
	if !applied {
		if next.State == models.StateCanceling {
			return &models.CancelResult{Flow: next.Summary(), Outcome: models.CancelNoChange}, nil
		}
		return &models.CancelResult{Flow: next.Summary(), Outcome: cancelOutcome(next, "")}, nil
	}

	telemetry.Logger.Info("Authorization flow cancel requested",
		zap.Int64("proposal_id", proposalID),
		zap.String("flow_id", next.FlowID),
		zap.String("from_state", string(prior)),
	)

	if prior == models.StateSubmitting {
		// The submitting call owns the connector exchange; it finishes the cancel
		// once it knows whether the bank issued a reference.
		return &models.CancelResult{Flow: next.Summary(), Outcome: models.CancelPending}, nil
	}

	conn, _ := o.registry.Lookup(next.BankCode)
	final, abort, err := o.completeCancel(ctx, next, conn)
	if err != nil {
		return nil, err
	}
	return &models.CancelResult{Flow: final.Summary(), Outcome: cancelOutcome(final, abort)}, nil
}

// completeCancel drives a CANCELING flow as far as it can go synchronously:
// straight to CANCELED when no reference exists, otherwise through a
// best-effort abort at the bank.
func (o *Orchestrator) completeCancel(ctx context.Context, flow *models.AuthorizationFlow, conn interfaces.BankConnector) (*models.AuthorizationFlow, models.AbortStatus, error) {
	if flow.State != models.StateCanceling {
		return flow, "", nil
	}

	if flow.ExternalReference == "" {
		final, _, err := o.transition(ctx, flow.ProposalID, flow.FlowID, models.TriggerCancel, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
			if c.State != models.StateCanceling || c.ExternalReference != "" {
				return nil, nil
			}
			n := c.Clone()
			n.State = models.StateCanceled
			return n, nil
		})
		return final, models.AbortConfirmed, err
	}

	if conn == nil {
		return flow, "", nil
	}

	status, abortErr := conn.Abort(ctx, flow.BankCode, flow.ExternalReference)
	if abortErr != nil {
		telemetry.Logger.Warn("Bank abort request failed",
			zap.Int64("proposal_id", flow.ProposalID),
			zap.String("external_reference", flow.ExternalReference),
			zap.Error(abortErr),
		)
		final, _, err := o.transition(ctx, flow.ProposalID, flow.FlowID, models.TriggerAbortResult, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
			if c.State != models.StateCanceling {
				return nil, nil
			}
			n := c.Clone()
			n.LastError = "abort request failed: " + abortErr.Error()
			return n, nil
		})
		return final, "", err
	}

	if status != models.AbortConfirmed {
		// ACCEPTED waits for an ABORTED event, TOO_LATE for the bank's decision.
		return flow, status, nil
	}

	final, _, err := o.transition(ctx, flow.ProposalID, flow.FlowID, models.TriggerAbortResult, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
		if c.State != models.StateCanceling {
			return nil, nil
		}
		n := c.Clone()
		n.State = models.StateCanceled
		n.LastError = ""
		return n, nil
	})
	return final, status, err
}

func cancelOutcome(f *models.AuthorizationFlow, abort models.AbortStatus) models.CancelOutcome {
	switch {
	case f.State == models.StateCanceled:
		return models.CancelApplied
	case f.State.IsTerminal(), abort == models.AbortTooLate:
		return models.CancelTooLate
	default:
		return models.CancelPending
	}
}

// Summary returns the proposal's current flow snapshot. It never writes.
func (o *Orchestrator) Summary(ctx context.Context, proposalID int64) (*models.FlowSummary, error) {
	f, err := o.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	s := f.Summary()
	return &s, nil
}

// ApplyBankEvent applies an authenticated bank decision. Replays against a flow
// that already holds the same decision are reported as duplicates.
func (o *Orchestrator) ApplyBankEvent(ctx context.Context, event models.BankEvent) (result models.EventResult, summary *models.FlowSummary, err error) {
	ctx, span := o.startEventSpan(ctx, event)
	defer func() { endSpan(span, err) }()

	if event.ExternalReference == "" {
		return "", nil, fmt.Errorf("event without external reference: %w", models.ErrEventMismatch)
	}
	if _, ok := models.ParseBankOutcome(string(event.Outcome)); !ok {
		return "", nil, fmt.Errorf("event outcome %q: %w", event.Outcome, models.ErrEventMismatch)
	}

	flow, err := o.store.GetByExternalReference(ctx, event.ExternalReference)
	if errors.Is(err, models.ErrNotFound) {
		telemetry.Logger.Warn("Bank event matches no flow",
			zap.String("external_reference", event.ExternalReference),
			zap.String("bank_code", event.BankCode),
			zap.String("outcome", string(event.Outcome)),
		)
		return models.EventUnmatched, nil, fmt.Errorf("reference %q: %w", event.ExternalReference, models.ErrUnmatchedEvent)
	}
	if err != nil {
		return "", nil, err
	}
	if event.BankCode != "" && event.BankCode != flow.BankCode {
		telemetry.Logger.Warn("Bank event bank code mismatch",
			zap.Int64("proposal_id", flow.ProposalID),
			zap.String("flow_bank_code", flow.BankCode),
			zap.String("event_bank_code", event.BankCode),
		)
		return "", summaryOf(flow), fmt.Errorf("event from %s for flow at %s: %w", event.BankCode, flow.BankCode, models.ErrEventMismatch)
	}
	if flow.State.IsTerminal() {
		return o.classifyReplay(flow, event)
	}

	next, applied, err := o.transition(ctx, flow.ProposalID, flow.FlowID, models.TriggerBankEvent, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
		if c.State.IsTerminal() {
			return nil, nil
		}
		if c.ExternalReference != event.ExternalReference {
			return nil, fmt.Errorf("flow reference %q, event reference %q: %w", c.ExternalReference, event.ExternalReference, models.ErrEventMismatch)
		}
		to, ok := eventTarget(c.State, event.Outcome)
		if !ok {
			return nil, &models.InvalidTransitionError{From: c.State, To: event.Outcome.TargetState()}
		}
		n := c.Clone()
		n.State = to
		n.LastError = ""
		return n, nil
	})
	if errors.Is(err, models.ErrAlreadyTerminal) {
		// Retired and superseded between lookup and swap; judge against the retired record.
		if retired, getErr := o.store.GetByExternalReference(ctx, event.ExternalReference); getErr == nil && retired.State.IsTerminal() {
			return o.classifyReplay(retired, event)
		}
	}
	if err != nil {
		return "", summaryOf(next), err
	}
	if !applied {
		return o.classifyReplay(next, event)
	}
	return models.EventApplied, summaryOf(next), nil
}

func (o *Orchestrator) classifyReplay(flow *models.AuthorizationFlow, event models.BankEvent) (models.EventResult, *models.FlowSummary, error) {
	if flow.State == event.Outcome.TargetState() {
		return models.EventDuplicate, summaryOf(flow), nil
	}
	telemetry.Logger.Warn("Bank event contradicts terminal flow",
		zap.Int64("proposal_id", flow.ProposalID),
		zap.String("flow_id", flow.FlowID),
		zap.String("state", string(flow.State)),
		zap.String("outcome", string(event.Outcome)),
	)
	return models.EventIgnored, summaryOf(flow), &models.InvalidTransitionError{From: flow.State, To: event.Outcome.TargetState()}
}

// ExpireFlow retires a flow the reconciliation sweep found stuck. It only acts
// if the flow is unchanged since the sweep read it.
func (o *Orchestrator) ExpireFlow(ctx context.Context, stale *models.AuthorizationFlow, reason string) (*models.FlowSummary, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.ExpireFlow", stale.ProposalID)
	defer span.End()

	next, applied, err := o.transition(ctx, stale.ProposalID, stale.FlowID, models.TriggerTimeout, func(c *models.AuthorizationFlow) (*models.AuthorizationFlow, error) {
		if c.Version != stale.Version {
			return nil, nil
		}
		n := c.Clone()
		switch c.State {
		case models.StateAwaitingBank:
			n.State = models.StateFailed
			n.LastError = fmt.Sprintf("%s (reference %s)", reason, c.ExternalReference)
			n.ExternalReference = ""
		case models.StateCreated, models.StateSubmitting:
			n.State = models.StateFailed
			n.LastError = reason
		case models.StateCanceling:
			n.State = models.StateCanceled
			n.LastError = reason
		default:
			return nil, nil
		}
		return n, nil
	})
	if errors.Is(err, models.ErrAlreadyTerminal) {
		return summaryOf(next), false, nil
	}
	if applied {
		telemetry.ExpiredFlows.Inc()
	}
	return summaryOf(next), applied, err
}

type decideFunc func(cur *models.AuthorizationFlow) (*models.AuthorizationFlow, error)

// transition re-reads the flow, lets decide compute the successor and swaps it
// in, retrying on version conflicts. decide returns nil when the current
// record makes the change moot; the record is then returned with applied=false.
func (o *Orchestrator) transition(ctx context.Context, proposalID int64, flowID string, trigger models.TransitionTrigger, decide decideFunc) (*models.AuthorizationFlow, bool, error) {
	for attempt := 1; ; attempt++ {
		cur, err := o.store.Get(ctx, proposalID)
		if err != nil {
			return nil, false, err
		}
		if cur.FlowID != flowID {
			return cur, false, fmt.Errorf("flow %s superseded by %s: %w", flowID, cur.FlowID, models.ErrAlreadyTerminal)
		}

		next, err := decide(cur)
		if err != nil {
			return cur, false, err
		}
		if next == nil {
			return cur, false, nil
		}

		if err := o.validate(cur, next); err != nil {
			telemetry.Logger.Warn("Rejected flow transition",
				zap.Int64("proposal_id", proposalID),
				zap.String("flow_id", flowID),
				zap.String("from_state", string(cur.State)),
				zap.String("to_state", string(next.State)),
				zap.Error(err),
			)
			return cur, false, err
		}

		err = o.store.CompareAndSwap(ctx, proposalID, cur.Version, next)
		if err == nil {
			o.emit(ctx, cur, next, trigger)
			return next, true, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return cur, false, err
		}

		telemetry.VersionConflicts.Inc()
		if attempt >= o.cfg.MaxCASRetries {
			telemetry.Logger.Warn("Version conflict retries exhausted",
				zap.Int64("proposal_id", proposalID),
				zap.Int("attempts", attempt),
			)
			return cur, false, err
		}
	}
}

// validate allows same-state record updates on live flows besides the edges of the table.
func (o *Orchestrator) validate(cur, next *models.AuthorizationFlow) error {
	if cur.State != next.State || cur.State.IsTerminal() {
		if err := ValidateTransition(cur.State, next.State); err != nil {
			return err
		}
	}
	return validateInvariants(next)
}

func (o *Orchestrator) emit(ctx context.Context, prev, next *models.AuthorizationFlow, trigger models.TransitionTrigger) {
	var from models.FlowState
	if prev != nil {
		from = prev.State
	}
	telemetry.FlowTransitions.WithLabelValues(string(from), string(next.State)).Inc()
	telemetry.Logger.Debug("Authorization flow state transition",
		zap.Int64("proposal_id", next.ProposalID),
		zap.String("flow_id", next.FlowID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(next.State)),
		zap.Int64("version", next.Version),
	)

	if o.notifier == nil {
		return
	}
	t := models.FlowTransition{
		ProposalID: next.ProposalID,
		FlowID:     next.FlowID,
		BankCode:   next.BankCode,
		From:       from,
		To:         next.State,
		Version:    next.Version,
		Flow:       next.Summary(),
		OccurredAt: o.now(),
		Trigger:    trigger,
	}
	if err := o.notifier.FlowChanged(context.WithoutCancel(ctx), t); err != nil {
		telemetry.Logger.Error("Failed to dispatch flow notification",
			zap.Int64("proposal_id", next.ProposalID),
			zap.String("to_state", string(next.State)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(o.cfg.MaxSubmitAttempts-1))
}

func (o *Orchestrator) startEventSpan(ctx context.Context, event models.BankEvent) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer.Start(ctx, "orchestrator.ApplyBankEvent")
	span.SetAttributes(
		attribute.String("bank.code", event.BankCode),
		attribute.String("bank.external_reference", event.ExternalReference),
		attribute.String("bank.outcome", string(event.Outcome)),
	)
	if event.EventID != "" {
		span.SetAttributes(attribute.String("bank.event_id", event.EventID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func summaryOf(f *models.AuthorizationFlow) *models.FlowSummary {
	if f == nil {
		return nil
	}
	s := f.Summary()
	return &s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
