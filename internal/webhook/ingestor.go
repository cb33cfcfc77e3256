package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

const forgetTimeout = 2 * time.Second

// Delivery is one raw, still unauthenticated bank notification.
type Delivery struct {
	Source    string
	BankCode  string
	Timestamp string
	Signature string
	Body      []byte
}

type payload struct {
	EventID           string     `json:"event_id"`
	ExternalReference string     `json:"external_reference"`
	Outcome           string     `json:"outcome"`
	BankCode          string     `json:"bank_code"`
	OccurredAt        *time.Time `json:"occurred_at"`
}

// Deduplicator remembers deliveries already handed to the orchestrator.
type Deduplicator interface {
	// FirstDelivery claims key and reports whether nobody had claimed it before.
	FirstDelivery(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// RedisDeduplicator claims keys with SETNX so replays short-circuit before
// touching the flow store.
type RedisDeduplicator struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisDeduplicator(rdb redis.Cmdable, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduplicator) FirstDelivery(ctx context.Context, key string) (bool, error) {
	return d.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

func (d *RedisDeduplicator) Forget(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, key).Err()
}

// Ingestor authenticates and normalizes bank deliveries from any transport and
// hands them to the orchestrator.
type Ingestor struct {
	verifier *Verifier
	applier  interfaces.BankEventApplier
	dedup    Deduplicator
}

// NewIngestor builds an ingestor. dedup may be nil.
func NewIngestor(verifier *Verifier, applier interfaces.BankEventApplier, dedup Deduplicator) *Ingestor {
	return &Ingestor{verifier: verifier, applier: applier, dedup: dedup}
}

// Ingest returns ErrUnauthenticated or ErrMalformedEvent for deliveries that
// must not reach the orchestrator. Unmatched and contradicting events are
// reported through the result, not as errors.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (models.EventResult, *models.FlowSummary, error) {
	bank := strings.ToLower(strings.TrimSpace(d.BankCode))

	if err := i.verifier.Verify(bank, d.Timestamp, d.Signature, d.Body); err != nil {
		telemetry.BankEvents.WithLabelValues(d.Source, "unauthenticated").Inc()
		telemetry.Logger.Warn("Rejected bank event", zap.String("bank_code", bank), zap.String("source", d.Source), zap.Error(err))
		return "", nil, err
	}

	event, err := normalize(bank, d.Body)
	if err != nil {
		telemetry.BankEvents.WithLabelValues(d.Source, "malformed").Inc()
		telemetry.Logger.Warn("Malformed bank event", zap.String("bank_code", bank), zap.String("source", d.Source), zap.Error(err))
		return "", nil, err
	}

	key := dedupKey(event)
	if i.dedup != nil {
		first, err := i.dedup.FirstDelivery(ctx, key)
		switch {
		case err != nil:
			// The orchestrator is idempotent on its own; dedup only saves work.
			telemetry.Logger.Warn("Event dedup unavailable", zap.String("key", key), zap.Error(err))
		case !first:
			telemetry.BankEvents.WithLabelValues(d.Source, string(models.EventDuplicate)).Inc()
			return models.EventDuplicate, nil, nil
		}
	}

	result, summary, err := i.applier.ApplyBankEvent(ctx, event)
	switch {
	case errors.Is(err, models.ErrUnmatchedEvent):
		// The reference may not be persisted yet; let a redelivery try again.
		i.forget(ctx, key)
		result, err = models.EventUnmatched, nil
	case result == models.EventIgnored && errors.Is(err, models.ErrAlreadyTerminal):
		err = nil
	case errors.Is(err, models.ErrEventMismatch):
		i.forget(ctx, key)
		telemetry.BankEvents.WithLabelValues(d.Source, "mismatch").Inc()
		return "", summary, fmt.Errorf("%v: %w", err, ErrMalformedEvent)
	case err != nil:
		i.forget(ctx, key)
		telemetry.BankEvents.WithLabelValues(d.Source, "error").Inc()
		return "", summary, err
	}

	telemetry.BankEvents.WithLabelValues(d.Source, string(result)).Inc()
	telemetry.Logger.Info("Bank event processed",
		zap.String("bank_code", bank),
		zap.String("event_id", event.EventID),
		zap.String("external_reference", event.ExternalReference),
		zap.String("outcome", string(event.Outcome)),
		zap.String("result", string(result)),
		zap.String("source", d.Source),
	)
	return result, summary, nil
}

// forget releases a claimed key so a redelivery reaches the orchestrator. It
// must run even when the delivery's own context is already gone.
func (i *Ingestor) forget(ctx context.Context, key string) {
	if i.dedup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forgetTimeout)
	defer cancel()
	if err := i.dedup.Forget(ctx, key); err != nil {
		telemetry.Logger.Warn("Failed to release event dedup key", zap.String("key", key), zap.Error(err))
	}
}

func normalize(bank string, body []byte) (models.BankEvent, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.BankEvent{}, fmt.Errorf("decode body: %v: %w", err, ErrMalformedEvent)
	}

	ref := strings.TrimSpace(p.ExternalReference)
	if ref == "" {
		return models.BankEvent{}, fmt.Errorf("missing external_reference: %w", ErrMalformedEvent)
	}
	outcome, ok := models.ParseBankOutcome(p.Outcome)
	if !ok {
		return models.BankEvent{}, fmt.Errorf("unknown outcome %q: %w", p.Outcome, ErrMalformedEvent)
	}
	if claimed := strings.ToLower(strings.TrimSpace(p.BankCode)); claimed != "" && claimed != bank {
		return models.BankEvent{}, fmt.Errorf("body bank %q differs from %q: %w", claimed, bank, ErrMalformedEvent)
	}

	event := models.BankEvent{
		EventID:           p.EventID,
		ExternalReference: ref,
		Outcome:           outcome,
		BankCode:          bank,
		OccurredAt:        time.Now().UTC(),
	}
	if p.OccurredAt != nil {
		event.OccurredAt = p.OccurredAt.UTC()
	}
	return event, nil
}

func dedupKey(e models.BankEvent) string {
	return "bankevt:" + e.BankCode + ":" + e.ExternalReference + ":" + string(e.Outcome)
}
