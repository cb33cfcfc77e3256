package connector

import (
	"context"
	"sort"
	"time"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

var _ interfaces.ConnectorRegistry = (*Registry)(nil)

// Registry maps bank codes to connectors. It is built once at startup and read-only afterwards.
type Registry struct {
	connectors map[string]interfaces.BankConnector
}

func NewRegistry(connectors ...interfaces.BankConnector) *Registry {
	r := &Registry{connectors: make(map[string]interfaces.BankConnector, len(connectors))}
	for _, c := range connectors {
		r.connectors[c.BankCode()] = c
	}
	return r
}

func (r *Registry) Lookup(bankCode string) (interfaces.BankConnector, bool) {
	c, ok := r.connectors[bankCode]
	return c, ok
}

func (r *Registry) BankCodes() []string {
	codes := make([]string, 0, len(r.connectors))
	for code := range r.connectors {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Instrument wraps c so every call is counted and timed.
func Instrument(c interfaces.BankConnector) interfaces.BankConnector {
	return &instrumented{next: c}
}

type instrumented struct {
	next interfaces.BankConnector
}

func (i *instrumented) BankCode() string { return i.next.BankCode() }

func (i *instrumented) Submit(ctx context.Context, req models.SubmitRequest) (*models.SubmitResult, error) {
	start := time.Now()
	res, err := i.next.Submit(ctx, req)
	i.observe("submit", start, err)
	return res, err
}

func (i *instrumented) Abort(ctx context.Context, bankCode, externalReference string) (models.AbortStatus, error) {
	start := time.Now()
	status, err := i.next.Abort(ctx, bankCode, externalReference)
	i.observe("abort", start, err)
	return status, err
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	bank := i.next.BankCode()
	telemetry.ConnectorLatency.WithLabelValues(bank, op).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case err == nil:
	case models.IsRetryable(err):
		result = "transient"
	default:
		result = "permanent"
	}
	telemetry.ConnectorCalls.WithLabelValues(bank, op, result).Inc()
}
