package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

var _ interfaces.BankConnector = (*NATSConnector)(nil)

// Requester is the slice of *nats.Conn the connector uses.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSConnector talks to a bank adapter service over NATS request/reply on
// bank.<code>.submit and bank.<code>.abort. The adapter owns the bank's protocol.
type NATSConnector struct {
	nc       Requester
	bankCode string
	timeout  time.Duration
}

func NewNATSConnector(nc Requester, bankCode string, timeout time.Duration) *NATSConnector {
	return &NATSConnector{nc: nc, bankCode: bankCode, timeout: timeout}
}

type gatewayReply struct {
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
	Error             string `json:"error"`
	Retryable         bool   `json:"retryable"`
}

type abortRequest struct {
	BankCode          string `json:"bank_code"`
	ExternalReference string `json:"external_reference"`
}

func (c *NATSConnector) BankCode() string { return c.bankCode }

func (c *NATSConnector) Submit(ctx context.Context, req models.SubmitRequest) (*models.SubmitResult, error) {
	reply, err := c.request(ctx, "submit", req)
	if err != nil {
		return nil, err
	}

	var status models.SubmitStatus
	switch models.SubmitStatus(reply.Status) {
	case models.SubmitPending, models.SubmitApproved, models.SubmitRejected:
		status = models.SubmitStatus(reply.Status)
	default:
		return nil, models.NewPermanentError(c.bankCode, "submit", fmt.Errorf("unknown submit status %q", reply.Status))
	}
	if reply.ExternalReference == "" {
		return nil, models.NewPermanentError(c.bankCode, "submit", errors.New("acknowledgement without external reference"))
	}

	return &models.SubmitResult{Status: status, ExternalReference: reply.ExternalReference}, nil
}

func (c *NATSConnector) Abort(ctx context.Context, bankCode, externalReference string) (models.AbortStatus, error) {
	reply, err := c.request(ctx, "abort", abortRequest{BankCode: bankCode, ExternalReference: externalReference})
	if err != nil {
		return "", err
	}

	switch s := models.AbortStatus(reply.Status); s {
	case models.AbortConfirmed, models.AbortAccepted, models.AbortTooLate:
		return s, nil
	default:
		return "", models.NewPermanentError(c.bankCode, "abort", fmt.Errorf("unknown abort status %q", reply.Status))
	}
}

func (c *NATSConnector) request(ctx context.Context, op string, payload any) (*gatewayReply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewPermanentError(c.bankCode, op, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	subject := fmt.Sprintf("bank.%s.%s", c.bankCode, op)
	msg, err := c.nc.RequestWithContext(ctx, subject, body)
	if err != nil {
		telemetry.Logger.Warn("Bank gateway request failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
		if isTransportTransient(err) {
			return nil, models.NewTransientError(c.bankCode, op, err)
		}
		return nil, models.NewPermanentError(c.bankCode, op, err)
	}

	var reply gatewayReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, models.NewPermanentError(c.bankCode, op, fmt.Errorf("decode reply: %w", err))
	}
	if reply.Error != "" {
		return nil, &models.ConnectorError{
			BankCode:  c.bankCode,
			Op:        op,
			Retryable: reply.Retryable,
			Err:       errors.New(reply.Error),
		}
	}
	return &reply, nil
}

func isTransportTransient(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, context.DeadlineExceeded)
}
