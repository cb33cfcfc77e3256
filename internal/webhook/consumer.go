package webhook

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

// Kafka header names carrying the bank's signature envelope.
const (
	KafkaHeaderBank      = "x-bank-code"
	KafkaHeaderTimestamp = "x-bank-timestamp"
	KafkaHeaderSignature = "x-bank-signature"
)

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

// Consumer feeds bank events relayed through Kafka into the same ingestor the
// webhook endpoint uses.
type Consumer struct {
	reader   MessageReader
	ingestor *Ingestor

	// newBackOff paces redelivery of a message whose processing failed transiently.
	newBackOff func() backoff.BackOff
}

func NewConsumer(reader MessageReader, ingestor *Ingestor) *Consumer {
	return &Consumer{reader: reader, ingestor: ingestor, newBackOff: defaultRetryBackOff}
}

func defaultRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (c *Consumer) Name() string { return "bank-event-consumer" }

// Run consumes until ctx is canceled. Rejected messages are logged and
// committed since a redelivery would be rejected the same way. Any other
// failure is retried with backoff and the offset stays uncommitted until the
// message is processed.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	telemetry.Logger.Info("Started consuming bank authorization events")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			telemetry.Logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := c.process(ctx, msg); err != nil {
			// Only cancellation ends the retry loop; the message is redelivered
			// to whoever owns the partition next.
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			telemetry.Logger.Error("Error committing Kafka offset", zap.Error(err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	d := Delivery{Source: SourceKafka, Body: msg.Value}
	for _, h := range msg.Headers {
		switch strings.ToLower(h.Key) {
		case KafkaHeaderBank:
			d.BankCode = string(h.Value)
		case KafkaHeaderTimestamp:
			d.Timestamp = string(h.Value)
		case KafkaHeaderSignature:
			d.Signature = string(h.Value)
		}
	}

	op := func() error {
		result, _, err := c.ingestor.Ingest(ctx, d)
		switch {
		case err == nil:
			telemetry.Logger.Debug("Bank event consumed",
				zap.String("bank_code", d.BankCode),
				zap.String("result", string(result)),
			)
			return nil
		case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrMalformedEvent):
			telemetry.Logger.Error("Dropping rejected bank event",
				zap.String("bank_code", d.BankCode),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return nil
		default:
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		telemetry.Logger.Error("Error processing bank event, retrying",
			zap.String("bank_code", d.BankCode),
			zap.Int64("offset", msg.Offset),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
}
