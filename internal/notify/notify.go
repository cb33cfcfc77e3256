package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

var (
	_ interfaces.Notifier = (*KafkaNotifier)(nil)
	_ interfaces.Notifier = LogNotifier{}
	_ interfaces.Notifier = Multi{}
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaNotifier publishes each transition keyed by proposal id, so a
// partition sees a proposal's transitions in version order.
type KafkaNotifier struct {
	writer MessageWriter
}

func NewKafkaNotifier(writer MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer}
}

func (n *KafkaNotifier) FlowChanged(ctx context.Context, t models.FlowTransition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(t.ProposalID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "flow-id", Value: []byte(t.FlowID)},
			{Key: "to-state", Value: []byte(t.To)},
		},
	})
}

// LogNotifier records transitions in the service log.
type LogNotifier struct{}

func (LogNotifier) FlowChanged(ctx context.Context, t models.FlowTransition) error {
	telemetry.Logger.Info("Authorization flow transition",
		zap.Int64("proposal_id", t.ProposalID),
		zap.String("flow_id", t.FlowID),
		zap.String("bank_code", t.BankCode),
		zap.String("from_state", string(t.From)),
		zap.String("to_state", string(t.To)),
		zap.Int64("version", t.Version),
		zap.String("trigger", string(t.Trigger)),
	)
	return nil
}

// Multi fans a transition out to every sink and joins their errors.
type Multi []interfaces.Notifier

func (m Multi) FlowChanged(ctx context.Context, t models.FlowTransition) error {
	var errs []error
	for _, n := range m {
		if err := n.FlowChanged(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
