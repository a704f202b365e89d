package events

import (
	"context"
	"encoding/json"
	"fmt"

	"canteenservice/internal/platform/kafka"
	"canteenservice/internal/platform/observability"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const eventTypeHeader = "event-type"

// Publisher emits domain events. Callers publish after their state change has
// committed and log failures; a failed publish never undoes committed state.
type Publisher interface {
	Publish(ctx context.Context, event Envelope) error
}

// KafkaPublisher writes envelopes to the notification topic. Trace context is
// injected into the message headers by the instrumented writer.
type KafkaPublisher struct {
	producer kafka.Producer
	logger   observability.Logger
}

func NewKafkaPublisher(producer kafka.Producer, logger observability.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Envelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("❌ Failed to serialize event",
			zap.Error(err),
			zap.String("event_type", string(event.Type)),
			zap.String("key", event.Key),
		)
		return fmt.Errorf("encoding event: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(event.Key),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: eventTypeHeader, Value: []byte(event.Type)},
		},
	}
	if err := p.producer.WriteMessage(ctx, msg); err != nil {
		p.logger.Error("❌ Failed to publish event",
			zap.Error(err),
			zap.String("event_type", string(event.Type)),
			zap.String("key", event.Key),
		)
		return err
	}

	p.logger.Info("📤 Sent event",
		zap.String("event_type", string(event.Type)),
		zap.String("key", event.Key),
		zap.String("event_id", event.ID),
	)
	return nil
}

// Emit builds and publishes an event, logging instead of returning errors.
// It is for post-commit notifications where the caller has nothing to undo.
func Emit(ctx context.Context, p Publisher, logger observability.Logger, eventType Type, key string, data interface{}) {
	if p == nil {
		return
	}
	event, err := New(eventType, key, data)
	if err != nil {
		logger.Error("❌ Failed to build event", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	if err := p.Publish(ctx, event); err != nil {
		logger.Warn("Event not published; state already committed",
			zap.String("event_type", string(eventType)),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// GatewayForwarder publishes raw, already-verified gateway webhook bodies to
// the gateway-events topic so settlement runs off the request path.
type GatewayForwarder struct {
	producer kafka.Producer
	logger   observability.Logger
}

func NewGatewayForwarder(producer kafka.Producer, logger observability.Logger) *GatewayForwarder {
	return &GatewayForwarder{producer: producer, logger: logger}
}

// Dispatch publishes body keyed by the gateway order id so events for one
// intent stay on one partition.
func (f *GatewayForwarder) Dispatch(ctx context.Context, key string, body []byte) error {
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: body,
	}
	if err := f.producer.WriteMessage(ctx, msg); err != nil {
		f.logger.Error("❌ Failed to forward gateway event", zap.String("intent_id", key), zap.Error(err))
		return err
	}
	f.logger.Info("📤 Forwarded gateway event", zap.String("intent_id", key))
	return nil
}
