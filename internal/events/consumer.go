package events

import (
	"context"
	"errors"
	"time"

	"canteenservice/internal/platform/kafka"
	"canteenservice/internal/platform/observability"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// HandlerFunc processes the value of one gateway-event message.
type HandlerFunc func(ctx context.Context, body []byte) error

type ConsumerService interface {
	Start(ctx context.Context) error
}

// GatewayEventConsumer reads gateway events and hands each one to the
// settlement handler. Retryable failures are retried with exponential backoff
// a bounded number of times; anything else is logged and skipped so one
// poison message cannot stall the partition.
type GatewayEventConsumer struct {
	consumer   kafka.Consumer
	handle     HandlerFunc
	retryable  func(error) bool
	logger     observability.Logger
	tracer     observability.Tracer
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

type ConsumerOption func(*GatewayEventConsumer)

// WithMaxRetries bounds how many times a retryable failure is retried.
func WithMaxRetries(n uint64) ConsumerOption {
	return func(c *GatewayEventConsumer) { c.maxRetries = n }
}

// WithBackOff overrides the retry schedule.
func WithBackOff(newBackOff func() backoff.BackOff) ConsumerOption {
	return func(c *GatewayEventConsumer) { c.newBackOff = newBackOff }
}

func NewGatewayEventConsumer(consumer kafka.Consumer, handle HandlerFunc, retryable func(error) bool, logger observability.Logger, tracer observability.Tracer, opts ...ConsumerOption) *GatewayEventConsumer {
	c := &GatewayEventConsumer{
		consumer:   consumer,
		handle:     handle,
		retryable:  retryable,
		logger:     logger,
		tracer:     tracer,
		maxRetries: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *GatewayEventConsumer) Start(ctx context.Context) error {
	c.logger.Info("Kafka consumer started. Waiting for gateway events...")

	readBackOff := c.newBackOff()
	for {
		msg, err := c.consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.logger.Info("Context done, exiting Kafka read loop.", zap.Error(err))
				break
			}
			wait := readBackOff.NextBackOff()
			if wait == backoff.Stop {
				readBackOff.Reset()
				wait = readBackOff.NextBackOff()
			}
			c.logger.Error("❌ Error reading from Kafka", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		readBackOff.Reset()

		if err := c.HandleMessage(ctx, *msg); err != nil {
			continue
		}
	}

	c.logger.Info("Consumer service finished. Shutting down...")
	return nil
}

// HandleMessage processes one message under the producer's trace context.
func (c *GatewayEventConsumer) HandleMessage(ctx context.Context, msg kafkago.Message) error {
	msgCtx := extractTraceContext(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "gateway_event.consume")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.kafka.message_key", string(msg.Key)),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	c.logger.Debug("📨 Gateway event received",
		zap.ByteString("key", msg.Key),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	attempts := 0
	operation := func() error {
		attempts++
		err := c.handle(msgCtx, msg.Value)
		if err == nil {
			return nil
		}
		if c.retryable == nil || !c.retryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("Retrying gateway event",
			zap.ByteString("key", msg.Key),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), msgCtx)
	if err := backoff.Retry(operation, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("❌ Gateway event dropped; reconcile from the payment record",
			zap.ByteString("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return err
	}

	span.SetStatus(codes.Ok, "gateway event handled")
	return nil
}

// extractTraceContext extracts OpenTelemetry trace context from Kafka message headers
func extractTraceContext(ctx context.Context, headers []kafkago.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range headers {
		carrier[string(header.Key)] = string(header.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
