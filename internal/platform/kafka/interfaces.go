// Package kafka holds the messaging seams the app container fills with
// traced kafka-go readers and writers.
package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Producer writes the service's outbound topics: domain notifications and
// forwarded gateway webhooks. Implemented by the traced kafka-go writer.
type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Consumer reads the gateway-events topic for the settlement consumer loop.
type Consumer interface {
	ReadMessage(ctx context.Context) (*kafka.Message, error)
	Close() error
}
