package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "canteenservice"

// Counters holds the service's metric instruments. The zero value is not usable; use NewCounters.
type Counters struct {
	checkoutAttempts       metric.Int64Counter
	reservationTransitions metric.Int64Counter
	settlementEvents       metric.Int64Counter
	sweeperProcessed       metric.Int64Counter
}

// NewCounters builds instruments from the global meter provider. Instrument
// creation errors fall back to no-op instruments.
func NewCounters() *Counters {
	return NewCountersFrom(otel.GetMeterProvider())
}

// NewCountersFrom builds instruments from provider.
func NewCountersFrom(provider metric.MeterProvider) *Counters {
	meter := provider.Meter(instrumentationName)
	c := &Counters{}
	c.checkoutAttempts = counter(meter, "checkout.attempts", "Checkout attempts by outcome")
	c.reservationTransitions = counter(meter, "reservation.transitions", "Reservations leaving active, by terminal status")
	c.settlementEvents = counter(meter, "settlement.events", "Gateway signals handled by type and outcome")
	c.sweeperProcessed = counter(meter, "sweeper.processed", "Documents transitioned by sweeps")
	return c
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	ctr, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return ctr
}

func (c *Counters) CheckoutAttempt(ctx context.Context, outcome string) {
	if c == nil {
		return
	}
	c.checkoutAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (c *Counters) ReservationTransition(ctx context.Context, status string) {
	if c == nil {
		return
	}
	c.reservationTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (c *Counters) SettlementEvent(ctx context.Context, eventType, outcome string) {
	if c == nil {
		return
	}
	c.settlementEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome),
	))
}

func (c *Counters) SweeperProcessed(ctx context.Context, sweep string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.sweeperProcessed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sweep", sweep)))
}
