// Package sweeper holds the periodic cleanup passes. Each pass is safe to run
// concurrently with request handlers because every document transition it
// makes is guarded by its own compare-and-set.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteenservice/internal/config"
	"canteenservice/internal/events"
	"canteenservice/internal/order"
	"canteenservice/internal/platform/observability"
	"canteenservice/internal/reservation"
	"canteenservice/internal/session"

	"go.uber.org/zap"
)

const (
	NameReservations = "reservations"
	NamePickups      = "pickups"
	NameAbandoned    = "abandoned"
	NameSessions     = "sessions"
)

// Sweeper is one cleanup pass. Sweep returns how many documents it changed.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (int, error)
}

type options struct {
	now      func() time.Time
	pageSize int
}

type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPageSize overrides how many documents one page touches.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, pageSize: config.SweepPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const cancelExpiredReason = "Payment window expired"

// ReservationSweeper expires active reservations past their expiry, cancels
// the unpaid orders behind them and garbage-collects old terminal ones.
type ReservationSweeper struct {
	ledger    *reservation.Ledger
	orders    *order.Machine
	publisher events.Publisher
	logger    observability.Logger
	retention time.Duration
	options
}

func NewReservationSweeper(ledger *reservation.Ledger, orders *order.Machine, publisher events.Publisher, logger observability.Logger, opts ...Option) *ReservationSweeper {
	return &ReservationSweeper{
		ledger:    ledger,
		orders:    orders,
		publisher: publisher,
		logger:    logger,
		retention: config.ReservationRetention,
		options:   newOptions(opts),
	}
}

func (s *ReservationSweeper) Name() string { return NameReservations }

func (s *ReservationSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	expired := 0
	failures := 0

	for {
		ids, err := s.ledger.DueForExpiry(ctx, now, s.pageSize)
		if err != nil {
			return expired, err
		}
		progressed := 0
		for _, intentID := range ids {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			applied, err := s.ledger.Expire(ctx, intentID)
			if err != nil {
				failures++
				s.logger.Warn("Reservation expiry failed; will retry next tick", zap.String("intent_id", intentID), zap.Error(err))
				continue
			}
			if !applied {
				continue
			}
			progressed++
			expired++
			s.afterExpiry(ctx, intentID)
		}
		// A short page means the backlog is drained. A page with no progress
		// holds only entries another writer is handling.
		if len(ids) < s.pageSize || progressed == 0 {
			break
		}
	}

	purged, err := s.purge(ctx, now.Add(-s.retention))
	if err != nil {
		return expired, err
	}
	if purged > 0 {
		s.logger.Info("Purged terminal reservations", zap.Int("count", purged))
	}

	if failures > 0 {
		return expired, fmt.Errorf("%d reservations could not be expired", failures)
	}
	return expired, nil
}

func (s *ReservationSweeper) afterExpiry(ctx context.Context, intentID string) {
	data := events.ReservationExpiredData{IntentID: intentID}
	if r, err := s.ledger.Get(ctx, intentID); err == nil {
		data.UserID = r.UserID
	}

	o, cancelled, err := s.orders.CancelUnpaid(ctx, intentID, cancelExpiredReason)
	switch {
	case errors.Is(err, order.ErrNotFound):
	case err != nil:
		s.logger.Warn("Could not cancel order for expired reservation", zap.String("intent_id", intentID), zap.Error(err))
	default:
		data.OrderID = o.ID
		if cancelled {
			s.logger.Info("Cancelled unpaid order", zap.String("order_id", o.ID), zap.String("intent_id", intentID))
		}
	}

	events.Emit(ctx, s.publisher, s.logger, events.ReservationExpired, intentID, data)
}

func (s *ReservationSweeper) purge(ctx context.Context, olderThan time.Time) (int, error) {
	total := 0
	for {
		n, err := s.ledger.PurgeTerminal(ctx, olderThan, s.pageSize)
		total += n
		if err != nil || n < s.pageSize {
			return total, err
		}
	}
}

// PickupSweeper terminates orders left in Pick Up past the grace period.
type PickupSweeper struct {
	orders *order.Machine
	grace  time.Duration
	options
}

func NewPickupSweeper(orders *order.Machine, opts ...Option) *PickupSweeper {
	return &PickupSweeper{orders: orders, grace: config.PickupGracePeriod, options: newOptions(opts)}
}

func (s *PickupSweeper) Name() string { return NamePickups }

func (s *PickupSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	return drain(s.pageSize, func() (int, error) {
		return s.orders.TerminateStalePickups(ctx, now, s.grace, s.pageSize)
	})
}

// AbandonedOrderSweeper expires orders that never progressed within the
// abandonment horizon.
type AbandonedOrderSweeper struct {
	orders  *order.Machine
	horizon time.Duration
	options
}

func NewAbandonedOrderSweeper(orders *order.Machine, opts ...Option) *AbandonedOrderSweeper {
	return &AbandonedOrderSweeper{orders: orders, horizon: config.AbandonedOrderHorizon, options: newOptions(opts)}
}

func (s *AbandonedOrderSweeper) Name() string { return NameAbandoned }

func (s *AbandonedOrderSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	return drain(s.pageSize, func() (int, error) {
		return s.orders.ExpireAbandoned(ctx, now, s.horizon, s.pageSize)
	})
}

// SessionHistorySweeper drops ended sessions past the retention window.
type SessionHistorySweeper struct {
	sessions  *session.Manager
	retention time.Duration
	options
}

func NewSessionHistorySweeper(sessions *session.Manager, opts ...Option) *SessionHistorySweeper {
	return &SessionHistorySweeper{sessions: sessions, retention: config.SessionHistoryRetention, options: newOptions(opts)}
}

func (s *SessionHistorySweeper) Name() string { return NameSessions }

func (s *SessionHistorySweeper) Sweep(ctx context.Context) (int, error) {
	return s.sessions.PurgeHistory(ctx, s.now().Add(-s.retention), s.pageSize)
}

// drain repeats page until it returns a short page.
func drain(pageSize int, page func() (int, error)) (int, error) {
	total := 0
	for {
		n, err := page()
		total += n
		if err != nil || n < pageSize {
			return total, err
		}
	}
}
