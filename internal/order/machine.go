package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteenservice/internal/config"
	"canteenservice/internal/events"
	"canteenservice/internal/platform/observability"
	"canteenservice/internal/platform/redisstore"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// errUnchanged tells update that the mutation decided not to write.
var errUnchanged = errors.New("order unchanged")

// Machine stores orders and applies status transitions. Reaching a terminal
// status copies the order into the user and admin history and removes it
// from the active set in the same transaction.
type Machine struct {
	db        *redisstore.Store
	publisher events.Publisher
	logger    observability.Logger
	tracer    observability.Tracer
	now       func() time.Time
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func NewMachine(db *redisstore.Store, publisher events.Publisher, logger observability.Logger, tracer observability.Tracer, opts ...Option) *Machine {
	m := &Machine{
		db:        db,
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) orderKey(id string) string { return m.db.Key("order", id) }
func (m *Machine) activeKey() string { return m.db.Key("orders", "active") }
func (m *Machine) statusKey(s Status) string { return m.db.Key("orders", "status", string(s)) }
func (m *Machine) intentKey(intentID string) string { return m.db.Key("order", "by-intent", intentID) }
func (m *Machine) userHistoryIndex(uid string) string {
	return m.db.Key("user", uid, "orderHistory")
}
func (m *Machine) userHistoryKey(uid, id string) string {
	return m.db.Key("user", uid, "orderHistory", id)
}
func (m *Machine) adminHistoryIndex() string { return m.db.Key("adminOrderHistory") }
func (m *Machine) adminHistoryKey(id string) string { return m.db.Key("adminOrderHistory", id) }

// Create stores a new Placed order with payment pending. An empty ID is
// assigned a fresh one.
func (m *Machine) Create(ctx context.Context, o Order) (Order, error) {
	ctx, span := m.tracer.Start(ctx, "order.create")
	defer span.End()

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.UserID == "" || o.IntentID == "" {
		return Order{}, fmt.Errorf("order needs a user and a payment intent")
	}
	span.SetAttributes(
		attribute.String("order.id", o.ID),
		attribute.String("order.intent_id", o.IntentID),
	)

	now := m.now().UTC()
	o.Status = StatusPlaced
	o.PaymentState = PaymentPending
	o.CreatedAt = now
	o.UpdatedAt = now
	o.StatusTimes = map[Status]time.Time{StatusPlaced: now}
	o.ArchivedAt = nil

	key := m.orderKey(o.ID)
	intentKey := m.intentKey(o.IntentID)
	err := m.db.Transact(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key, intentKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: order %s intent %s", ErrDuplicatePaymentLink, o.ID, o.IntentID)
		}
		data, err := redisstore.Encode(o)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, intentKey, o.ID, 0)
			pipe.SAdd(ctx, m.activeKey(), o.ID)
			pipe.ZAdd(ctx, m.statusKey(StatusPlaced), &redis.Z{Score: redisstore.Millis(now), Member: o.ID})
			return nil
		})
		return err
	}, key, intentKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("❌ Failed to create order", zap.String("order_id", o.ID), zap.String("intent_id", o.IntentID), zap.Error(err))
		return Order{}, err
	}

	m.logger.Info("✅ Order placed", zap.String("order_id", o.ID), zap.String("user_id", o.UserID), zap.String("intent_id", o.IntentID))
	events.Emit(ctx, m.publisher, m.logger, events.OrderCreated, o.ID, events.OrderCreatedData{
		OrderID:  o.ID,
		UserID:   o.UserID,
		IntentID: o.IntentID,
		Total:    o.Total,
	})
	return o, nil
}

// Get returns an active order, falling back to the admin history copy for
// archived ones.
func (m *Machine) Get(ctx context.Context, id string) (Order, error) {
	var o Order
	err := redisstore.GetJSON(ctx, m.db.Client(), m.orderKey(id), &o)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, redisstore.ErrNotFound) {
		return Order{}, err
	}
	err = redisstore.GetJSON(ctx, m.db.Client(), m.adminHistoryKey(id), &o)
	if errors.Is(err, redisstore.ErrNotFound) {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o, err
}

// GetByIntent returns the order linked to a payment intent.
func (m *Machine) GetByIntent(ctx context.Context, intentID string) (Order, error) {
	id, err := m.idForIntent(ctx, intentID)
	if err != nil {
		return Order{}, err
	}
	return m.Get(ctx, id)
}

// IsActive reports whether the order is still in the active working set.
func (m *Machine) IsActive(ctx context.Context, id string) (bool, error) {
	ok, err := m.db.Client().SIsMember(ctx, m.activeKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", redisstore.ErrUnavailable, err)
	}
	return ok, nil
}

// Advance moves an order one step along the kitchen flow. Leaving Placed
// requires a confirmed payment.
func (m *Machine) Advance(ctx context.Context, id string, to Status) (Order, error) {
	o, _, err := m.update(ctx, "order.advance", id, func(o *Order, now time.Time) error {
		next, ok := NextKitchenStatus(o.Status)
		if !ok || next != to {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
		}
		if o.Status == StatusPlaced && o.PaymentState != PaymentConfirmed {
			return fmt.Errorf("%w: order %s is %s", ErrPaymentNotConfirmed, o.ID, o.PaymentState)
		}
		return setStatus(o, to, "", now)
	})
	return o, err
}

// Cancel terminates a non-terminal order.
func (m *Machine) Cancel(ctx context.Context, id, reason string) (Order, error) {
	o, _, err := m.update(ctx, "order.cancel", id, func(o *Order, now time.Time) error {
		return setStatus(o, StatusTerminated, reason, now)
	})
	return o, err
}

// ConfirmPayment records a captured payment on the order linked to intentID.
// It returns false when the order was already confirmed with this payment and
// ErrNotFound once the order has been archived.
func (m *Machine) ConfirmPayment(ctx context.Context, intentID, paymentID, method string) (Order, bool, error) {
	id, err := m.idForIntent(ctx, intentID)
	if err != nil {
		return Order{}, false, err
	}
	o, changed, err := m.update(ctx, "order.confirm_payment", id, func(o *Order, now time.Time) error {
		if o.PaymentState == PaymentConfirmed && o.PaymentID == paymentID {
			return errUnchanged
		}
		if o.PaymentState != PaymentPending {
			return fmt.Errorf("%w: payment of order %s is %s", ErrInvalidTransition, o.ID, o.PaymentState)
		}
		o.PaymentState = PaymentConfirmed
		o.PaymentID = paymentID
		o.PaymentMethod = method
		o.UpdatedAt = now
		return nil
	})
	return o, changed, err
}

// FailPayment marks the payment failed and terminates the order, unless the
// payment was already confirmed.
func (m *Machine) FailPayment(ctx context.Context, intentID, paymentID, reason string) (Order, bool, error) {
	id, err := m.idForIntent(ctx, intentID)
	if err != nil {
		return Order{}, false, err
	}
	return m.update(ctx, "order.fail_payment", id, func(o *Order, now time.Time) error {
		if o.PaymentState != PaymentPending {
			return errUnchanged
		}
		o.PaymentState = PaymentFailed
		if paymentID != "" {
			o.PaymentID = paymentID
		}
		return setStatus(o, StatusTerminated, reason, now)
	})
}

// CancelUnpaid terminates the order for intentID if it is still Placed with
// payment pending. Used when the reservation behind it expires.
func (m *Machine) CancelUnpaid(ctx context.Context, intentID, reason string) (Order, bool, error) {
	id, err := m.idForIntent(ctx, intentID)
	if err != nil {
		return Order{}, false, err
	}
	return m.update(ctx, "order.cancel_unpaid", id, func(o *Order, now time.Time) error {
		if o.Status != StatusPlaced || o.PaymentState != PaymentPending {
			return errUnchanged
		}
		return setStatus(o, StatusTerminated, reason, now)
	})
}

// TerminateStalePickups terminates up to limit orders that entered Pick Up
// more than grace ago.
func (m *Machine) TerminateStalePickups(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error) {
	return m.sweepStatus(ctx, "order.terminate_stale_pickups", StatusPickUp, StatusTerminated,
		"Not picked up within grace period", now.Add(-grace), limit)
}

// ExpireAbandoned expires up to limit orders left in Placed or Pick Up for
// longer than horizon.
func (m *Machine) ExpireAbandoned(ctx context.Context, now time.Time, horizon time.Duration, limit int) (int, error) {
	total := 0
	for _, from := range []Status{StatusPlaced, StatusPickUp} {
		if total >= limit {
			break
		}
		n, err := m.sweepStatus(ctx, "order.expire_abandoned", from, StatusExpired,
			"Abandoned", now.Add(-horizon), limit-total)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *Machine) sweepStatus(ctx context.Context, op string, from, to Status, reason string, cutoff time.Time, limit int) (int, error) {
	ctx, span := m.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("order.from_status", string(from)), attribute.String("order.to_status", string(to)))

	ids, err := redisstore.RangeDue(ctx, m.db.Client(), m.statusKey(from), cutoff, limit)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, id := range ids {
		_, changed, err := m.update(ctx, op, id, func(o *Order, now time.Time) error {
			entered, ok := o.EnteredAt(from)
			if o.Status != from || !ok || entered.After(cutoff) {
				return errUnchanged
			}
			return setStatus(o, to, reason, now)
		})
		if errors.Is(err, ErrNotFound) {
			// Archived by someone else; drop the stale index entry.
			m.db.Client().ZRem(ctx, m.statusKey(from), id)
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return done, err
		}
		if changed {
			done++
		}
	}
	span.SetAttributes(attribute.Int("order.swept", done))
	return done, nil
}

func setStatus(o *Order, to Status, reason string, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	if reason != "" {
		o.Reason = reason
	}
	if o.StatusTimes == nil {
		o.StatusTimes = make(map[Status]time.Time)
	}
	o.StatusTimes[to] = now
	o.UpdatedAt = now
	return nil
}

func (m *Machine) idForIntent(ctx context.Context, intentID string) (string, error) {
	id, err := m.db.Client().Get(ctx, m.intentKey(intentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: intent %s", ErrNotFound, intentID)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", redisstore.ErrUnavailable, err)
	}
	return id, nil
}

// update applies mutate to the active order id inside one transaction and
// archives it if it became terminal. It reports whether anything was written.
func (m *Machine) update(ctx context.Context, op, id string, mutate func(o *Order, now time.Time) error) (Order, bool, error) {
	ctx, span := m.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id))
	start := m.now()

	key := m.orderKey(id)
	var result Order
	var from Status
	changed := false
	err := m.db.Transact(ctx, func(tx *redis.Tx) error {
		changed = false

		var o Order
		if err := redisstore.GetJSON(ctx, tx, key, &o); err != nil {
			if errors.Is(err, redisstore.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		from = o.Status
		now := m.now().UTC()

		if err := mutate(&o, now); err != nil {
			if errors.Is(err, errUnchanged) {
				result = o
				return nil
			}
			return err
		}

		if o.Status.IsTerminal() {
			o.ArchivedAt = &now
		}
		data, err := redisstore.Encode(o)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if o.Status != from {
				pipe.ZRem(ctx, m.statusKey(from), o.ID)
			}
			if o.Status.IsTerminal() {
				score := redisstore.Millis(now)
				pipe.Set(ctx, m.userHistoryKey(o.UserID, o.ID), data, 0)
				pipe.ZAdd(ctx, m.userHistoryIndex(o.UserID), &redis.Z{Score: score, Member: o.ID})
				pipe.Set(ctx, m.adminHistoryKey(o.ID), data, 0)
				pipe.ZAdd(ctx, m.adminHistoryIndex(), &redis.Z{Score: score, Member: o.ID})
				pipe.Del(ctx, key)
				pipe.SRem(ctx, m.activeKey(), o.ID)
				pipe.Expire(ctx, m.intentKey(o.IntentID), config.OrderIndexRetention)
				return nil
			}
			pipe.Set(ctx, key, data, 0)
			if o.Status != from {
				pipe.ZAdd(ctx, m.statusKey(o.Status), &redis.Z{Score: redisstore.Millis(now), Member: o.ID})
			}
			return nil
		})
		if err == nil {
			result = o
			changed = true
		}
		return err
	}, key)

	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrPaymentNotConfirmed) {
			span.SetAttributes(attribute.String("order.rejected", err.Error()))
			m.logger.Info("Order update rejected", zap.String("op", op), zap.String("order_id", id), zap.Error(err))
			return Order{}, false, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("❌ Order update failed",
			zap.String("op", op),
			zap.String("order_id", id),
			zap.Duration("elapsed", m.now().Sub(start)),
			zap.Error(err),
		)
		return Order{}, false, err
	}

	if changed && result.Status != from {
		m.logger.Info("Order status changed",
			zap.String("order_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(result.Status)),
		)
		events.Emit(ctx, m.publisher, m.logger, events.OrderStatusChanged, id, events.OrderStatusChangedData{
			OrderID: id,
			UserID:  result.UserID,
			From:    string(from),
			To:      string(result.Status),
			Reason:  result.Reason,
		})
	}
	return result, changed, nil
}

// UserHistory returns the newest archived orders of a user.
func (m *Machine) UserHistory(ctx context.Context, userID string, limit int) ([]Order, error) {
	return m.history(ctx, m.userHistoryIndex(userID), func(id string) string { return m.userHistoryKey(userID, id) }, limit)
}

// AdminHistory returns the newest archived orders across all users.
func (m *Machine) AdminHistory(ctx context.Context, limit int) ([]Order, error) {
	return m.history(ctx, m.adminHistoryIndex(), m.adminHistoryKey, limit)
}

func (m *Machine) history(ctx context.Context, index string, keyFor func(string) string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := m.db.Client().ZRevRange(ctx, index, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", redisstore.ErrUnavailable, err)
	}
	orders := make([]Order, 0, len(ids))
	for _, id := range ids {
		var o Order
		err := redisstore.GetJSON(ctx, m.db.Client(), keyFor(id), &o)
		if errors.Is(err, redisstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}
