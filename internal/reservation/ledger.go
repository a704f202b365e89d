package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteenservice/internal/config"
	"canteenservice/internal/inventory"
	"canteenservice/internal/platform/observability"
	"canteenservice/internal/platform/redisstore"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Ledger records checkout reservations and is the only place a reservation
// leaves active. Each transition changes the reservation and the item
// counters in one optimistic transaction.
type Ledger struct {
	db        *redisstore.Store
	inventory *inventory.Store
	logger    observability.Logger
	tracer    observability.Tracer
	metrics   *observability.Counters
	ttl       time.Duration
	now       func() time.Time
}

type Option func(*Ledger)

// WithTTL overrides the reservation lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(db *redisstore.Store, inv *inventory.Store, logger observability.Logger, tracer observability.Tracer, metrics *observability.Counters, opts ...Option) *Ledger {
	l := &Ledger{
		db:        db,
		inventory: inv,
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
		ttl:       config.ReservationTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) key(intentID string) string {
	return l.db.Key("reservation", intentID)
}

func (l *Ledger) activeKey() string {
	return l.db.Key("reservations", "active")
}

func (l *Ledger) terminalKey() string {
	return l.db.Key("reservations", "terminal")
}

// CreateRequest describes one checkout attempt.
type CreateRequest struct {
	IntentID string
	UserID   string
	Lines    []Line
	Amount   int64
}

// Create reserves every line and persists an active reservation. If any line
// cannot be reserved, the lines already reserved in this call are released
// and nothing is written; the returned error wraps
// inventory.ErrInsufficientStock.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (Reservation, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("reservation.intent_id", req.IntentID),
		attribute.String("user.id", req.UserID),
		attribute.Int("reservation.lines", len(req.Lines)),
	)

	if req.IntentID == "" {
		return Reservation{}, fmt.Errorf("payment intent id is required")
	}
	if len(req.Lines) == 0 {
		return Reservation{}, ErrEmptyCheckout
	}
	for _, line := range req.Lines {
		if line.ItemID == "" || line.Quantity <= 0 {
			return Reservation{}, fmt.Errorf("%w: line %q x %d", inventory.ErrInvalidQuantity, line.ItemID, line.Quantity)
		}
	}
	lines := mergeLines(req.Lines)
	ids := itemIDs(lines)

	key := l.key(req.IntentID)
	keys := append([]string{key}, l.inventory.ItemKeys(ids)...)

	var created Reservation
	err := l.db.Transact(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, req.IntentID)
		}

		m, err := l.inventory.Begin(ctx, tx, ids)
		if err != nil {
			return err
		}
		for i, line := range lines {
			counted, err := m.Reserve(line.ItemID, line.Quantity)
			if err != nil {
				// Undo the staged lines so the mutation matches the store again.
				for j := i - 1; j >= 0; j-- {
					if rerr := m.Release(lines[j].ItemID, lines[j].Quantity, lines[j].Counted); rerr != nil {
						return errors.Join(err, rerr)
					}
				}
				return err
			}
			lines[i].Counted = counted
		}

		now := l.now().UTC()
		r := Reservation{
			IntentID:  req.IntentID,
			UserID:    req.UserID,
			Lines:     lines,
			Amount:    req.Amount,
			Status:    StatusActive,
			CreatedAt: now,
			ExpiresAt: now.Add(l.ttl),
		}
		data, err := redisstore.Encode(r)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := m.Flush(ctx, pipe); err != nil {
				return err
			}
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, l.activeKey(), &redis.Z{Score: redisstore.Millis(r.ExpiresAt), Member: r.IntentID})
			return nil
		})
		if err == nil {
			created = r
		}
		return err
	}, keys...)

	if err != nil {
		if errors.Is(err, inventory.ErrInsufficientStock) {
			span.SetAttributes(attribute.Bool("reservation.insufficient_stock", true))
			l.logger.Info("Reservation rejected: insufficient stock",
				zap.String("intent_id", req.IntentID),
				zap.String("user_id", req.UserID),
				zap.Error(err),
			)
			return Reservation{}, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("❌ Failed to create reservation",
			zap.String("intent_id", req.IntentID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		return Reservation{}, err
	}

	l.logger.Info("✅ Reservation created",
		zap.String("intent_id", created.IntentID),
		zap.String("user_id", created.UserID),
		zap.Time("expires_at", created.ExpiresAt),
	)
	return created, nil
}

// Complete marks the active reservation for intentID completed and commits
// its stock. It returns false when there is no active reservation, which is
// the normal outcome for a repeated gateway callback.
func (l *Ledger) Complete(ctx context.Context, intentID string) (bool, error) {
	return l.transition(ctx, "ledger.complete", intentID, StatusCompleted, "", false)
}

// Fail marks the active reservation failed and releases its stock.
func (l *Ledger) Fail(ctx context.Context, intentID, reason string) (bool, error) {
	return l.transition(ctx, "ledger.fail", intentID, StatusFailed, reason, false)
}

// Expire marks the active reservation expired and releases its stock, but
// only once its expiry time has passed.
func (l *Ledger) Expire(ctx context.Context, intentID string) (bool, error) {
	return l.transition(ctx, "ledger.expire", intentID, StatusExpired, "", true)
}

func (l *Ledger) transition(ctx context.Context, op, intentID string, to Status, reason string, requireDue bool) (bool, error) {
	ctx, span := l.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(
		attribute.String("reservation.intent_id", intentID),
		attribute.String("reservation.target_status", string(to)),
	)
	start := l.now()

	key := l.key(intentID)

	// Lines never change after creation, so the item keys to watch can be
	// learned before the transaction; status is re-checked inside it.
	current, err := l.Get(ctx, intentID)
	if errors.Is(err, ErrNotFound) {
		l.logger.Info("No reservation for payment intent", zap.String("intent_id", intentID), zap.String("op", op))
		span.SetAttributes(attribute.Bool("reservation.applied", false))
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	ids := current.ItemIDs()
	keys := append([]string{key}, l.inventory.ItemKeys(ids)...)

	applied := false
	var previous Status
	err = l.db.Transact(ctx, func(tx *redis.Tx) error {
		applied = false

		var r Reservation
		if err := redisstore.GetJSON(ctx, tx, key, &r); err != nil {
			if errors.Is(err, redisstore.ErrNotFound) {
				previous = ""
				return nil
			}
			return err
		}
		previous = r.Status
		if !r.IsActive() {
			return nil
		}
		now := l.now().UTC()
		if requireDue && r.ExpiresAt.After(now) {
			previous = StatusActive
			return nil
		}

		m, err := l.inventory.Begin(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, line := range r.Lines {
			var lineErr error
			if to == StatusCompleted {
				lineErr = m.Commit(line.ItemID, line.Quantity, line.Counted)
			} else {
				lineErr = m.Release(line.ItemID, line.Quantity, line.Counted)
			}
			if lineErr != nil {
				return fmt.Errorf("settling line %s of %s: %w", line.ItemID, intentID, lineErr)
			}
		}

		r.Status = to
		switch to {
		case StatusCompleted:
			r.CompletedAt = &now
		case StatusFailed:
			r.FailedAt = &now
			r.FailureReason = reason
		case StatusExpired:
			r.ExpiredAt = &now
		}
		data, err := redisstore.Encode(r)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := m.Flush(ctx, pipe); err != nil {
				return err
			}
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, l.activeKey(), intentID)
			pipe.ZAdd(ctx, l.terminalKey(), &redis.Z{Score: redisstore.Millis(now), Member: intentID})
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, keys...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("❌ Reservation transition failed",
			zap.String("op", op),
			zap.String("intent_id", intentID),
			zap.Duration("elapsed", l.now().Sub(start)),
			zap.Error(err),
		)
		return false, err
	}

	span.SetAttributes(attribute.Bool("reservation.applied", applied))
	if !applied {
		l.logger.Info("Reservation not transitioned",
			zap.String("op", op),
			zap.String("intent_id", intentID),
			zap.String("status", string(previous)),
		)
		return false, nil
	}

	l.metrics.ReservationTransition(ctx, string(to))
	l.logger.Info("Reservation transitioned",
		zap.String("intent_id", intentID),
		zap.String("status", string(to)),
	)
	return true, nil
}

// Get returns the reservation for intentID in any status.
func (l *Ledger) Get(ctx context.Context, intentID string) (Reservation, error) {
	var r Reservation
	if err := redisstore.GetJSON(ctx, l.db.Client(), l.key(intentID), &r); err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			return Reservation{}, fmt.Errorf("%w: %s", ErrNotFound, intentID)
		}
		return Reservation{}, err
	}
	return r, nil
}

// DueForExpiry returns up to limit active intent ids whose expiry is at or
// before now, oldest first.
func (l *Ledger) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return redisstore.RangeDue(ctx, l.db.Client(), l.activeKey(), now, limit)
}

// PurgeTerminal deletes up to limit reservations that became terminal before
// olderThan and returns how many were removed.
func (l *Ledger) PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.purge_terminal")
	defer span.End()

	ids, err := redisstore.RangeDue(ctx, l.db.Client(), l.terminalKey(), olderThan, limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, 0, len(ids))
	_, err = l.db.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, l.key(id))
			members = append(members, id)
		}
		pipe.ZRem(ctx, l.terminalKey(), members...)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: purging reservations: %v", redisstore.ErrUnavailable, err)
	}

	span.SetAttributes(attribute.Int("reservation.purged", len(ids)))
	return len(ids), nil
}
