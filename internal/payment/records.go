package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteenservice/internal/platform/observability"
	"canteenservice/internal/platform/redisstore"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Records stores payment records and gateway orders. Only the settlement
// coordinator and checkout write here.
type Records struct {
	db     *redisstore.Store
	logger observability.Logger
	now    func() time.Time
}

func NewRecords(db *redisstore.Store, logger observability.Logger) *Records {
	return &Records{db: db, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (r *Records) WithClock(now func() time.Time) *Records {
	r.now = now
	return r
}

func (r *Records) paymentKey(paymentID string) string {
	return r.db.Key("payment", paymentID)
}

func (r *Records) intentIndexKey(intentID string) string {
	return r.db.Key("payments", "by-intent", intentID)
}

func (r *Records) gatewayOrderKey(intentID string) string {
	return r.db.Key("gateway-order", intentID)
}

// Upsert loads the record for paymentID (or starts a new one linked to
// intentID), applies mutate and writes it back atomically.
func (r *Records) Upsert(ctx context.Context, paymentID, intentID string, mutate func(p *Payment, now time.Time)) (Payment, error) {
	if paymentID == "" {
		return Payment{}, fmt.Errorf("payment id is required")
	}
	key := r.paymentKey(paymentID)

	var saved Payment
	err := r.db.Transact(ctx, func(tx *redis.Tx) error {
		now := r.now().UTC()

		var p Payment
		err := redisstore.GetJSON(ctx, tx, key, &p)
		switch {
		case err == nil:
		case errors.Is(err, redisstore.ErrNotFound):
			p = Payment{PaymentID: paymentID, IntentID: intentID, CreatedAt: now}
		default:
			return err
		}
		if p.IntentID == "" {
			p.IntentID = intentID
		}

		mutate(&p, now)
		p.UpdatedAt = now

		data, err := redisstore.Encode(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if p.IntentID != "" {
				pipe.SAdd(ctx, r.intentIndexKey(p.IntentID), paymentID)
			}
			return nil
		})
		if err == nil {
			saved = p
		}
		return err
	}, key)
	if err != nil {
		r.logger.Error("❌ Failed to write payment record",
			zap.String("payment_id", paymentID),
			zap.String("intent_id", intentID),
			zap.Error(err),
		)
		return Payment{}, err
	}
	return saved, nil
}

// Get returns a payment record.
func (r *Records) Get(ctx context.Context, paymentID string) (Payment, error) {
	var p Payment
	if err := redisstore.GetJSON(ctx, r.db.Client(), r.paymentKey(paymentID), &p); err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			return Payment{}, fmt.Errorf("%w: %s", ErrRecordNotFound, paymentID)
		}
		return Payment{}, err
	}
	return p, nil
}

// ForIntent returns every payment attempt recorded against an intent.
func (r *Records) ForIntent(ctx context.Context, intentID string) ([]Payment, error) {
	ids, err := r.db.Client().SMembers(ctx, r.intentIndexKey(intentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", redisstore.ErrUnavailable, err)
	}
	payments := make([]Payment, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, nil
}

// SaveGatewayOrder stores the gateway order created at checkout.
func (r *Records) SaveGatewayOrder(ctx context.Context, o GatewayOrder) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.now().UTC()
	}
	data, err := redisstore.Encode(o)
	if err != nil {
		return err
	}
	if err := r.db.Client().Set(ctx, r.gatewayOrderKey(o.IntentID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: saving gateway order %s: %v", redisstore.ErrUnavailable, o.IntentID, err)
	}
	return nil
}

// GetGatewayOrder returns the gateway order for an intent.
func (r *Records) GetGatewayOrder(ctx context.Context, intentID string) (GatewayOrder, error) {
	var o GatewayOrder
	if err := redisstore.GetJSON(ctx, r.db.Client(), r.gatewayOrderKey(intentID), &o); err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			return GatewayOrder{}, fmt.Errorf("%w: gateway order %s", ErrRecordNotFound, intentID)
		}
		return GatewayOrder{}, err
	}
	return o, nil
}

// MarkGatewayOrderPaid flags the gateway order paid. It returns false when it
// already was.
func (r *Records) MarkGatewayOrderPaid(ctx context.Context, intentID string, amountPaid int64) (GatewayOrder, bool, error) {
	key := r.gatewayOrderKey(intentID)
	var result GatewayOrder
	changed := false
	err := r.db.Transact(ctx, func(tx *redis.Tx) error {
		changed = false
		var o GatewayOrder
		if err := redisstore.GetJSON(ctx, tx, key, &o); err != nil {
			if errors.Is(err, redisstore.ErrNotFound) {
				return fmt.Errorf("%w: gateway order %s", ErrRecordNotFound, intentID)
			}
			return err
		}
		result = o
		if o.Paid {
			return nil
		}
		now := r.now().UTC()
		o.Paid = true
		o.AmountPaid = amountPaid
		o.PaidAt = &now

		data, err := redisstore.Encode(o)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			result = o
			changed = true
		}
		return err
	}, key)
	if err != nil {
		return GatewayOrder{}, false, err
	}
	return result, changed, nil
}
