// Package checkout starts a purchase: it prices the cart, opens a gateway
// order, reserves stock against it and places the order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteenservice/internal/inventory"
	"canteenservice/internal/order"
	"canteenservice/internal/payment"
	"canteenservice/internal/platform/observability"
	"canteenservice/internal/reservation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Reason is the client-facing cause of a rejected checkout.
type Reason string

const (
	ReasonStockUnavailable Reason = "stock_unavailable"
	ReasonPaymentError     Reason = "payment_error"
	ReasonTimeout          Reason = "timeout"
	ReasonInvalidRequest   Reason = "invalid_request"
)

var ErrInvalidRequest = errors.New("invalid checkout request")

// Error is a rejected checkout with an actionable reason.
type Error struct {
	Reason Reason
	ItemID string
	Err    error
}

func (e *Error) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("checkout rejected (%s, item %s): %v", e.Reason, e.ItemID, e.Err)
	}
	return fmt.Sprintf("checkout rejected (%s): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Request struct {
	UserID string
	Lines  []reservation.Line
}

// Result is what the client needs to open the gateway's checkout.
type Result struct {
	OrderID   string    `json:"orderId"`
	IntentID  string    `json:"intentId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	KeyID     string    `json:"keyId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Config struct {
	Currency       string
	KeyID          string
	GatewayTimeout time.Duration
}

type Service struct {
	inventory *inventory.Store
	ledger    *reservation.Ledger
	orders    *order.Machine
	records   *payment.Records
	gateway   payment.Gateway
	cfg       Config
	logger    observability.Logger
	tracer    observability.Tracer
	metrics   *observability.Counters
}

func NewService(
	inv *inventory.Store,
	ledger *reservation.Ledger,
	orders *order.Machine,
	records *payment.Records,
	gateway payment.Gateway,
	cfg Config,
	logger observability.Logger,
	tracer observability.Tracer,
	metrics *observability.Counters,
) *Service {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 20 * time.Second
	}
	return &Service{
		inventory: inv,
		ledger:    ledger,
		orders:    orders,
		records:   records,
		gateway:   gateway,
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Checkout runs one checkout attempt. Rejections come back as *Error.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "checkout")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", req.UserID), attribute.Int("checkout.lines", len(req.Lines)))
	start := time.Now()

	result, err := s.checkout(ctx, req)
	if err != nil {
		outcome := "error"
		var cerr *Error
		if errors.As(err, &cerr) {
			outcome = string(cerr.Reason)
			span.SetAttributes(attribute.String("checkout.rejected", outcome))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("❌ Checkout failed",
				zap.String("user_id", req.UserID),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		}
		s.metrics.CheckoutAttempt(ctx, outcome)
		return Result{}, err
	}

	s.metrics.CheckoutAttempt(ctx, "ok")
	span.SetAttributes(attribute.String("order.id", result.OrderID), attribute.String("payment.intent_id", result.IntentID))
	return result, nil
}

func (s *Service) checkout(ctx context.Context, req Request) (Result, error) {
	if req.UserID == "" {
		return Result{}, &Error{Reason: ReasonInvalidRequest, Err: fmt.Errorf("%w: user is required", ErrInvalidRequest)}
	}
	if len(req.Lines) == 0 {
		return Result{}, &Error{Reason: ReasonInvalidRequest, Err: reservation.ErrEmptyCheckout}
	}

	ids := make([]string, 0, len(req.Lines))
	for _, l := range req.Lines {
		if l.ItemID == "" || l.Quantity <= 0 {
			return Result{}, &Error{Reason: ReasonInvalidRequest, ItemID: l.ItemID, Err: inventory.ErrInvalidQuantity}
		}
		ids = append(ids, l.ItemID)
	}

	items, err := s.inventory.GetMany(ctx, ids)
	if errors.Is(err, inventory.ErrItemNotFound) {
		return Result{}, &Error{Reason: ReasonInvalidRequest, Err: err}
	}
	if err != nil {
		return Result{}, err
	}

	// Price the cart and reject obvious shortfalls before opening a gateway order.
	wanted := make(map[string]int, len(items))
	var amount int64
	orderItems := make([]order.Item, 0, len(req.Lines))
	for _, l := range req.Lines {
		item := items[l.ItemID]
		wanted[l.ItemID] += l.Quantity
		amount += item.Price * int64(l.Quantity)
		orderItems = append(orderItems, order.Item{ItemID: item.ID, Name: item.Name, Quantity: l.Quantity, Price: item.Price})
	}
	for id, qty := range wanted {
		item := items[id]
		if !item.HasUnlimitedStock && item.Sellable() < qty {
			return Result{}, &Error{
				Reason: ReasonStockUnavailable,
				ItemID: id,
				Err:    &inventory.InsufficientStockError{ItemID: id, Requested: qty, Sellable: item.Sellable()},
			}
		}
	}

	orderID := uuid.NewString()
	gwCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	ref, err := s.gateway.CreateOrder(gwCtx, amount, s.cfg.Currency, orderID)
	cancel()
	if err != nil {
		if errors.Is(err, payment.ErrGatewayTimeout) {
			return Result{}, &Error{Reason: ReasonTimeout, Err: err}
		}
		return Result{}, &Error{Reason: ReasonPaymentError, Err: err}
	}
	intentID := ref.ID

	if err := s.records.SaveGatewayOrder(ctx, payment.GatewayOrder{
		IntentID: intentID,
		OrderID:  orderID,
		UserID:   req.UserID,
		Amount:   amount,
		Currency: s.cfg.Currency,
		Receipt:  orderID,
	}); err != nil {
		return Result{}, err
	}

	res, err := s.ledger.Create(ctx, reservation.CreateRequest{
		IntentID: intentID,
		UserID:   req.UserID,
		Lines:    req.Lines,
		Amount:   amount,
	})
	if err != nil {
		var stockErr *inventory.InsufficientStockError
		if errors.As(err, &stockErr) {
			return Result{}, &Error{Reason: ReasonStockUnavailable, ItemID: stockErr.ItemID, Err: err}
		}
		return Result{}, err
	}

	if _, err := s.orders.Create(ctx, order.Order{
		ID:       orderID,
		UserID:   req.UserID,
		IntentID: intentID,
		Items:    orderItems,
		Total:    amount,
	}); err != nil {
		// Do not hold stock for an order that does not exist.
		if _, ferr := s.ledger.Fail(ctx, intentID, "order creation failed"); ferr != nil {
			s.logger.Error("❌ Failed to release reservation after order failure",
				zap.String("intent_id", intentID),
				zap.Error(ferr),
			)
		}
		return Result{}, err
	}

	s.logger.Info("✅ Checkout started",
		zap.String("user_id", req.UserID),
		zap.String("order_id", orderID),
		zap.String("intent_id", intentID),
		zap.Int64("amount", amount),
	)
	return Result{
		OrderID:   orderID,
		IntentID:  intentID,
		Amount:    amount,
		Currency:  s.cfg.Currency,
		KeyID:     s.cfg.KeyID,
		ExpiresAt: res.ExpiresAt,
	}, nil
}
