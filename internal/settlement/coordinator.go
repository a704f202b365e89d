// Package settlement turns payment gateway signals into reservation and
// order outcomes.
//
// Every handler first writes the payment record, then drives the ledger and
// the order. The ledger's compare-and-set makes repeated signals harmless, so
// a handler that fails half way can simply be run again, either by a gateway
// retry or by Reconcile.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"canteenservice/internal/events"
	"canteenservice/internal/order"
	"canteenservice/internal/payment"
	"canteenservice/internal/platform/observability"
	"canteenservice/internal/platform/redisstore"
	"canteenservice/internal/reservation"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Outcome string

const fetchRetries = 2

const (
	// OutcomeSettled means this call moved the reservation and order.
	OutcomeSettled Outcome = "settled"
	// OutcomeDuplicate means an earlier call already did the work.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeReconcile means the payment was recorded but needs an operator.
	OutcomeReconcile Outcome = "reconciliation_required"
	// OutcomeRecorded means only the payment record changed.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeRejected means the signal was refused.
	OutcomeRejected Outcome = "rejected"
)

// IsRetryable reports whether a settlement error is transient.
func IsRetryable(err error) bool {
	return redisstore.IsRetryable(err) || payment.IsRetryable(err)
}

type Config struct {
	// KeySecret signs checkout verification payloads.
	KeySecret string
	// WebhookSecret signs webhook bodies.
	WebhookSecret  string
	GatewayTimeout time.Duration
}

type Coordinator struct {
	ledger    *reservation.Ledger
	orders    *order.Machine
	records   *payment.Records
	gateway   payment.Gateway
	publisher events.Publisher
	cfg       Config
	logger    observability.Logger
	tracer    observability.Tracer
	metrics   *observability.Counters
}

func NewCoordinator(
	ledger *reservation.Ledger,
	orders *order.Machine,
	records *payment.Records,
	gateway payment.Gateway,
	publisher events.Publisher,
	cfg Config,
	logger observability.Logger,
	tracer observability.Tracer,
	metrics *observability.Counters,
) *Coordinator {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 20 * time.Second
	}
	return &Coordinator{
		ledger:    ledger,
		orders:    orders,
		records:   records,
		gateway:   gateway,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Capture describes a captured payment.
type Capture struct {
	IntentID  string
	PaymentID string
	Amount    int64
	Currency  string
	Method    string
}

// OnPaymentAuthorized records the authorization. Stock and order are not
// touched until capture.
func (c *Coordinator) OnPaymentAuthorized(ctx context.Context, intentID, paymentID string, amount int64, method string) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.authorized")
	defer span.End()
	span.SetAttributes(attribute.String("payment.intent_id", intentID), attribute.String("payment.id", paymentID))

	_, err := c.records.Upsert(ctx, paymentID, intentID, func(p *payment.Payment, now time.Time) {
		if p.Status == "" {
			p.Status = payment.StatusAuthorized
		}
		if p.AuthorizedAt == nil {
			p.AuthorizedAt = &now
		}
		if p.Amount == 0 {
			p.Amount = amount
		}
		if p.Method == "" {
			p.Method = method
		}
	})
	if err != nil {
		return c.finish(ctx, span, "authorized", "", err)
	}

	c.logger.Info("Payment authorized", zap.String("intent_id", intentID), zap.String("payment_id", paymentID))
	return c.finish(ctx, span, "authorized", OutcomeRecorded, nil)
}

// OnPaymentCaptured records the capture, completes the reservation and
// confirms the order's payment. Repeated calls are no-ops.
func (c *Coordinator) OnPaymentCaptured(ctx context.Context, capture Capture) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.captured")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.intent_id", capture.IntentID),
		attribute.String("payment.id", capture.PaymentID),
		attribute.Int64("payment.amount", capture.Amount),
	)
	start := time.Now()

	record, err := c.records.Upsert(ctx, capture.PaymentID, capture.IntentID, func(p *payment.Payment, now time.Time) {
		if p.Status != payment.StatusCaptured {
			p.Status = payment.StatusCaptured
			p.CapturedAt = &now
		}
		if capture.Amount > 0 {
			p.Amount = capture.Amount
		}
		if capture.Currency != "" {
			p.Currency = capture.Currency
		}
		if capture.Method != "" {
			p.Method = capture.Method
		}
	})
	if err != nil {
		return c.finish(ctx, span, "captured", "", err)
	}
	if record.Settled && record.ReconcileReason == "" {
		return c.finish(ctx, span, "captured", OutcomeDuplicate, nil)
	}

	completed, err := c.ledger.Complete(ctx, capture.IntentID)
	if err != nil {
		c.logger.Error("❌ Capture recorded but reservation not completed; reconcile from payment record",
			zap.String("intent_id", capture.IntentID),
			zap.String("payment_id", capture.PaymentID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return c.finish(ctx, span, "captured", "", err)
	}

	res, err := c.ledger.Get(ctx, capture.IntentID)
	if err != nil && !errors.Is(err, reservation.ErrNotFound) {
		return c.finish(ctx, span, "captured", "", err)
	}

	var reasons []string
	switch {
	case errors.Is(err, reservation.ErrNotFound):
		reasons = append(reasons, "captured without a reservation")
	case !completed && res.Status != reservation.StatusCompleted:
		reasons = append(reasons, fmt.Sprintf("captured after reservation was %s", res.Status))
	}
	if err == nil && record.Amount != res.Amount {
		reasons = append(reasons, fmt.Sprintf("captured amount %d differs from reservation amount %d", record.Amount, res.Amount))
	}

	// Stock was never committed for this payment, so the order must not move.
	stockCommitted := err == nil && (completed || res.Status == reservation.StatusCompleted)
	var orderID, userID string
	if stockCommitted {
		o, _, oerr := c.orders.ConfirmPayment(ctx, capture.IntentID, capture.PaymentID, record.Method)
		switch {
		case oerr == nil:
			orderID, userID = o.ID, o.UserID
		case errors.Is(oerr, order.ErrNotFound), errors.Is(oerr, order.ErrInvalidTransition):
			reasons = append(reasons, "order could not be confirmed: "+oerr.Error())
		default:
			c.logger.Error("❌ Reservation completed but order not confirmed; reconcile from payment record",
				zap.String("intent_id", capture.IntentID),
				zap.String("payment_id", capture.PaymentID),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(oerr),
			)
			return c.finish(ctx, span, "captured", "", oerr)
		}
	}

	reason := strings.Join(reasons, "; ")
	if _, err := c.records.Upsert(ctx, capture.PaymentID, capture.IntentID, func(p *payment.Payment, now time.Time) {
		p.Settled = true
		p.SettledAt = &now
		p.ReconcileReason = reason
	}); err != nil {
		return c.finish(ctx, span, "captured", "", err)
	}

	data := events.PaymentData{
		PaymentID: capture.PaymentID,
		IntentID:  capture.IntentID,
		OrderID:   orderID,
		UserID:    userID,
		Amount:    record.Amount,
		Method:    record.Method,
		Reason:    reason,
	}
	if reason != "" {
		c.logger.Warn("⚠️ Payment needs reconciliation",
			zap.String("intent_id", capture.IntentID),
			zap.String("payment_id", capture.PaymentID),
			zap.String("reason", reason),
		)
		events.Emit(ctx, c.publisher, c.logger, events.PaymentReconciliationRequired, capture.IntentID, data)
	}
	if completed {
		events.Emit(ctx, c.publisher, c.logger, events.PaymentCaptured, capture.IntentID, data)
		c.logger.Info("✅ Payment captured and settled",
			zap.String("intent_id", capture.IntentID),
			zap.String("payment_id", capture.PaymentID),
			zap.String("order_id", orderID),
		)
	}

	switch {
	case reason != "":
		return c.finish(ctx, span, "captured", OutcomeReconcile, nil)
	case completed:
		return c.finish(ctx, span, "captured", OutcomeSettled, nil)
	default:
		return c.finish(ctx, span, "captured", OutcomeDuplicate, nil)
	}
}

// OnPaymentFailed records the failure, fails the reservation and terminates
// the order if it is still unpaid. A payment already captured is not
// downgraded.
func (c *Coordinator) OnPaymentFailed(ctx context.Context, intentID, paymentID, reason string) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.failed")
	defer span.End()
	span.SetAttributes(attribute.String("payment.intent_id", intentID), attribute.String("payment.id", paymentID))
	start := time.Now()

	if paymentID != "" {
		record, err := c.records.Upsert(ctx, paymentID, intentID, func(p *payment.Payment, now time.Time) {
			if p.Status == payment.StatusCaptured {
				return
			}
			p.Status = payment.StatusFailed
			p.FailedAt = &now
			p.FailureReason = reason
		})
		if err != nil {
			return c.finish(ctx, span, "failed", "", err)
		}
		if record.Status == payment.StatusCaptured {
			c.logger.Warn("Ignoring failure signal for captured payment",
				zap.String("intent_id", intentID),
				zap.String("payment_id", paymentID),
			)
			return c.finish(ctx, span, "failed", OutcomeDuplicate, nil)
		}
	}

	failed, err := c.ledger.Fail(ctx, intentID, reason)
	if err != nil {
		c.logger.Error("❌ Failure recorded but reservation not released; reconcile from payment record",
			zap.String("intent_id", intentID),
			zap.String("payment_id", paymentID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return c.finish(ctx, span, "failed", "", err)
	}

	o, _, err := c.orders.FailPayment(ctx, intentID, paymentID, reason)
	if err != nil && !errors.Is(err, order.ErrNotFound) {
		return c.finish(ctx, span, "failed", "", err)
	}

	if paymentID != "" {
		if _, err := c.records.Upsert(ctx, paymentID, intentID, func(p *payment.Payment, now time.Time) {
			p.Settled = true
			p.SettledAt = &now
		}); err != nil {
			return c.finish(ctx, span, "failed", "", err)
		}
	}

	if !failed {
		return c.finish(ctx, span, "failed", OutcomeDuplicate, nil)
	}

	events.Emit(ctx, c.publisher, c.logger, events.PaymentFailed, intentID, events.PaymentData{
		PaymentID: paymentID,
		IntentID:  intentID,
		OrderID:   o.ID,
		UserID:    o.UserID,
		Reason:    reason,
	})
	c.logger.Info("Payment failed; reservation released",
		zap.String("intent_id", intentID),
		zap.String("payment_id", paymentID),
		zap.String("reason", reason),
	)
	return c.finish(ctx, span, "failed", OutcomeSettled, nil)
}

// VerifyAndSettle checks the checkout signature and settles from the
// gateway's view of the payment. An invalid signature fails the payment and
// returns payment.ErrSignatureInvalid. A gateway timeout returns
// payment.ErrGatewayTimeout and leaves the reservation active; the webhook
// remains the source of truth.
func (c *Coordinator) VerifyAndSettle(ctx context.Context, intentID, paymentID, signature string) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.verify")
	defer span.End()
	span.SetAttributes(attribute.String("payment.intent_id", intentID), attribute.String("payment.id", paymentID))

	if !payment.VerifyPaymentSignature(c.cfg.KeySecret, intentID, paymentID, signature) {
		span.SetAttributes(attribute.Bool("payment.signature_valid", false))
		c.logger.Warn("Payment signature mismatch", zap.String("intent_id", intentID), zap.String("payment_id", paymentID))
		if _, err := c.OnPaymentFailed(ctx, intentID, paymentID, "Payment signature invalid"); err != nil {
			c.logger.Error("❌ Failed to record signature failure", zap.String("intent_id", intentID), zap.Error(err))
		}
		c.metrics.SettlementEvent(ctx, "verify", string(OutcomeRejected))
		return OutcomeRejected, fmt.Errorf("%w: intent %s payment %s", payment.ErrSignatureInvalid, intentID, paymentID)
	}

	gp, err := c.fetchPayment(ctx, paymentID)
	if err != nil {
		c.logger.Warn("Gateway verification did not complete; waiting for webhook",
			zap.String("intent_id", intentID),
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return c.finish(ctx, span, "verify", "", err)
	}
	if gp.OrderID != "" && gp.OrderID != intentID {
		err := fmt.Errorf("%w: payment %s belongs to gateway order %s", payment.ErrGatewayRejected, paymentID, gp.OrderID)
		return c.finish(ctx, span, "verify", "", err)
	}

	if _, err := c.records.Upsert(ctx, paymentID, intentID, func(p *payment.Payment, now time.Time) {
		p.VerifiedAt = &now
	}); err != nil {
		return c.finish(ctx, span, "verify", "", err)
	}

	return c.settleFromGateway(ctx, intentID, gp)
}

func (c *Coordinator) settleFromGateway(ctx context.Context, intentID string, gp payment.GatewayPayment) (Outcome, error) {
	switch {
	case gp.Captured || gp.Status == string(payment.StatusCaptured):
		return c.OnPaymentCaptured(ctx, Capture{
			IntentID:  intentID,
			PaymentID: gp.ID,
			Amount:    gp.Amount,
			Currency:  gp.Currency,
			Method:    gp.Method,
		})
	case gp.Status == string(payment.StatusFailed):
		return c.OnPaymentFailed(ctx, intentID, gp.ID, "Gateway reported payment failed")
	default:
		return c.OnPaymentAuthorized(ctx, intentID, gp.ID, gp.Amount, gp.Method)
	}
}

func (c *Coordinator) fetchPayment(ctx context.Context, paymentID string) (payment.GatewayPayment, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second

	var gp payment.GatewayPayment
	err := backoff.Retry(func() error {
		var err error
		gp, err = c.gateway.FetchPayment(fetchCtx, paymentID)
		// Timeouts already spent the budget; only connection-level failures are retried.
		if err != nil && !errors.Is(err, payment.ErrGatewayUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(bo, fetchRetries))
	return gp, err
}

// OnOrderPaid marks the gateway order paid. Settlement itself happens on
// payment.captured.
func (c *Coordinator) OnOrderPaid(ctx context.Context, intentID string, amountPaid int64) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.order_paid")
	defer span.End()
	span.SetAttributes(attribute.String("payment.intent_id", intentID))

	o, changed, err := c.records.MarkGatewayOrderPaid(ctx, intentID, amountPaid)
	if errors.Is(err, payment.ErrRecordNotFound) {
		c.logger.Warn("order.paid for unknown gateway order", zap.String("intent_id", intentID))
		return c.finish(ctx, span, "order_paid", OutcomeDuplicate, nil)
	}
	if err != nil {
		return c.finish(ctx, span, "order_paid", "", err)
	}
	if !changed {
		return c.finish(ctx, span, "order_paid", OutcomeDuplicate, nil)
	}
	if amountPaid != o.Amount {
		c.logger.Warn("⚠️ Gateway order paid amount differs",
			zap.String("intent_id", intentID),
			zap.Int64("amount", o.Amount),
			zap.Int64("amount_paid", amountPaid),
		)
	}
	return c.finish(ctx, span, "order_paid", OutcomeRecorded, nil)
}

// Reconcile re-runs settlement from a stored payment record. Authorized
// records are refreshed from the gateway first.
func (c *Coordinator) Reconcile(ctx context.Context, paymentID string) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	p, err := c.records.Get(ctx, paymentID)
	if err != nil {
		return c.finish(ctx, span, "reconcile", "", err)
	}
	c.logger.Info("Reconciling payment",
		zap.String("payment_id", paymentID),
		zap.String("intent_id", p.IntentID),
		zap.String("status", string(p.Status)),
		zap.Bool("settled", p.Settled),
	)

	switch p.Status {
	case payment.StatusCaptured:
		return c.OnPaymentCaptured(ctx, Capture{
			IntentID:  p.IntentID,
			PaymentID: p.PaymentID,
			Amount:    p.Amount,
			Currency:  p.Currency,
			Method:    p.Method,
		})
	case payment.StatusFailed:
		return c.OnPaymentFailed(ctx, p.IntentID, p.PaymentID, p.FailureReason)
	default:
		gp, err := c.fetchPayment(ctx, paymentID)
		if err != nil {
			return c.finish(ctx, span, "reconcile", "", err)
		}
		return c.settleFromGateway(ctx, p.IntentID, gp)
	}
}

// Refund asks the gateway to refund a captured payment. Refunds are operator
// decisions; settlement never refunds on its own.
func (c *Coordinator) Refund(ctx context.Context, paymentID string, amount int64) (string, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.refund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID), attribute.Int64("payment.refund_amount", amount))

	p, err := c.records.Get(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if p.Status != payment.StatusCaptured {
		err := fmt.Errorf("%w: payment %s is %s", payment.ErrGatewayRejected, paymentID, p.Status)
		span.RecordError(err)
		return "", err
	}
	if amount < 0 || amount > p.Amount {
		return "", fmt.Errorf("%w: refund amount %d outside 0..%d", payment.ErrGatewayRejected, amount, p.Amount)
	}

	refundCtx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	defer cancel()
	refundID, err := c.gateway.Refund(refundCtx, paymentID, amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("❌ Refund failed", zap.String("payment_id", paymentID), zap.Error(err))
		return "", err
	}

	if _, err := c.records.Upsert(ctx, paymentID, p.IntentID, func(p *payment.Payment, now time.Time) {
		p.RefundIDs = append(p.RefundIDs, refundID)
	}); err != nil {
		c.logger.Error("❌ Refund issued but not recorded",
			zap.String("payment_id", paymentID),
			zap.String("refund_id", refundID),
			zap.Error(err),
		)
		return refundID, err
	}

	c.logger.Info("Refund issued", zap.String("payment_id", paymentID), zap.String("refund_id", refundID), zap.Int64("amount", amount))
	return refundID, nil
}

// HandleWebhook routes a decoded gateway event. Unknown types are ignored.
func (c *Coordinator) HandleWebhook(ctx context.Context, event WebhookEvent) error {
	p := event.Payload.Payment.Entity
	intentID := event.IntentID()

	switch event.Event {
	case EventPaymentAuthorized, EventPaymentCaptured, EventPaymentFailed, EventOrderPaid:
		if intentID == "" {
			return fmt.Errorf("%w: %s without order id", ErrMalformedEvent, event.Event)
		}
	}

	var err error
	switch event.Event {
	case EventPaymentAuthorized:
		_, err = c.OnPaymentAuthorized(ctx, intentID, p.ID, p.Amount, p.Method)
	case EventPaymentCaptured:
		_, err = c.OnPaymentCaptured(ctx, Capture{
			IntentID:  intentID,
			PaymentID: p.ID,
			Amount:    p.Amount,
			Currency:  p.Currency,
			Method:    p.Method,
		})
	case EventPaymentFailed:
		reason := p.ErrorDescription
		if reason == "" {
			reason = "Payment failed"
		}
		_, err = c.OnPaymentFailed(ctx, intentID, p.ID, reason)
	case EventOrderPaid:
		_, err = c.OnOrderPaid(ctx, intentID, event.Payload.Order.Entity.AmountPaid)
	default:
		c.logger.Info("Ignoring gateway event", zap.String("event", event.Event), zap.String("intent_id", intentID))
		return nil
	}
	return err
}

// HandleRaw decodes and handles a webhook body.
func (c *Coordinator) HandleRaw(ctx context.Context, body []byte) error {
	event, err := DecodeWebhook(body)
	if err != nil {
		return err
	}
	return c.HandleWebhook(ctx, event)
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, signal string, outcome Outcome, err error) (Outcome, error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.SettlementEvent(ctx, signal, "error")
		return "", err
	}
	span.SetAttributes(attribute.String("settlement.outcome", string(outcome)))
	c.metrics.SettlementEvent(ctx, signal, string(outcome))
	return outcome, nil
}

