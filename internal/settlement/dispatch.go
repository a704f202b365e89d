package settlement

import (
	"context"

	"canteenservice/internal/payment"

	"go.uber.org/zap"
)

// VerifyWebhook checks the webhook signature over the raw body.
func (c *Coordinator) VerifyWebhook(body []byte, signature string) bool {
	return payment.VerifyWebhookSignature(c.cfg.WebhookSecret, body, signature)
}

// InlineDispatcher settles a verified webhook on the request path. Failures
// are logged, not returned: the gateway has done its part once the signature
// checks out, and a retry storm helps nobody. The payment record left behind
// is what reconciliation works from.
type InlineDispatcher struct {
	coordinator *Coordinator
}

func NewInlineDispatcher(c *Coordinator) *InlineDispatcher {
	return &InlineDispatcher{coordinator: c}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, key string, body []byte) error {
	if err := d.coordinator.HandleRaw(ctx, body); err != nil {
		d.coordinator.logger.Error("❌ Inline settlement failed; reconcile from payment record",
			zap.String("intent_id", key),
			zap.Error(err),
		)
	}
	return nil
}
