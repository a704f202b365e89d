package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventOrderPaid         = "order.paid"
)

// ErrMalformedEvent marks a gateway event that can never be processed.
var ErrMalformedEvent = errors.New("malformed gateway event")

// WebhookEvent is the subset of a gateway webhook body settlement reads.
type WebhookEvent struct {
	Event     string         `json:"event"`
	CreatedAt int64          `json:"created_at"`
	Payload   WebhookPayload `json:"payload"`
}

type WebhookPayload struct {
	Payment struct {
		Entity PaymentEntity `json:"entity"`
	} `json:"payment"`
	Order struct {
		Entity OrderEntity `json:"entity"`
	} `json:"order"`
}

type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

type OrderEntity struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Status     string `json:"status"`
}

// IntentID returns the gateway order id the event refers to.
func (e WebhookEvent) IntentID() string {
	if id := e.Payload.Payment.Entity.OrderID; id != "" {
		return id
	}
	return e.Payload.Order.Entity.ID
}

// DecodeWebhook parses a raw webhook body.
func DecodeWebhook(body []byte) (WebhookEvent, error) {
	var e WebhookEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Event == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	return e, nil
}
