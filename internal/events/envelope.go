// Package events carries domain events out of the service and gateway
// events into it over Kafka.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	OrderCreated                  Type = "order.created"
	OrderStatusChanged            Type = "order.status_changed"
	PaymentCaptured               Type = "payment.captured"
	PaymentFailed                 Type = "payment.failed"
	PaymentReconciliationRequired Type = "payment.reconciliation_required"
	ReservationExpired            Type = "reservation.expired"
	SessionTerminated             Type = "session.terminated"
)

// Envelope is the wire shape of every notification event. Key is the
// aggregate id and becomes the Kafka message key.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
}

// New builds an envelope around data.
func New(eventType Type, key string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Key:        key,
		Data:       raw,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

type OrderCreatedData struct {
	OrderID  string `json:"orderId"`
	UserID   string `json:"userId"`
	IntentID string `json:"intentId"`
	Total    int64  `json:"total"`
}

type OrderStatusChangedData struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

type PaymentData struct {
	PaymentID string `json:"paymentId"`
	IntentID  string `json:"intentId"`
	OrderID   string `json:"orderId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Amount    int64  `json:"amount"`
	Method    string `json:"method,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type ReservationExpiredData struct {
	IntentID string `json:"intentId"`
	UserID   string `json:"userId"`
	OrderID  string `json:"orderId,omitempty"`
}

type SessionTerminatedData struct {
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	Reason     string `json:"reason"`
	Suspicious bool   `json:"suspicious"`
}
