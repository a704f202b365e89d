package order

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPlaced     Status = "Placed"
	StatusCooking    Status = "Cooking"
	StatusCooked     Status = "Cooked"
	StatusPickUp     Status = "Pick Up"
	StatusPickedUp   Status = "PickedUp"
	StatusTerminated Status = "Terminated"
	StatusExpired    Status = "Expired"
)

// IsTerminal reports whether the order has left the active working set.
func (s Status) IsTerminal() bool {
	return s == StatusPickedUp || s == StatusTerminated || s == StatusExpired
}

// ParseStatus accepts the stored status names.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPlaced, StatusCooking, StatusCooked, StatusPickUp, StatusPickedUp, StatusTerminated, StatusExpired:
		return st, true
	}
	return "", false
}

type PaymentState string

const (
	PaymentPending   PaymentState = "pending"
	PaymentConfirmed PaymentState = "confirmed"
	PaymentFailed    PaymentState = "failed"
)

var (
	ErrNotFound             = errors.New("order not found")
	ErrInvalidTransition    = errors.New("invalid order status transition")
	ErrPaymentNotConfirmed  = errors.New("order payment is not confirmed")
	ErrDuplicatePaymentLink = errors.New("an order already exists for this payment intent")
)

type Item struct {
	ItemID   string `json:"itemId"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// Order is the customer-facing order document. StatusTimes records when the
// order entered each status.
type Order struct {
	ID            string               `json:"id"`
	UserID        string               `json:"userId"`
	Items         []Item               `json:"items"`
	Total         int64                `json:"total"`
	Status        Status               `json:"status"`
	PaymentState  PaymentState         `json:"paymentState"`
	IntentID      string               `json:"intentId"`
	PaymentID     string               `json:"paymentId,omitempty"`
	PaymentMethod string               `json:"paymentMethod,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	StatusTimes   map[Status]time.Time `json:"statusTimes"`
	ArchivedAt    *time.Time           `json:"archivedAt,omitempty"`
}

// EnteredAt returns when the order entered status s.
func (o Order) EnteredAt(s Status) (time.Time, bool) {
	t, ok := o.StatusTimes[s]
	return t, ok
}

var kitchenFlow = map[Status]Status{
	StatusPlaced:  StatusCooking,
	StatusCooking: StatusCooked,
	StatusCooked:  StatusPickUp,
	StatusPickUp:  StatusPickedUp,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	switch to {
	case StatusTerminated:
		return true
	case StatusExpired:
		return from == StatusPlaced || from == StatusPickUp
	}
	return kitchenFlow[from] == to
}

// NextKitchenStatus returns the status staff move the order to next.
func NextKitchenStatus(from Status) (Status, bool) {
	to, ok := kitchenFlow[from]
	return to, ok
}
