package payment

import (
	"errors"
	"time"
)

type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusFailed     Status = "failed"
)

var (
	ErrSignatureInvalid   = errors.New("payment signature invalid")
	ErrGatewayTimeout     = errors.New("payment gateway timeout")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
	ErrRecordNotFound     = errors.New("payment record not found")
)

// IsRetryable reports whether a gateway error may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) || errors.Is(err, ErrGatewayUnavailable)
}

// Payment is the durable record of what the gateway told us about one
// payment. It is written before any ledger or order step so settlement can
// be re-run from it.
type Payment struct {
	PaymentID       string     `json:"paymentId"`
	IntentID        string     `json:"intentId"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency,omitempty"`
	Method          string     `json:"method,omitempty"`
	Status          Status     `json:"status"`
	FailureReason   string     `json:"failureReason,omitempty"`
	AuthorizedAt    *time.Time `json:"authorizedAt,omitempty"`
	CapturedAt      *time.Time `json:"capturedAt,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`
	VerifiedAt      *time.Time `json:"verifiedAt,omitempty"`
	Settled         bool       `json:"settled"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
	ReconcileReason string     `json:"reconcileReason,omitempty"`
	RefundIDs       []string   `json:"refundIds,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// GatewayOrder tracks the gateway-side order created at checkout.
type GatewayOrder struct {
	IntentID   string     `json:"intentId"`
	OrderID    string     `json:"orderId"`
	UserID     string     `json:"userId"`
	Amount     int64      `json:"amount"`
	Currency   string     `json:"currency"`
	Receipt    string     `json:"receipt"`
	Paid       bool       `json:"paid"`
	AmountPaid int64      `json:"amountPaid,omitempty"`
	PaidAt     *time.Time `json:"paidAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// GatewayPayment is the gateway's authoritative view of a payment.
type GatewayPayment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Method   string `json:"method"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Captured bool   `json:"captured"`
}

// GatewayOrderRef is what the gateway returns for a created order.
type GatewayOrderRef struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}
