package reservation

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

var (
	ErrNotFound      = errors.New("reservation not found")
	ErrAlreadyExists = errors.New("reservation already exists for payment intent")
	ErrEmptyCheckout = errors.New("checkout has no lines")
)

// Line is one item and quantity held by a reservation. Counted records
// whether the hold moved the item's counters when it was taken; settlement
// follows it rather than the item's current stock mode.
type Line struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
	Counted  bool   `json:"counted,omitempty"`
}

// Reservation holds stock for one payment intent until it is completed,
// failed or expired. It is immutable once it leaves active.
type Reservation struct {
	IntentID      string     `json:"intentId"`
	UserID        string     `json:"userId"`
	Lines         []Line     `json:"lines"`
	Amount        int64      `json:"amount"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
	ExpiredAt     *time.Time `json:"expiredAt,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

func (r Reservation) IsActive() bool { return r.Status == StatusActive }

// ItemIDs returns the distinct item ids in line order.
func (r Reservation) ItemIDs() []string {
	return itemIDs(r.Lines)
}

func itemIDs(lines []Line) []string {
	ids := make([]string, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if !seen[l.ItemID] {
			seen[l.ItemID] = true
			ids = append(ids, l.ItemID)
		}
	}
	return ids
}

// mergeLines folds repeated items into one line, keeping first-seen order.
func mergeLines(lines []Line) []Line {
	index := make(map[string]int, len(lines))
	merged := make([]Line, 0, len(lines))
	for _, l := range lines {
		if i, ok := index[l.ItemID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ItemID] = len(merged)
		merged = append(merged, Line{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return merged
}
