package inventory

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrItemNotFound      = errors.New("menu item not found")
	ErrCounterUnderflow  = errors.New("stock counter underflow")
	ErrInvalidQuantity   = errors.New("invalid quantity")
)

// InsufficientStockError names the item a reservation could not be satisfied for.
type InsufficientStockError struct {
	ItemID    string
	Requested int
	Sellable  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: requested %d, sellable %d", e.ItemID, e.Requested, e.Sellable)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// CounterUnderflowError reports a release or commit larger than the counter it
// draws from. It signals a double release and is never clamped away.
type CounterUnderflowError struct {
	ItemID  string
	Counter string
	Have    int
	Take    int
}

func (e *CounterUnderflowError) Error() string {
	return fmt.Sprintf("%s counter of item %s is %d, cannot take %d", e.Counter, e.ItemID, e.Have, e.Take)
}

func (e *CounterUnderflowError) Unwrap() error { return ErrCounterUnderflow }
