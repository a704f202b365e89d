package inventory

import "time"

// MenuItem is a sellable item and its stock counters.
//
// AvailableQuantity is authoritative stock and only drops on settlement.
// ReservedQuantity is the outstanding quantity held by active reservations.
// For limited-stock items Available-Reserved never goes negative.
type MenuItem struct {
	ID                string    `json:"id" yaml:"id"`
	Name              string    `json:"name" yaml:"name"`
	Price             int64     `json:"price" yaml:"price"`
	AvailableQuantity int       `json:"availableQuantity" yaml:"availableQuantity"`
	ReservedQuantity  int       `json:"reservedQuantity" yaml:"-"`
	HasUnlimitedStock bool      `json:"hasUnlimitedStock" yaml:"hasUnlimitedStock"`
	UpdatedAt         time.Time `json:"updatedAt" yaml:"-"`
}

// Sellable returns the quantity that can still be reserved. Unlimited items
// report -1.
func (m MenuItem) Sellable() int {
	if m.HasUnlimitedStock {
		return -1
	}
	return m.AvailableQuantity - m.ReservedQuantity
}

// reserve reports whether the counters moved. Unlimited items are not
// counted, and the hold must later be settled with the same flag even if the
// item has been switched to limited stock since.
func (m *MenuItem) reserve(qty int) (bool, error) {
	if qty <= 0 {
		return false, ErrInvalidQuantity
	}
	if m.HasUnlimitedStock {
		return false, nil
	}
	if sellable := m.Sellable(); sellable < qty {
		return false, &InsufficientStockError{ItemID: m.ID, Requested: qty, Sellable: sellable}
	}
	m.ReservedQuantity += qty
	return true, nil
}

func (m *MenuItem) release(qty int, counted bool) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if !counted {
		return nil
	}
	if m.ReservedQuantity < qty {
		return &CounterUnderflowError{ItemID: m.ID, Counter: "reserved", Have: m.ReservedQuantity, Take: qty}
	}
	m.ReservedQuantity -= qty
	return nil
}

func (m *MenuItem) commit(qty int, counted bool) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if !counted {
		return nil
	}
	if m.ReservedQuantity < qty {
		return &CounterUnderflowError{ItemID: m.ID, Counter: "reserved", Have: m.ReservedQuantity, Take: qty}
	}
	if m.AvailableQuantity < qty {
		return &CounterUnderflowError{ItemID: m.ID, Counter: "available", Have: m.AvailableQuantity, Take: qty}
	}
	m.ReservedQuantity -= qty
	m.AvailableQuantity -= qty
	return nil
}
