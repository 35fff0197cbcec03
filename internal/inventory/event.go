package inventory

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Venue is the denormalized venue reference carried by an event.
type Venue struct {
	ID            int64
	Name          string
	Address       string
	TotalCapacity int64
}

// Event is a ticketed event whose remaining capacity is owned by the Ledger.
type Event struct {
	ID            int64
	Name          string
	TotalCapacity int64
	LeftCapacity  int64
	TicketPrice   decimal.Decimal
	Venue         Venue
}

// NewEvent builds an event with full remaining capacity.
func NewEvent(id int64, name string, totalCapacity int64, price decimal.Decimal, venue Venue) (Event, error) {
	if totalCapacity < 0 {
		return Event{}, fmt.Errorf("event %d: total capacity must not be negative", id)
	}
	return Event{
		ID:            id,
		Name:          name,
		TotalCapacity: totalCapacity,
		LeftCapacity:  totalCapacity,
		TicketPrice:   price,
		Venue:         venue,
	}, nil
}

// Validate checks 0 <= left <= total.
func (e Event) Validate() error {
	if e.LeftCapacity < 0 || e.LeftCapacity > e.TotalCapacity {
		return fmt.Errorf("event %d: left capacity %d outside [0, %d]", e.ID, e.LeftCapacity, e.TotalCapacity)
	}
	return nil
}
