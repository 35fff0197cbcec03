package inventory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	BookingValidated           EventType = "BOOKING_VALIDATED"
	InventoryReserved          EventType = "INVENTORY_RESERVED"
	InventoryReservationFailed EventType = "INVENTORY_RESERVATION_FAILED"
	CompensateInventory        EventType = "COMPENSATE_INVENTORY"
	InventoryCompensated       EventType = "INVENTORY_COMPENSATED"
	ConfirmInventory           EventType = "CONFIRM_INVENTORY"
)

func (t EventType) valid() bool {
	switch t {
	case BookingValidated, InventoryReserved, InventoryReservationFailed,
		CompensateInventory, InventoryCompensated, ConfirmInventory:
		return true
	}
	return false
}

// InventoryEvent is the message exchanged with the booking orchestrator.
// Optional numeric fields are nil when absent on the wire.
type InventoryEvent struct {
	TransactionID string           `json:"transactionId"`
	UserID        *int64           `json:"userId,omitempty"`
	EventID       *int64           `json:"eventId,omitempty"`
	TicketCount   *int64           `json:"ticketCount,omitempty"`
	TotalPrice    *decimal.Decimal `json:"totalPrice,omitempty"`
	EventType     EventType        `json:"eventType"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
}

// NewInventoryEvent validates and builds a message.
func NewInventoryEvent(transactionID string, userID, eventID, ticketCount *int64, totalPrice *decimal.Decimal, eventType EventType) (InventoryEvent, error) {
	e := InventoryEvent{
		TransactionID: transactionID,
		UserID:        userID,
		EventID:       eventID,
		TicketCount:   ticketCount,
		TotalPrice:    totalPrice,
		EventType:     eventType,
	}
	if err := e.Validate(); err != nil {
		return InventoryEvent{}, err
	}
	return e, nil
}

// FailureEvent builds a failure message; errorMessage must be non-empty.
func FailureEvent(transactionID string, userID, eventID, ticketCount *int64, eventType EventType, errorMessage string) (InventoryEvent, error) {
	e, err := NewInventoryEvent(transactionID, userID, eventID, ticketCount, nil, eventType)
	if err != nil {
		return InventoryEvent{}, err
	}
	if strings.TrimSpace(errorMessage) == "" {
		return InventoryEvent{}, fmt.Errorf("%w: failure message requires an error message", ErrInvalidMessage)
	}
	e.ErrorMessage = errorMessage
	return e, nil
}

// CompensationEvent builds a message that carries only the transaction id.
func CompensationEvent(transactionID string, eventType EventType) (InventoryEvent, error) {
	return NewInventoryEvent(transactionID, nil, nil, nil, nil, eventType)
}

// Validate enforces the construction rules: non-blank transaction id and a
// known event type.
func (e InventoryEvent) Validate() error {
	if strings.TrimSpace(e.TransactionID) == "" {
		return fmt.Errorf("%w: transaction id cannot be empty", ErrInvalidMessage)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event type cannot be empty", ErrInvalidMessage)
	}
	if !e.EventType.valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidMessage, e.EventType)
	}
	return nil
}

// DecodeInventoryEvent parses and validates a wire message.
func DecodeInventoryEvent(body []byte) (InventoryEvent, error) {
	var e InventoryEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return InventoryEvent{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := e.Validate(); err != nil {
		return InventoryEvent{}, err
	}
	return e, nil
}

// Encode serializes a validated message.
func (e InventoryEvent) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func int64Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func int64Ptr(v int64) *int64 { return &v }
