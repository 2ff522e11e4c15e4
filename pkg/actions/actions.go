// Package actions defines the user actions that can be captured while the
// device is offline and replayed against the backend later.
//
// Every action kind has its own strongly typed payload. A QueueItem carries
// the payload as raw JSON so the queue never has to understand it; Decode
// turns it back into the typed variant for the dispatcher.
package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an action and decides which remote call replays it.
type Kind string

const (
	KindRecordSale         Kind = "record_sale"
	KindRecordFuelPurchase Kind = "record_fuel_purchase"
	KindUpdateOdometer     Kind = "update_odometer"
)

// ErrUnknownAction is returned for an action kind this build cannot replay.
var ErrUnknownAction = errors.New("unknown action")

// Kinds lists every action kind that can be dispatched.
func Kinds() []Kind {
	return []Kind{KindRecordSale, KindRecordFuelPurchase, KindUpdateOdometer}
}

// Valid reports whether k is a known action kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRecordSale, KindRecordFuelPurchase, KindUpdateOdometer:
		return true
	}
	return false
}

// Payload is implemented by every typed action payload.
type Payload interface {
	Kind() Kind
}

// SaleLine is one product line of a point-of-sale transaction.
type SaleLine struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name,omitempty"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Sale is a full point-of-sale record, inserted as one row.
type Sale struct {
	ReceiptNumber string     `json:"receipt_number"`
	CustomerName  string     `json:"customer_name,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	Items         []SaleLine `json:"items"`
	Subtotal      float64    `json:"subtotal"`
	Tax           float64    `json:"tax"`
	Total         float64    `json:"total"`
	CashierID     string     `json:"cashier_id,omitempty"`
	SoldAt        string     `json:"sold_at,omitempty"`
}

func (Sale) Kind() Kind { return KindRecordSale }

// FuelPurchase is a fuel log entry recorded by a driver.
type FuelPurchase struct {
	VehicleID     string  `json:"vehicle_id"`
	DriverID      string  `json:"driver_id,omitempty"`
	Date          string  `json:"date,omitempty"`
	FuelType      string  `json:"fuel_type,omitempty"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price"`
	Odometer      float64 `json:"odometer,omitempty"`
	Station       string  `json:"station,omitempty"`
	ReceiptNumber string  `json:"receipt_number,omitempty"`
}

func (FuelPurchase) Kind() Kind { return KindRecordFuelPurchase }

// OdometerUpdate sets a vehicle's current odometer reading.
type OdometerUpdate struct {
	VehicleID string  `json:"vehicle_id"`
	Odometer  float64 `json:"odometer"`
}

func (OdometerUpdate) Kind() Kind { return KindUpdateOdometer }

// QueueItem is a single pending unit of work.
//
// Field names are part of the persisted layout; do not rename them without
// bumping the envelope version in package queue.
type QueueItem struct {
	ID         string          `json:"id"`
	Action     Kind            `json:"action"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// NewItem builds a fresh QueueItem for the given kind and encoded payload.
func NewItem(kind Kind, data json.RawMessage, now time.Time) QueueItem {
	ts := now.UnixMilli()
	return QueueItem{
		ID:        NewID(kind, ts),
		Action:    kind,
		Data:      data,
		Timestamp: ts,
	}
}

// NewID derives an item id from the action kind, the creation time and a
// random suffix. Collisions are not checked.
func NewID(kind Kind, ts int64) string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%d_%s", kind, ts, suffix)
}

// Encode marshals a typed payload for storage.
func Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	if !p.Kind().Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, p.Kind())
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// Decode returns the typed payload stored in item.
func Decode(item QueueItem) (Payload, error) {
	var p Payload
	switch item.Action {
	case KindRecordSale:
		p = &Sale{}
	case KindRecordFuelPurchase:
		p = &FuelPurchase{}
	case KindUpdateOdometer:
		p = &OdometerUpdate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, item.Action)
	}

	if len(item.Data) == 0 {
		return nil, fmt.Errorf("decode %s payload: empty data", item.Action)
	}
	if err := json.Unmarshal(item.Data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", item.Action, err)
	}
	return p, nil
}
