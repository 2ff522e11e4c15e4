// Package dispatch translates one queued action into exactly one remote call.
//
// The dispatcher only reports whether the call succeeded. What happens to
// the queue afterwards is the sync engine's decision.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetops/offlineq/pkg/actions"
	"github.com/fleetops/offlineq/pkg/logger"
	"github.com/rs/zerolog"
)

// Remote targets used for each action kind.
const (
	SalesTable         = "sales"
	FuelPurchaseRPC    = "record_fuel_purchase"
	VehiclesTable      = "vehicles"
	OdometerColumn     = "current_odometer"
	DefaultCallTimeout = 30 * time.Second
)

// Backend is the subset of the remote API the dispatcher needs.
type Backend interface {
	Insert(ctx context.Context, table string, row any) error
	RPC(ctx context.Context, function string, args any) error
	UpdateByID(ctx context.Context, table, id string, patch any) error
}

// Dispatcher issues the remote call for a queue item.
type Dispatcher struct {
	backend Backend
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a Dispatcher. A non-positive timeout means DefaultCallTimeout.
func New(backend Backend, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Dispatcher{
		backend: backend,
		timeout: timeout,
		log:     logger.Component("dispatch"),
	}
}

// Dispatch replays item against the backend. A nil error means the backend
// acknowledged the write. Transport failures and backend rejections are both
// returned as errors and are not told apart.
//
// An unknown action kind or an undecodable payload fails without any remote
// call being made.
func (d *Dispatcher) Dispatch(ctx context.Context, item actions.QueueItem) error {
	payload, err := actions.Decode(item)
	if err != nil {
		d.log.Error().Err(err).Str("item_id", item.ID).Str("action", string(item.Action)).Msg("Cannot dispatch item")
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch p := payload.(type) {
	case *actions.Sale:
		err = d.backend.Insert(ctx, SalesTable, p)
	case *actions.FuelPurchase:
		err = d.backend.RPC(ctx, FuelPurchaseRPC, fuelPurchaseArgs(p))
	case *actions.OdometerUpdate:
		err = d.backend.UpdateByID(ctx, VehiclesTable, p.VehicleID, map[string]any{OdometerColumn: p.Odometer})
	default:
		err = fmt.Errorf("%w: %T", actions.ErrUnknownAction, payload)
	}

	if err != nil {
		d.log.Debug().Err(err).Str("item_id", item.ID).Str("action", string(item.Action)).Msg("Dispatch failed")
		return fmt.Errorf("dispatch %s: %w", item.Action, err)
	}
	return nil
}

// fuelPurchaseArgs maps a fuel log entry to the remote procedure's named
// parameters.
func fuelPurchaseArgs(p *actions.FuelPurchase) map[string]any {
	return map[string]any{
		"p_vehicle_id":     p.VehicleID,
		"p_driver_id":      p.DriverID,
		"p_date":           p.Date,
		"p_fuel_type":      p.FuelType,
		"p_quantity":       p.Quantity,
		"p_unit_price":     p.Price,
		"p_odometer":       p.Odometer,
		"p_station":        p.Station,
		"p_receipt_number": p.ReceiptNumber,
	}
}
