package dispatch

import (
	"context"

	"github.com/angelmondragon/zonedispatch/internal/drivers"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/zonedispatch/pkg/errors"
)

// GoOnline puts a driver into zone's queue and offers it the oldest order waiting there.
// Busy or pending drivers are refused.
func (d *Dispatcher) GoOnline(ctx context.Context, driverID int64, zone enums.Zone) (bool, error) {
	if !zone.IsValid() {
		return false, pkgerrors.Newf(pkgerrors.CodeValidation, "zone %q must be one of the dispatch zones", zone)
	}
	driver, err := d.loadDriver(ctx, driverID)
	if err != nil {
		return false, err
	}
	ctx = d.logg.WithZone(d.logg.WithDriverID(ctx, driverID), string(zone))
	if driver.Status == enums.DriverStatusBusy || driver.Status == enums.DriverStatusPendingAcceptance {
		d.logg.Info(ctx, "go online refused; driver busy or holding an offer")
		return false, nil
	}

	if driver.Status == enums.DriverStatusOnline && driver.Zone == zone && driver.OnlineSince != nil {
		if err := d.queue.Add(ctx, driverID, zone, *driver.OnlineSince); err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "queue driver")
		}
	} else {
		now := d.now()
		ok, err := d.drivers.Transition(ctx, driverID, drivers.Guard{
			Statuses:       []enums.DriverStatus{enums.DriverStatusOffline, enums.DriverStatusOnline},
			NoPendingOrder: true,
		}, map[string]any{
			"status":       enums.DriverStatusOnline,
			"zone":         zone,
			"online_since": now,
		})
		if err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark driver online")
		}
		if !ok {
			d.logg.Info(ctx, "go online lost a race; driver state changed")
			return false, nil
		}
		if _, queued := d.queue.ZoneOf(driverID); queued {
			err = d.queue.SwitchZone(ctx, driverID, zone, now)
		} else {
			err = d.queue.Add(ctx, driverID, zone, now)
		}
		if err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "queue driver")
		}
	}
	d.logg.Info(d.logg.WithField(ctx, "event", "driver.online"), "driver online")
	d.offerWaiting(ctx, zone)
	return true, nil
}

// offerWaiting retries the zone's waiting orders, oldest first, until one is placed.
func (d *Dispatcher) offerWaiting(ctx context.Context, zone enums.Zone) {
	waiting, err := d.orders.ListWaiting(ctx, zone)
	if err != nil {
		d.logg.Error(ctx, "list waiting orders", err)
		return
	}
	for _, order := range waiting {
		assigned, err := d.AssignWithinZone(ctx, order.ID)
		if err != nil {
			d.logg.Error(d.logg.WithOrderID(ctx, order.ID), "offer waiting order", err)
			return
		}
		if assigned {
			return
		}
	}
}

// GoOffline removes a driver from dispatch. Busy or pending drivers are refused.
func (d *Dispatcher) GoOffline(ctx context.Context, driverID int64) (bool, error) {
	if _, err := d.loadDriver(ctx, driverID); err != nil {
		return false, err
	}
	ctx = d.logg.WithDriverID(ctx, driverID)
	ok, err := d.drivers.Transition(ctx, driverID, drivers.Guard{
		Statuses:       []enums.DriverStatus{enums.DriverStatusOnline, enums.DriverStatusOffline},
		NoPendingOrder: true,
	}, map[string]any{
		"status":       enums.DriverStatusOffline,
		"online_since": nil,
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark driver offline")
	}
	if !ok {
		d.logg.Info(ctx, "go offline refused; driver busy or holding an offer")
		return false, nil
	}
	d.queue.Remove(ctx, driverID)
	d.logg.Info(d.logg.WithField(ctx, "event", "driver.offline"), "driver offline")
	return true, nil
}
