package dispatch

import (
	"context"

	"github.com/angelmondragon/zonedispatch/internal/drivers"
	"github.com/angelmondragon/zonedispatch/internal/notify"
	"github.com/angelmondragon/zonedispatch/internal/orders"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/zonedispatch/pkg/errors"
)

// MarkArrived records the driver reaching the pickup point.
func (d *Dispatcher) MarkArrived(ctx context.Context, driverID, orderID int64) (bool, error) {
	return d.advanceTrip(ctx, driverID, orderID, enums.OrderStatusAccepted, enums.OrderStatusArrived, "arrived_at", notify.KindDriverArrived)
}

// MarkOnboard records the customer boarding.
func (d *Dispatcher) MarkOnboard(ctx context.Context, driverID, orderID int64) (bool, error) {
	return d.advanceTrip(ctx, driverID, orderID, enums.OrderStatusArrived, enums.OrderStatusOnboard, "started_at", "")
}

func (d *Dispatcher) advanceTrip(ctx context.Context, driverID, orderID int64, from, to enums.OrderStatus, stamp string, kind notify.Kind) (bool, error) {
	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = d.logg.WithDriverID(d.orderCtx(ctx, order), driverID)
	ok, err := d.orders.Transition(ctx, orderID, orders.Guard{
		Statuses:   []enums.OrderStatus{from},
		AssignedTo: &driverID,
	}, map[string]any{
		"status": to,
		stamp:    d.now(),
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "advance trip")
	}
	if !ok {
		d.logg.Info(ctx, "trip update ignored; order not in the expected stage")
		return false, nil
	}
	d.logg.Info(d.logg.WithField(ctx, "event", "trip."+string(to)), "trip advanced")
	if kind != "" {
		d.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: kind, DriverID: &driverID})
	}
	return true, nil
}

// FinishTrip completes the order and takes the driver offline. The driver must go online
// again to rejoin a queue.
func (d *Dispatcher) FinishTrip(ctx context.Context, driverID, orderID int64) (bool, error) {
	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = d.logg.WithDriverID(d.orderCtx(ctx, order), driverID)
	ok, err := d.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		if err := mustApply(ord.Transition(ctx, orderID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusOnboard},
			AssignedTo: &driverID,
		}, map[string]any{
			"status":      enums.OrderStatusFinished,
			"finished_at": d.now(),
		})); err != nil {
			return err
		}
		_, err := drv.Transition(ctx, driverID, drivers.Guard{
			Statuses: []enums.DriverStatus{enums.DriverStatusBusy},
		}, map[string]any{
			"status":                enums.DriverStatusOffline,
			"online_since":          nil,
			"pending_order_id":      nil,
			"pending_until":         nil,
			"next_finish_zone":      nil,
			"eta_to_finish_minutes": nil,
		})
		return err
	})
	if err != nil {
		return false, err
	}
	if !ok {
		d.logg.Info(ctx, "finish ignored; order not onboard with this driver")
		return false, nil
	}
	d.queue.Remove(ctx, driverID)
	d.logg.Info(d.logg.WithField(ctx, "event", "trip.finished"), "trip finished")
	d.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: notify.KindTripFinished, DriverID: &driverID})
	return true, nil
}

// UpdateTripETA records where and when a busy driver expects to finish.
func (d *Dispatcher) UpdateTripETA(ctx context.Context, driverID int64, nextFinishZone string, etaMinutes int) (bool, error) {
	if etaMinutes < 0 {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "eta_minutes must not be negative")
	}
	ctx = d.logg.WithDriverID(ctx, driverID)
	ok, err := d.drivers.Transition(ctx, driverID, drivers.Guard{
		Statuses: []enums.DriverStatus{enums.DriverStatusBusy},
	}, map[string]any{
		"next_finish_zone":      nextFinishZone,
		"eta_to_finish_minutes": etaMinutes,
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update trip eta")
	}
	if !ok {
		d.logg.Info(ctx, "eta update ignored; driver not busy")
	}
	return ok, nil
}

// DriverCancel lets a driver abandon an accepted trip before boarding. The driver is
// penalized like a decline and the order is dispatched again from scratch.
func (d *Dispatcher) DriverCancel(ctx context.Context, driverID, orderID int64) (bool, error) {
	unlock := d.locks.Lock(orderID)
	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		unlock()
		return false, err
	}
	ctx = d.logg.WithDriverID(d.orderCtx(ctx, order), driverID)
	now := d.now()
	driverReleased := false
	ok, err := d.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		if err := mustApply(ord.Transition(ctx, orderID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusAccepted, enums.OrderStatusArrived},
			AssignedTo: &driverID,
		}, map[string]any{
			"status":             enums.OrderStatusNew,
			"assigned_driver_id": nil,
			"accepted_at":        nil,
			"arrived_at":         nil,
			"dispatched_at":      nil,
			"escalated_at":       nil,
		})); err != nil {
			return err
		}
		released, err := drv.Transition(ctx, driverID, drivers.Guard{
			Statuses: []enums.DriverStatus{enums.DriverStatusBusy},
		}, map[string]any{
			"status":                enums.DriverStatusOnline,
			"online_since":          now,
			"next_finish_zone":      nil,
			"eta_to_finish_minutes": nil,
		})
		driverReleased = released
		return err
	})
	if err != nil || !ok {
		unlock()
		if err == nil {
			d.logg.Info(ctx, "driver cancel ignored; trip not held by driver")
		}
		return false, err
	}
	d.logg.Info(d.logg.WithField(ctx, "event", "trip.driver_cancel"), "driver abandoned trip; redispatching")
	if driverReleased {
		d.requeue(ctx, driverID, now)
	}
	unlock()

	if _, err := d.CreateAndDispatch(ctx, orderID); err != nil {
		return true, err
	}
	return true, nil
}
