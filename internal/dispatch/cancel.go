package dispatch

import (
	"context"

	"github.com/angelmondragon/zonedispatch/internal/drivers"
	"github.com/angelmondragon/zonedispatch/internal/notify"
	"github.com/angelmondragon/zonedispatch/internal/orders"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/zonedispatch/pkg/errors"
)

var cancellableStatuses = []enums.OrderStatus{
	enums.OrderStatusNew,
	enums.OrderStatusAssigned,
	enums.OrderStatusFallback,
	enums.OrderStatusAccepted,
	enums.OrderStatusArrived,
}

func isCancellable(status enums.OrderStatus) bool {
	for _, candidate := range cancellableStatuses {
		if candidate == status {
			return true
		}
	}
	return false
}

// CustomerCancel cancels the order and releases its driver without touching online_since,
// so the driver keeps its queue position.
func (d *Dispatcher) CustomerCancel(ctx context.Context, orderID int64) (bool, error) {
	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.IsBroadcast {
		if d.broadcast == nil {
			return false, pkgerrors.New(pkgerrors.CodeInternal, "broadcast service not configured")
		}
		return d.broadcast.CustomerCancel(ctx, orderID)
	}

	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err = d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = d.orderCtx(ctx, order)
	if !isCancellable(order.Status) {
		d.logg.Info(ctx, "cancel ignored; order past the cancellable stages")
		return false, nil
	}

	d.timers.CancelOrderTimeout(orderID)
	var driverID int64
	if order.AssignedDriverID != nil {
		driverID = *order.AssignedDriverID
		ctx = d.logg.WithDriverID(ctx, driverID)
		d.timers.CancelWorkerTimeout(driverID)
	}

	driverReleased := false
	ok, err := d.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		guard := orders.Guard{Statuses: []enums.OrderStatus{order.Status}, Unassigned: driverID == 0}
		if driverID != 0 {
			guard.AssignedTo = &driverID
		}
		updates := map[string]any{
			"status":       enums.OrderStatusCancelled,
			"cancelled_at": d.now(),
		}
		if order.Status == enums.OrderStatusAssigned {
			updates["assigned_driver_id"] = nil
		}
		if err := mustApply(ord.Transition(ctx, orderID, guard, updates)); err != nil {
			return err
		}
		if driverID == 0 {
			return nil
		}
		released, err := drv.Transition(ctx, driverID, releaseGuard(order.Status, orderID), map[string]any{
			"status":                enums.DriverStatusOnline,
			"pending_order_id":      nil,
			"pending_until":         nil,
			"next_finish_zone":      nil,
			"eta_to_finish_minutes": nil,
		})
		driverReleased = released
		return err
	})
	if err != nil {
		return false, err
	}
	if !ok {
		d.logg.Info(ctx, "cancel lost a race; order state changed")
		return false, nil
	}

	d.logg.Info(d.logg.WithField(ctx, "event", "dispatch.cancel"), "order cancelled by customer")
	if driverReleased {
		d.restoreQueuePosition(ctx, driverID)
		d.notifyWorker(ctx, driverID, d.offerFor(notify.KindOfferWithdrawn, order, nil))
	}
	d.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: notify.KindOrderCancelled})
	return true, nil
}

func releaseGuard(status enums.OrderStatus, orderID int64) drivers.Guard {
	if status == enums.OrderStatusAssigned {
		return drivers.Guard{
			Statuses:       []enums.DriverStatus{enums.DriverStatusPendingAcceptance},
			PendingOrderID: &orderID,
		}
	}
	return drivers.Guard{Statuses: []enums.DriverStatus{enums.DriverStatusBusy}}
}

// restoreQueuePosition requeues a driver under its stored online_since.
func (d *Dispatcher) restoreQueuePosition(ctx context.Context, driverID int64) {
	driver, err := d.drivers.FindByID(ctx, driverID)
	if err != nil {
		d.logg.Error(ctx, "reload released driver", err)
		return
	}
	onlineSince := d.now()
	if driver.OnlineSince != nil {
		onlineSince = *driver.OnlineSince
	} else if _, err := d.drivers.Transition(ctx, driverID, drivers.Guard{
		Statuses: []enums.DriverStatus{enums.DriverStatusOnline},
	}, map[string]any{"online_since": onlineSince}); err != nil {
		d.logg.Error(ctx, "stamp online_since", err)
		return
	}
	d.enqueue(ctx, driver, onlineSince)
}
