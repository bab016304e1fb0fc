package dispatch

import (
	"context"
	"fmt"

	"github.com/angelmondragon/zonedispatch/internal/drivers"
	"github.com/angelmondragon/zonedispatch/internal/orders"
	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/zonedispatch/pkg/errors"
	"go.uber.org/multierr"
)

// Recover rebuilds in-memory dispatch state after a restart: it normalizes legacy statuses,
// rebuilds the queues, releases offers whose timers were lost and re-arms order windows.
func (d *Dispatcher) Recover(ctx context.Context) error {
	normalized, err := d.orders.NormalizeLegacyStatuses(ctx)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "normalize legacy statuses")
	}
	if normalized > 0 {
		d.logg.Info(d.logg.WithField(ctx, "normalized", normalized), "legacy order statuses normalized")
	}

	if err := d.queue.Rebuild(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rebuild queues")
	}

	var errs error
	pending, err := d.drivers.ListByStatus(ctx, enums.DriverStatusPendingAcceptance)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending drivers")
	}
	for i := range pending {
		errs = multierr.Append(errs, d.releaseStuckDriver(ctx, &pending[i]))
	}

	open, err := d.orders.ListOpen(ctx)
	if err != nil {
		return multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list open orders"))
	}
	for _, order := range open {
		errs = multierr.Append(errs, d.resumeOrder(ctx, order.ID))
	}
	d.logg.Info(d.logg.WithFields(ctx, map[string]any{
		"released_drivers": len(pending),
		"open_orders":      len(open),
	}), "dispatch state recovered")
	return errs
}

// releaseStuckDriver returns a driver whose offer outlived the process to its queue,
// keeping online_since, and puts its order back into search.
func (d *Dispatcher) releaseStuckDriver(ctx context.Context, driver *models.Driver) error {
	ctx = d.logg.WithDriverID(ctx, driver.ID)
	if driver.PendingOrderID == nil {
		_, err := d.drivers.Transition(ctx, driver.ID, drivers.Guard{
			Statuses:       []enums.DriverStatus{enums.DriverStatusPendingAcceptance},
			NoPendingOrder: true,
		}, map[string]any{"status": enums.DriverStatusOnline, "pending_until": nil})
		return err
	}
	orderID := *driver.PendingOrderID
	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err := d.orders.FindByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load pending order %d: %w", orderID, err)
	}
	back := enums.OrderStatusNew
	if order.IsEscalated() {
		back = enums.OrderStatusFallback
	}
	_, err = d.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		if err := mustApply(drv.Transition(ctx, driver.ID, drivers.Guard{
			Statuses:       []enums.DriverStatus{enums.DriverStatusPendingAcceptance},
			PendingOrderID: &orderID,
		}, map[string]any{
			"status":           enums.DriverStatusOnline,
			"pending_order_id": nil,
			"pending_until":    nil,
		})); err != nil {
			return err
		}
		_, err := ord.Transition(ctx, orderID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusAssigned},
			AssignedTo: &driver.ID,
		}, map[string]any{
			"status":             back,
			"assigned_driver_id": nil,
		})
		return err
	})
	if err != nil {
		return err
	}
	onlineSince := d.now()
	if driver.OnlineSince != nil {
		onlineSince = *driver.OnlineSince
	}
	d.enqueue(ctx, driver, onlineSince)
	d.logg.Warn(ctx, "stuck pending driver released")
	return nil
}

// resumeOrder re-arms the timers of an open order and retries its search.
func (d *Dispatcher) resumeOrder(ctx context.Context, orderID int64) error {
	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.IsBroadcast {
		if d.broadcast == nil {
			return nil
		}
		return d.broadcast.Restore(ctx, orderID)
	}

	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err = d.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	ctx = d.orderCtx(ctx, order)
	if order.Status == enums.OrderStatusAssigned {
		// Offer state was reconciled with the driver rows above; an assignment left here has
		// no pending driver behind it.
		back := enums.OrderStatusNew
		if order.IsEscalated() {
			back = enums.OrderStatusFallback
		}
		if _, err := d.orders.Transition(ctx, orderID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusAssigned},
			AssignedTo: order.AssignedDriverID,
		}, map[string]any{"status": back, "assigned_driver_id": nil}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reset orphaned assignment")
		}
		if order, err = d.loadOrder(ctx, orderID); err != nil {
			return err
		}
	}

	switch {
	case order.Status == enums.OrderStatusFallback:
		_, err = d.fallbackSearchLocked(ctx, order)
		return err
	case order.Status == enums.OrderStatusNew && order.DispatchedAt == nil:
		return nil
	case order.Status == enums.OrderStatusNew:
		remaining := order.GlobalDeadline(d.cfg.OrderGlobalTimeout).Sub(d.now())
		if remaining <= 0 {
			return d.globalTimeoutLocked(ctx, orderID)
		}
		if err := d.timers.ScheduleOrderTimeout(orderID, remaining, d.onGlobalTimeout); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "re-arm global timer")
		}
		_, err = d.assignWithinZoneLocked(ctx, orderID)
		return err
	}
	return nil
}
