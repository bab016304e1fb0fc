package dispatch

import (
	"context"
	"time"

	"github.com/angelmondragon/zonedispatch/internal/drivers"
	"github.com/angelmondragon/zonedispatch/internal/notify"
	"github.com/angelmondragon/zonedispatch/internal/orders"
	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/zonedispatch/pkg/errors"
	"github.com/angelmondragon/zonedispatch/pkg/metrics"
)

// CreateAndDispatch starts dispatch for a NEW order: broadcast orders are handed to the
// broadcast service, zone orders get the global timer and a first in-zone offer.
func (d *Dispatcher) CreateAndDispatch(ctx context.Context, orderID int64) (bool, error) {
	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.IsBroadcast {
		if d.broadcast == nil {
			return false, pkgerrors.New(pkgerrors.CodeInternal, "broadcast service not configured")
		}
		return d.broadcast.SendBroadcast(ctx, orderID)
	}
	if order.Zone == nil || !order.Zone.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "order zone is required for zone dispatch")
	}

	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err = d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = d.orderCtx(ctx, order)
	if order.DispatchedAt != nil {
		d.logg.Info(ctx, "order already dispatching")
		return false, nil
	}
	now := d.now()
	ok, err := d.orders.Transition(ctx, orderID, orders.Guard{
		Statuses:   []enums.OrderStatus{enums.OrderStatusNew},
		Unassigned: true,
	}, map[string]any{
		"status":        enums.OrderStatusNew,
		"dispatched_at": now,
		"escalated_at":  nil,
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order dispatched")
	}
	if !ok {
		d.logg.Info(ctx, "order not dispatchable in its current state")
		return false, nil
	}
	if err := d.timers.ScheduleOrderTimeout(orderID, d.cfg.OrderGlobalTimeout, d.onGlobalTimeout); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "arm global timer")
	}
	d.logg.Info(d.logg.WithField(ctx, "event", "dispatch.start"), "dispatch started")

	if _, err := d.assignWithinZoneLocked(ctx, orderID); err != nil {
		return true, err
	}
	return true, nil
}

// AssignWithinZone offers a waiting order to the next eligible driver in its zone.
func (d *Dispatcher) AssignWithinZone(ctx context.Context, orderID int64) (bool, error) {
	unlock := d.locks.Lock(orderID)
	defer unlock()
	return d.assignWithinZoneLocked(ctx, orderID)
}

func (d *Dispatcher) assignWithinZoneLocked(ctx context.Context, orderID int64) (bool, error) {
	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.IsBroadcast || order.Status != enums.OrderStatusNew || order.AssignedDriverID != nil {
		return false, nil
	}
	if order.IsEscalated() {
		return d.fallbackSearchLocked(ctx, order)
	}
	if order.Zone == nil {
		return false, nil
	}
	ctx = d.orderCtx(ctx, order)

	for attempt := 0; attempt < maxAssignAttempts; attempt++ {
		driverID, found, err := d.queue.NextEligible(ctx, *order.Zone)
		if err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "next eligible driver")
		}
		if !found {
			d.logg.Info(ctx, "no eligible driver in zone; order waits")
			return false, nil
		}
		assigned, err := d.assignToWorkerLocked(ctx, order, driverID, notify.KindZoneOffer)
		if err != nil || assigned {
			return assigned, err
		}
		d.queue.Remove(ctx, driverID)
	}
	d.logg.Warn(ctx, "assignment attempts exhausted; order waits")
	return false, nil
}

// assignToWorkerLocked moves the driver to PENDING_ACCEPTANCE and the order to ASSIGNED in
// one transaction, then sends the offer and arms the response timer.
func (d *Dispatcher) assignToWorkerLocked(ctx context.Context, order *models.Order, driverID int64, kind notify.Kind) (bool, error) {
	now := d.now()
	until := now.Add(d.cfg.DriverResponseTimeout).Truncate(time.Microsecond)
	ok, err := d.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		if err := mustApply(drv.Transition(ctx, driverID, drivers.Guard{
			Statuses:       []enums.DriverStatus{enums.DriverStatusOnline},
			NoPendingOrder: true,
		}, map[string]any{
			"status":           enums.DriverStatusPendingAcceptance,
			"pending_order_id": order.ID,
			"pending_until":    until,
		})); err != nil {
			return err
		}
		return mustApply(ord.Transition(ctx, order.ID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusNew, enums.OrderStatusFallback},
			Unassigned: true,
			Broadcast:  boolPtr(false),
		}, map[string]any{
			"status":             enums.OrderStatusAssigned,
			"assigned_driver_id": driverID,
		}))
	})
	if err != nil || !ok {
		return false, err
	}

	ctx = d.logg.WithDriverID(ctx, driverID)
	d.queue.Remove(ctx, driverID)
	onTimeout := func(ctx context.Context, driverID, orderID int64) {
		d.onWorkerTimeout(ctx, driverID, orderID, until)
	}
	if err := d.timers.ScheduleWorkerTimeout(driverID, order.ID, d.cfg.DriverResponseTimeout, onTimeout); err != nil {
		d.logg.Error(ctx, "arm driver response timer", err)
	}
	d.notifyWorker(ctx, driverID, d.offerFor(kind, order, &until))
	metricKind := metrics.OfferZone
	if kind == notify.KindFallbackOffer {
		metricKind = metrics.OfferFallback
	}
	d.metrics.IncOffer(metricKind)
	d.logg.Info(d.logg.WithField(ctx, "event", "dispatch.offer"), "order offered to driver")
	return true, nil
}

// HandleAccept finalizes the match when the driver still holds the offer.
func (d *Dispatcher) HandleAccept(ctx context.Context, driverID, orderID int64) (bool, error) {
	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.IsBroadcast {
		if d.broadcast == nil {
			return false, pkgerrors.New(pkgerrors.CodeInternal, "broadcast service not configured")
		}
		return d.broadcast.AcceptBound(ctx, orderID, driverID)
	}

	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err = d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = d.logg.WithDriverID(d.orderCtx(ctx, order), driverID)
	if order.Status != enums.OrderStatusAssigned || !order.IsAssignedTo(driverID) {
		d.metrics.IncOutcome(metrics.OutcomeStale)
		d.logg.Info(ctx, "accept ignored; offer no longer held by driver")
		return false, nil
	}

	now := d.now()
	ok, err := d.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		if err := mustApply(ord.Transition(ctx, orderID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusAssigned},
			AssignedTo: &driverID,
		}, map[string]any{
			"status":      enums.OrderStatusAccepted,
			"accepted_at": now,
		})); err != nil {
			return err
		}
		return mustApply(drv.Transition(ctx, driverID, drivers.Guard{
			Statuses:       []enums.DriverStatus{enums.DriverStatusPendingAcceptance},
			PendingOrderID: &orderID,
		}, map[string]any{
			"status":           enums.DriverStatusBusy,
			"pending_order_id": nil,
			"pending_until":    nil,
		}))
	})
	if err != nil {
		return false, err
	}
	if !ok {
		d.metrics.IncOutcome(metrics.OutcomeStale)
		d.logg.Warn(ctx, "accept lost a race; offer timers left running")
		return false, nil
	}

	// A timer that already fired is waiting on the order lock and finds the order ACCEPTED.
	d.timers.CancelWorkerTimeout(driverID)
	d.timers.CancelOrderTimeout(orderID)
	d.metrics.IncOutcome(metrics.OutcomeAccepted)
	d.logg.Info(d.logg.WithField(ctx, "event", "dispatch.accept"), "order accepted")
	d.notifyWorker(ctx, driverID, d.offerFor(notify.KindOfferConfirmed, order, nil))
	d.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: notify.KindOrderAccepted, DriverID: &driverID})
	return true, nil
}

// HandleDecline penalizes the driver, requeues it at the tail and retries the order.
func (d *Dispatcher) HandleDecline(ctx context.Context, driverID, orderID int64) (bool, error) {
	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = d.logg.WithDriverID(d.orderCtx(ctx, order), driverID)
	if order.Status != enums.OrderStatusAssigned || !order.IsAssignedTo(driverID) {
		d.metrics.IncOutcome(metrics.OutcomeStale)
		d.logg.Info(ctx, "decline ignored; offer no longer held by driver")
		return false, nil
	}
	d.timers.CancelWorkerTimeout(driverID)
	return d.releaseAndRetryLocked(ctx, order, driverID, metrics.OutcomeDeclined)
}

// onWorkerTimeout releases the offer armed with deadline armedUntil. A re-offer of the same
// order to the same driver carries a later pending_until, so a timer that fired before it
// was made finds a different deadline and does nothing.
func (d *Dispatcher) onWorkerTimeout(ctx context.Context, driverID, orderID int64, armedUntil time.Time) {
	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		d.logg.Error(d.logg.WithOrderID(ctx, orderID), "driver timeout: load order", err)
		return
	}
	ctx = d.logg.WithDriverID(d.orderCtx(ctx, order), driverID)
	if order.Status != enums.OrderStatusAssigned || !order.IsAssignedTo(driverID) {
		d.logg.Debug(ctx, "driver timeout ignored; offer already resolved")
		return
	}
	driver, err := d.loadDriver(ctx, driverID)
	if err != nil {
		d.logg.Error(ctx, "driver timeout: load driver", err)
		return
	}
	if !driver.HoldsOffer(orderID, armedUntil) {
		d.logg.Debug(ctx, "driver timeout ignored; timer belongs to an older offer")
		return
	}
	if _, err := d.releaseAndRetryLocked(ctx, order, driverID, metrics.OutcomeTimeout); err != nil {
		d.logg.Error(ctx, "driver timeout: release", err)
	}
}

// releaseAndRetryLocked returns the order to its search phase, sends the driver to the tail
// of its queue with online_since = now, and retries the order.
func (d *Dispatcher) releaseAndRetryLocked(ctx context.Context, order *models.Order, driverID int64, outcome string) (bool, error) {
	now := d.now()
	back := enums.OrderStatusNew
	if order.IsEscalated() {
		back = enums.OrderStatusFallback
	}
	driverReleased := false
	ok, err := d.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		if err := mustApply(ord.Transition(ctx, order.ID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusAssigned},
			AssignedTo: &driverID,
		}, map[string]any{
			"status":             back,
			"assigned_driver_id": nil,
		})); err != nil {
			return err
		}
		released, err := drv.Transition(ctx, driverID, drivers.Guard{
			Statuses:       []enums.DriverStatus{enums.DriverStatusPendingAcceptance},
			PendingOrderID: &order.ID,
		}, map[string]any{
			"status":           enums.DriverStatusOnline,
			"pending_order_id": nil,
			"pending_until":    nil,
			"online_since":     now,
		})
		driverReleased = released
		return err
	})
	if err != nil {
		return false, err
	}
	if !ok {
		d.metrics.IncOutcome(metrics.OutcomeStale)
		return false, nil
	}

	d.metrics.IncOutcome(outcome)
	d.logg.Info(d.logg.WithField(ctx, "event", "dispatch."+outcome), "offer released; driver penalized")
	if driverReleased {
		d.requeue(ctx, driverID, now)
		if outcome == metrics.OutcomeTimeout {
			d.notifyWorker(ctx, driverID, d.offerFor(notify.KindOfferWithdrawn, order, nil))
		}
	}

	if back == enums.OrderStatusFallback {
		order, err := d.loadOrder(ctx, order.ID)
		if err != nil {
			return true, err
		}
		_, err = d.fallbackSearchLocked(ctx, order)
		return true, err
	}
	_, err = d.assignWithinZoneLocked(ctx, order.ID)
	return true, err
}

func (d *Dispatcher) onGlobalTimeout(ctx context.Context, orderID int64) {
	unlock := d.locks.Lock(orderID)
	defer unlock()
	if err := d.globalTimeoutLocked(ctx, orderID); err != nil {
		d.logg.Error(d.logg.WithOrderID(ctx, orderID), "global timeout", err)
	}
}

// globalTimeoutLocked escalates the order to the cross-zone search. An outstanding offer is
// left to resolve; its release continues with the fallback search.
func (d *Dispatcher) globalTimeoutLocked(ctx context.Context, orderID int64) error {
	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	ctx = d.orderCtx(ctx, order)
	if order.IsBroadcast || order.EscalatedAt != nil {
		return nil
	}
	now := d.now()
	switch order.Status {
	case enums.OrderStatusNew:
		ok, err := d.orders.Transition(ctx, orderID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusNew},
			Unassigned: true,
		}, map[string]any{
			"status":       enums.OrderStatusFallback,
			"escalated_at": now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "escalate order")
		}
		if !ok {
			return nil
		}
	case enums.OrderStatusAssigned:
		ok, err := d.orders.Transition(ctx, orderID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusAssigned},
			AssignedTo: order.AssignedDriverID,
		}, map[string]any{"escalated_at": now})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order escalated")
		}
		if ok {
			d.metrics.IncEscalation()
			d.logg.Info(d.logg.WithField(ctx, "event", "dispatch.escalate"), "order escalated while offer outstanding")
		}
		return nil
	default:
		return nil
	}

	d.metrics.IncEscalation()
	d.logg.Info(d.logg.WithField(ctx, "event", "dispatch.escalate"), "order moved to fallback search")
	order, err = d.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	_, err = d.fallbackSearchLocked(ctx, order)
	return err
}

// fallbackSearchLocked offers the order to the longest-waiting driver of any zone, or
// expires it when nobody is online.
func (d *Dispatcher) fallbackSearchLocked(ctx context.Context, order *models.Order) (bool, error) {
	if order.Status != enums.OrderStatusFallback && order.Status != enums.OrderStatusNew {
		return false, nil
	}
	ctx = d.orderCtx(ctx, order)
	candidates, err := d.queue.AllOnlineGlobally(ctx)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list online drivers")
	}
	for i, candidate := range candidates {
		if i >= maxAssignAttempts {
			break
		}
		assigned, err := d.assignToWorkerLocked(ctx, order, candidate.ID, notify.KindFallbackOffer)
		if err != nil || assigned {
			return assigned, err
		}
	}
	if len(candidates) > 0 {
		d.logg.Warn(ctx, "fallback candidates lost to concurrent assignments; retrying shortly")
		if err := d.timers.ScheduleOrderTimeout(order.ID, fallbackRetryDelay, d.onFallbackRetry); err != nil {
			d.logg.Error(ctx, "arm fallback retry", err)
		}
		return false, nil
	}
	return false, d.expireLocked(ctx, order)
}

func (d *Dispatcher) onFallbackRetry(ctx context.Context, orderID int64) {
	unlock := d.locks.Lock(orderID)
	defer unlock()

	order, err := d.loadOrder(ctx, orderID)
	if err != nil {
		d.logg.Error(d.logg.WithOrderID(ctx, orderID), "fallback retry: load order", err)
		return
	}
	if order.IsBroadcast || order.AssignedDriverID != nil || !order.IsEscalated() {
		return
	}
	if _, err := d.fallbackSearchLocked(ctx, order); err != nil {
		d.logg.Error(d.orderCtx(ctx, order), "fallback retry", err)
	}
}

func (d *Dispatcher) expireLocked(ctx context.Context, order *models.Order) error {
	ok, err := d.orders.Transition(ctx, order.ID, orders.Guard{
		Statuses:   []enums.OrderStatus{enums.OrderStatusNew, enums.OrderStatusFallback},
		Unassigned: true,
	}, map[string]any{
		"status":     enums.OrderStatusExpired,
		"expired_at": d.now(),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire order")
	}
	if !ok {
		return nil
	}
	d.timers.CancelOrderTimeout(order.ID)
	d.metrics.IncExpiration("zone")
	d.logg.Warn(d.logg.WithField(ctx, "event", "dispatch.expire"), "no drivers available; order expired")
	d.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: notify.KindNoDrivers})
	return nil
}

func boolPtr(v bool) *bool { return &v }
