package broadcast

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

func broadcastGuard() orders.Guard {
	yes := true
	return orders.Guard{
		Statuses:   []enums.OrderStatus{enums.OrderStatusNew},
		Unassigned: true,
		Broadcast:  &yes,
	}
}

// SendBroadcast offers the order to every free driver and a reservation to every busy
// driver converging on the pickup district, then opens the broadcast window. It reports
// false when nobody qualifies; the order then expires at once.
func (s *Service) SendBroadcast(ctx context.Context, orderID int64) (bool, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = s.orderCtx(ctx, order)
	if !order.IsBroadcast {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "order is not a broadcast order")
	}
	if order.Status != enums.OrderStatusNew || order.AssignedDriverID != nil || order.DispatchedAt != nil {
		s.logg.Info(ctx, "broadcast ignored; order already in flight")
		return false, nil
	}
	if order.PickupDistrict == nil || *order.PickupDistrict == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "pickup district is required for broadcast")
	}
	if !s.cfg.IsBroadcastDistrict(*order.PickupDistrict) {
		s.logg.Warn(ctx, "pickup district is not a configured broadcast district")
	}

	free, err := s.drivers.ListFree(ctx)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list free drivers")
	}
	converging, err := s.drivers.ListConverging(ctx, *order.PickupDistrict, s.cfg.MaxReserveETAMinutes)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list converging drivers")
	}

	now := s.now()
	if len(free) == 0 && len(converging) == 0 {
		s.logg.Warn(ctx, "no drivers qualify for broadcast")
		if err := s.expireLocked(ctx, order, now); err != nil {
			return false, err
		}
		return false, nil
	}

	ok, err := s.orders.Transition(ctx, orderID, broadcastGuard(), map[string]any{"dispatched_at": now})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark broadcast started")
	}
	if !ok {
		return false, nil
	}
	windowEnd := now.Add(s.cfg.BroadcastWindow)
	s.armWindow(ctx, orderID, s.cfg.BroadcastWindow)

	for _, driver := range free {
		s.notifyWorker(ctx, driver.ID, s.offerFor(notify.KindBroadcastAccept, order, &windowEnd))
		s.metrics.IncOffer(metrics.OfferBroadcastAccept)
	}
	for _, driver := range converging {
		s.notifyWorker(ctx, driver.ID, s.offerFor(notify.KindBroadcastReserve, order, &windowEnd))
		s.metrics.IncOffer(metrics.OfferBroadcastReserve)
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"event":      "broadcast.send",
		"free":       len(free),
		"converging": len(converging),
	}), "broadcast sent")
	return true, nil
}

// Accept routes a driver's accept to AcceptBound when the order is bound by a confirmed
// reservation and to AcceptBroadcast otherwise.
func (s *Service) Accept(ctx context.Context, orderID, driverID int64) (bool, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.AssignedDriverID != nil {
		return s.AcceptBound(ctx, orderID, driverID)
	}
	return s.AcceptBroadcast(ctx, orderID, driverID)
}

// AcceptBroadcast gives the order to the first free driver to accept. An unconfirmed
// reservation does not block it and is invalidated by it.
func (s *Service) AcceptBroadcast(ctx context.Context, orderID, driverID int64) (bool, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = s.logg.WithDriverID(s.orderCtx(ctx, order), driverID)
	if !order.IsBroadcast || order.Status != enums.OrderStatusNew || order.AssignedDriverID != nil || order.DispatchedAt == nil {
		s.metrics.IncOutcome(metrics.OutcomeStale)
		s.logg.Info(ctx, "broadcast accept ignored; order no longer open")
		return false, nil
	}
	driver, err := s.loadDriver(ctx, driverID)
	if err != nil {
		return false, err
	}
	if !driver.IsAvailable() {
		s.metrics.IncOutcome(metrics.OutcomeStale)
		s.logg.Info(ctx, "broadcast accept refused; driver not free")
		return false, nil
	}

	s.timers.CancelOrderTimeout(orderID)
	now := s.now()
	ok, err := s.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		if err := mustApply(ord.Transition(ctx, orderID, broadcastGuard(), map[string]any{
			"status":             enums.OrderStatusAccepted,
			"assigned_driver_id": driverID,
			"accepted_at":        now,
			"reserved_driver_id": nil,
			"reserve_expires_at": nil,
		})); err != nil {
			return err
		}
		return mustApply(drv.Transition(ctx, driverID, drivers.Guard{
			Statuses:       []enums.DriverStatus{enums.DriverStatusOnline},
			NoPendingOrder: true,
		}, map[string]any{"status": enums.DriverStatusBusy}))
	})
	if err != nil || !ok {
		s.restoreLocked(ctx, orderID)
		if err == nil {
			s.metrics.IncOutcome(metrics.OutcomeStale)
		}
		return false, err
	}

	s.queue.Remove(ctx, driverID)
	s.metrics.IncOutcome(metrics.OutcomeAccepted)
	s.logg.Info(s.logg.WithField(ctx, "event", "broadcast.accept"), "broadcast order accepted")
	if order.ReservedDriverID != nil {
		s.notifyWorker(ctx, *order.ReservedDriverID, s.offerFor(notify.KindOfferWithdrawn, order, nil))
	}
	s.notifyWorker(ctx, driverID, s.offerFor(notify.KindOfferConfirmed, order, nil))
	s.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: notify.KindOrderAccepted, DriverID: &driverID})
	return true, nil
}

// ReserveBroadcast records a busy driver's claim on the order. The order stays NEW so a
// free driver can still take it first.
func (s *Service) ReserveBroadcast(ctx context.Context, orderID, driverID int64) (bool, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = s.logg.WithDriverID(s.orderCtx(ctx, order), driverID)
	now := s.now()
	if !order.IsBroadcast || order.Status != enums.OrderStatusNew || order.AssignedDriverID != nil || order.DispatchedAt == nil {
		s.logg.Info(ctx, "reserve ignored; order no longer open")
		return false, nil
	}
	if order.HasLiveReservation(now) {
		s.logg.Info(ctx, "reserve refused; order already reserved")
		return false, nil
	}
	driver, err := s.loadDriver(ctx, driverID)
	if err != nil {
		return false, err
	}
	if driver.Status != enums.DriverStatusBusy {
		s.logg.Info(ctx, "reserve refused; only busy drivers may reserve")
		return false, nil
	}

	guard := broadcastGuard()
	if order.ReservedDriverID != nil {
		guard.ReservedBy = order.ReservedDriverID
	} else {
		guard.Unreserved = true
	}
	expiresAt := now.Add(s.cfg.ReserveTTL)
	ok, err := s.orders.Transition(ctx, orderID, guard, map[string]any{
		"reserved_driver_id": driverID,
		"reserve_expires_at": expiresAt,
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve order")
	}
	if !ok {
		return false, nil
	}

	s.logg.Info(s.logg.WithField(ctx, "event", "broadcast.reserve"), "order reserved by busy driver")
	s.notifyCustomer(ctx, order, notify.CustomerMessage{
		Kind:       notify.KindReservationOffer,
		DriverID:   &driverID,
		ETAMinutes: driver.ETAToFinishMinutes,
	})
	return true, nil
}

// ConfirmReserve binds the reserved driver to the order on the customer's request. The order
// stays NEW until that driver finishes its trip and accepts formally.
func (s *Service) ConfirmReserve(ctx context.Context, orderID int64) (bool, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = s.orderCtx(ctx, order)
	now := s.now()
	if !order.IsBroadcast || order.Status != enums.OrderStatusNew || order.AssignedDriverID != nil || !order.HasLiveReservation(now) {
		s.logg.Info(ctx, "confirm ignored; no live reservation")
		return false, nil
	}
	driverID := *order.ReservedDriverID
	guard := broadcastGuard()
	guard.ReservedBy = &driverID
	ok, err := s.orders.Transition(ctx, orderID, guard, map[string]any{
		"assigned_driver_id": driverID,
		"reserved_driver_id": nil,
		"reserve_expires_at": nil,
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "confirm reservation")
	}
	if !ok {
		return false, nil
	}

	s.armWindow(ctx, orderID, order.ReserveExpiresAt.Sub(now))
	ctx = s.logg.WithDriverID(ctx, driverID)
	s.logg.Info(s.logg.WithField(ctx, "event", "broadcast.confirm"), "reservation confirmed by customer")
	s.notifyWorker(ctx, driverID, s.offerFor(notify.KindOfferConfirmed, order, order.ReserveExpiresAt))
	s.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: notify.KindReservationConfirmed, DriverID: &driverID})
	return true, nil
}

// DeclineReserve drops the reservation and reopens the order to the broadcast pool with a
// fresh window.
func (s *Service) DeclineReserve(ctx context.Context, orderID int64) (bool, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = s.orderCtx(ctx, order)
	if !order.IsBroadcast || order.Status != enums.OrderStatusNew || order.AssignedDriverID != nil || order.ReservedDriverID == nil {
		s.logg.Info(ctx, "decline ignored; no reservation to drop")
		return false, nil
	}
	driverID := *order.ReservedDriverID
	guard := broadcastGuard()
	guard.ReservedBy = &driverID
	now := s.now()
	ok, err := s.orders.Transition(ctx, orderID, guard, map[string]any{
		"reserved_driver_id": nil,
		"reserve_expires_at": nil,
		"dispatched_at":      now,
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decline reservation")
	}
	if !ok {
		return false, nil
	}

	s.armWindow(ctx, orderID, s.cfg.BroadcastWindow)
	s.logg.Info(s.logg.WithField(s.logg.WithDriverID(ctx, driverID), "event", "broadcast.decline_reserve"), "reservation declined by customer")
	s.notifyWorker(ctx, driverID, s.offerFor(notify.KindOfferWithdrawn, order, nil))
	return true, nil
}

// AcceptBound is the formal accept of a driver bound by a confirmed reservation. The driver
// must be done with its previous trip.
func (s *Service) AcceptBound(ctx context.Context, orderID, driverID int64) (bool, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = s.logg.WithDriverID(s.orderCtx(ctx, order), driverID)
	if !order.IsBroadcast || order.Status != enums.OrderStatusNew || !order.IsAssignedTo(driverID) {
		s.metrics.IncOutcome(metrics.OutcomeStale)
		s.logg.Info(ctx, "accept ignored; driver not bound to order")
		return false, nil
	}
	driver, err := s.loadDriver(ctx, driverID)
	if err != nil {
		return false, err
	}
	if driver.PendingOrderID != nil || (driver.Status != enums.DriverStatusOnline && driver.Status != enums.DriverStatusOffline) {
		s.logg.Info(ctx, "accept refused; bound driver has not finished its trip")
		return false, nil
	}

	s.timers.CancelOrderTimeout(orderID)
	now := s.now()
	ok, err := s.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		yes := true
		if err := mustApply(ord.Transition(ctx, orderID, orders.Guard{
			Statuses:   []enums.OrderStatus{enums.OrderStatusNew},
			AssignedTo: &driverID,
			Broadcast:  &yes,
		}, map[string]any{
			"status":      enums.OrderStatusAccepted,
			"accepted_at": now,
		})); err != nil {
			return err
		}
		return mustApply(drv.Transition(ctx, driverID, drivers.Guard{
			Statuses:       []enums.DriverStatus{enums.DriverStatusOnline, enums.DriverStatusOffline},
			NoPendingOrder: true,
		}, map[string]any{"status": enums.DriverStatusBusy}))
	})
	if err != nil || !ok {
		s.restoreLocked(ctx, orderID)
		return false, err
	}

	s.queue.Remove(ctx, driverID)
	s.metrics.IncOutcome(metrics.OutcomeAccepted)
	s.logg.Info(s.logg.WithField(ctx, "event", "broadcast.accept_bound"), "reserved order accepted")
	s.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: notify.KindOrderAccepted, DriverID: &driverID})
	return true, nil
}

// CustomerCancel cancels a broadcast order before boarding. A driver already on the way goes
// back online keeping its online_since.
func (s *Service) CustomerCancel(ctx context.Context, orderID int64) (bool, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	ctx = s.orderCtx(ctx, order)
	switch order.Status {
	case enums.OrderStatusNew, enums.OrderStatusAccepted, enums.OrderStatusArrived:
	default:
		s.logg.Info(ctx, "cancel ignored; order past the cancellable stages")
		return false, nil
	}

	s.timers.CancelOrderTimeout(orderID)
	onTrip := order.Status != enums.OrderStatusNew && order.AssignedDriverID != nil
	driverReleased := false
	ok, err := s.inTx(ctx, func(drv drivers.Repository, ord orders.Repository) error {
		guard := orders.Guard{Statuses: []enums.OrderStatus{order.Status}, Unassigned: order.AssignedDriverID == nil}
		guard.AssignedTo = order.AssignedDriverID
		if err := mustApply(ord.Transition(ctx, orderID, guard, map[string]any{
			"status":             enums.OrderStatusCancelled,
			"cancelled_at":       s.now(),
			"reserved_driver_id": nil,
			"reserve_expires_at": nil,
		})); err != nil {
			return err
		}
		if !onTrip {
			return nil
		}
		released, err := drv.Transition(ctx, *order.AssignedDriverID, drivers.Guard{
			Statuses: []enums.DriverStatus{enums.DriverStatusBusy},
		}, map[string]any{
			"status":                enums.DriverStatusOnline,
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
		s.restoreLocked(ctx, orderID)
		return false, nil
	}

	s.logg.Info(s.logg.WithField(ctx, "event", "broadcast.cancel"), "broadcast order cancelled by customer")
	if driverReleased {
		s.requeue(ctx, *order.AssignedDriverID)
	}
	for _, id := range []*int64{order.AssignedDriverID, order.ReservedDriverID} {
		if id != nil {
			s.notifyWorker(ctx, *id, s.offerFor(notify.KindOfferWithdrawn, order, nil))
		}
	}
	s.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: notify.KindOrderCancelled})
	return true, nil
}

func (s *Service) requeue(ctx context.Context, driverID int64) {
	driver, err := s.drivers.FindByID(ctx, driverID)
	if err != nil {
		s.logg.Error(ctx, "reload released driver", err)
		return
	}
	if !driver.Zone.IsValid() {
		return
	}
	onlineSince := s.now()
	if driver.OnlineSince != nil {
		onlineSince = *driver.OnlineSince
	}
	if err := s.queue.Add(ctx, driverID, driver.Zone, onlineSince); err != nil {
		s.logg.Error(s.logg.WithDriverID(ctx, driverID), "requeue driver", err)
	}
}

// onWindowExpired expires an unclaimed broadcast order. While an unconfirmed reservation is
// live the window runs on until the reservation lapses, and free workers may still accept.
func (s *Service) onWindowExpired(ctx context.Context, orderID int64) {
	unlock := s.locks.Lock(orderID)
	defer unlock()
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, orderID), "broadcast window: load order", err)
		return
	}
	ctx = s.orderCtx(ctx, order)
	if !order.IsBroadcast || order.Status != enums.OrderStatusNew {
		return
	}
	now := s.now()
	if order.AssignedDriverID == nil && order.HasLiveReservation(now) {
		s.armWindow(ctx, orderID, order.ReserveExpiresAt.Sub(now))
		s.logg.Debug(ctx, "broadcast window extended until the reservation lapses")
		return
	}
	if err := s.expireLocked(ctx, order, now); err != nil {
		s.logg.Error(ctx, "broadcast window: expire", err)
	}
}

// expireLocked ends an open broadcast order, including a confirmed binding whose driver
// never accepted.
func (s *Service) expireLocked(ctx context.Context, order *models.Order, now time.Time) error {
	yes := true
	guard := orders.Guard{
		Statuses:   []enums.OrderStatus{enums.OrderStatusNew},
		Broadcast:  &yes,
		Unassigned: order.AssignedDriverID == nil,
		AssignedTo: order.AssignedDriverID,
	}
	ok, err := s.orders.Transition(ctx, order.ID, guard, map[string]any{
		"status":             enums.OrderStatusExpired,
		"expired_at":         now,
		"assigned_driver_id": nil,
		"reserved_driver_id": nil,
		"reserve_expires_at": nil,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire broadcast order")
	}
	if !ok {
		return nil
	}
	s.timers.CancelOrderTimeout(order.ID)
	s.metrics.IncExpiration("broadcast")
	s.logg.Warn(s.logg.WithField(ctx, "event", "broadcast.expire"), "broadcast order expired")
	for _, id := range []*int64{order.AssignedDriverID, order.ReservedDriverID} {
		if id != nil {
			s.notifyWorker(ctx, *id, s.offerFor(notify.KindOfferWithdrawn, order, nil))
		}
	}
	s.notifyCustomer(ctx, order, notify.CustomerMessage{Kind: notify.KindOrderExpired})
	return nil
}

// Restore re-arms the window of an open broadcast order after a restart.
func (s *Service) Restore(ctx context.Context, orderID int64) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()
	return s.restoreWindowLocked(ctx, orderID)
}

func (s *Service) restoreLocked(ctx context.Context, orderID int64) {
	if err := s.restoreWindowLocked(ctx, orderID); err != nil {
		s.logg.Error(ctx, "restore broadcast window", err)
	}
}

func (s *Service) restoreWindowLocked(ctx context.Context, orderID int64) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.IsBroadcast || order.Status != enums.OrderStatusNew || order.DispatchedAt == nil {
		return nil
	}
	ctx = s.orderCtx(ctx, order)
	now := s.now()
	switch {
	case order.AssignedDriverID != nil:
		s.armWindow(ctx, orderID, s.cfg.ReserveTTL)
	case order.HasLiveReservation(now):
		s.armWindow(ctx, orderID, order.ReserveExpiresAt.Sub(now))
	default:
		remaining := order.DispatchedAt.Add(s.cfg.BroadcastWindow).Sub(now)
		if remaining <= 0 {
			return s.expireLocked(ctx, order, now)
		}
		s.armWindow(ctx, orderID, remaining)
	}
	return nil
}
