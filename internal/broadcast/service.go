package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/zonedispatch/internal/drivers"
	"github.com/angelmondragon/zonedispatch/internal/notify"
	"github.com/angelmondragon/zonedispatch/internal/orders"
	"github.com/angelmondragon/zonedispatch/internal/scheduler"
	"github.com/angelmondragon/zonedispatch/pkg/config"
	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/zonedispatch/pkg/errors"
	"github.com/angelmondragon/zonedispatch/pkg/keylock"
	"github.com/angelmondragon/zonedispatch/pkg/logger"
	"github.com/angelmondragon/zonedispatch/pkg/metrics"
	"gorm.io/gorm"
)

var errLostRace = errors.New("precondition no longer holds")

type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Queue is the subset of the zone queue a broadcast accept touches.
type Queue interface {
	Add(ctx context.Context, driverID int64, zone enums.Zone, onlineSince time.Time) error
	Remove(ctx context.Context, driverID int64)
}

type Timers interface {
	ScheduleOrderTimeout(orderID int64, d time.Duration, cb scheduler.OrderCallback) error
	CancelOrderTimeout(orderID int64) bool
}

type Notifier interface {
	NotifyWorker(ctx context.Context, driverID int64, offer notify.Offer) error
	NotifyCustomer(ctx context.Context, customerID int64, msg notify.CustomerMessage) error
}

type ServiceParams struct {
	Logger   *logger.Logger
	Tx       TxRunner
	Drivers  drivers.Repository
	Orders   orders.Repository
	Queue    Queue
	Timers   Timers
	Notifier Notifier
	Metrics  *metrics.DispatchMetrics
	Config   config.DispatchConfig
	Now      func() time.Time
}

// Service dispatches broadcast orders: one simultaneous offer to every free driver, plus a
// reserve offer to busy drivers about to finish near the pickup point.
type Service struct {
	logg     *logger.Logger
	tx       TxRunner
	drivers  drivers.Repository
	orders   orders.Repository
	queue    Queue
	timers   Timers
	notifier Notifier
	metrics  *metrics.DispatchMetrics
	cfg      config.DispatchConfig
	now      func() time.Time
	locks    *keylock.Locker
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.Tx == nil:
		return nil, errors.New("tx runner required")
	case params.Drivers == nil || params.Orders == nil:
		return nil, errors.New("repositories required")
	case params.Queue == nil:
		return nil, errors.New("queue required")
	case params.Timers == nil:
		return nil, errors.New("timers required")
	case params.Notifier == nil:
		return nil, errors.New("notifier required")
	}
	if params.Config.BroadcastWindow <= 0 || params.Config.ReserveTTL <= 0 {
		return nil, errors.New("broadcast window and reserve ttl must be positive")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		logg:     params.Logger,
		tx:       params.Tx,
		drivers:  params.Drivers,
		orders:   params.Orders,
		queue:    params.Queue,
		timers:   params.Timers,
		notifier: params.Notifier,
		metrics:  params.Metrics,
		cfg:      params.Config,
		now:      now,
		locks:    keylock.New(),
	}, nil
}

func (s *Service) loadOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *Service) loadDriver(ctx context.Context, driverID int64) (*models.Driver, error) {
	driver, err := s.drivers.FindByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "driver not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load driver")
	}
	return driver, nil
}

func (s *Service) inTx(ctx context.Context, fn func(drv drivers.Repository, ord orders.Repository) error) (bool, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return fn(s.drivers.WithTx(tx), s.orders.WithTx(tx))
	})
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "broadcast transition")
	}
	return true, nil
}

func mustApply(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return errLostRace
	}
	return nil
}

func (s *Service) offerFor(kind notify.Kind, order *models.Order, expiresAt *time.Time) notify.Offer {
	offer := notify.Offer{
		Kind:          kind,
		OrderID:       order.ID,
		PickupAddress: order.PickupAddress,
		Destination:   order.Destination,
		Price:         order.Price,
		ExpiresAt:     expiresAt,
	}
	if order.PickupDistrict != nil {
		offer.Zone = *order.PickupDistrict
	}
	return offer
}

func (s *Service) notifyWorker(ctx context.Context, driverID int64, offer notify.Offer) {
	if err := s.notifier.NotifyWorker(ctx, driverID, offer); err != nil {
		ctx = s.logg.WithField(ctx, "notify_error", err.Error())
		s.logg.Warn(s.logg.WithDriverID(ctx, driverID), "driver notification failed")
	}
}

func (s *Service) notifyCustomer(ctx context.Context, order *models.Order, msg notify.CustomerMessage) {
	msg.OrderID = order.ID
	if err := s.notifier.NotifyCustomer(ctx, order.CustomerID, msg); err != nil {
		ctx = s.logg.WithField(ctx, "notify_error", err.Error())
		s.logg.Warn(ctx, "customer notification failed")
	}
}

func (s *Service) orderCtx(ctx context.Context, order *models.Order) context.Context {
	ctx = s.logg.WithOrderID(ctx, order.ID)
	if order.PickupDistrict != nil {
		ctx = s.logg.WithField(ctx, "pickup_district", *order.PickupDistrict)
	}
	return s.logg.WithField(ctx, "mode", "broadcast")
}

func (s *Service) armWindow(ctx context.Context, orderID int64, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if err := s.timers.ScheduleOrderTimeout(orderID, d, s.onWindowExpired); err != nil {
		s.logg.Error(ctx, "arm broadcast window", err)
	}
}
