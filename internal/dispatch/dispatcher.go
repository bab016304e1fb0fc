package dispatch

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

// maxAssignAttempts bounds how many candidates one assignment pass may lose to a race.
const maxAssignAttempts = 5

// fallbackRetryDelay spaces global searches whose every candidate was taken concurrently.
const fallbackRetryDelay = 5 * time.Second

// errLostRace rolls back a transaction whose guarded write matched no row.
var errLostRace = errors.New("precondition no longer holds")

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ZoneQueue is the in-memory availability cache the dispatcher pulls drivers from.
type ZoneQueue interface {
	Add(ctx context.Context, driverID int64, zone enums.Zone, onlineSince time.Time) error
	Remove(ctx context.Context, driverID int64)
	SwitchZone(ctx context.Context, driverID int64, zone enums.Zone, onlineSince time.Time) error
	ZoneOf(driverID int64) (enums.Zone, bool)
	Position(driverID int64) (int, bool)
	Counts() map[enums.Zone]int
	NextEligible(ctx context.Context, zone enums.Zone) (int64, bool, error)
	AllOnlineGlobally(ctx context.Context) ([]models.Driver, error)
	Rebuild(ctx context.Context) error
}

// Timers arms and cancels the keyed response and order windows.
type Timers interface {
	ScheduleWorkerTimeout(driverID, orderID int64, d time.Duration, cb scheduler.WorkerCallback) error
	ScheduleOrderTimeout(orderID int64, d time.Duration, cb scheduler.OrderCallback) error
	CancelWorkerTimeout(driverID int64) bool
	CancelOrderTimeout(orderID int64) bool
}

// Notifier delivers offers and order updates. Failures never undo a transition.
type Notifier interface {
	NotifyWorker(ctx context.Context, driverID int64, offer notify.Offer) error
	NotifyCustomer(ctx context.Context, customerID int64, msg notify.CustomerMessage) error
}

// Broadcaster owns every order created with is_broadcast set.
type Broadcaster interface {
	SendBroadcast(ctx context.Context, orderID int64) (bool, error)
	AcceptBound(ctx context.Context, orderID, driverID int64) (bool, error)
	CustomerCancel(ctx context.Context, orderID int64) (bool, error)
	Restore(ctx context.Context, orderID int64) error
}

// Params wires the dispatcher's collaborators.
type Params struct {
	Logger    *logger.Logger
	Tx        TxRunner
	Drivers   drivers.Repository
	Orders    orders.Repository
	Queue     ZoneQueue
	Timers    Timers
	Notifier  Notifier
	Broadcast Broadcaster
	Metrics   *metrics.DispatchMetrics
	Config    config.DispatchConfig
	Now       func() time.Time
}

// Dispatcher runs the zone-queue order lifecycle. All mutations of one order are serialized
// through a per-order lock, and every write is conditional on the state it was decided from.
type Dispatcher struct {
	logg      *logger.Logger
	tx        TxRunner
	drivers   drivers.Repository
	orders    orders.Repository
	queue     ZoneQueue
	timers    Timers
	notifier  Notifier
	broadcast Broadcaster
	metrics   *metrics.DispatchMetrics
	cfg       config.DispatchConfig
	now       func() time.Time
	locks     *keylock.Locker
}

func New(params Params) (*Dispatcher, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.Tx == nil:
		return nil, errors.New("tx runner required")
	case params.Drivers == nil:
		return nil, errors.New("drivers repository required")
	case params.Orders == nil:
		return nil, errors.New("orders repository required")
	case params.Queue == nil:
		return nil, errors.New("queue required")
	case params.Timers == nil:
		return nil, errors.New("timers required")
	case params.Notifier == nil:
		return nil, errors.New("notifier required")
	}
	if params.Config.DriverResponseTimeout <= 0 || params.Config.OrderGlobalTimeout <= 0 {
		return nil, errors.New("dispatch timeouts must be positive")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		logg:      params.Logger,
		tx:        params.Tx,
		drivers:   params.Drivers,
		orders:    params.Orders,
		queue:     params.Queue,
		timers:    params.Timers,
		notifier:  params.Notifier,
		broadcast: params.Broadcast,
		metrics:   params.Metrics,
		cfg:       params.Config,
		now:       now,
		locks:     keylock.New(),
	}, nil
}

// QueuePosition reports a driver's 1-based position in its zone queue.
func (d *Dispatcher) QueuePosition(driverID int64) (enums.Zone, int, bool) {
	zone, ok := d.queue.ZoneOf(driverID)
	if !ok {
		return enums.ZoneNone, 0, false
	}
	pos, ok := d.queue.Position(driverID)
	return zone, pos, ok
}

// ZoneCounts reports queued drivers per zone.
func (d *Dispatcher) ZoneCounts() map[enums.Zone]int {
	return d.queue.Counts()
}

func (d *Dispatcher) loadOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := d.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "order %d not found", orderID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (d *Dispatcher) loadDriver(ctx context.Context, driverID int64) (*models.Driver, error) {
	driver, err := d.drivers.FindByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "driver %d not found", driverID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load driver")
	}
	return driver, nil
}

// inTx runs fn in a transaction. It reports false without error when fn lost a race.
func (d *Dispatcher) inTx(ctx context.Context, fn func(drv drivers.Repository, ord orders.Repository) error) (bool, error) {
	err := d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return fn(d.drivers.WithTx(tx), d.orders.WithTx(tx))
	})
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "dispatch transition")
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

func (d *Dispatcher) orderCtx(ctx context.Context, order *models.Order) context.Context {
	ctx = d.logg.WithOrderID(ctx, order.ID)
	if order.Zone != nil {
		ctx = d.logg.WithZone(ctx, string(*order.Zone))
	}
	return ctx
}

func (d *Dispatcher) offerFor(kind notify.Kind, order *models.Order, expiresAt *time.Time) notify.Offer {
	offer := notify.Offer{
		Kind:          kind,
		OrderID:       order.ID,
		PickupAddress: order.PickupAddress,
		Destination:   order.Destination,
		Price:         order.Price,
		ExpiresAt:     expiresAt,
	}
	if order.Zone != nil {
		offer.Zone = string(*order.Zone)
	}
	return offer
}

func (d *Dispatcher) notifyWorker(ctx context.Context, driverID int64, offer notify.Offer) {
	if err := d.notifier.NotifyWorker(ctx, driverID, offer); err != nil {
		ctx = d.logg.WithField(ctx, "notify_error", err.Error())
		d.logg.Warn(d.logg.WithDriverID(ctx, driverID), "driver notification failed")
	}
}

func (d *Dispatcher) notifyCustomer(ctx context.Context, order *models.Order, msg notify.CustomerMessage) {
	msg.OrderID = order.ID
	if err := d.notifier.NotifyCustomer(ctx, order.CustomerID, msg); err != nil {
		ctx = d.logg.WithField(ctx, "notify_error", err.Error())
		d.logg.Warn(ctx, "customer notification failed")
	}
}

// requeue returns a driver to its zone queue with the given online_since.
func (d *Dispatcher) requeue(ctx context.Context, driverID int64, onlineSince time.Time) {
	driver, err := d.drivers.FindByID(ctx, driverID)
	if err != nil {
		d.logg.Error(d.logg.WithDriverID(ctx, driverID), "reload driver for requeue", err)
		return
	}
	d.enqueue(ctx, driver, onlineSince)
}

func (d *Dispatcher) enqueue(ctx context.Context, driver *models.Driver, onlineSince time.Time) {
	ctx = d.logg.WithDriverID(ctx, driver.ID)
	if !driver.Zone.IsValid() {
		d.logg.Warn(ctx, "driver has no zone; not requeued")
		return
	}
	if err := d.queue.Add(ctx, driver.ID, driver.Zone, onlineSince); err != nil {
		d.logg.Error(ctx, "requeue driver", err)
	}
}
