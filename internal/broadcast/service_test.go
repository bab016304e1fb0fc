package broadcast

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/zonedispatch/internal/drivers"
	"github.com/angelmondragon/zonedispatch/internal/notify"
	"github.com/angelmondragon/zonedispatch/internal/orders"
	"github.com/angelmondragon/zonedispatch/internal/scheduler"
	"github.com/angelmondragon/zonedispatch/internal/scheduler/schedulertest"
	"github.com/angelmondragon/zonedispatch/internal/testdb"
	"github.com/angelmondragon/zonedispatch/pkg/config"
	"github.com/angelmondragon/zonedispatch/pkg/db"
	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	"github.com/angelmondragon/zonedispatch/pkg/logger"
	"github.com/angelmondragon/zonedispatch/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const district = "CENTER"

type sent struct {
	recipient int64
	kind      notify.Kind
}

type recordingNotifier struct {
	mu       sync.Mutex
	workers  []sent
	customer []sent
}

func (n *recordingNotifier) NotifyWorker(ctx context.Context, driverID int64, offer notify.Offer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.workers = append(n.workers, sent{recipient: driverID, kind: offer.Kind})
	return nil
}

func (n *recordingNotifier) NotifyCustomer(ctx context.Context, customerID int64, msg notify.CustomerMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.customer = append(n.customer, sent{recipient: customerID, kind: msg.Kind})
	return nil
}

func (n *recordingNotifier) workerKinds(driverID int64) []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Kind
	for _, s := range n.workers {
		if s.recipient == driverID {
			out = append(out, s.kind)
		}
	}
	return out
}

func (n *recordingNotifier) customerKinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Kind
	for _, s := range n.customer {
		out = append(out, s.kind)
	}
	return out
}

type fakeQueue struct {
	mu      sync.Mutex
	added   map[int64]time.Time
	removed []int64
}

func (q *fakeQueue) Add(ctx context.Context, driverID int64, zone enums.Zone, onlineSince time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.added == nil {
		q.added = map[int64]time.Time{}
	}
	q.added[driverID] = onlineSince
	return nil
}

func (q *fakeQueue) Remove(ctx context.Context, driverID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, driverID)
}

type harness struct {
	svc      *Service
	clock    *schedulertest.Clock
	timers   *scheduler.Scheduler
	drivers  drivers.Repository
	orders   orders.Repository
	queue    *fakeQueue
	notifier *recordingNotifier
}

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := testdb.Open(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}})
	clock := schedulertest.NewClock(start)
	timers, err := scheduler.New(scheduler.Params{Logger: logg, AfterFunc: clock.AfterFunc})
	require.NoError(t, err)
	t.Cleanup(timers.CancelAll)

	h := &harness{
		clock:    clock,
		timers:   timers,
		drivers:  drivers.NewRepository(conn),
		orders:   orders.NewRepository(conn),
		queue:    &fakeQueue{},
		notifier: &recordingNotifier{},
	}
	h.svc, err = NewService(ServiceParams{
		Logger:   logg,
		Tx:       db.NewFromConn(conn),
		Drivers:  h.drivers,
		Orders:   h.orders,
		Queue:    h.queue,
		Timers:   timers,
		Notifier: h.notifier,
		Metrics:  metrics.NewDispatchMetrics(nil),
		Config: config.DispatchConfig{
			BroadcastWindow:      30 * time.Second,
			ReserveTTL:           15 * time.Minute,
			MaxReserveETAMinutes: 15,
			BroadcastDistricts:   []string{district},
		},
		Now: clock.Now,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) freeDriver(t *testing.T) *models.Driver {
	t.Helper()
	since := start.Add(-time.Hour)
	d, err := h.drivers.Create(context.Background(), &models.Driver{
		Status:      enums.DriverStatusOnline,
		Zone:        enums.ZoneDema,
		OnlineSince: &since,
	})
	require.NoError(t, err)
	return d
}

func (h *harness) busyDriver(t *testing.T, finishIn string, eta int) *models.Driver {
	t.Helper()
	since := start.Add(-2 * time.Hour)
	d, err := h.drivers.Create(context.Background(), &models.Driver{
		Status:             enums.DriverStatusBusy,
		Zone:               enums.ZoneAvdon,
		OnlineSince:        &since,
		NextFinishZone:     &finishIn,
		ETAToFinishMinutes: &eta,
	})
	require.NoError(t, err)
	return d
}

func (h *harness) order(t *testing.T) *models.Order {
	t.Helper()
	pickup := district
	o, err := h.orders.Create(context.Background(), &models.Order{
		CustomerID:     7,
		Status:         enums.OrderStatusNew,
		PickupDistrict: &pickup,
		IsBroadcast:    true,
	})
	require.NoError(t, err)
	return o
}

func (h *harness) reload(t *testing.T, id int64) *models.Order {
	t.Helper()
	o, err := h.orders.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) driver(t *testing.T, id int64) *models.Driver {
	t.Helper()
	d, err := h.drivers.FindByID(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestNewServiceValidatesParams(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestFreeAcceptPreemptsUnconfirmedReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	free := h.freeDriver(t)
	converging := h.busyDriver(t, district, 10)
	h.busyDriver(t, district, 40)
	h.busyDriver(t, "ELSEWHERE", 5)
	order := h.order(t)

	ok, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []notify.Kind{notify.KindBroadcastAccept}, h.notifier.workerKinds(free.ID))
	assert.Equal(t, []notify.Kind{notify.KindBroadcastReserve}, h.notifier.workerKinds(converging.ID))
	assert.True(t, h.timers.HasOrderTimeout(order.ID))

	h.clock.Advance(2 * time.Second)
	ok, err = h.svc.ReserveBroadcast(ctx, order.ID, converging.ID)
	require.NoError(t, err)
	require.True(t, ok)
	reserved := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusNew, reserved.Status)
	require.NotNil(t, reserved.ReservedDriverID)
	assert.Equal(t, converging.ID, *reserved.ReservedDriverID)

	h.clock.Advance(3 * time.Second)
	ok, err = h.svc.AcceptBroadcast(ctx, order.ID, free.ID)
	require.NoError(t, err)
	require.True(t, ok)

	accepted := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusAccepted, accepted.Status)
	require.NotNil(t, accepted.AssignedDriverID)
	assert.Equal(t, free.ID, *accepted.AssignedDriverID)
	assert.Nil(t, accepted.ReservedDriverID)
	assert.Nil(t, accepted.ReserveExpiresAt)
	assert.Equal(t, enums.DriverStatusBusy, h.driver(t, free.ID).Status)
	assert.Contains(t, h.notifier.workerKinds(converging.ID), notify.KindOfferWithdrawn)
	assert.Contains(t, h.queue.removed, free.ID)
	assert.False(t, h.timers.HasOrderTimeout(order.ID))

	ok, err = h.svc.ConfirmReserve(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, ok, "reservation is gone once the order is accepted")
}

func TestSendBroadcastWithoutCandidatesExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.order(t)

	ok, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, enums.OrderStatusExpired, h.reload(t, order.ID).Status)
	assert.Equal(t, []notify.Kind{notify.KindOrderExpired}, h.notifier.customerKinds())
}

func TestSendBroadcastReachesUnqueuedFreeDrivers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	queued := h.freeDriver(t)
	unzoned, err := h.drivers.Create(ctx, &models.Driver{
		Status: enums.DriverStatusOnline,
		Zone:   enums.ZoneNone,
	})
	require.NoError(t, err)
	order := h.order(t)

	ok, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []notify.Kind{notify.KindBroadcastAccept}, h.notifier.workerKinds(queued.ID))
	assert.Equal(t, []notify.Kind{notify.KindBroadcastAccept}, h.notifier.workerKinds(unzoned.ID))

	ok, err = h.svc.AcceptBroadcast(ctx, order.ID, unzoned.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendBroadcastRequiresPickupDistrict(t *testing.T) {
	h := newHarness(t)
	h.freeDriver(t)
	order, err := h.orders.Create(context.Background(), &models.Order{CustomerID: 1, Status: enums.OrderStatusNew, IsBroadcast: true})
	require.NoError(t, err)

	_, err = h.svc.SendBroadcast(context.Background(), order.ID)
	require.Error(t, err)
}

func TestSendBroadcastTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.freeDriver(t)
	order := h.order(t)

	ok, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWindowExpiryExpiresUnclaimedOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	free := h.freeDriver(t)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)

	h.clock.Advance(30 * time.Second)

	assert.Equal(t, enums.OrderStatusExpired, h.reload(t, order.ID).Status)
	assert.Contains(t, h.notifier.customerKinds(), notify.KindOrderExpired)

	ok, err := h.svc.AcceptBroadcast(ctx, order.ID, free.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLiveReservationOutlivesWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	converging := h.busyDriver(t, district, 10)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	ok, err := h.svc.ReserveBroadcast(ctx, order.ID, converging.ID)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(time.Minute)
	assert.Equal(t, enums.OrderStatusNew, h.reload(t, order.ID).Status)

	h.clock.Advance(15 * time.Minute)
	assert.Equal(t, enums.OrderStatusExpired, h.reload(t, order.ID).Status)
}

func TestFreeWorkerAcceptsDuringExtendedWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	free := h.freeDriver(t)
	converging := h.busyDriver(t, district, 10)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	ok, err := h.svc.ReserveBroadcast(ctx, order.ID, converging.ID)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(time.Minute)
	assert.Equal(t, enums.OrderStatusNew, h.reload(t, order.ID).Status)
	assert.True(t, h.timers.HasOrderTimeout(order.ID), "window runs on while the reservation lives")

	ok, err = h.svc.AcceptBroadcast(ctx, order.ID, free.ID)
	require.NoError(t, err)
	require.True(t, ok)
	accepted := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusAccepted, accepted.Status)
	assert.Nil(t, accepted.ReservedDriverID)
	assert.False(t, h.timers.HasOrderTimeout(order.ID))
}

func TestReserveRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	free := h.freeDriver(t)
	first := h.busyDriver(t, district, 5)
	second := h.busyDriver(t, district, 8)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)

	ok, err := h.svc.ReserveBroadcast(ctx, order.ID, free.ID)
	require.NoError(t, err)
	assert.False(t, ok, "free drivers accept, they do not reserve")

	ok, err = h.svc.ReserveBroadcast(ctx, order.ID, first.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.svc.ReserveBroadcast(ctx, order.ID, second.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a live reservation blocks a second one")
	assert.Contains(t, h.notifier.customerKinds(), notify.KindReservationOffer)
}

func TestConfirmThenBoundAccept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	converging := h.busyDriver(t, district, 10)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	_, err = h.svc.ReserveBroadcast(ctx, order.ID, converging.ID)
	require.NoError(t, err)

	ok, err := h.svc.ConfirmReserve(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	bound := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusNew, bound.Status)
	require.NotNil(t, bound.AssignedDriverID)
	assert.Equal(t, converging.ID, *bound.AssignedDriverID)
	assert.Nil(t, bound.ReservedDriverID)
	assert.Contains(t, h.notifier.customerKinds(), notify.KindReservationConfirmed)

	ok, err = h.svc.AcceptBound(ctx, order.ID, converging.ID)
	require.NoError(t, err)
	assert.False(t, ok, "driver is still on its previous trip")

	_, err = h.drivers.Transition(ctx, converging.ID, drivers.Guard{}, map[string]any{"status": enums.DriverStatusOffline})
	require.NoError(t, err)
	ok, err = h.svc.Accept(ctx, order.ID, converging.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, enums.OrderStatusAccepted, h.reload(t, order.ID).Status)
	assert.Equal(t, enums.DriverStatusBusy, h.driver(t, converging.ID).Status)
	assert.False(t, h.timers.HasOrderTimeout(order.ID))
}

func TestBoundOrderExpiresWhenDriverNeverAccepts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	converging := h.busyDriver(t, district, 10)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	_, err = h.svc.ReserveBroadcast(ctx, order.ID, converging.ID)
	require.NoError(t, err)
	_, err = h.svc.ConfirmReserve(ctx, order.ID)
	require.NoError(t, err)

	h.clock.Advance(15 * time.Minute)

	expired := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusExpired, expired.Status)
	assert.Nil(t, expired.AssignedDriverID)
	assert.Contains(t, h.notifier.workerKinds(converging.ID), notify.KindOfferWithdrawn)
}

func TestDeclineReserveReopensWithFreshWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	free := h.freeDriver(t)
	converging := h.busyDriver(t, district, 10)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	_, err = h.svc.ReserveBroadcast(ctx, order.ID, converging.ID)
	require.NoError(t, err)

	h.clock.Advance(20 * time.Second)
	ok, err := h.svc.DeclineReserve(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, h.reload(t, order.ID).ReservedDriverID)

	h.clock.Advance(20 * time.Second)
	assert.Equal(t, enums.OrderStatusNew, h.reload(t, order.ID).Status, "window restarted on decline")

	ok, err = h.svc.AcceptBroadcast(ctx, order.ID, free.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCustomerCancelReleasesDriverKeepingSeniority(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	free := h.freeDriver(t)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	_, err = h.svc.AcceptBroadcast(ctx, order.ID, free.ID)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	ok, err := h.svc.CustomerCancel(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, enums.OrderStatusCancelled, h.reload(t, order.ID).Status)
	released := h.driver(t, free.ID)
	assert.Equal(t, enums.DriverStatusOnline, released.Status)
	require.NotNil(t, released.OnlineSince)
	assert.True(t, released.OnlineSince.Equal(*free.OnlineSince))
	assert.True(t, h.queue.added[free.ID].Equal(*free.OnlineSince))

	ok, err = h.svc.CustomerCancel(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRestoreRearmsRemainingWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.freeDriver(t)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	h.timers.CancelOrderTimeout(order.ID)

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.svc.Restore(ctx, order.ID))
	require.True(t, h.timers.HasOrderTimeout(order.ID))

	h.clock.Advance(19 * time.Second)
	assert.Equal(t, enums.OrderStatusNew, h.reload(t, order.ID).Status)
	h.clock.Advance(time.Second)
	assert.Equal(t, enums.OrderStatusExpired, h.reload(t, order.ID).Status)
}

func TestRestoreExpiresLapsedWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.freeDriver(t)
	order := h.order(t)
	_, err := h.svc.SendBroadcast(ctx, order.ID)
	require.NoError(t, err)
	h.timers.CancelOrderTimeout(order.ID)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.svc.Restore(ctx, order.ID))
	assert.Equal(t, enums.OrderStatusExpired, h.reload(t, order.ID).Status)
}
