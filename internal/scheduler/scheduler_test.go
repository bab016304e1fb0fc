package scheduler_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelmondragon/zonedispatch/internal/scheduler"
	"github.com/angelmondragon/zonedispatch/internal/scheduler/schedulertest"
	"github.com/angelmondragon/zonedispatch/pkg/logger"
)

func newScheduler(t *testing.T, clock *schedulertest.Clock, maint scheduler.Maintenance) *scheduler.Scheduler {
	t.Helper()
	params := scheduler.Params{
		Logger:      logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}}),
		Maintenance: maint,
	}
	if clock != nil {
		params.AfterFunc = clock.AfterFunc
	}
	s, err := scheduler.New(params)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestNewRequiresLogger(t *testing.T) {
	if _, err := scheduler.New(scheduler.Params{}); err == nil {
		t.Fatal("expected error without logger")
	}
}

func TestWorkerTimeoutFiresWithKeys(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	s := newScheduler(t, clock, nil)

	var gotDriver, gotOrder int64
	if err := s.ScheduleWorkerTimeout(7, 70, 30*time.Second, func(_ context.Context, driverID, orderID int64) {
		gotDriver, gotOrder = driverID, orderID
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	clock.Advance(29 * time.Second)
	if gotDriver != 0 {
		t.Fatal("timer fired early")
	}
	clock.Advance(time.Second)
	if gotDriver != 7 || gotOrder != 70 {
		t.Fatalf("unexpected callback args %d/%d", gotDriver, gotOrder)
	}
	if s.HasWorkerTimeout(7) {
		t.Fatal("fired timer must not remain live")
	}
	if s.CancelWorkerTimeout(7) {
		t.Fatal("cancelling a fired timer must return false")
	}
}

func TestScheduleReplacesExistingKey(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	s := newScheduler(t, clock, nil)

	var fired []int64
	cb := func(_ context.Context, orderID int64) { fired = append(fired, orderID) }
	first := func(context.Context, int64) { t.Fatal("replaced timer fired") }

	if err := s.ScheduleOrderTimeout(1, 10*time.Second, first); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.ScheduleOrderTimeout(1, 20*time.Second, cb); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got := s.Stats().OrderTimers; got != 1 {
		t.Fatalf("expected one live order timer, got %d", got)
	}

	clock.Advance(20 * time.Second)
	if len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("expected replacement to fire once, got %v", fired)
	}
}

func TestCancelReturnsWhetherLive(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	s := newScheduler(t, clock, nil)

	if s.CancelOrderTimeout(5) {
		t.Fatal("cancel of unknown key must return false")
	}
	_ = s.ScheduleOrderTimeout(5, time.Minute, func(context.Context, int64) { t.Fatal("cancelled timer fired") })
	if !s.HasOrderTimeout(5) {
		t.Fatal("expected live order timer")
	}
	if !s.CancelOrderTimeout(5) {
		t.Fatal("cancel of live key must return true")
	}
	if s.CancelOrderTimeout(5) {
		t.Fatal("second cancel must return false")
	}
	clock.Advance(2 * time.Minute)
}

func TestWorkerAndOrderKeysAreIndependent(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	s := newScheduler(t, clock, nil)

	_ = s.ScheduleWorkerTimeout(1, 1, time.Second, func(context.Context, int64, int64) {})
	_ = s.ScheduleOrderTimeout(1, time.Second, func(context.Context, int64) {})

	stats := s.Stats()
	if stats.WorkerTimers != 1 || stats.OrderTimers != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCallbackPanicIsContained(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	s := newScheduler(t, clock, nil)

	_ = s.ScheduleOrderTimeout(1, time.Second, func(context.Context, int64) { panic("boom") })
	clock.Advance(time.Second)

	if err := s.ScheduleOrderTimeout(2, time.Second, func(context.Context, int64) {}); err != nil {
		t.Fatalf("scheduler unusable after panic: %v", err)
	}
}

func TestCancelAllStopsTimersAndRefusesNewOnes(t *testing.T) {
	clock := schedulertest.NewClock(time.Unix(0, 0))
	s := newScheduler(t, clock, nil)

	_ = s.ScheduleWorkerTimeout(1, 1, time.Second, func(context.Context, int64, int64) { t.Fatal("worker timer fired after CancelAll") })
	_ = s.ScheduleOrderTimeout(1, time.Second, func(context.Context, int64) { t.Fatal("order timer fired after CancelAll") })

	s.CancelAll()
	clock.Advance(time.Minute)

	if clock.Pending() != 0 {
		t.Fatalf("expected all timers stopped, %d pending", clock.Pending())
	}
	err := s.ScheduleOrderTimeout(2, time.Second, func(context.Context, int64) {})
	if !errors.Is(err, scheduler.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	s.CancelAll()
}

func TestRealTimersFire(t *testing.T) {
	s := newScheduler(t, nil, nil)
	defer s.CancelAll()

	done := make(chan struct{})
	_ = s.ScheduleOrderTimeout(1, 5*time.Millisecond, func(context.Context, int64) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer never fired")
	}
}

type fakeMaintenance struct {
	mu      sync.Mutex
	started chan struct{}
	exited  atomic.Bool
	once    int
}

func (f *fakeMaintenance) Run(ctx context.Context) error {
	close(f.started)
	<-ctx.Done()
	f.exited.Store(true)
	return ctx.Err()
}

func (f *fakeMaintenance) RunOnce(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.once++
	return nil
}

func TestMaintenanceLoopStopsOnCancelAll(t *testing.T) {
	maint := &fakeMaintenance{started: make(chan struct{})}
	s := newScheduler(t, nil, maint)

	if err := s.StartMaintenance(); err != nil {
		t.Fatalf("start maintenance: %v", err)
	}
	if err := s.StartMaintenance(); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	<-maint.started
	if !s.Stats().MaintenanceRunning {
		t.Fatal("expected maintenance to be running")
	}

	if err := s.RunMaintenanceOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if maint.once != 1 {
		t.Fatalf("expected one manual run, got %d", maint.once)
	}

	s.CancelAll()
	if !maint.exited.Load() {
		t.Fatal("CancelAll must wait for the maintenance loop to exit")
	}
	if s.Stats().MaintenanceRunning {
		t.Fatal("maintenance still reported running after CancelAll")
	}
}

func TestMaintenanceRequiresRunner(t *testing.T) {
	s := newScheduler(t, nil, nil)
	if err := s.StartMaintenance(); err == nil {
		t.Fatal("expected error without maintenance runner")
	}
	if err := s.RunMaintenanceOnce(context.Background()); err == nil {
		t.Fatal("expected error without maintenance runner")
	}
}
