package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/logger"
)

// ErrClosed is returned when scheduling after CancelAll.
var ErrClosed = errors.New("scheduler closed")

// WorkerCallback fires when a driver's response window elapses.
type WorkerCallback func(ctx context.Context, driverID, orderID int64)

// OrderCallback fires when an order-level window elapses.
type OrderCallback func(ctx context.Context, orderID int64)

// Timer is the cancellation handle of a pending callback.
type Timer interface {
	Stop() bool
}

// AfterFunc arms f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Maintenance is the recurring job loop the scheduler owns.
type Maintenance interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context) error
}

// Stats summarizes live timers.
type Stats struct {
	WorkerTimers       int  `json:"worker_timers"`
	OrderTimers        int  `json:"order_timers"`
	MaintenanceRunning bool `json:"maintenance_running"`
}

type handle struct {
	id    uint64
	timer Timer
}

// Scheduler holds at most one live timer per driver key and one per order key.
// Scheduling under a live key stops and replaces the previous timer.
type Scheduler struct {
	mu     sync.Mutex
	seq    uint64
	closed bool

	workers map[int64]handle
	orders  map[int64]handle

	afterFunc AfterFunc
	logg      *logger.Logger

	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	maintenance Maintenance
	maintStop   context.CancelFunc
	maintDone   chan struct{}
}

type Params struct {
	Logger      *logger.Logger
	Maintenance Maintenance
	AfterFunc   AfterFunc
}

func New(params Params) (*Scheduler, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	afterFunc := params.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		workers:     make(map[int64]handle),
		orders:      make(map[int64]handle),
		afterFunc:   afterFunc,
		logg:        params.Logger,
		baseCtx:     ctx,
		cancel:      cancel,
		maintenance: params.Maintenance,
	}, nil
}

// ScheduleWorkerTimeout arms the response timer for driverID, replacing any live one.
func (s *Scheduler) ScheduleWorkerTimeout(driverID, orderID int64, d time.Duration, cb WorkerCallback) error {
	if cb == nil {
		return errors.New("callback required")
	}
	return s.schedule(s.workers, driverID, d, func(ctx context.Context) {
		cb(ctx, driverID, orderID)
	})
}

// ScheduleOrderTimeout arms the order-level timer for orderID, replacing any live one.
func (s *Scheduler) ScheduleOrderTimeout(orderID int64, d time.Duration, cb OrderCallback) error {
	if cb == nil {
		return errors.New("callback required")
	}
	return s.schedule(s.orders, orderID, d, func(ctx context.Context) {
		cb(ctx, orderID)
	})
}

// CancelWorkerTimeout stops the live timer for driverID. False when none was live.
func (s *Scheduler) CancelWorkerTimeout(driverID int64) bool {
	return s.cancelKey(s.workers, driverID)
}

// CancelOrderTimeout stops the live timer for orderID. False when none was live.
func (s *Scheduler) CancelOrderTimeout(orderID int64) bool {
	return s.cancelKey(s.orders, orderID)
}

func (s *Scheduler) HasWorkerTimeout(driverID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[driverID]
	return ok
}

func (s *Scheduler) HasOrderTimeout(orderID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.orders[orderID]
	return ok
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		WorkerTimers:       len(s.workers),
		OrderTimers:        len(s.orders),
		MaintenanceRunning: s.maintDone != nil,
	}
}

func (s *Scheduler) schedule(table map[int64]handle, key int64, d time.Duration, run func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if prev, ok := table[key]; ok {
		prev.timer.Stop()
		delete(table, key)
	}
	s.seq++
	id := s.seq
	timer := s.afterFunc(d, func() { s.fire(table, key, id, run) })
	table[key] = handle{id: id, timer: timer}
	return nil
}

// fire runs the callback only if the timer that armed it is still the live one for key.
func (s *Scheduler) fire(table map[int64]handle, key int64, id uint64, run func(ctx context.Context)) {
	s.mu.Lock()
	current, ok := table[key]
	if !ok || current.id != id {
		s.mu.Unlock()
		return
	}
	delete(table, key)
	s.inflight.Add(1)
	ctx := s.baseCtx
	s.mu.Unlock()

	defer s.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logg.Error(s.logg.WithField(ctx, "timer_key", key), "timer callback panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	run(ctx)
}

func (s *Scheduler) cancelKey(table map[int64]handle, key int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := table[key]
	if !ok {
		return false
	}
	delete(table, key)
	current.timer.Stop()
	return true
}

// StartMaintenance launches the maintenance loop. Calling it twice is a no-op.
func (s *Scheduler) StartMaintenance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.maintenance == nil {
		return errors.New("maintenance runner not configured")
	}
	if s.maintDone != nil {
		return nil
	}
	ctx, stop := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.maintStop = stop
	s.maintDone = done

	go func() {
		defer close(done)
		if err := s.maintenance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logg.Error(ctx, "maintenance loop exited", err)
		}
	}()
	return nil
}

// RunMaintenanceOnce runs a single maintenance cycle synchronously.
func (s *Scheduler) RunMaintenanceOnce(ctx context.Context) error {
	if s.maintenance == nil {
		return errors.New("maintenance runner not configured")
	}
	return s.maintenance.RunOnce(ctx)
}

// CancelAll stops every live timer and the maintenance loop, then waits for in-flight
// callbacks and the loop goroutine to return. Later schedule calls fail with ErrClosed.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	workers, orders := len(s.workers), len(s.orders)
	for key, h := range s.workers {
		h.timer.Stop()
		delete(s.workers, key)
	}
	for key, h := range s.orders {
		h.timer.Stop()
		delete(s.orders, key)
	}
	stop, done := s.maintStop, s.maintDone
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.cancel()
	if done != nil {
		<-done
	}
	s.inflight.Wait()

	s.mu.Lock()
	s.maintStop, s.maintDone = nil, nil
	s.mu.Unlock()

	s.logg.Info(s.logg.WithFields(context.Background(), map[string]any{
		"worker_timers": workers,
		"order_timers":  orders,
	}), "scheduler stopped")
}
