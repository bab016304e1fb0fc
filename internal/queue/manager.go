package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	"github.com/angelmondragon/zonedispatch/pkg/logger"
	"gorm.io/gorm"
)

// Source is the durable driver state the in-memory queues mirror.
type Source interface {
	FindByID(ctx context.Context, id int64) (*models.Driver, error)
	ListAvailable(ctx context.Context, zone *enums.Zone) ([]models.Driver, error)
}

// LengthRecorder receives queue length updates per zone.
type LengthRecorder interface {
	SetQueueLength(zone string, length int)
}

type entry struct {
	driverID    int64
	onlineSince time.Time
}

// Manager keeps one FIFO of available drivers per zone, ordered by online_since.
// The store stays authoritative: every dequeue re-validates and Rebuild repopulates.
type Manager struct {
	mu      sync.Mutex
	queues  map[enums.Zone][]entry
	zoneOf  map[int64]enums.Zone
	source  Source
	logg    *logger.Logger
	lengths LengthRecorder
}

type ManagerParams struct {
	Source  Source
	Logger  *logger.Logger
	Lengths LengthRecorder
}

func NewManager(params ManagerParams) (*Manager, error) {
	if params.Source == nil {
		return nil, errors.New("driver source required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	m := &Manager{
		queues:  make(map[enums.Zone][]entry, len(enums.Zones())),
		zoneOf:  make(map[int64]enums.Zone),
		source:  params.Source,
		logg:    params.Logger,
		lengths: params.Lengths,
	}
	for _, zone := range enums.Zones() {
		m.queues[zone] = nil
	}
	return m, nil
}

// Add places the driver in zone at the slot its online_since earns, removing it from
// any other zone first. Re-adding to the zone it already occupies is a no-op.
func (m *Manager) Add(ctx context.Context, driverID int64, zone enums.Zone, onlineSince time.Time) error {
	if !zone.IsValid() {
		return fmt.Errorf("zone %q cannot hold a queue", zone)
	}

	m.mu.Lock()
	if current, ok := m.zoneOf[driverID]; ok && current == zone {
		m.mu.Unlock()
		return nil
	}
	previous, moved := m.removeLocked(driverID)
	m.insertLocked(zone, entry{driverID: driverID, onlineSince: onlineSince})
	position := m.positionLocked(driverID)
	m.mu.Unlock()

	if moved {
		m.publish(previous)
	}
	m.publish(zone)

	ctx = m.logg.WithFields(ctx, map[string]any{"driver_id": driverID, "zone": zone, "position": position})
	m.logg.Info(ctx, "driver queued")
	return nil
}

// Remove drops the driver from whichever queue holds it.
func (m *Manager) Remove(ctx context.Context, driverID int64) {
	m.mu.Lock()
	zone, ok := m.removeLocked(driverID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.publish(zone)
	ctx = m.logg.WithFields(ctx, map[string]any{"driver_id": driverID, "zone": zone})
	m.logg.Info(ctx, "driver dequeued")
}

// SwitchZone moves the driver to zone. No-op when it already waits there.
func (m *Manager) SwitchZone(ctx context.Context, driverID int64, zone enums.Zone, onlineSince time.Time) error {
	return m.Add(ctx, driverID, zone, onlineSince)
}

// Position returns the 1-based index of the driver in its current zone queue.
func (m *Manager) Position(driverID int64) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.positionLocked(driverID)
	return pos, pos > 0
}

// ZoneOf returns the zone whose queue holds the driver.
func (m *Manager) ZoneOf(driverID int64) (enums.Zone, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	zone, ok := m.zoneOf[driverID]
	return zone, ok
}

// Counts returns the number of queued drivers per zone.
func (m *Manager) Counts() map[enums.Zone]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[enums.Zone]int, len(m.queues))
	for zone, q := range m.queues {
		out[zone] = len(q)
	}
	return out
}

// Snapshot returns the queued driver ids of zone, head first.
func (m *Manager) Snapshot(zone enums.Zone) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return idsOf(m.queues[zone])
}

// NextEligible returns the first queued driver of zone that the store still reports as
// ONLINE in that zone with no pending offer. Stale entries are dropped on the way. When a
// pass finds nobody the zone is rebuilt from the store and scanned once more.
func (m *Manager) NextEligible(ctx context.Context, zone enums.Zone) (int64, bool, error) {
	if !zone.IsValid() {
		return 0, false, nil
	}

	driverID, ok, err := m.scan(ctx, zone)
	if err != nil || ok {
		return driverID, ok, err
	}

	ctx = m.logg.WithZone(ctx, zone.String())
	m.logg.Warn(ctx, "zone queue exhausted, resynchronizing from store")
	if err := m.RebuildZone(ctx, zone); err != nil {
		return 0, false, err
	}

	driverID, ok, err = m.scan(ctx, zone)
	if err != nil || ok {
		return driverID, ok, err
	}

	m.logGlobalAvailability(ctx)
	return 0, false, nil
}

func (m *Manager) scan(ctx context.Context, zone enums.Zone) (int64, bool, error) {
	m.mu.Lock()
	candidates := idsOf(m.queues[zone])
	m.mu.Unlock()

	for _, id := range candidates {
		driver, err := m.source.FindByID(ctx, id)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, fmt.Errorf("validate queued driver %d: %w", id, err)
		}
		if driver != nil && err == nil && driver.IsAvailable() && driver.Zone == zone {
			return id, true, nil
		}
		m.dropStale(ctx, id, zone, driver)
	}
	return 0, false, nil
}

func (m *Manager) dropStale(ctx context.Context, driverID int64, zone enums.Zone, driver *models.Driver) {
	m.mu.Lock()
	if current, ok := m.zoneOf[driverID]; !ok || current != zone {
		m.mu.Unlock()
		return
	}
	m.removeLocked(driverID)
	m.mu.Unlock()
	m.publish(zone)

	fields := map[string]any{"driver_id": driverID, "zone": zone}
	if driver == nil {
		fields["reason"] = "missing"
	} else {
		fields["status"] = driver.Status
		fields["driver_zone"] = driver.Zone
		fields["pending_order_id"] = driver.PendingOrderID
	}
	m.logg.Warn(m.logg.WithFields(ctx, fields), "dropped stale queue entry")
}

func (m *Manager) logGlobalAvailability(ctx context.Context) {
	all, err := m.source.ListAvailable(ctx, nil)
	if err != nil {
		m.logg.Error(ctx, "list available drivers", err)
		return
	}
	m.logg.Warn(m.logg.WithField(ctx, "available_globally", len(all)), "no eligible driver in zone after resync")
}

// AllOnlineGlobally returns every available driver across all zones, oldest online_since
// first, straight from the store.
func (m *Manager) AllOnlineGlobally(ctx context.Context) ([]models.Driver, error) {
	list, err := m.source.ListAvailable(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list available drivers: %w", err)
	}
	return list, nil
}

// Rebuild repopulates every zone queue from the store.
func (m *Manager) Rebuild(ctx context.Context) error {
	list, err := m.source.ListAvailable(ctx, nil)
	if err != nil {
		return fmt.Errorf("list available drivers: %w", err)
	}

	queues := make(map[enums.Zone][]entry, len(enums.Zones()))
	zoneOf := make(map[int64]enums.Zone, len(list))
	for _, zone := range enums.Zones() {
		queues[zone] = nil
	}
	for _, driver := range list {
		if !driver.Zone.IsValid() || driver.OnlineSince == nil {
			continue
		}
		queues[driver.Zone] = append(queues[driver.Zone], entry{driverID: driver.ID, onlineSince: *driver.OnlineSince})
		zoneOf[driver.ID] = driver.Zone
	}
	for zone := range queues {
		sortEntries(queues[zone])
	}

	m.mu.Lock()
	m.queues = queues
	m.zoneOf = zoneOf
	m.mu.Unlock()

	for _, zone := range enums.Zones() {
		m.publish(zone)
	}
	m.logg.Info(m.logg.WithField(ctx, "drivers", len(zoneOf)), "zone queues rebuilt")
	return nil
}

// RebuildZone repopulates one zone queue from the store.
func (m *Manager) RebuildZone(ctx context.Context, zone enums.Zone) error {
	if !zone.IsValid() {
		return nil
	}
	list, err := m.source.ListAvailable(ctx, &zone)
	if err != nil {
		return fmt.Errorf("list available drivers in %s: %w", zone, err)
	}

	m.mu.Lock()
	for _, e := range m.queues[zone] {
		if m.zoneOf[e.driverID] == zone {
			delete(m.zoneOf, e.driverID)
		}
	}
	m.queues[zone] = nil
	for _, driver := range list {
		if driver.OnlineSince == nil {
			continue
		}
		m.removeLocked(driver.ID)
		m.queues[zone] = append(m.queues[zone], entry{driverID: driver.ID, onlineSince: *driver.OnlineSince})
		m.zoneOf[driver.ID] = zone
	}
	sortEntries(m.queues[zone])
	size := len(m.queues[zone])
	m.mu.Unlock()

	m.publish(zone)
	m.logg.Info(m.logg.WithFields(ctx, map[string]any{"zone": zone, "drivers": size}), "zone queue rebuilt")
	return nil
}

func (m *Manager) removeLocked(driverID int64) (enums.Zone, bool) {
	zone, ok := m.zoneOf[driverID]
	if !ok {
		return "", false
	}
	q := m.queues[zone]
	for i, e := range q {
		if e.driverID == driverID {
			m.queues[zone] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	delete(m.zoneOf, driverID)
	return zone, true
}

func (m *Manager) insertLocked(zone enums.Zone, e entry) {
	q := m.queues[zone]
	idx := sort.Search(len(q), func(i int) bool {
		return q[i].onlineSince.After(e.onlineSince)
	})
	q = append(q, entry{})
	copy(q[idx+1:], q[idx:])
	q[idx] = e
	m.queues[zone] = q
	m.zoneOf[e.driverID] = zone
}

func (m *Manager) positionLocked(driverID int64) int {
	zone, ok := m.zoneOf[driverID]
	if !ok {
		return 0
	}
	for i, e := range m.queues[zone] {
		if e.driverID == driverID {
			return i + 1
		}
	}
	return 0
}

func (m *Manager) publish(zone enums.Zone) {
	if m.lengths == nil {
		return
	}
	m.mu.Lock()
	size := len(m.queues[zone])
	m.mu.Unlock()
	m.lengths.SetQueueLength(zone.String(), size)
}

func sortEntries(q []entry) {
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].onlineSince.Equal(q[j].onlineSince) {
			return q[i].driverID < q[j].driverID
		}
		return q[i].onlineSince.Before(q[j].onlineSince)
	})
}

func idsOf(q []entry) []int64 {
	out := make([]int64, len(q))
	for i, e := range q {
		out[i] = e.driverID
	}
	return out
}
