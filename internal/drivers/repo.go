package drivers

import (
	"context"
	"sort"

	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds a drivers repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, driver *models.Driver) (*models.Driver, error) {
	if err := r.db.WithContext(ctx).Create(driver).Error; err != nil {
		return nil, err
	}
	return driver, nil
}

func (r *repository) FindByID(ctx context.Context, id int64) (*models.Driver, error) {
	var driver models.Driver
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&driver).Error; err != nil {
		return nil, err
	}
	return &driver, nil
}

// ListAvailable returns ONLINE drivers without a pending offer, oldest online_since first.
// A nil zone lists every queueable zone.
func (r *repository) ListAvailable(ctx context.Context, zone *enums.Zone) ([]models.Driver, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", enums.DriverStatusOnline).
		Where("pending_order_id IS NULL").
		Where("online_since IS NOT NULL")
	if zone != nil {
		q = q.Where("zone = ?", *zone)
	} else {
		zones := make([]string, 0, len(enums.Zones()))
		for _, z := range enums.Zones() {
			zones = append(zones, string(z))
		}
		q = q.Where("zone IN ?", zones)
	}

	var out []models.Driver
	if err := q.Order("online_since ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	sortByOnlineSince(out)
	return out, nil
}

// ListFree returns every ONLINE driver without a pending offer, whatever its zone or queue
// state.
func (r *repository) ListFree(ctx context.Context) ([]models.Driver, error) {
	var out []models.Driver
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.DriverStatusOnline).
		Where("pending_order_id IS NULL").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListConverging returns BUSY drivers finishing in district within maxETAMinutes.
func (r *repository) ListConverging(ctx context.Context, district string, maxETAMinutes int) ([]models.Driver, error) {
	var out []models.Driver
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.DriverStatusBusy).
		Where("next_finish_zone = ?", district).
		Where("eta_to_finish_minutes IS NOT NULL AND eta_to_finish_minutes <= ?", maxETAMinutes).
		Order("eta_to_finish_minutes ASC").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) ListByStatus(ctx context.Context, status enums.DriverStatus) ([]models.Driver, error) {
	var out []models.Driver
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Transition applies updates only when the row still satisfies guard and reports
// whether a row changed.
func (r *repository) Transition(ctx context.Context, id int64, guard Guard, updates map[string]any) (bool, error) {
	q := guard.apply(r.db.WithContext(ctx).Model(&models.Driver{}).Where("id = ?", id))
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func sortByOnlineSince(list []models.Driver) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].OnlineSince, list[j].OnlineSince
		if a.Equal(*b) {
			return list[i].ID < list[j].ID
		}
		return a.Before(*b)
	})
}
