package orders

import (
	"context"
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

func (r *repository) FindByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// ListWaiting returns unassigned zone-mode orders still looking for a driver in zone,
// oldest first.
func (r *repository) ListWaiting(ctx context.Context, zone enums.Zone) ([]models.Order, error) {
	var out []models.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", enums.StoredValues(enums.OrderStatusNew)).
		Where("assigned_driver_id IS NULL").
		Where("is_broadcast = ?", false).
		Where("escalated_at IS NULL").
		Where("zone = ?", zone).
		Order("created_at ASC").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListOpen returns every order that dispatch has not finished with.
func (r *repository) ListOpen(ctx context.Context) ([]models.Order, error) {
	var out []models.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", enums.StoredValues(enums.OrderStatusNew, enums.OrderStatusAssigned, enums.OrderStatusFallback)).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transition applies updates only when the row still satisfies guard and reports
// whether a row changed.
func (r *repository) Transition(ctx context.Context, id int64, guard Guard, updates map[string]any) (bool, error) {
	q := guard.apply(r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id))
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClearExpiredReservations drops reservations whose deadline passed on orders still open
// for broadcast.
func (r *repository) ClearExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("status IN ?", enums.StoredValues(enums.OrderStatusNew)).
		Where("reserved_driver_id IS NOT NULL").
		Where("reserve_expires_at < ?", now).
		Updates(map[string]any{
			"reserved_driver_id": nil,
			"reserve_expires_at": nil,
		})
	return res.RowsAffected, res.Error
}

// NormalizeLegacyStatuses rewrites legacy status spellings to their canonical values.
func (r *repository) NormalizeLegacyStatuses(ctx context.Context) (int64, error) {
	var total int64
	for _, canonical := range []enums.OrderStatus{enums.OrderStatusNew, enums.OrderStatusOnboard, enums.OrderStatusFinished} {
		aliases := enums.LegacyAliases(canonical)
		if len(aliases) == 0 {
			continue
		}
		res := r.db.WithContext(ctx).
			Model(&models.Order{}).
			Where("status IN ?", aliases).
			Update("status", string(canonical))
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}
