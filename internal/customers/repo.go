package customers

import (
	"context"
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"gorm.io/gorm"
)

// Repository defines persistence operations for customer penalty records.
type Repository interface {
	Create(ctx context.Context, customer *models.Customer) (*models.Customer, error)
	FindByID(ctx context.Context, id int64) (*models.Customer, error)
	ClearWarningsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a customers repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, customer *models.Customer) (*models.Customer, error) {
	if err := r.db.WithContext(ctx).Create(customer).Error; err != nil {
		return nil, err
	}
	return customer, nil
}

func (r *repository) FindByID(ctx context.Context, id int64) (*models.Customer, error) {
	var customer models.Customer
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// ClearWarningsBefore resets warnings last issued before cutoff. Banned customers keep theirs.
func (r *repository) ClearWarningsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Customer{}).
		Where("is_banned = ?", false).
		Where("warning_count > 0").
		Where("last_warning_at IS NOT NULL").
		Where("last_warning_at < ?", cutoff).
		Updates(map[string]any{
			"warning_count":   0,
			"last_warning_at": nil,
		})
	return res.RowsAffected, res.Error
}
