package drivers

import (
	"context"

	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	"gorm.io/gorm"
)

// Repository defines persistence operations for the drivers table.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, driver *models.Driver) (*models.Driver, error)
	FindByID(ctx context.Context, id int64) (*models.Driver, error)
	ListAvailable(ctx context.Context, zone *enums.Zone) ([]models.Driver, error)
	ListFree(ctx context.Context) ([]models.Driver, error)
	ListConverging(ctx context.Context, district string, maxETAMinutes int) ([]models.Driver, error)
	ListByStatus(ctx context.Context, status enums.DriverStatus) ([]models.Driver, error)
	Transition(ctx context.Context, id int64, guard Guard, updates map[string]any) (bool, error)
}

// Guard is the precondition a conditional write must still satisfy in storage.
// Zero-valued fields are not checked.
type Guard struct {
	Statuses       []enums.DriverStatus
	PendingOrderID *int64
	NoPendingOrder bool
}

func (g Guard) apply(q *gorm.DB) *gorm.DB {
	if len(g.Statuses) > 0 {
		values := make([]string, 0, len(g.Statuses))
		for _, status := range g.Statuses {
			values = append(values, string(status))
		}
		q = q.Where("status IN ?", values)
	}
	if g.PendingOrderID != nil {
		q = q.Where("pending_order_id = ?", *g.PendingOrderID)
	}
	if g.NoPendingOrder {
		q = q.Where("pending_order_id IS NULL")
	}
	return q
}
