package orders

import (
	"context"
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/db/models"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	"gorm.io/gorm"
)

// Repository defines persistence operations for the orders table.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) (*models.Order, error)
	FindByID(ctx context.Context, id int64) (*models.Order, error)
	ListWaiting(ctx context.Context, zone enums.Zone) ([]models.Order, error)
	ListOpen(ctx context.Context) ([]models.Order, error)
	Transition(ctx context.Context, id int64, guard Guard, updates map[string]any) (bool, error)
	ClearExpiredReservations(ctx context.Context, now time.Time) (int64, error)
	NormalizeLegacyStatuses(ctx context.Context) (int64, error)
}

// Guard is the precondition a conditional write must still satisfy in storage.
// Zero-valued fields are not checked.
type Guard struct {
	Statuses   []enums.OrderStatus
	AssignedTo *int64
	Unassigned bool
	ReservedBy *int64
	Unreserved bool
	Broadcast  *bool
}

func (g Guard) apply(q *gorm.DB) *gorm.DB {
	if len(g.Statuses) > 0 {
		q = q.Where("status IN ?", enums.StoredValues(g.Statuses...))
	}
	if g.AssignedTo != nil {
		q = q.Where("assigned_driver_id = ?", *g.AssignedTo)
	}
	if g.Unassigned {
		q = q.Where("assigned_driver_id IS NULL")
	}
	if g.ReservedBy != nil {
		q = q.Where("reserved_driver_id = ?", *g.ReservedBy)
	}
	if g.Unreserved {
		q = q.Where("reserved_driver_id IS NULL")
	}
	if g.Broadcast != nil {
		q = q.Where("is_broadcast = ?", *g.Broadcast)
	}
	return q
}
