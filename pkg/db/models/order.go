package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/zonedispatch/pkg/enums"
)

// Order is a customer request moving through dispatch and the trip lifecycle.
type Order struct {
	ID               int64             `gorm:"column:id;primaryKey;autoIncrement"`
	CustomerID       int64             `gorm:"column:customer_id;not null"`
	Status           enums.OrderStatus `gorm:"column:status;type:text;not null;default:'new'"`
	Zone             *enums.Zone       `gorm:"column:zone;type:text"`
	PickupDistrict   *string           `gorm:"column:pickup_district"`
	PickupAddress    string            `gorm:"column:pickup_address;not null;default:''"`
	Destination      string            `gorm:"column:destination;not null;default:''"`
	Price            decimal.Decimal   `gorm:"column:price;type:numeric(10,2);not null;default:0"`
	AssignedDriverID *int64            `gorm:"column:assigned_driver_id"`
	IsBroadcast      bool              `gorm:"column:is_broadcast;not null;default:false"`
	ReservedDriverID *int64            `gorm:"column:reserved_driver_id"`
	ReserveExpiresAt *time.Time        `gorm:"column:reserve_expires_at"`
	DispatchedAt     *time.Time        `gorm:"column:dispatched_at"`
	EscalatedAt      *time.Time        `gorm:"column:escalated_at"`
	AcceptedAt       *time.Time        `gorm:"column:accepted_at"`
	ArrivedAt        *time.Time        `gorm:"column:arrived_at"`
	StartedAt        *time.Time        `gorm:"column:started_at"`
	FinishedAt       *time.Time        `gorm:"column:finished_at"`
	CancelledAt      *time.Time        `gorm:"column:cancelled_at"`
	ExpiredAt        *time.Time        `gorm:"column:expired_at"`
	CreatedAt        time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Order) TableName() string { return "orders" }

// IsEscalated reports whether the order's zone budget ran out and retries search globally.
func (o Order) IsEscalated() bool {
	return o.EscalatedAt != nil || o.Status == enums.OrderStatusFallback
}

// GlobalDeadline is the instant the order's zone-bounded search budget runs out.
func (o Order) GlobalDeadline(budget time.Duration) time.Time {
	start := o.CreatedAt
	if o.DispatchedAt != nil {
		start = *o.DispatchedAt
	}
	return start.Add(budget)
}

// IsAssignedTo reports whether driverID currently holds the offer or the match.
func (o Order) IsAssignedTo(driverID int64) bool {
	return o.AssignedDriverID != nil && *o.AssignedDriverID == driverID
}

// HasLiveReservation reports whether a reservation is recorded and not yet past its deadline.
func (o Order) HasLiveReservation(now time.Time) bool {
	return o.ReservedDriverID != nil && o.ReserveExpiresAt != nil && o.ReserveExpiresAt.After(now)
}
