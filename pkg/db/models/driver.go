package models

import (
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/enums"
)

// Driver is the durable record behind a worker's queue membership and offer state.
type Driver struct {
	ID                 int64              `gorm:"column:id;primaryKey;autoIncrement"`
	Name               string             `gorm:"column:name;not null;default:''"`
	Status             enums.DriverStatus `gorm:"column:status;type:text;not null;default:'offline'"`
	Zone               enums.Zone         `gorm:"column:zone;type:text;not null;default:'NONE'"`
	OnlineSince        *time.Time         `gorm:"column:online_since"`
	PendingOrderID     *int64             `gorm:"column:pending_order_id"`
	PendingUntil       *time.Time         `gorm:"column:pending_until"`
	NextFinishZone     *string            `gorm:"column:next_finish_zone"`
	ETAToFinishMinutes *int               `gorm:"column:eta_to_finish_minutes"`
	CreatedAt          time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (Driver) TableName() string { return "drivers" }

// IsAvailable reports whether the driver may sit in a zone queue right now.
func (d Driver) IsAvailable() bool {
	return d.Status == enums.DriverStatusOnline && d.PendingOrderID == nil
}

// HoldsOffer reports whether the driver is still answering the offer of orderID whose
// response deadline was until.
func (d Driver) HoldsOffer(orderID int64, until time.Time) bool {
	return d.Status == enums.DriverStatusPendingAcceptance &&
		d.PendingOrderID != nil && *d.PendingOrderID == orderID &&
		d.PendingUntil != nil && d.PendingUntil.Equal(until)
}
