package models

import "time"

// Customer carries the penalty bookkeeping the maintenance sweep ages out.
type Customer struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	WarningCount  int        `gorm:"column:warning_count;not null;default:0"`
	LastWarningAt *time.Time `gorm:"column:last_warning_at"`
	IsBanned      bool       `gorm:"column:is_banned;not null;default:false"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Customer) TableName() string { return "customers" }
