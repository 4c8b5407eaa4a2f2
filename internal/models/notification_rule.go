package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NotificationRule maps a trigger event type to a category, channel
// sequence and approval requirement, scoped to one school.
type NotificationRule struct {
	gorm.Model

	SchoolID         uint           `gorm:"not null;index"`
	EventType        string         `gorm:"not null;index"`
	Category         string         `gorm:"not null"`
	DefaultChannel   string         `gorm:"not null"`
	Channels         datatypes.JSON `gorm:"type:jsonb"` // ordered optional channels after the default
	RequiresApproval bool           `gorm:"default:false"`
	Enabled          bool           `gorm:"default:false"` // school-level flag; ignored for emergencies
	HonorOptOut      bool           `gorm:"default:true"`
}

// CategorySetting is the per-school enable flag for a category, overriding
// the policy default.
type CategorySetting struct {
	gorm.Model

	SchoolID uint   `gorm:"not null;uniqueIndex:idx_school_category"`
	Category string `gorm:"not null;uniqueIndex:idx_school_category"`
	Enabled  bool   `gorm:"default:false"`
}
