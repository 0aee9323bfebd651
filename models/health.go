package models

import (
	"time"

	"gorm.io/gorm"
)

// Health sample kinds pulled from the platform store.
const (
	SampleBurned = "burned" // kcal burned
	SampleWeight = "weight" // kg
)

// HealthSample is a read-only value pulled from the external health platform.
// Samples feed the derived net-calories view and never mutate ledger entries.
type HealthSample struct {
	gorm.Model
	UserID   uint   `gorm:"index;not null"`
	Day      string `gorm:"type:varchar(10);index;not null"`
	Kind     string `gorm:"size:8;not null"`
	Value    float64
	PulledAt time.Time
}
