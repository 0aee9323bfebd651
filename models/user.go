package models

import (
	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	Email    string `gorm:"uniqueIndex;not null"`
	Password string `gorm:"not null"`
	FullName string
	// IANA zone name, e.g. "Europe/Zurich". Ledger days are computed in this
	// zone at append time so a later timezone change never moves history.
	Timezone string `gorm:"size:64;default:'UTC'"`
	// Opaque access token for the external health platform.
	HealthToken string
}
