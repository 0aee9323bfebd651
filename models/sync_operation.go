package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Queued operation kinds
const (
	OpRecognize    = "recognize"
	OpResolve      = "resolve"
	OpPushCalories = "push-calories"
	OpPullBurned   = "pull-burned"
)

// Queue statuses
const (
	OpPending = "pending"
	OpDead    = "dead" // dead-lettered, only explicit user retry/discard
)

// SyncOperation is one unit of deferred work absorbed by the offline queue.
// Operations replay FIFO per user in creation order so causal order holds
// (a resolve for food X runs before a later push referencing it).
type SyncOperation struct {
	gorm.Model
	UserID      uint            `gorm:"index;not null"`
	Kind        string          `gorm:"size:16;not null"`
	Payload     json.RawMessage `gorm:"type:text"`
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time `gorm:"index"`
	Status      string    `gorm:"size:8;index;not null;default:'pending'"`
	LastError   string    `gorm:"type:text"`
}
