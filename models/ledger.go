package models

import (
	"time"

	"gorm.io/gorm"
)

// Entry sources
const (
	SourcePhoto   = "photo"
	SourceManual  = "manual"
	SourceBarcode = "barcode"
)

// Sync statuses
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "sync-failed"
)

// LedgerEntry is one logged food item. EntryUUID is client-generated and is
// the idempotency key: re-appending the same UUID is a no-op.
type LedgerEntry struct {
	gorm.Model
	EntryUUID string `gorm:"type:varchar(36);uniqueIndex;not null"`
	UserID    uint   `gorm:"index;not null"`
	// Calendar day "YYYY-MM-DD" in the user's timezone at append time.
	Day string `gorm:"type:varchar(10);index;not null"`

	FoodID    string // external food database ID, empty for manual entries
	FoodLabel string
	Quantity  float64
	Unit      string `gorm:"size:16"` // "g" | "serving"

	// Nutrition snapshot in absolute values. Copied, never a live reference,
	// so later catalog edits don't retroactively alter history.
	Calories float64
	Protein  float64
	Carbs    float64
	Fat      float64
	Sodium   float64
	Sugar    float64

	Source     string    `gorm:"size:16;not null"`
	SyncStatus string    `gorm:"size:16;index;not null;default:'pending'"`
	Deleted    bool      `gorm:"index;default:false"` // tombstone, kept until sync propagates
	ConsumedAt time.Time
	ModifiedAt time.Time
}

// DailyTotal is the derived sum over a day's non-tombstoned entries. It is
// always recomputed on read, never trusted from storage.
type DailyTotal struct {
	Day      string  `json:"day"`
	Entries  int     `json:"entries"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Sodium   float64 `json:"sodium"`
	Sugar    float64 `json:"sugar"`
}

func (t *DailyTotal) Add(e *LedgerEntry) {
	t.Entries++
	t.Calories += e.Calories
	t.Protein += e.Protein
	t.Carbs += e.Carbs
	t.Fat += e.Fat
	t.Sodium += e.Sodium
	t.Sugar += e.Sugar
}
