package controllers

import (
	"errors"
	"net/http"
	"time"

	"backend/models"
	"backend/services"

	"github.com/gin-gonic/gin"
)

type LedgerController struct {
	Ledger *services.LedgerService
	Health *services.HealthSyncService
}

func NewLedgerController(ledger *services.LedgerService, health *services.HealthSyncService) *LedgerController {
	return &LedgerController{Ledger: ledger, Health: health}
}

type ManualEntryInput struct {
	EntryUUID  string  `json:"entry_uuid" binding:"required"`
	Label      string  `json:"label" binding:"required"`
	Quantity   float64 `json:"quantity" binding:"required"`
	Unit       string  `json:"unit"`
	Calories   float64 `json:"calories" binding:"required"`
	Protein    float64 `json:"protein"`
	Carbs      float64 `json:"carbs"`
	Fat        float64 `json:"fat"`
	Sodium     float64 `json:"sodium"`
	Sugar      float64 `json:"sugar"`
	Source     string  `json:"source"`
	ConsumedAt string  `json:"consumed_at"`
}

// CreateEntry is the manual fallback: the user supplies nutrition directly,
// bypassing recognition and resolution entirely.
func (lc *LedgerController) CreateEntry(c *gin.Context) {
	uid := c.GetUint("userID")

	var input ManualEntryInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := input.Source
	if source == "" {
		source = models.SourceManual
	}
	consumedAt := time.Now()
	if input.ConsumedAt != "" {
		if t, err := time.Parse(time.RFC3339, input.ConsumedAt); err == nil {
			consumedAt = t
		}
	}
	unit := input.Unit
	if unit == "" {
		unit = "serving"
	}

	entry, err := lc.Ledger.Append(uid, services.NewEntry{
		EntryUUID:  input.EntryUUID,
		Source:     source,
		ConsumedAt: consumedAt,
		Nutrition: services.ResolvedNutrition{
			Label:    input.Label,
			Quantity: input.Quantity,
			Unit:     unit,
			Calories: input.Calories,
			Protein:  input.Protein,
			Carbs:    input.Carbs,
			Fat:      input.Fat,
			Sodium:   input.Sodium,
			Sugar:    input.Sugar,
		},
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ListEntries returns the day's non-tombstoned entries in creation order.
func (lc *LedgerController) ListEntries(c *gin.Context) {
	uid := c.GetUint("userID")
	day := c.Query("date")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}

	entries, err := lc.Ledger.EntriesForDay(uid, day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "entries": entries})
}

type EditEntryInput struct {
	Quantity       *float64 `json:"quantity"`
	Calories       *float64 `json:"calories"`
	Protein        float64  `json:"protein"`
	Carbs          float64  `json:"carbs"`
	Fat            float64  `json:"fat"`
	Sodium         float64  `json:"sodium"`
	Sugar          float64  `json:"sugar"`
	Label          string   `json:"label"`
	BaseModifiedAt string   `json:"base_modified_at"`
}

// UpdateEntry edits quantity or the whole nutrition snapshot. The entry UUID
// stays stable; the entry returns to pending-sync.
func (lc *LedgerController) UpdateEntry(c *gin.Context) {
	uid := c.GetUint("userID")
	entryUUID := c.Param("uuid")

	var input EditEntryInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	upd := services.EntryUpdate{Quantity: input.Quantity}
	if input.BaseModifiedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, input.BaseModifiedAt); err == nil {
			upd.BaseModifiedAt = t
		}
	}
	if input.Calories != nil {
		existing, err := lc.Ledger.Get(uid, entryUUID)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		n := services.ResolvedNutrition{
			FoodID:   existing.FoodID,
			Label:    existing.FoodLabel,
			Quantity: existing.Quantity,
			Unit:     existing.Unit,
			Calories: *input.Calories,
			Protein:  input.Protein,
			Carbs:    input.Carbs,
			Fat:      input.Fat,
			Sodium:   input.Sodium,
			Sugar:    input.Sugar,
		}
		if input.Label != "" {
			n.Label = input.Label
		}
		if input.Quantity != nil {
			n.Quantity = *input.Quantity
		}
		upd.Quantity = nil
		upd.Nutrition = &n
	}

	entry, err := lc.Ledger.Edit(uid, entryUUID, upd)
	if err != nil && !errors.Is(err, services.ErrConflictingEdit) {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entry":    entry,
		"conflict": errors.Is(err, services.ErrConflictingEdit),
	})
}

// DeleteEntry tombstones the entry; totals exclude it immediately.
func (lc *LedgerController) DeleteEntry(c *gin.Context) {
	uid := c.GetUint("userID")
	entryUUID := c.Param("uuid")

	if err := lc.Ledger.Remove(uid, entryUUID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "entry removed"})
}

// DailyTotal recomputes the day's total from its entries.
func (lc *LedgerController) DailyTotal(c *gin.Context) {
	uid := c.GetUint("userID")
	day := c.Query("date")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}

	total, err := lc.Ledger.DailyTotal(uid, day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, total)
}

// NetCalories returns consumed minus burned for the day.
func (lc *LedgerController) NetCalories(c *gin.Context) {
	uid := c.GetUint("userID")
	day := c.Query("date")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}

	view, err := lc.Health.NetCalories(uid, day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}
