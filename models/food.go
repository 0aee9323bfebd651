package models

import (
	"time"

	"gorm.io/gorm"
)

// NutritionCacheRecord caches a resolved food-database record keyed by the
// external food ID. Values are per 100 g so quantity conversion stays local.
// A record is fresh while FetchedAt is within the resolver's TTL.
type NutritionCacheRecord struct {
	gorm.Model
	FoodID   string `gorm:"type:varchar(255);uniqueIndex;not null"`
	Label    string `gorm:"not null"`
	Category string

	// Grams of one serving, 0 when the database reports none.
	ServingGrams float64

	CaloriesPer100g float64
	ProteinPer100g  float64
	CarbsPer100g    float64
	FatPer100g      float64
	SodiumPer100g   float64
	SugarPer100g    float64

	FetchedAt time.Time `gorm:"index"`
}
