package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"backend/models"

	"gorm.io/gorm"
)

// ResolveStatus tags the outcome of a resolution attempt so callers switch on
// a variant instead of nil-checking.
type ResolveStatus string

const (
	StatusResolved  ResolveStatus = "resolved"
	StatusAmbiguous ResolveStatus = "ambiguous"
	StatusNotFound  ResolveStatus = "not-found"
)

// Near-equal rule: the top two match scores within this relative fraction of
// each other means the resolver must not guess.
const ambiguityMargin = 0.05

// ResolvedNutrition is the final absolute snapshot for a quantity of food.
// The ledger stores these values verbatim.
type ResolvedNutrition struct {
	FoodID   string  `json:"food_id"`
	Label    string  `json:"label"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Sodium   float64 `json:"sodium"`
	Sugar    float64 `json:"sugar"`
}

// ResolveOutcome is the tagged result variant: exactly one of Nutrition
// (Resolved) or Candidates (Ambiguous) is populated; NotFound carries neither.
type ResolveOutcome struct {
	Status     ResolveStatus      `json:"status"`
	Nutrition  *ResolvedNutrition `json:"nutrition,omitempty"`
	Candidates []FoodMatch        `json:"candidates,omitempty"`
}

type ResolverService struct {
	db    *gorm.DB
	eda   *EdamamService
	ttl   time.Duration
	clock Clock
}

func NewResolverService(db *gorm.DB, eda *EdamamService, ttl time.Duration, clock Clock) *ResolverService {
	return &ResolverService{db: db, eda: eda, ttl: ttl, clock: clock}
}

// Resolve maps a recognized or typed food label to nutrition. Quantity in
// grams or servings is converted here, so the ledger never stores units that
// need later interpretation.
func (s *ResolverService) Resolve(ctx context.Context, label string, quantity float64, unit string) (*ResolveOutcome, error) {
	if quantity <= 0 {
		quantity = 1
		unit = "serving"
	}

	// Fresh cache hit by label avoids the network entirely.
	if rec := s.cachedByLabel(label); rec != nil {
		nut, err := s.fromRecord(rec, quantity, unit)
		if err != nil {
			return nil, err
		}
		return &ResolveOutcome{Status: StatusResolved, Nutrition: nut}, nil
	}

	matches, err := s.eda.SearchFoods(ctx, label)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &ResolveOutcome{Status: StatusNotFound}, nil
	}

	for i := range matches {
		matches[i].Score = scoreMatch(label, matches[i].Label)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	if isAmbiguous(matches) {
		return &ResolveOutcome{Status: StatusAmbiguous, Candidates: matches}, nil
	}

	nut, err := s.ResolveMatch(ctx, matches[0], quantity, unit)
	if err != nil {
		return nil, err
	}
	return &ResolveOutcome{Status: StatusResolved, Nutrition: nut}, nil
}

// ResolveMatch resolves a specific food-database match, e.g. after the user
// disambiguated an ambiguous set.
func (s *ResolverService) ResolveMatch(ctx context.Context, match FoodMatch, quantity float64, unit string) (*ResolvedNutrition, error) {
	rec := s.cachedByID(match.FoodID)
	if rec == nil {
		var err error
		rec, err = s.fetchRecord(ctx, match)
		if err != nil {
			return nil, err
		}
	}
	return s.fromRecord(rec, quantity, unit)
}

func (s *ResolverService) cachedByLabel(label string) *models.NutritionCacheRecord {
	var rec models.NutritionCacheRecord
	err := s.db.
		Where("LOWER(label) = ? AND fetched_at > ?", strings.ToLower(strings.TrimSpace(label)), s.freshCutoff()).
		First(&rec).Error
	if err != nil {
		return nil
	}
	return &rec
}

func (s *ResolverService) cachedByID(foodID string) *models.NutritionCacheRecord {
	var rec models.NutritionCacheRecord
	err := s.db.
		Where("food_id = ? AND fetched_at > ?", foodID, s.freshCutoff()).
		First(&rec).Error
	if err != nil {
		return nil
	}
	return &rec
}

func (s *ResolverService) freshCutoff() time.Time {
	return s.clock.Now().Add(-s.ttl)
}

// fetchRecord pulls the per-100g baseline from the food database and upserts
// the cache row.
func (s *ResolverService) fetchRecord(ctx context.Context, match FoodMatch) (*models.NutritionCacheRecord, error) {
	nut, err := s.eda.Nutrients(ctx, match.FoodID, 100)
	if err != nil {
		return nil, err
	}

	rec := &models.NutritionCacheRecord{
		FoodID:          match.FoodID,
		Label:           match.Label,
		Category:        match.Category,
		ServingGrams:    match.ServingGrams,
		CaloriesPer100g: nut["ENERC_KCAL"],
		ProteinPer100g:  nut["PROCNT"],
		CarbsPer100g:    nut["CHOCDF"],
		FatPer100g:      nut["FAT"],
		SodiumPer100g:   nut["NA"],
		SugarPer100g:    nut["SUGAR"],
		FetchedAt:       s.clock.Now(),
	}

	var existing models.NutritionCacheRecord
	if err := s.db.Where("food_id = ?", rec.FoodID).First(&existing).Error; err == nil {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		if err := s.db.Save(rec).Error; err != nil {
			return nil, fmt.Errorf("refresh cache record: %w", err)
		}
	} else if err := s.db.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create cache record: %w", err)
	}
	return rec, nil
}

// fromRecord converts a per-100g record into absolute values for the
// requested quantity.
func (s *ResolverService) fromRecord(rec *models.NutritionCacheRecord, quantity float64, unit string) (*ResolvedNutrition, error) {
	var grams float64
	switch unit {
	case "", "g", "gram", "grams":
		unit = "g"
		grams = quantity
	case "serving", "servings":
		unit = "serving"
		sg := rec.ServingGrams
		if sg <= 0 {
			sg = 100 // database reported no serving weight
		}
		grams = quantity * sg
	default:
		return nil, fmt.Errorf("unsupported unit %q", unit)
	}

	f := grams / 100
	return &ResolvedNutrition{
		FoodID:   rec.FoodID,
		Label:    rec.Label,
		Quantity: quantity,
		Unit:     unit,
		Calories: rec.CaloriesPer100g * f,
		Protein:  rec.ProteinPer100g * f,
		Carbs:    rec.CarbsPer100g * f,
		Fat:      rec.FatPer100g * f,
		Sodium:   rec.SodiumPer100g * f,
		Sugar:    rec.SugarPer100g * f,
	}, nil
}

// isAmbiguous applies the near-equal rule to a score-sorted match list.
func isAmbiguous(matches []FoodMatch) bool {
	if len(matches) < 2 {
		return false
	}
	top, second := matches[0].Score, matches[1].Score
	if top <= 0 {
		return true // nothing matched meaningfully, don't guess
	}
	return (top-second)/top <= ambiguityMargin
}

// scoreMatch rates how well a database label matches the queried label,
// 0..1. Exact match is 1; otherwise token overlap with a containment bonus.
func scoreMatch(query, label string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	l := strings.ToLower(strings.TrimSpace(label))
	if q == "" || l == "" {
		return 0
	}
	if q == l {
		return 1
	}

	qt := tokenSet(q)
	lt := tokenSet(l)
	inter := 0
	for tok := range qt {
		if _, ok := lt[tok]; ok {
			inter++
		}
	}
	union := len(qt) + len(lt) - inter
	score := float64(inter) / float64(union)

	if strings.Contains(l, q) || strings.Contains(q, l) {
		score += 0.1
	}
	if score > 0.99 {
		score = 0.99
	}
	return score
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}
