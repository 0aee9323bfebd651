package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// FoodMatch is one hint from the food database parser.
type FoodMatch struct {
	FoodID       string  `json:"food_id"`
	Label        string  `json:"label"`
	Category     string  `json:"category"`
	ServingGrams float64 `json:"serving_grams,omitempty"`
	// Score is filled in by the resolver, not the database.
	Score float64 `json:"score"`
}

// EdamamService talks to the Edamam food database. Credentials and base URL
// are injected; the service holds no other state.
type EdamamService struct {
	foodAppID, foodAppKey   string
	nutriAppID, nutriAppKey string
	baseURL                 string
	client                  *http.Client
}

func NewEdamamService(baseURL, foodAppID, foodAppKey, nutriAppID, nutriAppKey string) *EdamamService {
	return &EdamamService{
		foodAppID:   foodAppID,
		foodAppKey:  foodAppKey,
		nutriAppID:  nutriAppID,
		nutriAppKey: nutriAppKey,
		baseURL:     baseURL,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

type foodParserResponse struct {
	Hints []struct {
		Food struct {
			FoodID   string `json:"foodId"`
			Label    string `json:"label"`
			Category string `json:"category"`
		} `json:"food"`
		Measures []struct {
			URI    string  `json:"uri"`
			Label  string  `json:"label"`
			Weight float64 `json:"weight"`
		} `json:"measures"`
	} `json:"hints"`
}

const (
	measureGramURI    = "http://www.edamam.com/ontologies/edamam.owl#Measure_gram"
	measureServingURI = "http://www.edamam.com/ontologies/edamam.owl#Measure_serving"
)

// SearchFoods calls the parser endpoint. Transport and server failures map to
// ErrNutritionUnavailable; an empty hint list is a valid response the
// resolver turns into NotFound.
func (s *EdamamService) SearchFoods(ctx context.Context, query string) ([]FoodMatch, error) {
	u := fmt.Sprintf(
		"%s/api/food-database/v2/parser?ingr=%s&app_id=%s&app_key=%s",
		s.baseURL, url.QueryEscape(query), s.foodAppID, s.foodAppKey,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build parser request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: parser call: %v", ErrNutritionUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read parser response: %v", ErrNutritionUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: parser API error %d: %s", ErrNutritionUnavailable, resp.StatusCode, string(body))
	}

	var pr foodParserResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("parse parser JSON: %w", err)
	}

	results := make([]FoodMatch, 0, len(pr.Hints))
	for _, h := range pr.Hints {
		m := FoodMatch{
			FoodID:   h.Food.FoodID,
			Label:    h.Food.Label,
			Category: h.Food.Category,
		}
		for _, meas := range h.Measures {
			if meas.URI == measureServingURI || meas.Label == "Serving" {
				m.ServingGrams = meas.Weight
				break
			}
		}
		results = append(results, m)
	}
	return results, nil
}

type nutrientsResponse struct {
	TotalNutrients map[string]struct {
		Quantity float64 `json:"quantity"`
	} `json:"totalNutrients"`
}

// Nutrients calls the nutrients endpoint for a quantity of a food in grams
// and returns the flattened nutrient map.
func (s *EdamamService) Nutrients(ctx context.Context, foodID string, grams float64) (map[string]float64, error) {
	payload := map[string]interface{}{
		"ingredients": []map[string]interface{}{{
			"quantity":   grams,
			"measureURI": measureGramURI,
			"foodId":     foodID,
		}},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal nutrients payload: %w", err)
	}

	u := fmt.Sprintf(
		"%s/api/food-database/v2/nutrients?app_id=%s&app_key=%s",
		s.baseURL, s.nutriAppID, s.nutriAppKey,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build nutrients request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: nutrients call: %v", ErrNutritionUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read nutrients response: %v", ErrNutritionUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: food %s", ErrRecordNotFound, foodID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: nutrients API error %d: %s", ErrNutritionUnavailable, resp.StatusCode, string(body))
	}

	var nr nutrientsResponse
	if err := json.Unmarshal(body, &nr); err != nil {
		return nil, fmt.Errorf("parse nutrients JSON: %w", err)
	}

	nut := make(map[string]float64, len(nr.TotalNutrients))
	for k, v := range nr.TotalNutrients {
		nut[k] = v.Quantity
	}
	return nut, nil
}
