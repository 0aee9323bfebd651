package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"backend/models"

	"gorm.io/gorm"
)

// HealthSyncService propagates ledger deltas to the external health platform
// and pulls burned-calories and weight samples back. It only reads entries
// and writes sync status; nutrition content is never mutated here.
type HealthSyncService struct {
	db      *gorm.DB
	ledger  *LedgerService
	clock   Clock
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHealthSyncService(db *gorm.DB, ledger *LedgerService, clock Clock, baseURL, apiKey string) *HealthSyncService {
	return &HealthSyncService{
		db:      db,
		ledger:  ledger,
		clock:   clock,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type pushEntry struct {
	UUID     string  `json:"uuid"`
	Day      string  `json:"day"`
	Calories float64 `json:"calories"`
	Deleted  bool    `json:"deleted"`
}

type pushResponse struct {
	Results []struct {
		UUID     string `json:"uuid"`
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	} `json:"results"`
}

// PushResult reports the per-entry outcome of one push. Partial success is a
// first-class outcome: the accepted subset is synced, the rejected subset is
// sync-failed, and neither blocks the other.
type PushResult struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
}

// PushConsumed sends all pending calories-consumed deltas for the user. A 403
// from the platform is ErrHealthPermissionDenied (fatal, user-actionable in
// OS settings only); transport or server failures are ErrHealthUnavailable
// and leave entry statuses untouched for a later replay.
func (s *HealthSyncService) PushConsumed(ctx context.Context, userID uint) (*PushResult, error) {
	entries, err := s.ledger.PendingForSync(userID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &PushResult{}, nil
	}

	payload := struct {
		Entries []pushEntry `json:"entries"`
	}{Entries: make([]pushEntry, 0, len(entries))}
	for _, e := range entries {
		payload.Entries = append(payload.Entries, pushEntry{
			UUID:     e.EntryUUID,
			Day:      e.Day,
			Calories: e.Calories,
			Deleted:  e.Deleted,
		})
	}

	body, err := s.call(ctx, userID, http.MethodPost, "/v1/calories", payload)
	if err != nil {
		return nil, err
	}

	var pr pushResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("parse push response: %w", err)
	}

	res := &PushResult{}
	for _, r := range pr.Results {
		if r.Accepted {
			res.Accepted = append(res.Accepted, r.UUID)
		} else {
			res.Rejected = append(res.Rejected, r.UUID)
		}
	}
	if err := s.ledger.MarkSynced(userID, res.Accepted); err != nil {
		return nil, err
	}
	if err := s.ledger.MarkSyncFailed(userID, res.Rejected); err != nil {
		return nil, err
	}
	return res, nil
}

type samplesResponse struct {
	Samples []struct {
		Day   string  `json:"day"`
		Kind  string  `json:"kind"`
		Value float64 `json:"value"`
	} `json:"samples"`
}

// PullBurnedAndWeight fetches calories-burned and weight samples for a day
// range and upserts them locally. Samples are read-only inputs to the
// net-calories view.
func (s *HealthSyncService) PullBurnedAndWeight(ctx context.Context, userID uint, fromDay, toDay string) ([]models.HealthSample, error) {
	body, err := s.call(ctx, userID, http.MethodGet,
		fmt.Sprintf("/v1/samples?from=%s&to=%s&kinds=burned,weight", fromDay, toDay), nil)
	if err != nil {
		return nil, err
	}

	var sr samplesResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("parse samples response: %w", err)
	}

	now := s.clock.Now()
	out := make([]models.HealthSample, 0, len(sr.Samples))
	for _, raw := range sr.Samples {
		sample := models.HealthSample{
			UserID:   userID,
			Day:      raw.Day,
			Kind:     raw.Kind,
			Value:    raw.Value,
			PulledAt: now,
		}
		var existing models.HealthSample
		err := s.db.Where("user_id = ? AND day = ? AND kind = ?", userID, raw.Day, raw.Kind).First(&existing).Error
		if err == nil {
			sample.ID = existing.ID
			sample.CreatedAt = existing.CreatedAt
			if err := s.db.Save(&sample).Error; err != nil {
				return nil, err
			}
		} else if err := s.db.Create(&sample).Error; err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, nil
}

// NetView is the derived energy balance for one day.
type NetView struct {
	Day      string  `json:"day"`
	Consumed float64 `json:"consumed"`
	Burned   float64 `json:"burned"`
	Net      float64 `json:"net"`
	Weight   float64 `json:"weight,omitempty"`
}

// NetCalories combines the recomputed daily total with the day's pulled
// burned sample. Weight rides along when available.
func (s *HealthSyncService) NetCalories(userID uint, day string) (*NetView, error) {
	total, err := s.ledger.DailyTotal(userID, day)
	if err != nil {
		return nil, err
	}
	view := &NetView{Day: day, Consumed: total.Calories}

	var burned models.HealthSample
	if err := s.db.Where("user_id = ? AND day = ? AND kind = ?", userID, day, models.SampleBurned).First(&burned).Error; err == nil {
		view.Burned = burned.Value
	}
	var weight models.HealthSample
	if err := s.db.Where("user_id = ? AND day = ? AND kind = ?", userID, day, models.SampleWeight).First(&weight).Error; err == nil {
		view.Weight = weight.Value
	}
	view.Net = view.Consumed - view.Burned
	return view, nil
}

// call performs one authenticated platform request, mapping platform errors
// onto the sync taxonomy.
func (s *HealthSyncService) call(ctx context.Context, userID uint, method, path string, payload any) ([]byte, error) {
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+user.HealthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHealthUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHealthUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: platform said %d", ErrHealthPermissionDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: platform error %d: %s", ErrHealthUnavailable, resp.StatusCode, string(body))
	}
	return body, nil
}
