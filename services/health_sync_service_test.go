package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backend/models"
	"backend/testutil"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// fakeHealthPlatform stands in for the OS health service. rejectUUIDs marks
// pushed entries to refuse; deny simulates revoked permission.
type fakeHealthPlatform struct {
	rejectUUIDs map[string]bool
	deny        bool
	samples     []map[string]any

	lastPush []pushEntry
}

func (f *fakeHealthPlatform) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.deny {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/calories":
			var req struct {
				Entries []pushEntry `json:"entries"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.lastPush = req.Entries
			results := make([]map[string]any, 0, len(req.Entries))
			for _, e := range req.Entries {
				accepted := !f.rejectUUIDs[e.UUID]
				res := map[string]any{"uuid": e.UUID, "accepted": accepted}
				if !accepted {
					res["reason"] = "validation failed"
				}
				results = append(results, res)
			}
			json.NewEncoder(w).Encode(map[string]any{"results": results})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/samples":
			json.NewEncoder(w).Encode(map[string]any{"samples": f.samples})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newHealthFixture(t *testing.T) (*HealthSyncService, *LedgerService, *fakeHealthPlatform, *gorm.DB, *testutil.FixedClock) {
	t.Helper()
	db := testutil.NewTestDB(t)
	clock := testutil.NewFixedClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	user := &models.User{Email: "eva@example.com", Password: "x", Timezone: "UTC", HealthToken: "tok"}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	platform := &fakeHealthPlatform{rejectUUIDs: map[string]bool{}}
	srv := httptest.NewServer(platform.handler())
	t.Cleanup(srv.Close)

	ledger := NewLedgerService(db, clock, nil)
	health := NewHealthSyncService(db, ledger, clock, srv.URL, "key")
	return health, ledger, platform, db, clock
}

func appendCalories(t *testing.T, ledger *LedgerService, calories float64) *models.LedgerEntry {
	t.Helper()
	entry, err := ledger.Append(1, NewEntry{
		EntryUUID:  uuid.NewString(),
		Source:     models.SourceManual,
		ConsumedAt: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
		Nutrition:  ResolvedNutrition{Label: "meal", Quantity: 1, Unit: "serving", Calories: calories},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return entry
}

func TestPushPartialSuccess(t *testing.T) {
	health, ledger, platform, db, _ := newHealthFixture(t)

	e1 := appendCalories(t, ledger, 100)
	e2 := appendCalories(t, ledger, 200)
	e3 := appendCalories(t, ledger, 300)
	platform.rejectUUIDs[e2.EntryUUID] = true

	res, err := health.PushConsumed(context.Background(), 1)
	if err != nil {
		t.Fatalf("PushConsumed: %v", err)
	}
	if len(res.Accepted) != 2 || len(res.Rejected) != 1 {
		t.Fatalf("accepted=%d rejected=%d, want 2/1", len(res.Accepted), len(res.Rejected))
	}
	if res.Rejected[0] != e2.EntryUUID {
		t.Errorf("rejected %s, want %s", res.Rejected[0], e2.EntryUUID)
	}

	wantStatus := map[string]string{
		e1.EntryUUID: models.SyncSynced,
		e2.EntryUUID: models.SyncFailed,
		e3.EntryUUID: models.SyncSynced,
	}
	for eu, want := range wantStatus {
		var got models.LedgerEntry
		if err := db.Where("entry_uuid = ?", eu).First(&got).Error; err != nil {
			t.Fatalf("load %s: %v", eu, err)
		}
		if got.SyncStatus != want {
			t.Errorf("entry %s status = %s, want %s", eu, got.SyncStatus, want)
		}
	}
}

func TestPushNothingPendingIsNoop(t *testing.T) {
	health, _, platform, _, _ := newHealthFixture(t)

	res, err := health.PushConsumed(context.Background(), 1)
	if err != nil {
		t.Fatalf("PushConsumed: %v", err)
	}
	if len(res.Accepted)+len(res.Rejected) != 0 {
		t.Errorf("unexpected results on empty ledger: %+v", res)
	}
	if platform.lastPush != nil {
		t.Error("platform was called with nothing to push")
	}
}

func TestPushIncludesTombstones(t *testing.T) {
	health, ledger, platform, _, _ := newHealthFixture(t)

	entry := appendCalories(t, ledger, 100)
	if _, err := health.PushConsumed(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Remove(1, entry.EntryUUID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := health.PushConsumed(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if len(platform.lastPush) != 1 || !platform.lastPush[0].Deleted {
		t.Fatalf("deletion not propagated: %+v", platform.lastPush)
	}
}

func TestPushPermissionDenied(t *testing.T) {
	health, ledger, platform, db, _ := newHealthFixture(t)

	entry := appendCalories(t, ledger, 100)
	platform.deny = true

	_, err := health.PushConsumed(context.Background(), 1)
	if !errors.Is(err, ErrHealthPermissionDenied) {
		t.Fatalf("err = %v, want ErrHealthPermissionDenied", err)
	}
	if IsRetryable(err) {
		t.Error("permission denial must not be retryable")
	}

	// Entry stays pending for a future push once access is restored.
	var got models.LedgerEntry
	if err := db.Where("entry_uuid = ?", entry.EntryUUID).First(&got).Error; err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != models.SyncPending {
		t.Errorf("status = %s, want pending", got.SyncStatus)
	}
}

func TestPushPlatformDownIsRetryable(t *testing.T) {
	db := testutil.NewTestDB(t)
	clock := testutil.NewFixedClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	user := &models.User{Email: "eva@example.com", Password: "x", Timezone: "UTC"}
	if err := db.Create(user).Error; err != nil {
		t.Fatal(err)
	}
	ledger := NewLedgerService(db, clock, nil)
	appendCalories(t, ledger, 100)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	srv.Close() // connection refused from here on

	health := NewHealthSyncService(db, ledger, clock, srv.URL, "key")
	_, err := health.PushConsumed(context.Background(), 1)
	if !errors.Is(err, ErrHealthUnavailable) {
		t.Fatalf("err = %v, want ErrHealthUnavailable", err)
	}
	if !IsRetryable(err) {
		t.Error("platform outage must be retryable")
	}
}

func TestPullUpsertsSamples(t *testing.T) {
	health, _, platform, db, clock := newHealthFixture(t)

	platform.samples = []map[string]any{
		{"day": "2024-03-10", "kind": "burned", "value": 450.0},
		{"day": "2024-03-10", "kind": "weight", "value": 61.2},
	}
	if _, err := health.PullBurnedAndWeight(context.Background(), 1, "2024-03-10", "2024-03-10"); err != nil {
		t.Fatalf("pull: %v", err)
	}

	// Second pull for the same day replaces, never duplicates.
	platform.samples[0]["value"] = 500.0
	clock.Advance(time.Hour)
	if _, err := health.PullBurnedAndWeight(context.Background(), 1, "2024-03-10", "2024-03-10"); err != nil {
		t.Fatalf("second pull: %v", err)
	}

	var count int64
	if err := db.Model(&models.HealthSample{}).Where("user_id = ?", 1).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("samples = %d, want 2", count)
	}

	var burned models.HealthSample
	if err := db.Where("user_id = ? AND kind = ?", 1, models.SampleBurned).First(&burned).Error; err != nil {
		t.Fatal(err)
	}
	if burned.Value != 500 {
		t.Errorf("burned = %v, want updated 500", burned.Value)
	}
}

func TestNetCalories(t *testing.T) {
	health, ledger, platform, _, _ := newHealthFixture(t)

	appendCalories(t, ledger, 400)
	appendCalories(t, ledger, 350)
	platform.samples = []map[string]any{
		{"day": "2024-03-10", "kind": "burned", "value": 500.0},
		{"day": "2024-03-10", "kind": "weight", "value": 61.2},
	}
	if _, err := health.PullBurnedAndWeight(context.Background(), 1, "2024-03-10", "2024-03-10"); err != nil {
		t.Fatal(err)
	}

	view, err := health.NetCalories(1, "2024-03-10")
	if err != nil {
		t.Fatalf("NetCalories: %v", err)
	}
	if view.Consumed != 750 || view.Burned != 500 || view.Net != 250 {
		t.Errorf("view = %+v, want consumed 750 burned 500 net 250", view)
	}
	if view.Weight != 61.2 {
		t.Errorf("weight = %v, want 61.2", view.Weight)
	}
}

func TestNetCaloriesWithoutSamples(t *testing.T) {
	health, ledger, _, _, _ := newHealthFixture(t)

	appendCalories(t, ledger, 600)
	view, err := health.NetCalories(1, "2024-03-10")
	if err != nil {
		t.Fatal(err)
	}
	if view.Net != 600 {
		t.Errorf("net = %v, want 600 when nothing was pulled", view.Net)
	}
}
