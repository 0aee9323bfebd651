package services

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"backend/models"
	"backend/testutil"

	"gorm.io/gorm"
)

// stubDetector is a scriptable LabelDetector.
type stubDetector struct {
	candidates []FoodCandidate
	err        error
	calls      int
}

func (d *stubDetector) DetectFood(ctx context.Context, payload []byte) ([]FoodCandidate, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.candidates, nil
}

type captureFixture struct {
	svc       *CaptureService
	detector  *stubDetector
	foodDB    *fakeFoodDB
	platform  *fakeHealthPlatform
	healthSrv *httptest.Server
	resolver  *ResolverService
	health    *HealthSyncService
	queue     *OfflineQueueService
	ledger    *LedgerService
	db        *gorm.DB
	clock     *testutil.FixedClock
}

func newCaptureFixture(t *testing.T) *captureFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	clock := testutil.NewFixedClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	user := &models.User{Email: "eva@example.com", Password: "x", Timezone: "UTC", HealthToken: "tok"}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	foodDB := &fakeFoodDB{}
	foodSrv := httptest.NewServer(foodDB.handler())
	t.Cleanup(foodSrv.Close)

	platform := &fakeHealthPlatform{rejectUUIDs: map[string]bool{}}
	healthSrv := httptest.NewServer(platform.handler())
	t.Cleanup(healthSrv.Close)

	detector := &stubDetector{}
	eda := NewEdamamService(foodSrv.URL, "id", "key", "nid", "nkey")
	resolver := NewResolverService(db, eda, time.Hour, clock)
	ledger := NewLedgerService(db, clock, nil)
	health := NewHealthSyncService(db, ledger, clock, healthSrv.URL, "key")
	queue := NewOfflineQueueService(db, clock, nil, nil, 30*time.Second, 30*time.Minute, 5)
	pre := NewPreprocessService(newMemScratch())

	svc := NewCaptureService(pre, detector, resolver, ledger, queue, health, nil, true)
	return &captureFixture{
		svc:       svc,
		detector:  detector,
		foodDB:    foodDB,
		platform:  platform,
		healthSrv: healthSrv,
		resolver:  resolver,
		health:    health,
		queue:     queue,
		ledger:    ledger,
		db:        db,
		clock:     clock,
	}
}

func captureReq(t *testing.T) CaptureRequest {
	t.Helper()
	return CaptureRequest{
		UUID:        "8ad292f2-0c2e-4b43-9b2b-000000000010",
		CapturedAt:  time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
		Orientation: 1,
		Image:       encodeJPEG(t, 640, 480),
		Quantity:    150,
		Unit:        "g",
	}
}

func TestCaptureReturnsRankedCandidates(t *testing.T) {
	f := newCaptureFixture(t)
	f.detector.candidates = []FoodCandidate{
		{Label: "Apple", Confidence: 0.97},
		{Label: "Fruit", Confidence: 0.80},
	}
	f.foodDB.parserJSON = parserHintsJSON("Apple")
	f.foodDB.nutrientsJSON = appleNutrients

	res, err := f.svc.Capture(context.Background(), 1, captureReq(t))
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if res.Queued {
		t.Fatal("capture queued despite detector being up")
	}
	if len(res.Candidates) != 2 || res.Candidates[0].Label != "Apple" {
		t.Errorf("candidates = %+v", res.Candidates)
	}
	if res.Preview == nil || res.Preview.Status != StatusResolved {
		t.Errorf("preview = %+v, want resolved top candidate", res.Preview)
	}
}

func TestCaptureInvalidImageNeverQueued(t *testing.T) {
	f := newCaptureFixture(t)
	req := captureReq(t)
	req.Image = []byte("garbage")

	_, err := f.svc.Capture(context.Background(), 1, req)
	if !errors.Is(err, ErrImageInvalid) {
		t.Fatalf("err = %v, want ErrImageInvalid", err)
	}

	var ops int64
	f.db.Model(&models.SyncOperation{}).Count(&ops)
	if ops != 0 {
		t.Error("a local validation failure must not enqueue work")
	}
}

func TestCaptureOfflineQueuesRecognition(t *testing.T) {
	f := newCaptureFixture(t)
	f.detector.err = fmt.Errorf("%w: dial tcp", ErrRecognitionUnavailable)

	res, err := f.svc.Capture(context.Background(), 1, captureReq(t))
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.Queued {
		t.Fatal("recognition outage not absorbed into the queue")
	}

	// Connectivity returns; replay runs recognition from scratch storage.
	f.detector.err = nil
	f.detector.candidates = []FoodCandidate{{Label: "Apple", Confidence: 0.9}}
	if err := f.queue.ReplayUser(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if f.detector.calls != 2 {
		t.Errorf("detector calls = %d, want replay to retry", f.detector.calls)
	}

	var ops int64
	f.db.Model(&models.SyncOperation{}).Count(&ops)
	if ops != 0 {
		t.Error("successful replay must consume the operation")
	}
}

// brokenScratch rejects every operation, simulating unreachable scratch
// storage.
type brokenScratch struct{}

func (brokenScratch) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	return "", errors.New("scratch storage unreachable")
}

func (brokenScratch) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("scratch storage unreachable")
}

func TestCaptureOfflineQueuesInlineWhenScratchDown(t *testing.T) {
	f := newCaptureFixture(t)
	svc := NewCaptureService(NewPreprocessService(brokenScratch{}),
		f.detector, f.resolver, f.ledger, f.queue, f.health, nil, true)
	f.detector.err = fmt.Errorf("%w: dial tcp", ErrRecognitionUnavailable)

	res, err := svc.Capture(context.Background(), 1, captureReq(t))
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.Queued {
		t.Fatal("recognition outage not absorbed despite scratch being down")
	}

	// The payload rides on the operation row, so replay needs no scratch read.
	f.detector.err = nil
	f.detector.candidates = []FoodCandidate{{Label: "Apple", Confidence: 0.9}}
	if err := f.queue.ReplayUser(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if f.detector.calls != 2 {
		t.Errorf("detector calls = %d, want replay to retry", f.detector.calls)
	}

	var ops int64
	f.db.Model(&models.SyncOperation{}).Count(&ops)
	if ops != 0 {
		t.Error("successful replay must consume the operation")
	}
}

func TestCaptureNoCandidatesIsTerminal(t *testing.T) {
	f := newCaptureFixture(t)
	f.detector.err = fmt.Errorf("%w: nothing recognizable", ErrNoCandidates)

	_, err := f.svc.Capture(context.Background(), 1, captureReq(t))
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates surfaced, not queued", err)
	}
}

func TestCapturePreviewFailureStillReturnsCandidates(t *testing.T) {
	f := newCaptureFixture(t)
	f.detector.candidates = []FoodCandidate{{Label: "Apple", Confidence: 0.9}}
	f.foodDB.failAll = true

	res, err := f.svc.Capture(context.Background(), 1, captureReq(t))
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(res.Candidates) != 1 || res.Preview != nil {
		t.Errorf("res = %+v, want candidates without preview", res)
	}
}

func TestConfirmAppendsResolvedEntry(t *testing.T) {
	f := newCaptureFixture(t)
	f.foodDB.parserJSON = parserHintsJSON("Apple")
	f.foodDB.nutrientsJSON = appleNutrients

	res, err := f.svc.Confirm(context.Background(), 1, ConfirmRequest{
		EntryUUID:  "8ad292f2-0c2e-4b43-9b2b-000000000011",
		Label:      "apple",
		Quantity:   150,
		Unit:       "g",
		ConsumedAt: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Entry == nil {
		t.Fatalf("res = %+v, want appended entry", res)
	}
	if res.Entry.Calories != 78 { // 52 kcal/100g × 150g
		t.Errorf("calories = %v, want 78", res.Entry.Calories)
	}
	if res.Entry.Source != models.SourcePhoto {
		t.Errorf("source = %s, want photo default", res.Entry.Source)
	}
}

func TestConfirmAmbiguousReturnsOutcome(t *testing.T) {
	f := newCaptureFixture(t)
	f.foodDB.parserJSON = parserHintsJSON("Chicken rice soup", "Chicken rice stew")

	res, err := f.svc.Confirm(context.Background(), 1, ConfirmRequest{
		EntryUUID: "8ad292f2-0c2e-4b43-9b2b-000000000012",
		Label:     "chicken rice",
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Outcome == nil || res.Outcome.Status != StatusAmbiguous {
		t.Fatalf("res = %+v, want ambiguous outcome", res)
	}
	if res.Entry != nil || res.Queued != nil {
		t.Error("ambiguity must not append or queue")
	}
}

func TestConfirmOfflineQueuesResolveThenReplays(t *testing.T) {
	f := newCaptureFixture(t)
	f.foodDB.failAll = true

	req := ConfirmRequest{
		EntryUUID:  "8ad292f2-0c2e-4b43-9b2b-000000000013",
		Label:      "apple",
		Quantity:   150,
		Unit:       "g",
		ConsumedAt: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	res, err := f.svc.Confirm(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Queued == nil {
		t.Fatalf("res = %+v, want queued operation", res)
	}

	// Food database comes back; replay resolves and appends.
	f.foodDB.failAll = false
	f.foodDB.parserJSON = parserHintsJSON("Apple")
	f.foodDB.nutrientsJSON = appleNutrients
	if err := f.queue.ReplayUser(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	entry, err := f.ledger.Get(1, req.EntryUUID)
	if err != nil {
		t.Fatalf("entry not appended on replay: %v", err)
	}
	if entry.Calories != 78 {
		t.Errorf("calories = %v, want 78", entry.Calories)
	}

	// A retried confirm after the replay is a no-op thanks to idempotency.
	res2, err := f.svc.Confirm(context.Background(), 1, req)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Entry == nil || res2.Entry.EntryUUID != req.EntryUUID {
		t.Fatalf("res2 = %+v", res2)
	}
	var count int64
	f.db.Model(&models.LedgerEntry{}).Where("user_id = ?", 1).Count(&count)
	if count != 1 {
		t.Errorf("entries = %d, want 1", count)
	}
}

func TestSyncNowPushesImmediately(t *testing.T) {
	f := newCaptureFixture(t)
	appendCalories(t, f.ledger, 100)

	res, op, err := f.svc.SyncNow(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if op != nil {
		t.Fatal("queued despite platform being up")
	}
	if len(res.Accepted) != 1 {
		t.Errorf("accepted = %d, want 1", len(res.Accepted))
	}
}

func TestSyncNowQueuesWhenPlatformDown(t *testing.T) {
	f := newCaptureFixture(t)
	appendCalories(t, f.ledger, 100)
	f.healthSrv.Close()

	res, op, err := f.svc.SyncNow(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if res != nil || op == nil {
		t.Fatalf("res=%+v op=%+v, want queued push", res, op)
	}
	if op.Kind != models.OpPushCalories {
		t.Errorf("kind = %s", op.Kind)
	}

	// Platform still down: replay fails retryably and keeps the op pending.
	if err := f.queue.ReplayUser(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	var stored models.SyncOperation
	if err := f.db.First(&stored, op.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.OpPending || stored.Attempts != 1 {
		t.Errorf("status=%s attempts=%d, want pending/1", stored.Status, stored.Attempts)
	}
}

func TestSyncNowPermissionDeniedNeverQueued(t *testing.T) {
	f := newCaptureFixture(t)
	appendCalories(t, f.ledger, 100)
	f.platform.deny = true

	_, op, err := f.svc.SyncNow(context.Background(), 1)
	if !errors.Is(err, ErrHealthPermissionDenied) {
		t.Fatalf("err = %v, want ErrHealthPermissionDenied", err)
	}
	if op != nil {
		t.Error("permission denial must surface, not queue")
	}
}

func TestPullNowQueuedReplayUpserts(t *testing.T) {
	f := newCaptureFixture(t)
	f.platform.samples = []map[string]any{
		{"day": "2024-03-10", "kind": "burned", "value": 450.0},
	}

	samples, op, err := f.svc.PullNow(context.Background(), 1, "2024-03-10", "2024-03-10")
	if err != nil {
		t.Fatalf("PullNow: %v", err)
	}
	if op != nil {
		t.Fatal("queued despite platform being up")
	}
	if len(samples) != 1 || samples[0].Value != 450 {
		t.Errorf("samples = %+v", samples)
	}
}
