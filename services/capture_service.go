package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"backend/models"
)

// CaptureService drives the capture-to-ledger pipeline: preprocess →
// recognize → resolve → append, with the offline queue interposed at each
// network boundary so every stage degrades without connectivity. Manual
// entry stays available no matter which stage fails.
type CaptureService struct {
	pre             *PreprocessService
	detector        LabelDetector
	resolver        *ResolverService
	ledger          *LedgerService
	queue           *OfflineQueueService
	health          *HealthSyncService
	hub             *RealtimeHub
	offlineTolerant bool
}

func NewCaptureService(
	pre *PreprocessService,
	detector LabelDetector,
	resolver *ResolverService,
	ledger *LedgerService,
	queue *OfflineQueueService,
	health *HealthSyncService,
	hub *RealtimeHub,
	offlineTolerant bool,
) *CaptureService {
	s := &CaptureService{
		pre:             pre,
		detector:        detector,
		resolver:        resolver,
		ledger:          ledger,
		queue:           queue,
		health:          health,
		hub:             hub,
		offlineTolerant: offlineTolerant,
	}
	s.registerExecutors()
	return s
}

type CaptureRequest struct {
	UUID        string
	CapturedAt  time.Time
	Orientation int
	Image       []byte
	Quantity    float64
	Unit        string
}

// CaptureResult: either Queued (recognition deferred to the offline queue),
// or Candidates ranked by confidence plus a best-effort resolution preview of
// the top candidate.
type CaptureResult struct {
	Queued     bool            `json:"queued"`
	Candidates []FoodCandidate `json:"candidates,omitempty"`
	Preview    *ResolveOutcome `json:"preview,omitempty"`
}

// Capture runs preprocess → recognize → preview-resolve. Image validation
// errors surface immediately; recognition transport failures are absorbed
// into the queue when offline-tolerant mode is on and the normalized payload
// reached scratch storage.
func (s *CaptureService) Capture(ctx context.Context, userID uint, req CaptureRequest) (*CaptureResult, error) {
	img, err := s.pre.Normalize(req.Image, CaptureMeta{
		UUID:        req.UUID,
		CapturedAt:  req.CapturedAt,
		Orientation: req.Orientation,
	})
	if err != nil {
		return nil, err
	}

	scratchKey, err := s.pre.StoreScratch(ctx, img)
	if err != nil {
		log.Printf("capture %s: scratch store: %v", req.UUID, err)
	}

	candidates, err := s.detector.DetectFood(ctx, img.Data)
	if err != nil {
		if IsRetryable(err) && s.offlineTolerant {
			p := recognizePayload{
				CaptureUUID: req.UUID,
				ScratchKey:  scratchKey,
				Quantity:    req.Quantity,
				Unit:        req.Unit,
			}
			if scratchKey == "" {
				// Scratch write failed too; carry the normalized payload on
				// the operation row so replay still has the image.
				p.Image = img.Data
			}
			if _, qErr := s.queue.Enqueue(userID, models.OpRecognize, p); qErr != nil {
				return nil, qErr
			}
			return &CaptureResult{Queued: true}, nil
		}
		return nil, err
	}

	res := &CaptureResult{Candidates: candidates}
	outcome, err := s.resolver.Resolve(ctx, candidates[0].Label, req.Quantity, req.Unit)
	if err != nil {
		if !IsRetryable(err) {
			return nil, err
		}
		// Preview resolution is best effort; the confirm step will queue.
		return res, nil
	}
	res.Preview = outcome
	return res, nil
}

type ConfirmRequest struct {
	EntryUUID  string
	Label      string
	FoodID     string
	Quantity   float64
	Unit       string
	Source     string
	ConsumedAt time.Time
}

// ConfirmResult: exactly one of Entry (appended), Queued (resolution
// deferred), or Outcome (Ambiguous/NotFound needing user action) is set.
type ConfirmResult struct {
	Entry   *models.LedgerEntry   `json:"entry,omitempty"`
	Queued  *models.SyncOperation `json:"queued,omitempty"`
	Outcome *ResolveOutcome       `json:"outcome,omitempty"`
}

// Confirm resolves the user-picked food and appends the ledger entry. The
// append is idempotent on EntryUUID, so a retried confirm cannot duplicate.
func (s *CaptureService) Confirm(ctx context.Context, userID uint, req ConfirmRequest) (*ConfirmResult, error) {
	if req.Source == "" {
		req.Source = models.SourcePhoto
	}

	var (
		nutrition *ResolvedNutrition
		err       error
	)
	if req.FoodID != "" {
		nutrition, err = s.resolver.ResolveMatch(ctx, FoodMatch{FoodID: req.FoodID, Label: req.Label}, req.Quantity, req.Unit)
	} else {
		var outcome *ResolveOutcome
		outcome, err = s.resolver.Resolve(ctx, req.Label, req.Quantity, req.Unit)
		if err == nil {
			if outcome.Status != StatusResolved {
				return &ConfirmResult{Outcome: outcome}, nil
			}
			nutrition = outcome.Nutrition
		}
	}
	if err != nil {
		if IsRetryable(err) && s.offlineTolerant {
			op, qErr := s.queue.Enqueue(userID, models.OpResolve, resolvePayload{
				EntryUUID:  req.EntryUUID,
				Label:      req.Label,
				FoodID:     req.FoodID,
				Quantity:   req.Quantity,
				Unit:       req.Unit,
				Source:     req.Source,
				ConsumedAt: req.ConsumedAt,
			})
			if qErr != nil {
				return nil, qErr
			}
			return &ConfirmResult{Queued: op}, nil
		}
		return nil, err
	}

	entry, err := s.ledger.Append(userID, NewEntry{
		EntryUUID:  req.EntryUUID,
		Source:     req.Source,
		ConsumedAt: req.ConsumedAt,
		Nutrition:  *nutrition,
	})
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{Entry: entry}, nil
}

// Queue payloads. Stored as raw JSON on the operation row.

type recognizePayload struct {
	CaptureUUID string `json:"capture_uuid"`
	ScratchKey  string `json:"scratch_key,omitempty"`
	// Inline fallback when the scratch write failed at capture time.
	Image    []byte  `json:"image,omitempty"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
}

type resolvePayload struct {
	EntryUUID  string    `json:"entry_uuid"`
	Label      string    `json:"label"`
	FoodID     string    `json:"food_id,omitempty"`
	Quantity   float64   `json:"quantity"`
	Unit       string    `json:"unit"`
	Source     string    `json:"source"`
	ConsumedAt time.Time `json:"consumed_at"`
}

type pullPayload struct {
	FromDay string `json:"from_day"`
	ToDay   string `json:"to_day"`
}

func (s *CaptureService) registerExecutors() {
	s.queue.RegisterExecutor(models.OpRecognize, s.execRecognize)
	s.queue.RegisterExecutor(models.OpResolve, s.execResolve)
	s.queue.RegisterExecutor(models.OpPushCalories, s.execPush)
	s.queue.RegisterExecutor(models.OpPullBurned, s.execPull)
}

// execRecognize replays a deferred recognition from scratch storage. The
// originating screen is long gone, so the ranked candidates are handed back
// over the realtime stream for the user to confirm.
func (s *CaptureService) execRecognize(ctx context.Context, op *models.SyncOperation) error {
	var p recognizePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return fmt.Errorf("decode recognize payload: %w", err)
	}
	data := p.Image
	if len(data) == 0 {
		var err error
		data, err = s.pre.LoadScratch(ctx, p.ScratchKey)
		if err != nil {
			return fmt.Errorf("%w: load scratch %s: %v", ErrRecognitionUnavailable, p.ScratchKey, err)
		}
	}
	candidates, err := s.detector.DetectFood(ctx, data)
	if err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Broadcast(op.UserID, map[string]any{
			"kind":         "capture.candidates",
			"capture_uuid": p.CaptureUUID,
			"candidates":   candidates,
		})
	}
	return nil
}

// execResolve replays a deferred resolution and appends the entry. Ambiguity
// after the fact needs the user again, so it parks as a dead letter rather
// than guessing.
func (s *CaptureService) execResolve(ctx context.Context, op *models.SyncOperation) error {
	var p resolvePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return fmt.Errorf("decode resolve payload: %w", err)
	}

	var nutrition *ResolvedNutrition
	if p.FoodID != "" {
		n, err := s.resolver.ResolveMatch(ctx, FoodMatch{FoodID: p.FoodID, Label: p.Label}, p.Quantity, p.Unit)
		if err != nil {
			return err
		}
		nutrition = n
	} else {
		outcome, err := s.resolver.Resolve(ctx, p.Label, p.Quantity, p.Unit)
		if err != nil {
			return err
		}
		switch outcome.Status {
		case StatusResolved:
			nutrition = outcome.Nutrition
		case StatusAmbiguous:
			return fmt.Errorf("%w: %q is ambiguous, needs user choice", ErrRecordNotFound, p.Label)
		default:
			return fmt.Errorf("%w: %q", ErrRecordNotFound, p.Label)
		}
	}

	_, err := s.ledger.Append(op.UserID, NewEntry{
		EntryUUID:  p.EntryUUID,
		Source:     p.Source,
		ConsumedAt: p.ConsumedAt,
		Nutrition:  *nutrition,
	})
	return err
}

func (s *CaptureService) execPush(ctx context.Context, op *models.SyncOperation) error {
	_, err := s.health.PushConsumed(ctx, op.UserID)
	return err
}

func (s *CaptureService) execPull(ctx context.Context, op *models.SyncOperation) error {
	var p pullPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return fmt.Errorf("decode pull payload: %w", err)
	}
	_, err := s.health.PullBurnedAndWeight(ctx, op.UserID, p.FromDay, p.ToDay)
	return err
}

// SyncNow pushes pending entries immediately, falling back to the queue on
// unavailability. Permission denial is surfaced, never queued.
func (s *CaptureService) SyncNow(ctx context.Context, userID uint) (*PushResult, *models.SyncOperation, error) {
	res, err := s.health.PushConsumed(ctx, userID)
	if err != nil {
		if IsRetryable(err) && s.offlineTolerant {
			op, qErr := s.queue.Enqueue(userID, models.OpPushCalories, struct{}{})
			if qErr != nil {
				return nil, nil, qErr
			}
			return nil, op, nil
		}
		return nil, nil, err
	}
	return res, nil, nil
}

// PullNow fetches burned/weight samples for a day range with the same offline
// fallback.
func (s *CaptureService) PullNow(ctx context.Context, userID uint, fromDay, toDay string) ([]models.HealthSample, *models.SyncOperation, error) {
	samples, err := s.health.PullBurnedAndWeight(ctx, userID, fromDay, toDay)
	if err != nil {
		if IsRetryable(err) && s.offlineTolerant {
			op, qErr := s.queue.Enqueue(userID, models.OpPullBurned, pullPayload{FromDay: fromDay, ToDay: toDay})
			if qErr != nil {
				return nil, nil, qErr
			}
			return nil, op, nil
		}
		return nil, nil, err
	}
	return samples, nil, nil
}
