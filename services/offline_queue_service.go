package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"backend/models"

	"gorm.io/gorm"
)

// OperationExecutor replays one queued operation. Registered per kind by the
// services that own the corresponding network boundary.
type OperationExecutor func(ctx context.Context, op *models.SyncOperation) error

// Mailer delivers dead-letter notices. Implemented by utils.Mailer over SES.
type Mailer interface {
	SendDeadLetterNotice(to, kind, reason string) error
}

// OfflineQueueService owns the SyncOperation lifecycle end to end: created on
// failure or offline detection, consumed on successful replay, dead-lettered
// after the attempt budget. Replay is FIFO per user in creation order and
// sequential per user; different users replay concurrently.
type OfflineQueueService struct {
	db          *gorm.DB
	clock       Clock
	hub         *RealtimeHub
	mailer      Mailer
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu        sync.Mutex
	executors map[string]OperationExecutor
	inflight  map[uint]bool

	kick chan struct{}
}

func NewOfflineQueueService(db *gorm.DB, clock Clock, hub *RealtimeHub, mailer Mailer, baseDelay, maxDelay time.Duration, maxAttempts int) *OfflineQueueService {
	return &OfflineQueueService{
		db:          db,
		clock:       clock,
		hub:         hub,
		mailer:      mailer,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		executors:   make(map[string]OperationExecutor),
		inflight:    make(map[uint]bool),
		kick:        make(chan struct{}, 1),
	}
}

func (s *OfflineQueueService) RegisterExecutor(kind string, fn OperationExecutor) {
	s.mu.Lock()
	s.executors[kind] = fn
	s.mu.Unlock()
}

// Enqueue stores one unit of deferred work. The first attempt is eligible
// immediately.
func (s *OfflineQueueService) Enqueue(userID uint, kind string, payload any) (*models.SyncOperation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	op := &models.SyncOperation{
		UserID:      userID,
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: s.maxAttempts,
		NextRetryAt: s.clock.Now(),
		Status:      models.OpPending,
	}
	if err := s.db.Create(op).Error; err != nil {
		return nil, err
	}
	return op, nil
}

// Kick signals connectivity restoration and triggers an immediate replay
// pass. Safe to call from any goroutine; coalesces.
func (s *OfflineQueueService) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives replay from periodic ticks and connectivity signals until the
// context ends.
func (s *OfflineQueueService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.ReplayAll(ctx)
	}
}

// ReplayAll replays every user with eligible work, concurrently across users.
func (s *OfflineQueueService) ReplayAll(ctx context.Context) {
	var userIDs []uint
	err := s.db.Model(&models.SyncOperation{}).
		Where("status = ? AND next_retry_at <= ?", models.OpPending, s.clock.Now()).
		Distinct("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		log.Printf("offline queue: list users: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, uid := range userIDs {
		wg.Add(1)
		go func(uid uint) {
			defer wg.Done()
			if err := s.ReplayUser(ctx, uid); err != nil {
				log.Printf("offline queue: replay user %d: %v", uid, err)
			}
		}(uid)
	}
	wg.Wait()
}

// ReplayUser walks the user's queue in creation order. It stops at the first
// operation that is not yet due or that fails retryably, so a later operation
// never runs before an earlier one it may depend on. Dead-lettered operations
// are stepped over: they wait for explicit user action and must not wedge the
// rest of the queue.
func (s *OfflineQueueService) ReplayUser(ctx context.Context, userID uint) error {
	s.mu.Lock()
	if s.inflight[userID] {
		s.mu.Unlock()
		return nil
	}
	s.inflight[userID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, userID)
		s.mu.Unlock()
	}()

	var ops []models.SyncOperation
	err := s.db.
		Where("user_id = ? AND status = ?", userID, models.OpPending).
		Order("created_at ASC, id ASC").
		Find(&ops).Error
	if err != nil {
		return err
	}

	for i := range ops {
		op := &ops[i]
		if op.NextRetryAt.After(s.clock.Now()) {
			return nil // head of queue not due yet; preserve order
		}
		if err := s.executeOne(ctx, op); err != nil {
			return nil // retryable failure, back off and keep order
		}
	}
	return nil
}

// executeOne runs a single operation. Returns non-nil only for retryable
// failures, which halt the user's replay pass.
func (s *OfflineQueueService) executeOne(ctx context.Context, op *models.SyncOperation) error {
	s.mu.Lock()
	exec, ok := s.executors[op.Kind]
	s.mu.Unlock()
	if !ok {
		s.deadLetter(op, fmt.Sprintf("no executor for kind %q", op.Kind))
		return nil
	}

	err := exec(ctx, op)
	if err == nil {
		return s.db.Unscoped().Delete(op).Error // consumed
	}

	op.Attempts++
	op.LastError = err.Error()

	if !IsRetryable(err) {
		// Terminal outcome (no candidates, record not found, permission
		// denied): retrying cannot help, surface to the user instead.
		s.deadLetter(op, err.Error())
		return nil
	}
	if op.Attempts >= op.MaxAttempts {
		s.deadLetter(op, err.Error())
		return nil
	}

	op.NextRetryAt = s.clock.Now().Add(s.backoff(op.Attempts))
	if dbErr := s.db.Save(op).Error; dbErr != nil {
		return dbErr
	}
	return err
}

// backoff doubles the base delay per attempt, capped.
func (s *OfflineQueueService) backoff(attempts int) time.Duration {
	d := s.baseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.maxDelay {
			return s.maxDelay
		}
	}
	if d > s.maxDelay {
		return s.maxDelay
	}
	return d
}

// deadLetter parks the operation for explicit user retry or discard and
// raises an alert. Queued work is never silently dropped.
func (s *OfflineQueueService) deadLetter(op *models.SyncOperation, reason string) {
	op.Status = models.OpDead
	op.LastError = reason
	if err := s.db.Save(op).Error; err != nil {
		log.Printf("offline queue: dead-letter op %d: %v", op.ID, err)
		return
	}

	alert := &models.Alert{
		UserID:    op.UserID,
		Type:      "dead-letter",
		Message:   fmt.Sprintf("%s operation could not complete: %s", op.Kind, reason),
		CreatedAt: s.clock.Now(),
	}
	_ = s.db.Create(alert).Error

	if s.hub != nil {
		s.hub.Broadcast(op.UserID, map[string]any{"kind": "operation.dead_letter", "operation": op})
	}
	if s.mailer != nil {
		var user models.User
		if err := s.db.First(&user, op.UserID).Error; err == nil {
			if err := s.mailer.SendDeadLetterNotice(user.Email, op.Kind, reason); err != nil {
				log.Printf("offline queue: dead-letter mail: %v", err)
			}
		}
	}
}

// DeadLetters lists the user's parked operations, oldest first.
func (s *OfflineQueueService) DeadLetters(userID uint) ([]models.SyncOperation, error) {
	var ops []models.SyncOperation
	err := s.db.
		Where("user_id = ? AND status = ?", userID, models.OpDead).
		Order("created_at ASC, id ASC").
		Find(&ops).Error
	return ops, err
}

// RetryDeadLetter puts a parked operation back in the queue with a fresh
// attempt budget.
func (s *OfflineQueueService) RetryDeadLetter(userID, opID uint) error {
	op, err := s.deadLetterByID(userID, opID)
	if err != nil {
		return err
	}
	op.Status = models.OpPending
	op.Attempts = 0
	op.LastError = ""
	op.NextRetryAt = s.clock.Now()
	return s.db.Save(op).Error
}

// DiscardDeadLetter drops a parked operation on explicit user request.
func (s *OfflineQueueService) DiscardDeadLetter(userID, opID uint) error {
	op, err := s.deadLetterByID(userID, opID)
	if err != nil {
		return err
	}
	return s.db.Unscoped().Delete(op).Error
}

func (s *OfflineQueueService) deadLetterByID(userID, opID uint) (*models.SyncOperation, error) {
	var op models.SyncOperation
	err := s.db.Where("id = ? AND user_id = ? AND status = ?", opID, userID, models.OpDead).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dead-letter %d not found", opID)
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}
