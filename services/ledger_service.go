package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"backend/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewEntry is a validated request to append one entry. EntryUUID comes from
// the client and is the idempotency key.
type NewEntry struct {
	EntryUUID  string
	Source     string
	ConsumedAt time.Time
	Nutrition  ResolvedNutrition
}

// EntryUpdate mutates an existing entry. When only Quantity is set the
// snapshot is rescaled proportionally; Nutrition replaces it wholesale.
// BaseModifiedAt, when non-zero, is the modification stamp the client last
// saw and detects racing edits.
type EntryUpdate struct {
	Quantity       *float64
	Nutrition      *ResolvedNutrition
	BaseModifiedAt time.Time
}

// LedgerService owns all DailyLedger and LedgerEntry mutation. Mutations for
// one user are serialized through a per-user lock (single-writer discipline);
// every query is scoped by user ID, so cross-user access is impossible by
// construction.
type LedgerService struct {
	db    *gorm.DB
	clock Clock
	hub   *RealtimeHub

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewLedgerService(db *gorm.DB, clock Clock, hub *RealtimeHub) *LedgerService {
	return &LedgerService{db: db, clock: clock, hub: hub, locks: make(map[uint]*sync.Mutex)}
}

func (s *LedgerService) lockFor(userID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Append adds an entry to the user's ledger. Idempotent on EntryUUID:
// re-appending an existing UUID returns the stored entry unchanged, giving
// exactly-once effect under retried network calls.
func (s *LedgerService) Append(userID uint, e NewEntry) (*models.LedgerEntry, error) {
	if _, err := uuid.Parse(e.EntryUUID); err != nil {
		return nil, fmt.Errorf("invalid entry UUID %q: %w", e.EntryUUID, err)
	}
	switch e.Source {
	case models.SourcePhoto, models.SourceManual, models.SourceBarcode:
	default:
		return nil, fmt.Errorf("invalid source %q", e.Source)
	}

	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	var existing models.LedgerEntry
	err := s.db.Where("entry_uuid = ?", e.EntryUUID).First(&existing).Error
	if err == nil {
		if existing.UserID != userID {
			return nil, fmt.Errorf("entry UUID %s belongs to another ledger", e.EntryUUID)
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	consumedAt := e.ConsumedAt
	if consumedAt.IsZero() {
		consumedAt = now
	}

	entry := &models.LedgerEntry{
		EntryUUID:  e.EntryUUID,
		UserID:     userID,
		Day:        s.dayFor(userID, consumedAt),
		FoodID:     e.Nutrition.FoodID,
		FoodLabel:  e.Nutrition.Label,
		Quantity:   e.Nutrition.Quantity,
		Unit:       e.Nutrition.Unit,
		Calories:   e.Nutrition.Calories,
		Protein:    e.Nutrition.Protein,
		Carbs:      e.Nutrition.Carbs,
		Fat:        e.Nutrition.Fat,
		Sodium:     e.Nutrition.Sodium,
		Sugar:      e.Nutrition.Sugar,
		Source:     e.Source,
		SyncStatus: models.SyncPending,
		ConsumedAt: consumedAt,
		ModifiedAt: now,
	}
	if err := s.db.Create(entry).Error; err != nil {
		return nil, err
	}
	s.broadcast(userID, "entry.appended", entry)
	return entry, nil
}

// Edit recomputes the snapshot and resets the entry to pending-sync. The
// prior snapshot is overwritten in place; the UUID never changes. A racing
// edit is resolved last-writer-wins: the update still applies, and
// ErrConflictingEdit is returned alongside the entry so the caller can tell
// the user their base was stale.
func (s *LedgerService) Edit(userID uint, entryUUID string, upd EntryUpdate) (*models.LedgerEntry, error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	entry, err := s.get(userID, entryUUID)
	if err != nil {
		return nil, err
	}

	conflicted := !upd.BaseModifiedAt.IsZero() && !upd.BaseModifiedAt.Equal(entry.ModifiedAt)

	switch {
	case upd.Nutrition != nil:
		n := upd.Nutrition
		entry.FoodID = n.FoodID
		entry.FoodLabel = n.Label
		entry.Quantity = n.Quantity
		entry.Unit = n.Unit
		entry.Calories = n.Calories
		entry.Protein = n.Protein
		entry.Carbs = n.Carbs
		entry.Fat = n.Fat
		entry.Sodium = n.Sodium
		entry.Sugar = n.Sugar
	case upd.Quantity != nil:
		if entry.Quantity <= 0 || *upd.Quantity <= 0 {
			return nil, fmt.Errorf("cannot rescale entry %s to quantity %v", entryUUID, *upd.Quantity)
		}
		f := *upd.Quantity / entry.Quantity
		entry.Quantity = *upd.Quantity
		entry.Calories *= f
		entry.Protein *= f
		entry.Carbs *= f
		entry.Fat *= f
		entry.Sodium *= f
		entry.Sugar *= f
	default:
		return nil, fmt.Errorf("empty update for entry %s", entryUUID)
	}

	entry.ModifiedAt = s.clock.Now()
	entry.SyncStatus = models.SyncPending
	if err := s.db.Save(entry).Error; err != nil {
		return nil, err
	}
	s.broadcast(userID, "entry.edited", entry)

	if conflicted {
		return entry, ErrConflictingEdit
	}
	return entry, nil
}

// Remove tombstones an entry. Totals exclude it immediately; the row is kept
// until the deletion has propagated to the health platform, then purgeable.
func (s *LedgerService) Remove(userID uint, entryUUID string) error {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	entry, err := s.get(userID, entryUUID)
	if err != nil {
		return err
	}
	entry.Deleted = true
	entry.SyncStatus = models.SyncPending
	entry.ModifiedAt = s.clock.Now()
	if err := s.db.Save(entry).Error; err != nil {
		return err
	}
	s.broadcast(userID, "entry.removed", entry)
	return nil
}

// Get returns a single non-tombstoned entry scoped to the user.
func (s *LedgerService) Get(userID uint, entryUUID string) (*models.LedgerEntry, error) {
	return s.get(userID, entryUUID)
}

func (s *LedgerService) get(userID uint, entryUUID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.Where("user_id = ? AND entry_uuid = ? AND deleted = ?", userID, entryUUID, false).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// EntriesForDay lists the day's non-tombstoned entries in creation order.
func (s *LedgerService) EntriesForDay(userID uint, day string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.
		Where("user_id = ? AND day = ? AND deleted = ?", userID, day, false).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// DailyTotal folds over the day's non-tombstoned entries. The total is
// recomputed on every read; it is never read back from a stored cache.
func (s *LedgerService) DailyTotal(userID uint, day string) (*models.DailyTotal, error) {
	entries, err := s.EntriesForDay(userID, day)
	if err != nil {
		return nil, err
	}
	total := &models.DailyTotal{Day: day}
	for i := range entries {
		total.Add(&entries[i])
	}
	return total, nil
}

// PendingForSync returns entries awaiting propagation, tombstones included —
// deletions must reach the platform too.
func (s *LedgerService) PendingForSync(userID uint) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.
		Where("user_id = ? AND sync_status IN ?", userID, []string{models.SyncPending, models.SyncFailed}).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// MarkSynced advances entries to synced and purges tombstones whose deletion
// has now propagated.
func (s *LedgerService) MarkSynced(userID uint, entryUUIDs []string) error {
	if len(entryUUIDs) == 0 {
		return nil
	}
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	err := s.db.Model(&models.LedgerEntry{}).
		Where("user_id = ? AND entry_uuid IN ?", userID, entryUUIDs).
		Update("sync_status", models.SyncSynced).Error
	if err != nil {
		return err
	}
	// Deletion propagated, tombstones are purgeable. Unscoped: the row must
	// actually go away, not become a second-order soft delete.
	err = s.db.Unscoped().
		Where("user_id = ? AND entry_uuid IN ? AND deleted = ?", userID, entryUUIDs, true).
		Delete(&models.LedgerEntry{}).Error
	if err != nil {
		return err
	}
	s.broadcast(userID, "entries.synced", entryUUIDs)
	return nil
}

// MarkSyncFailed flags the rejected subset; a later replay moves them back to
// pending.
func (s *LedgerService) MarkSyncFailed(userID uint, entryUUIDs []string) error {
	if len(entryUUIDs) == 0 {
		return nil
	}
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	err := s.db.Model(&models.LedgerEntry{}).
		Where("user_id = ? AND entry_uuid IN ?", userID, entryUUIDs).
		Update("sync_status", models.SyncFailed).Error
	if err != nil {
		return err
	}
	s.broadcast(userID, "entries.sync_failed", entryUUIDs)
	return nil
}

// RetryFailed moves sync-failed entries back to pending ahead of a replay.
func (s *LedgerService) RetryFailed(userID uint) error {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	return s.db.Model(&models.LedgerEntry{}).
		Where("user_id = ? AND sync_status = ?", userID, models.SyncFailed).
		Update("sync_status", models.SyncPending).Error
}

// dayFor computes the calendar day in the user's stored timezone. Falls back
// to UTC when the zone is missing or invalid.
func (s *LedgerService) dayFor(userID uint, t time.Time) string {
	var user models.User
	tz := "UTC"
	if err := s.db.First(&user, userID).Error; err == nil && user.Timezone != "" {
		tz = user.Timezone
	}
	return DayInZone(t, tz)
}

// DayInZone formats t as YYYY-MM-DD in the named zone, UTC on failure.
func DayInZone(t time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

func (s *LedgerService) broadcast(userID uint, kind string, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(userID, map[string]any{"kind": kind, "payload": payload})
}
