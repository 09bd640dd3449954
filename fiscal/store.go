package fiscal

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/resto_backend/models"
	"gorm.io/gorm"
)

var (
	ErrProfileNotFound    = errors.New("no active device profile")
	ErrEntryNotFound      = errors.New("queue entry not found")
	ErrSessionAlreadyOpen = errors.New("an offline session is already open for this branch")
	ErrSessionNotOpen     = errors.New("no open offline session for this branch")
	ErrClosingExists      = errors.New("a closing already exists for this branch and date")
	ErrClosingNotFound    = errors.New("daily closing not found")
	ErrInvalidTransition  = errors.New("invalid closing status transition")
)

// ProfileStore persists device credential bundles.
type ProfileStore interface {
	// ActiveProfile returns the tenant's active profile for one
	// environment. Test and production credentials coexist; a submission
	// must never sign with the other environment's certificate.
	ActiveProfile(ctx context.Context, businessId, environment string) (*models.DeviceProfile, error)
	// SaveNewActive stores a freshly enrolled profile and deactivates any
	// previously active profile for the same tenant and environment, in one
	// transaction.
	SaveNewActive(ctx context.Context, profile *models.DeviceProfile) error
}

// QueueStore persists offline queue entries. All mutations are keyed by
// row id with status preconditions so concurrent drainers cannot double-
// process an entry.
type QueueStore interface {
	// InsertEntry returns created=false (and no error) when an entry with
	// the same idempotency key already exists.
	InsertEntry(ctx context.Context, entry *models.FiscalQueueEntry) (bool, error)
	// UnresolvedEntries returns the tenant's non-SUBMITTED entries oldest
	// first. The head of this list is the only entry a drain may touch.
	UnresolvedEntries(ctx context.Context, businessId string, limit int) ([]models.FiscalQueueEntry, error)
	// BusinessesWithDue lists tenants that have at least one retryable
	// entry whose backoff has elapsed.
	BusinessesWithDue(ctx context.Context, now time.Time) ([]string, error)
	// ClaimEntry transitions PENDING/FAILED -> PROCESSING. Returns false
	// when another worker got there first.
	ClaimEntry(ctx context.Context, id int, owner string, now time.Time) (bool, error)
	MarkSubmitted(ctx context.Context, id int, confirmationId string, now time.Time) error
	MarkFailed(ctx context.Context, id int, errorCode string, attempts int, status models.FiscalQueueStatus, nextAttemptAt *time.Time, now time.Time) error
	// ResetEntry returns a FAILED or DEAD entry to PENDING with a clean
	// attempt budget (manual replay).
	ResetEntry(ctx context.Context, id int) error
	// ReleaseStale returns PROCESSING entries whose lock predates cutoff
	// (a drainer died mid-flight) to FAILED so they become claimable again.
	ReleaseStale(ctx context.Context, businessId string, cutoff time.Time) error
	EntryById(ctx context.Context, businessId string, id int) (*models.FiscalQueueEntry, error)
	EntryByReference(ctx context.Context, businessId string, kind models.FiscalTransactionKind, referenceId int) (*models.FiscalQueueEntry, error)
}

// AuditStore is append-only on purpose; queries live on the concrete
// store so nothing in the pipeline can be tempted to read its own trail.
type AuditStore interface {
	Append(ctx context.Context, row *models.FiscalAuditLog) error
}

type SessionStore interface {
	OpenSession(ctx context.Context, businessId string, branchId int, now time.Time) (*models.OfflineSession, error)
	CloseSession(ctx context.Context, businessId string, branchId int, now time.Time) (*models.OfflineSession, error)
	OpenForBranch(ctx context.Context, businessId string, branchId int) (*models.OfflineSession, error)
	IncrementEventCount(ctx context.Context, sessionId int) error
}

type ClosingStore interface {
	// CreateDraft fails with ErrClosingExists when a non-cancelled closing
	// already exists for the branch and date.
	CreateDraft(ctx context.Context, closing *models.DailyClosing) error
	ClosingById(ctx context.Context, businessId string, id int) (*models.DailyClosing, error)
	// MarkCompleted / MarkCancelled return false when the row was not in
	// DRAFT, without touching it.
	MarkCompleted(ctx context.Context, id int, now time.Time) (bool, error)
	MarkCancelled(ctx context.Context, id int, now time.Time) (bool, error)
	LinkQueueEntry(ctx context.Context, id int, queueEntryId int) error
	SetConfirmation(ctx context.Context, businessId string, closingId int, confirmationId string) error
}

// GormStore is the production implementation of every store interface,
// backed by the shared gorm connection.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ActiveProfile(ctx context.Context, businessId, environment string) (*models.DeviceProfile, error) {
	var profile models.DeviceProfile
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND environment = ? AND is_active = ?", businessId, environment, true).
		Order("id DESC").
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *GormStore) SaveNewActive(ctx context.Context, profile *models.DeviceProfile) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.DeviceProfile{}).
			Where("business_id = ? AND environment = ? AND is_active = ?",
				profile.BusinessId, profile.Environment, true).
			Update("is_active", false).Error
		if err != nil {
			return err
		}
		return tx.Create(profile).Error
	})
}

func (s *GormStore) InsertEntry(ctx context.Context, entry *models.FiscalQueueEntry) (bool, error) {
	err := s.db.WithContext(ctx).Create(entry).Error
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *GormStore) UnresolvedEntries(ctx context.Context, businessId string, limit int) ([]models.FiscalQueueEntry, error) {
	var entries []models.FiscalQueueEntry
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND status <> ?", businessId, models.FiscalQueueStatusSubmitted).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (s *GormStore) BusinessesWithDue(ctx context.Context, now time.Time) ([]string, error) {
	var businessIds []string
	err := s.db.WithContext(ctx).
		Model(&models.FiscalQueueEntry{}).
		Distinct("business_id").
		Where("status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			[]models.FiscalQueueStatus{models.FiscalQueueStatusPending, models.FiscalQueueStatusFailed}, now).
		Pluck("business_id", &businessIds).Error
	return businessIds, err
}

func (s *GormStore) ClaimEntry(ctx context.Context, id int, owner string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.FiscalQueueEntry{}).
		Where("id = ? AND status IN ?", id,
			[]models.FiscalQueueStatus{models.FiscalQueueStatusPending, models.FiscalQueueStatusFailed}).
		Updates(map[string]interface{}{
			"status":    models.FiscalQueueStatusProcessing,
			"locked_at": now,
			"locked_by": owner,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) MarkSubmitted(ctx context.Context, id int, confirmationId string, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.FiscalQueueEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.FiscalQueueStatusSubmitted,
			"confirmation_id": confirmationId,
			"last_attempt_at": now,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

func (s *GormStore) MarkFailed(ctx context.Context, id int, errorCode string, attempts int, status models.FiscalQueueStatus, nextAttemptAt *time.Time, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.FiscalQueueEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          status,
			"attempts":        attempts,
			"last_error_code": errorCode,
			"last_attempt_at": now,
			"next_attempt_at": nextAttemptAt,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

func (s *GormStore) ResetEntry(ctx context.Context, id int) error {
	return s.db.WithContext(ctx).
		Model(&models.FiscalQueueEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.FiscalQueueStatusPending,
			"attempts":        0,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

func (s *GormStore) ReleaseStale(ctx context.Context, businessId string, cutoff time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.FiscalQueueEntry{}).
		Where("business_id = ? AND status = ? AND locked_at < ?",
			businessId, models.FiscalQueueStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":    models.FiscalQueueStatusFailed,
			"locked_at": nil,
			"locked_by": nil,
		}).Error
}

func (s *GormStore) EntryById(ctx context.Context, businessId string, id int) (*models.FiscalQueueEntry, error) {
	var entry models.FiscalQueueEntry
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, id).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *GormStore) EntryByReference(ctx context.Context, businessId string, kind models.FiscalTransactionKind, referenceId int) (*models.FiscalQueueEntry, error) {
	var entry models.FiscalQueueEntry
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND reference_type = ? AND reference_id = ?", businessId, kind, referenceId).
		Order("id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *GormStore) Append(ctx context.Context, row *models.FiscalAuditLog) error {
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *GormStore) OpenSession(ctx context.Context, businessId string, branchId int, now time.Time) (*models.OfflineSession, error) {
	var session *models.OfflineSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.OfflineSession
		err := tx.Where("business_id = ? AND branch_id = ? AND deactivated_at IS NULL", businessId, branchId).
			Take(&existing).Error
		if err == nil {
			return ErrSessionAlreadyOpen
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		session = &models.OfflineSession{
			BusinessId:  businessId,
			BranchId:    branchId,
			ActivatedAt: now,
		}
		return tx.Create(session).Error
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *GormStore) CloseSession(ctx context.Context, businessId string, branchId int, now time.Time) (*models.OfflineSession, error) {
	var session models.OfflineSession
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND branch_id = ? AND deactivated_at IS NULL", businessId, branchId).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotOpen
	}
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).
		Model(&session).
		Update("deactivated_at", now).Error; err != nil {
		return nil, err
	}
	session.DeactivatedAt = &now
	return &session, nil
}

func (s *GormStore) OpenForBranch(ctx context.Context, businessId string, branchId int) (*models.OfflineSession, error) {
	var session models.OfflineSession
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND branch_id = ? AND deactivated_at IS NULL", businessId, branchId).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *GormStore) IncrementEventCount(ctx context.Context, sessionId int) error {
	return s.db.WithContext(ctx).
		Model(&models.OfflineSession{}).
		Where("id = ?", sessionId).
		Update("event_count", gorm.Expr("event_count + 1")).Error
}

func (s *GormStore) CreateDraft(ctx context.Context, closing *models.DailyClosing) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.DailyClosing
		err := tx.Where("business_id = ? AND branch_id = ? AND closing_date = ? AND status <> ?",
			closing.BusinessId, closing.BranchId, closing.ClosingDate, models.DailyClosingStatusCancelled).
			Take(&existing).Error
		if err == nil {
			return ErrClosingExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(closing).Error
	})
}

func (s *GormStore) ClosingById(ctx context.Context, businessId string, id int) (*models.DailyClosing, error) {
	var closing models.DailyClosing
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, id).
		Take(&closing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrClosingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &closing, nil
}

func (s *GormStore) MarkCompleted(ctx context.Context, id int, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.DailyClosing{}).
		Where("id = ? AND status = ?", id, models.DailyClosingStatusDraft).
		Updates(map[string]interface{}{
			"status":       models.DailyClosingStatusCompleted,
			"completed_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) MarkCancelled(ctx context.Context, id int, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.DailyClosing{}).
		Where("id = ? AND status = ?", id, models.DailyClosingStatusDraft).
		Updates(map[string]interface{}{
			"status":       models.DailyClosingStatusCancelled,
			"cancelled_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) LinkQueueEntry(ctx context.Context, id int, queueEntryId int) error {
	return s.db.WithContext(ctx).
		Model(&models.DailyClosing{}).
		Where("id = ?", id).
		Update("queue_entry_id", queueEntryId).Error
}

func (s *GormStore) SetConfirmation(ctx context.Context, businessId string, closingId int, confirmationId string) error {
	return s.db.WithContext(ctx).
		Model(&models.DailyClosing{}).
		Where("business_id = ? AND id = ?", businessId, closingId).
		Update("confirmation_id", confirmationId).Error
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
