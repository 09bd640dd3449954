package fiscal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/resto_backend/config"
	"github.com/mmdatafocus/resto_backend/models"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDrainBusy: another worker holds the tenant's drain lock.
	ErrDrainBusy = errors.New("drain already in progress for this tenant")
	// ErrOverrideRequired: replaying a DEAD entry needs an explicit
	// operator override.
	ErrOverrideRequired = errors.New("entry is dead-lettered; replay requires operator override")
	// ErrAlreadySubmitted: the entry already carries an authority confirmation.
	ErrAlreadySubmitted = errors.New("entry was already submitted")
)

const (
	drainLockTTL     = time.Minute
	staleLockTimeout = 5 * time.Minute
	drainBatchSize   = 1
)

// DrainLock is a held per-tenant drain lock.
type DrainLock interface {
	Release(ctx context.Context) error
}

// DrainLocker serializes drains per tenant across all instances.
type DrainLocker interface {
	// Obtain returns ErrDrainBusy when the lock is held elsewhere.
	Obtain(ctx context.Context, key string, ttl time.Duration) (DrainLock, error)
}

// RedisDrainLocker backs DrainLocker with redislock.
type RedisDrainLocker struct {
	client *redislock.Client
}

func NewRedisDrainLocker(client *redislock.Client) *RedisDrainLocker {
	return &RedisDrainLocker{client: client}
}

func (l *RedisDrainLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (DrainLock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrDrainBusy
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// entrySubmitter is what the engine needs from the submitter side.
type entrySubmitter interface {
	SubmitEntry(ctx context.Context, entry *models.FiscalQueueEntry) (string, error)
}

// QueueEngine owns the durable offline queue: enqueueing with idempotency,
// per-tenant FIFO drains with exponential backoff, dead-lettering and
// manual replay.
type QueueEngine struct {
	cfg       *config.FiscalConfig
	store     QueueStore
	locker    DrainLocker
	submitter entrySubmitter
	logger    *logrus.Logger

	// Identifies this process in locked_by, for stale-lock forensics.
	workerId string
}

func NewQueueEngine(cfg *config.FiscalConfig, store QueueStore, locker DrainLocker, logger *logrus.Logger) *QueueEngine {
	host, _ := os.Hostname()
	return &QueueEngine{
		cfg:      cfg,
		store:    store,
		locker:   locker,
		logger:   logger,
		workerId: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// BindSubmitter breaks the construction cycle between the engine and the
// submitter; called once during wiring, before any drain runs.
func (e *QueueEngine) BindSubmitter(s entrySubmitter) {
	e.submitter = s
}

// Enqueue persists an event for later submission. Returns created=false
// when the same logical transaction is already queued (or was already
// submitted); the existing entry is returned either way.
func (e *QueueEngine) Enqueue(ctx context.Context, event Event, payload []byte) (*models.FiscalQueueEntry, bool, error) {
	entry := &models.FiscalQueueEntry{
		BusinessId:     event.BusinessId,
		BranchId:       event.BranchId,
		ReferenceType:  event.Kind,
		ReferenceId:    event.ReferenceId,
		Payload:        payload,
		IdempotencyKey: IdempotencyKey(event.Kind, event.ReferenceId),
		Status:         models.FiscalQueueStatusPending,
	}
	created, err := e.store.InsertEntry(ctx, entry)
	if err != nil {
		return nil, false, NewPersistenceError("enqueue fiscal transaction", err)
	}
	if created {
		return entry, true, nil
	}
	existing, err := e.store.EntryByReference(ctx, event.BusinessId, event.Kind, event.ReferenceId)
	if err != nil {
		return nil, false, NewPersistenceError("load existing queue entry", err)
	}
	return existing, false, nil
}

// Drain works through a tenant's queue strictly oldest-first. The
// authority's protocol is chronology-sensitive, so the head entry gates
// everything behind it: a head that is dead, mid-flight elsewhere, or
// still in backoff stops the drain, and a fresh failure stops it too.
func (e *QueueEngine) Drain(ctx context.Context, businessId string) error {
	lock, err := e.locker.Obtain(ctx, "fiscal:drain:"+businessId, drainLockTTL)
	if errors.Is(err, ErrDrainBusy) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(context.Background()); rerr != nil {
			config.LogError(e.logger, "fiscal", "Drain", "release drain lock", businessId, rerr)
		}
	}()

	now := time.Now().UTC()
	if err := e.store.ReleaseStale(ctx, businessId, now.Add(-staleLockTimeout)); err != nil {
		return NewPersistenceError("release stale locks", err)
	}

	for {
		entries, err := e.store.UnresolvedEntries(ctx, businessId, drainBatchSize)
		if err != nil {
			return NewPersistenceError("load queue head", err)
		}
		if len(entries) == 0 {
			return nil
		}
		head := entries[0]

		switch head.Status {
		case models.FiscalQueueStatusDead:
			// Operator action required; everything behind the head waits.
			return nil
		case models.FiscalQueueStatusProcessing:
			return nil
		}

		now = time.Now().UTC()
		if head.NextAttemptAt != nil && head.NextAttemptAt.After(now) {
			return nil
		}

		claimed, err := e.store.ClaimEntry(ctx, head.ID, e.workerId, now)
		if err != nil {
			return NewPersistenceError("claim queue entry", err)
		}
		if !claimed {
			return nil
		}

		confirmationId, submitErr := e.submitter.SubmitEntry(ctx, &head)
		if submitErr == nil {
			if err := e.store.MarkSubmitted(ctx, head.ID, confirmationId, time.Now().UTC()); err != nil {
				return NewPersistenceError("mark entry submitted", err)
			}
			continue
		}

		if err := e.recordFailure(ctx, &head, submitErr); err != nil {
			return err
		}
		return nil
	}
}

func (e *QueueEngine) recordFailure(ctx context.Context, entry *models.FiscalQueueEntry, submitErr error) error {
	now := time.Now().UTC()
	attempts := entry.Attempts + 1
	code := CodeOf(submitErr)

	if !Retryable(submitErr) || attempts >= e.cfg.MaxAttempts {
		if err := e.store.MarkFailed(ctx, entry.ID, code, attempts, models.FiscalQueueStatusDead, nil, now); err != nil {
			return NewPersistenceError("dead-letter queue entry", err)
		}
		config.LogError(e.logger, "fiscal", "Drain", "entry dead-lettered", entry.ID, NewExhaustedError(entry.ID))
		return nil
	}

	next := now.Add(e.backoffFor(attempts))
	if err := e.store.MarkFailed(ctx, entry.ID, code, attempts, models.FiscalQueueStatusFailed, &next, now); err != nil {
		return NewPersistenceError("mark entry failed", err)
	}
	return nil
}

// backoffFor: base * 2^(attempt-1), capped.
func (e *QueueEngine) backoffFor(attempt int) time.Duration {
	backoff := e.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	if backoff > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return backoff
}

// Replay resets an entry for another delivery cycle and drains the tenant
// immediately. DEAD entries keep their full history and need an explicit
// operator override; SUBMITTED entries are immutable.
func (e *QueueEngine) Replay(ctx context.Context, businessId string, entryId int, override bool) (*models.FiscalQueueEntry, error) {
	entry, err := e.store.EntryById(ctx, businessId, entryId)
	if err != nil {
		return nil, err
	}
	if entry.Status == models.FiscalQueueStatusSubmitted {
		return nil, ErrAlreadySubmitted
	}
	if entry.Status == models.FiscalQueueStatusDead && !override {
		return nil, ErrOverrideRequired
	}
	if err := e.store.ResetEntry(ctx, entry.ID); err != nil {
		return nil, NewPersistenceError("reset queue entry", err)
	}
	if err := e.Drain(ctx, businessId); err != nil {
		config.LogError(e.logger, "fiscal", "Replay", "drain after replay", businessId, err)
	}
	return e.store.EntryById(ctx, businessId, entryId)
}
