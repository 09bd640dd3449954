package fiscal

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/resto_backend/config"
	"github.com/mmdatafocus/resto_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ClosingService orchestrates the daily closing lifecycle:
// DRAFT -> COMPLETED (two-phase) or DRAFT -> CANCELLED.
//
// Completion is deliberately split: phase one commits the COMPLETED
// status locally and is irreversible; phase two hands the closing to the
// offline queue, which is the system of record for eventual delivery to
// the authority. A phase-two failure never rolls back phase one.
type ClosingService struct {
	cfg      *config.FiscalConfig
	closings ClosingStore
	profiles ProfileStore
	queue    *QueueEngine
	logger   *logrus.Logger
}

func NewClosingService(cfg *config.FiscalConfig, closings ClosingStore, profiles ProfileStore, queue *QueueEngine, logger *logrus.Logger) *ClosingService {
	return &ClosingService{cfg: cfg, closings: closings, profiles: profiles, queue: queue, logger: logger}
}

// ClosingInput carries the day's aggregates, computed by the POS layer
// that owns the order data.
type ClosingInput struct {
	BranchId    int             `json:"branch_id"`
	ClosingDate time.Time       `json:"closing_date"`
	Currency    string          `json:"currency"`

	TotalSales   decimal.Decimal `json:"total_sales"`
	TotalRefunds decimal.Decimal `json:"total_refunds"`
	TotalTax     decimal.Decimal `json:"total_tax"`
	SaleCount    int             `json:"sale_count"`
	RefundCount  int             `json:"refund_count"`
}

// Start creates a DRAFT closing. At most one non-cancelled closing may
// exist per branch and date.
func (s *ClosingService) Start(ctx context.Context, businessId string, input ClosingInput) (*models.DailyClosing, error) {
	if input.BranchId <= 0 {
		return nil, NewProtocolError("VALIDATION", "branch id is required")
	}
	if input.ClosingDate.IsZero() {
		return nil, NewProtocolError("VALIDATION", "closing date is required")
	}
	if input.Currency == "" {
		return nil, NewProtocolError("VALIDATION", "currency is required")
	}

	closing := &models.DailyClosing{
		BusinessId:   businessId,
		BranchId:     input.BranchId,
		ClosingDate:  normalizeClosingDate(input.ClosingDate),
		Currency:     input.Currency,
		TotalSales:   input.TotalSales,
		TotalRefunds: input.TotalRefunds,
		TotalTax:     input.TotalTax,
		SaleCount:    input.SaleCount,
		RefundCount:  input.RefundCount,
		Status:       models.DailyClosingStatusDraft,
	}
	if err := s.closings.CreateDraft(ctx, closing); err != nil {
		if errors.Is(err, ErrClosingExists) {
			return nil, err
		}
		return nil, NewPersistenceError("create draft closing", err)
	}
	return closing, nil
}

// Complete commits the closing and enqueues it for fiscal submission.
// A non-nil closing in the return means phase one committed, even when
// the enqueue error is non-nil; the drain scheduler and manual replay
// cover recovery from a failed phase two.
func (s *ClosingService) Complete(ctx context.Context, businessId string, closingId int) (*models.DailyClosing, error) {
	closing, err := s.closings.ClosingById(ctx, businessId, closingId)
	if err != nil {
		return nil, err
	}

	ok, err := s.closings.MarkCompleted(ctx, closing.ID, time.Now().UTC())
	if err != nil {
		return nil, NewPersistenceError("complete closing", err)
	}
	if !ok {
		return nil, ErrInvalidTransition
	}

	closing, err = s.closings.ClosingById(ctx, businessId, closingId)
	if err != nil {
		return nil, err
	}

	if enqueueErr := s.enqueueClosing(ctx, closing); enqueueErr != nil {
		config.LogError(s.logger, "fiscal", "Complete", "enqueue completed closing", closing.ID, enqueueErr)
		return closing, enqueueErr
	}
	return closing, nil
}

func (s *ClosingService) enqueueClosing(ctx context.Context, closing *models.DailyClosing) error {
	profile, err := s.profiles.ActiveProfile(ctx, closing.BusinessId, s.cfg.Environment)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return NewConfigurationError("tenant has no active device profile")
		}
		return NewPersistenceError("load device profile", err)
	}

	event := Event{
		BusinessId:  closing.BusinessId,
		BranchId:    closing.BranchId,
		Kind:        models.FiscalTransactionKindDailyClosing,
		ReferenceId: closing.ID,
		OccurredAt:  time.Now().UTC(),
		Currency:    closing.Currency,
		GrossAmount: closing.TotalSales.Sub(closing.TotalRefunds),
		TaxAmount:   closing.TotalTax,
	}
	payload, err := BuildCanonicalTransaction(profile, event)
	if err != nil {
		return err
	}

	entry, _, err := s.queue.Enqueue(ctx, event, payload)
	if err != nil {
		return err
	}
	if err := s.closings.LinkQueueEntry(ctx, closing.ID, entry.ID); err != nil {
		config.LogError(s.logger, "fiscal", "enqueueClosing", "link queue entry", closing.ID, err)
	}

	if err := s.queue.Drain(ctx, closing.BusinessId); err != nil {
		config.LogError(s.logger, "fiscal", "enqueueClosing", "drain after closing", closing.BusinessId, err)
	}
	return nil
}

// Cancel discards a DRAFT closing. Completed closings are fiscal records
// and can never be cancelled.
func (s *ClosingService) Cancel(ctx context.Context, businessId string, closingId int) (*models.DailyClosing, error) {
	closing, err := s.closings.ClosingById(ctx, businessId, closingId)
	if err != nil {
		return nil, err
	}
	ok, err := s.closings.MarkCancelled(ctx, closing.ID, time.Now().UTC())
	if err != nil {
		return nil, NewPersistenceError("cancel closing", err)
	}
	if !ok {
		return nil, ErrInvalidTransition
	}
	return s.closings.ClosingById(ctx, businessId, closingId)
}

func normalizeClosingDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
