package models

import "time"

// FiscalQueueEntry is a pending or historical submission attempt.
//
// The idempotency key is a pure function of (reference_type, reference_id)
// and is stable across retries of the same logical transaction, so a
// re-submission can never create a second fiscal record at the authority.
// Rows are terminal at SUBMITTED or DEAD and are never deleted.
type FiscalQueueEntry struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index:idx_fqe_biz_status,priority:1" json:"business_id"`
	BranchId   int    `gorm:"not null;index" json:"branch_id"`

	ReferenceType FiscalTransactionKind `gorm:"size:20;not null;index:idx_fqe_ref,priority:1" json:"reference_type"`
	ReferenceId   int                   `gorm:"not null;index:idx_fqe_ref,priority:2" json:"reference_id"`

	// Canonical transaction payload as it will be signed and submitted.
	Payload []byte `gorm:"type:json" json:"payload"`

	IdempotencyKey string `gorm:"size:100;not null;uniqueIndex" json:"idempotency_key"`

	Status        FiscalQueueStatus `gorm:"size:20;not null;index:idx_fqe_biz_status,priority:2" json:"status"`
	Attempts      int               `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time        `gorm:"index" json:"next_attempt_at"`
	LastAttemptAt *time.Time        `json:"last_attempt_at"`
	LastErrorCode *string           `gorm:"size:100" json:"last_error_code"`

	ConfirmationId *string `gorm:"size:100" json:"confirmation_id"`

	LockedAt *time.Time `json:"locked_at"`
	LockedBy *string    `gorm:"size:64" json:"locked_by"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
