package models

import "time"

// FiscalAuditLog is an append-only record of every submission attempt,
// direct or retried, success or failure. Rows are never mutated or
// deleted; the operator dashboard is built on top of this table.
type FiscalAuditLog struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index:idx_fal_biz_created,priority:1" json:"business_id"`
	BranchId   int    `gorm:"not null;index" json:"branch_id"`

	ReferenceType FiscalTransactionKind `gorm:"size:20;index:idx_fal_ref,priority:1" json:"reference_type"`
	ReferenceId   int                   `gorm:"index:idx_fal_ref,priority:2" json:"reference_id"`

	// SHA-256 fingerprint of the signed request body; lets an auditor match
	// a local attempt against the authority's records without storing the
	// full signed payload twice.
	RequestFingerprint string `gorm:"size:100" json:"request_fingerprint"`

	ResponseCode string `gorm:"size:100;index" json:"response_code"`
	ErrorMessage string `gorm:"type:text" json:"error_message"`
	Success      bool   `gorm:"not null;index" json:"success"`

	LatencyMs int64 `json:"latency_ms"`

	CorrelationId string    `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index:idx_fal_biz_created,priority:2" json:"created_at"`
}
