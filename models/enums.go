package models

// FiscalTransactionKind is the kind of fiscally relevant event the
// pipeline submits to the authority.
type FiscalTransactionKind string

const (
	FiscalTransactionKindSale         FiscalTransactionKind = "SALE"
	FiscalTransactionKindRefund       FiscalTransactionKind = "REFUND"
	FiscalTransactionKindDailyClosing FiscalTransactionKind = "DAILY_CLOSING"
)

// FiscalQueueStatus is the lifecycle of a queued submission.
// PENDING and FAILED are retryable; SUBMITTED and DEAD are terminal.
// DEAD rows are an operator-facing signal and are never deleted.
type FiscalQueueStatus string

const (
	FiscalQueueStatusPending    FiscalQueueStatus = "PENDING"
	FiscalQueueStatusProcessing FiscalQueueStatus = "PROCESSING"
	FiscalQueueStatusFailed     FiscalQueueStatus = "FAILED"
	FiscalQueueStatusSubmitted  FiscalQueueStatus = "SUBMITTED"
	FiscalQueueStatusDead       FiscalQueueStatus = "DEAD"
)

// DailyClosingStatus lifecycle: DRAFT -> COMPLETED | CANCELLED.
type DailyClosingStatus string

const (
	DailyClosingStatusDraft     DailyClosingStatus = "DRAFT"
	DailyClosingStatusCompleted DailyClosingStatus = "COMPLETED"
	DailyClosingStatusCancelled DailyClosingStatus = "CANCELLED"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "A"
	UserRoleOperator UserRole = "O"
)
