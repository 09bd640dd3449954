package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyClosing is the end-of-day aggregate fiscal record for one branch
// and one calendar date.
//
// Invariant: at most one non-cancelled closing per (branch_id, closing_date).
// Completion is two-phase: the COMPLETED status commits locally first and
// irreversibly; the enqueue to the fiscal pipeline is best-effort and the
// queue is the system of record for eventual delivery.
type DailyClosing struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index" json:"business_id"`
	BranchId   int    `gorm:"not null;index:idx_dc_branch_date,priority:1" json:"branch_id"`

	// Date only; stored at UTC midnight.
	ClosingDate time.Time `gorm:"not null;index:idx_dc_branch_date,priority:2" json:"closing_date"`

	Currency string `gorm:"size:3;not null" json:"currency"`

	TotalSales   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_sales"`
	TotalRefunds decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_refunds"`
	TotalTax     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_tax"`
	SaleCount    int             `gorm:"not null;default:0" json:"sale_count"`
	RefundCount  int             `gorm:"not null;default:0" json:"refund_count"`

	Status DailyClosingStatus `gorm:"size:20;not null;index" json:"status"`

	// Set once the completed closing has been handed to the offline queue.
	QueueEntryId *int `json:"queue_entry_id"`

	// Authority confirmation, filled in when the submission succeeds.
	ConfirmationId *string `gorm:"size:100" json:"confirmation_id"`

	CompletedAt *time.Time `json:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
