package models

import "time"

// OfflineSession brackets a connectivity outage for a branch. While a
// session is open, fiscal events are enqueued rather than submitted
// directly; closing the session triggers a drain for the tenant.
//
// Invariant: at most one open (deactivated_at IS NULL) session per branch.
type OfflineSession struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index" json:"business_id"`
	BranchId   int    `gorm:"not null;index:idx_os_branch_open,priority:1" json:"branch_id"`

	ActivatedAt   time.Time  `gorm:"not null" json:"activated_at"`
	DeactivatedAt *time.Time `gorm:"index:idx_os_branch_open,priority:2" json:"deactivated_at"`

	// Number of fiscal events enqueued while this session was open.
	EventCount int `gorm:"not null;default:0" json:"event_count"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
