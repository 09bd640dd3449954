package fiscal

import (
	"context"
	"time"

	"github.com/mmdatafocus/resto_backend/models"
)

// AuditQuery filters the audit trail. Zero values mean "no filter".
type AuditQuery struct {
	BranchId      int
	ReferenceType models.FiscalTransactionKind
	ReferenceId   int
	From          time.Time
	To            time.Time
	OnlyFailures  bool

	Page     int
	PageSize int
}

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

func (q *AuditQuery) normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultAuditPageSize
	}
	if q.PageSize > maxAuditPageSize {
		q.PageSize = maxAuditPageSize
	}
}

// ErrorStat is one row of the failure-frequency dashboard: how often a
// given authority error code has been seen and when it last occurred.
type ErrorStat struct {
	ResponseCode string    `json:"response_code"`
	Count        int64     `json:"count"`
	LastSeen     time.Time `json:"last_seen"`
}

// AuditLogs returns a page of the tenant's audit trail, newest first,
// plus the total match count for pagination.
func (s *GormStore) AuditLogs(ctx context.Context, businessId string, q AuditQuery) ([]models.FiscalAuditLog, int64, error) {
	q.normalize()

	query := s.db.WithContext(ctx).
		Model(&models.FiscalAuditLog{}).
		Where("business_id = ?", businessId)

	if q.BranchId > 0 {
		query = query.Where("branch_id = ?", q.BranchId)
	}
	if q.ReferenceType != "" {
		query = query.Where("reference_type = ?", q.ReferenceType)
	}
	if q.ReferenceId > 0 {
		query = query.Where("reference_id = ?", q.ReferenceId)
	}
	if !q.From.IsZero() {
		query = query.Where("created_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		query = query.Where("created_at < ?", q.To)
	}
	if q.OnlyFailures {
		query = query.Where("success = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.FiscalAuditLog
	err := query.
		Order("id DESC").
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&rows).Error
	return rows, total, err
}

// ErrorStats aggregates failed attempts by authority error code since the
// given time. branchId of zero covers all branches.
func (s *GormStore) ErrorStats(ctx context.Context, businessId string, branchId int, since time.Time) ([]ErrorStat, error) {
	query := s.db.WithContext(ctx).
		Model(&models.FiscalAuditLog{}).
		Select("response_code, COUNT(*) AS count, MAX(created_at) AS last_seen").
		Where("business_id = ? AND success = ?", businessId, false)

	if branchId > 0 {
		query = query.Where("branch_id = ?", branchId)
	}
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}

	var stats []ErrorStat
	err := query.
		Group("response_code").
		Order("count DESC").
		Find(&stats).Error
	return stats, err
}
