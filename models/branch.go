package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/resto_backend/config"
	"gorm.io/gorm"
)

// Branch is a physical location of a tenant. The fiscal pipeline only
// needs identity and activity; branch CRUD is owned by the main platform
// service.
type Branch struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	Name       string    `gorm:"index;size:100;not null" json:"name"`
	Address    string    `gorm:"type:text" json:"address"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetBranchById(ctx context.Context, businessId string, branchId int) (*Branch, error) {
	if branchId <= 0 {
		return nil, errors.New("branch id is required")
	}
	db := config.GetDB()
	var branch Branch
	if err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, branchId).
		Take(&branch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("branch not found")
		}
		return nil, err
	}
	return &branch, nil
}
