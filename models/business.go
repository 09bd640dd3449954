package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/resto_backend/config"
)

// Business is the tenant. Only the columns the fiscal pipeline reads are
// modeled here; the full business/menu/commission CRUD lives in the main
// platform service.
type Business struct {
	ID              string    `gorm:"primary_key;size:64" json:"id"`
	Name            string    `gorm:"size:100;not null" json:"name"`
	Timezone        string    `gorm:"size:50" json:"timezone"`
	PrimaryBranchId int       `json:"primary_branch_id"`
	IsActive        *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetBusinessById(ctx context.Context, businessId string) (*Business, error) {
	if businessId == "" {
		return nil, errors.New("business id is required")
	}

	var business Business
	redisKey := "Business:" + businessId
	exists, err := config.GetRedisObject(redisKey, &business)
	if err != nil {
		return nil, err
	}
	if exists {
		return &business, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("id = ?", businessId).Take(&business).Error; err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(redisKey, &business, 0)
	return &business, nil
}
