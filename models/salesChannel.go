package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"gorm.io/gorm"
)

// SalesChannel is a point of sale. Ingredients for what it sells are drawn from
// DefaultLocationId unless a per-channel price configuration names another location.
type SalesChannel struct {
	ID                int       `gorm:"primary_key" json:"id"`
	BusinessId        string    `gorm:"index;not null" json:"business_id"`
	Name              string    `gorm:"size:100;not null" json:"name"`
	DefaultLocationId int       `gorm:"index" json:"default_location_id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSalesChannel struct {
	Name              string `json:"name" validate:"required,max=100"`
	DefaultLocationId int    `json:"default_location_id" validate:"required,gt=0"`
}

func (c SalesChannel) GetBusinessId() string {
	return c.BusinessId
}

func CreateSalesChannel(ctx context.Context, input *NewSalesChannel) (*SalesChannel, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, NewValidationError("default_location_id", "name and default location are required")
	}
	db := config.GetDB()
	if _, err := loadStorageLocation(db.WithContext(ctx), businessId, input.DefaultLocationId); err != nil {
		return nil, err
	}
	channel := SalesChannel{
		BusinessId:        businessId,
		Name:              input.Name,
		DefaultLocationId: input.DefaultLocationId,
	}
	if err := db.WithContext(ctx).Create(&channel).Error; err != nil {
		return nil, err
	}
	return &channel, nil
}

func loadSalesChannel(tx *gorm.DB, businessId string, id int) (*SalesChannel, error) {
	var channel SalesChannel
	err := tx.Where("business_id = ?", businessId).First(&channel, id).Error
	if err != nil {
		return nil, notFound(err, "sales channel", id)
	}
	return &channel, nil
}
