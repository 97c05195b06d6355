package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"gorm.io/gorm"
)

type StorageLocation struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;not null" json:"business_id"`
	Name       string `gorm:"size:100;not null" json:"name"`
	// sink-only locations accept stock but never send it onward
	IsSinkOnly bool      `gorm:"not null;default:false" json:"is_sink_only"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStorageLocation struct {
	Name       string `json:"name" validate:"required,max=100"`
	IsSinkOnly bool   `json:"is_sink_only"`
}

func (l StorageLocation) GetBusinessId() string {
	return l.BusinessId
}

func CreateStorageLocation(ctx context.Context, input *NewStorageLocation) (*StorageLocation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, NewValidationError("name", "is required")
	}
	location := StorageLocation{
		BusinessId: businessId,
		Name:       input.Name,
		IsSinkOnly: input.IsSinkOnly,
		IsActive:   utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&location).Error; err != nil {
		return nil, err
	}
	return &location, nil
}

func loadStorageLocation(tx *gorm.DB, businessId string, id int) (*StorageLocation, error) {
	var location StorageLocation
	err := tx.Where("business_id = ?", businessId).First(&location, id).Error
	if err != nil {
		return nil, notFound(err, "storage location", id)
	}
	return &location, nil
}
