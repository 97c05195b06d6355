package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	Name       string          `gorm:"size:100;not null" json:"name"`
	Unit       string          `gorm:"size:20" json:"unit"`
	Kind       ProductKind     `gorm:"size:20;not null;default:Sellable" json:"kind"`
	IsComposed bool            `gorm:"not null;default:false" json:"is_composed"`
	CostPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cost_price"`
	IsActive   *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name       string          `json:"name" validate:"required,max=100"`
	Unit       string          `json:"unit" validate:"max=20"`
	Kind       ProductKind     `json:"kind" validate:"required"`
	IsComposed bool            `json:"is_composed"`
	CostPrice  decimal.Decimal `json:"cost_price"`
}

func (p Product) GetBusinessId() string {
	return p.BusinessId
}

func (input *NewProduct) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		for field, tag := range utils.ProcessValidationErrors(err) {
			return NewValidationError(toSnake(field), "failed %s", tag)
		}
	}
	if !input.Kind.IsValid() {
		return NewValidationError("kind", "unknown product kind %q", input.Kind)
	}
	if input.CostPrice.IsNegative() {
		return NewValidationError("cost_price", "must not be negative")
	}
	return nil
}

// CreateProduct registers a catalog product. Catalog maintenance screens live elsewhere;
// this is the boundary they write through.
func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	product := Product{
		BusinessId: businessId,
		Name:       input.Name,
		Unit:       input.Unit,
		Kind:       input.Kind,
		IsComposed: input.IsComposed,
		CostPrice:  input.CostPrice,
		IsActive:   utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func loadProduct(tx *gorm.DB, businessId string, id int) (*Product, error) {
	var product Product
	err := tx.Where("business_id = ?", businessId).First(&product, id).Error
	if err != nil {
		return nil, notFound(err, "product", id)
	}
	return &product, nil
}

// UpdateProductCost changes a plain product's cost and refreshes the stored cost of
// every composed product using it as an ingredient.
func UpdateProductCost(ctx context.Context, productId int, costPrice decimal.Decimal) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if costPrice.IsNegative() {
		return nil, NewValidationError("cost_price", "must not be negative")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	product, err := loadProduct(tx, businessId, productId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if product.IsComposed {
		tx.Rollback()
		return nil, NewValidationError("product_id", "cost of a composed product is derived from its recipe")
	}
	if err := tx.Model(product).Update("cost_price", costPrice).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	var parents []int
	if err := tx.Model(&RecipeLine{}).
		Where("business_id = ? AND ingredient_id = ?", businessId, productId).
		Distinct().Pluck("product_id", &parents).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, parentId := range parents {
		if _, err := RefreshComposedCost(tx, businessId, parentId); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	_ = utils.RemoveRedisItem[Product](businessId, productId)
	for _, parentId := range parents {
		_ = utils.RemoveRedisItem[Product](businessId, parentId)
	}
	product.CostPrice = costPrice
	return product, nil
}
