package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SaleLine is a sold order line as received from the order system. Lines are
// read-only history: retroactive recipe adjustments replay them.
type SaleLine struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;not null;index:idx_sale_line_product_date,priority:1" json:"business_id"`
	ExternalId     string          `gorm:"size:255;not null;index" json:"external_id"`
	ProductId      int             `gorm:"not null;index:idx_sale_line_product_date,priority:2" json:"product_id"`
	SalesChannelId int             `gorm:"not null;index" json:"sales_channel_id"`
	LocationId     int             `gorm:"not null" json:"location_id"`
	Qty            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	SaleDate       time.Time       `gorm:"not null;index:idx_sale_line_product_date,priority:3" json:"sale_date"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewSaleLine struct {
	ExternalId     string          `json:"external_id" validate:"required,max=255"`
	ProductId      int             `json:"product_id" validate:"required,gt=0"`
	SalesChannelId int             `json:"sales_channel_id" validate:"required,gt=0"`
	Qty            decimal.Decimal `json:"qty"`
	SaleDate       *time.Time      `json:"sale_date"`
}

func (input *NewSaleLine) Validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		for field, tag := range utils.ProcessValidationErrors(err) {
			return NewValidationError(toSnake(field), "failed %s", tag)
		}
	}
	if !input.Qty.IsPositive() {
		return NewValidationError("qty", "must be positive")
	}
	return nil
}

// CreateSaleLine stores the line with the location it resolves to at its channel and
// debits stock: recipe ingredients for composed products, the product itself otherwise.
func CreateSaleLine(tx *gorm.DB, businessId string, input *NewSaleLine, correlationId string) (*SaleLine, []*StockMovement, error) {
	product, err := loadProduct(tx, businessId, input.ProductId)
	if err != nil {
		return nil, nil, err
	}
	channel, err := loadSalesChannel(tx, businessId, input.SalesChannelId)
	if err != nil {
		return nil, nil, err
	}
	locationId, err := ResolveChannelLocation(tx, businessId, product.ID, channel)
	if err != nil {
		return nil, nil, err
	}
	saleDate := time.Now().UTC()
	if input.SaleDate != nil && !input.SaleDate.IsZero() {
		saleDate = input.SaleDate.UTC()
	}
	line := SaleLine{
		BusinessId:     businessId,
		ExternalId:     input.ExternalId,
		ProductId:      product.ID,
		SalesChannelId: channel.ID,
		LocationId:     locationId,
		Qty:            input.Qty,
		SaleDate:       saleDate,
	}
	if err := tx.Create(&line).Error; err != nil {
		return nil, nil, err
	}

	ref := NewStockAdjustment{
		MovementDate:  &saleDate,
		Notes:         fmt.Sprintf("Sale %s: %s x %s", input.ExternalId, input.Qty.String(), product.Name),
		ReferenceType: StockReferenceTypeSale,
		ReferenceId:   line.ID,
		CorrelationId: correlationId,
	}
	if product.IsComposed {
		movements, err := consumeRecipeTx(tx, businessId, product.ID, channel, input.Qty, ref)
		if err != nil {
			return nil, nil, err
		}
		return &line, movements, nil
	}

	ref.ProductId = product.ID
	ref.LocationId = locationId
	ref.Qty = input.Qty.Neg()
	ref.MovementType = MovementTypeSale
	ref.SalesChannelId = &channel.ID
	m, err := PostStockMovement(tx, businessId, ref)
	if err != nil {
		return nil, nil, err
	}
	return &line, []*StockMovement{m}, nil
}

func FindSaleLineByExternalId(tx *gorm.DB, businessId string, externalId string) (*SaleLine, error) {
	var line SaleLine
	err := tx.Where("business_id = ? AND external_id = ?", businessId, externalId).First(&line).Error
	if err != nil {
		return nil, notFound(err, "sale line", externalId)
	}
	return &line, nil
}

// HasSalesBefore reports whether the product sold anything before t.
func HasSalesBefore(tx *gorm.DB, businessId string, productId int, t time.Time) (bool, error) {
	var count int64
	err := tx.Model(&SaleLine{}).
		Where("business_id = ? AND product_id = ? AND sale_date < ?", businessId, productId, t).
		Limit(1).Count(&count).Error
	return count > 0, err
}

type SaleLineFilter struct {
	ProductId int        `json:"product_id"`
	From      *time.Time `json:"from"`
	To        *time.Time `json:"to"`
}

func ListSaleLines(ctx context.Context, filter SaleLineFilter) ([]*SaleLine, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	q := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter.ProductId > 0 {
		q = q.Where("product_id = ?", filter.ProductId)
	}
	if filter.From != nil {
		q = q.Where("sale_date >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("sale_date < ?", filter.To.UTC())
	}
	var lines []*SaleLine
	err := q.Order("sale_date, id").Find(&lines).Error
	return lines, err
}
