package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockBalance is the current quantity of one product at one location.
// Rows are created lazily; a missing row means zero.
type StockBalance struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"size:64;not null;uniqueIndex:uniq_stock_balance_key" json:"business_id"`
	ProductId         int             `gorm:"not null;uniqueIndex:uniq_stock_balance_key" json:"product_id"`
	LocationId        int             `gorm:"not null;uniqueIndex:uniq_stock_balance_key;index" json:"location_id"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	Version           int             `gorm:"not null;default:0" json:"version"`
	LastInventoryDate *time.Time      `json:"last_inventory_date"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// StockMovement is one append-only ledger entry. Rows are never updated except to
// link a later reversal (ReversedByMovementId, ReversedAt).
type StockMovement struct {
	ID             int                `gorm:"primary_key" json:"id"`
	BusinessId     string             `gorm:"index;not null" json:"business_id"`
	ProductId      int                `gorm:"index:idx_stock_movement_key;not null" json:"product_id"`
	LocationId     int                `gorm:"index:idx_stock_movement_key;not null" json:"location_id"`
	MovementType   MovementType       `gorm:"size:30;not null;index" json:"movement_type"`
	Qty            decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"qty"`
	PreviousQty    decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"previous_qty"`
	NewQty         decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"new_qty"`
	MovementDate   time.Time          `gorm:"not null;index" json:"movement_date"`
	SalesChannelId *int               `gorm:"index" json:"sales_channel_id"`
	Notes          string             `gorm:"type:text" json:"notes"`
	ReferenceType  StockReferenceType `gorm:"size:30;index:idx_stock_movement_reference" json:"reference_type"`
	ReferenceId    int                `gorm:"index:idx_stock_movement_reference" json:"reference_id"`
	CorrelationId  string             `gorm:"size:64;index" json:"correlation_id"`
	// posted by a retroactive recipe adjustment
	IsRetroactive        bool       `gorm:"not null;default:false;index" json:"is_retroactive"`
	IsReversal           bool       `gorm:"not null;default:false;index" json:"is_reversal"`
	ReversesMovementId   *int       `gorm:"index" json:"reverses_movement_id"`
	ReversedByMovementId *int       `gorm:"index" json:"reversed_by_movement_id"`
	ReversedAt           *time.Time `json:"reversed_at"`
	CreatedBy            string     `gorm:"size:100" json:"created_by"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeCreate keeps every row self-consistent: new = previous + qty.
// Rows are append-only; later updates only touch the reversal link.
func (m *StockMovement) BeforeCreate(tx *gorm.DB) error {
	if !m.MovementType.IsValid() {
		return fmt.Errorf("stock movement: invalid movement type %q", m.MovementType)
	}
	if !m.NewQty.Equal(m.PreviousQty.Add(m.Qty)) {
		return fmt.Errorf("stock movement: new qty %s != previous qty %s + qty %s",
			m.NewQty.String(), m.PreviousQty.String(), m.Qty.String())
	}
	return nil
}

// IsActive reports whether the movement belongs to the active ledger view:
// neither a reversal nor reversed by one.
func (m *StockMovement) IsActive() bool {
	return !m.IsReversal && m.ReversedByMovementId == nil
}

func activeMovementScope(db *gorm.DB) *gorm.DB {
	return db.Where("is_reversal = ? AND reversed_by_movement_id IS NULL", false)
}
