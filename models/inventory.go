package models

import (
	"context"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Inventory struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	BusinessId         string          `gorm:"index;not null" json:"business_id"`
	LocationId         int             `gorm:"index;not null" json:"location_id"`
	InventoryDate      time.Time       `gorm:"not null" json:"inventory_date"`
	Status             InventoryStatus `gorm:"size:20;not null;index" json:"status"`
	Notes              string          `gorm:"type:text" json:"notes"`
	TotalItems         int             `gorm:"not null;default:0" json:"total_items"`
	TotalDiscrepancies int             `gorm:"not null;default:0" json:"total_discrepancies"`
	ValidatedAt        *time.Time      `json:"validated_at"`
	CancelledAt        *time.Time      `json:"cancelled_at"`
	Lines              []InventoryLine `gorm:"foreignKey:InventoryId" json:"lines"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type InventoryLine struct {
	ID          int    `gorm:"primary_key" json:"id"`
	BusinessId  string `gorm:"index;not null" json:"business_id"`
	InventoryId int    `gorm:"index;not null" json:"inventory_id"`
	ProductId   int    `gorm:"index;not null" json:"product_id"`
	// balance captured when the inventory was opened
	ExpectedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"expected_qty"`
	CountedQty  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"counted_qty"`
	Difference  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"difference"`
	IsCounted   bool            `gorm:"not null;default:false" json:"is_counted"`
	MovementId  *int            `json:"movement_id"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewInventory struct {
	LocationId    int        `json:"location_id" validate:"required,gt=0"`
	InventoryDate *time.Time `json:"inventory_date"`
	Notes         string     `json:"notes" validate:"max=1000"`
}

type NewInventoryCount struct {
	ProductId  int             `json:"product_id" validate:"required,gt=0"`
	CountedQty decimal.Decimal `json:"counted_qty"`
}

func lockInventory(tx *gorm.DB, businessId string, id int) (*Inventory, error) {
	var inventory Inventory
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&inventory, id).Error
	if err != nil {
		return nil, notFound(err, "inventory", id)
	}
	return &inventory, nil
}

func (inv *Inventory) requireDraft() error {
	if inv.Status != InventoryStatusDraft {
		return NewValidationError("status", "inventory %d is %s and can no longer change", inv.ID, inv.Status)
	}
	return nil
}

// OpenInventory starts a count at a location with one line per plain product configured
// there. Expected quantities are the balances at this instant; missing balances are
// created at zero.
func OpenInventory(ctx context.Context, input *NewInventory) (*Inventory, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, NewValidationError("location_id", "is required")
	}
	inventoryDate := time.Now().UTC()
	if input.InventoryDate != nil && !input.InventoryDate.IsZero() {
		inventoryDate = input.InventoryDate.UTC()
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	var location StorageLocation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&location, input.LocationId).Error
	if err != nil {
		tx.Rollback()
		return nil, notFound(err, "storage location", input.LocationId)
	}

	var drafts int64
	if err := tx.Model(&Inventory{}).
		Where("business_id = ? AND location_id = ? AND status = ?", businessId, location.ID, InventoryStatusDraft).
		Count(&drafts).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if drafts > 0 {
		tx.Rollback()
		return nil, NewValidationError("location_id", "a draft inventory is already open at location %d", location.ID)
	}

	var productIds []int
	if err := tx.Model(&PriceConfiguration{}).
		Joins("JOIN products ON products.id = price_configurations.product_id").
		Where("price_configurations.business_id = ? AND price_configurations.scope_kind = ? AND price_configurations.location_id = ?",
			businessId, PriceScopeLocation, location.ID).
		Where("products.is_composed = ?", false).
		Distinct().Order("price_configurations.product_id").
		Pluck("price_configurations.product_id", &productIds).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	inventory := Inventory{
		BusinessId:    businessId,
		LocationId:    location.ID,
		InventoryDate: inventoryDate,
		Status:        InventoryStatusDraft,
		Notes:         input.Notes,
		TotalItems:    len(productIds),
	}
	if err := tx.Create(&inventory).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	lines := make([]InventoryLine, 0, len(productIds))
	for _, productId := range productIds {
		balance := StockBalance{BusinessId: businessId, ProductId: productId, LocationId: location.ID}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(balance).Attrs(StockBalance{Quantity: decimal.Zero}).
			FirstOrCreate(&balance).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		lines = append(lines, InventoryLine{
			BusinessId:  businessId,
			InventoryId: inventory.ID,
			ProductId:   productId,
			ExpectedQty: balance.Quantity,
			CountedQty:  decimal.Zero,
			Difference:  balance.Quantity.Neg(),
		})
	}
	if len(lines) > 0 {
		if err := tx.Create(&lines).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	inventory.Lines = lines
	return &inventory, nil
}

// RecordInventoryCounts sets counted quantities on a draft inventory.
// Differences are taken against the expected quantity captured at open.
func RecordInventoryCounts(ctx context.Context, inventoryId int, counts []NewInventoryCount) (*Inventory, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	for i, c := range counts {
		if c.ProductId <= 0 {
			return nil, NewValidationError(fmt.Sprintf("counts[%d].product_id", i), "is required")
		}
		if c.CountedQty.IsNegative() {
			return nil, NewValidationError(fmt.Sprintf("counts[%d].counted_qty", i), "must not be negative")
		}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	inventory, err := lockInventory(tx, businessId, inventoryId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := inventory.requireDraft(); err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, c := range counts {
		var line InventoryLine
		err := tx.Where("business_id = ? AND inventory_id = ? AND product_id = ?", businessId, inventory.ID, c.ProductId).
			First(&line).Error
		if err != nil {
			tx.Rollback()
			if err == gorm.ErrRecordNotFound {
				return nil, NewValidationError("product_id", "product %d is not part of inventory %d", c.ProductId, inventory.ID)
			}
			return nil, err
		}
		if err := tx.Model(&line).Updates(map[string]interface{}{
			"counted_qty": c.CountedQty,
			"difference":  c.CountedQty.Sub(line.ExpectedQty),
			"is_counted":  true,
		}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return GetInventory(ctx, inventory.ID)
}

// ValidateInventory posts one InventoryAdjustment per non-zero line, stamps the last
// inventory date on every counted balance and closes the inventory. It runs in one
// transaction; a validated inventory cannot be validated again.
func ValidateInventory(ctx context.Context, inventoryId int) (*Inventory, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	ctx, span := tracer.Start(ctx, "ValidateInventory")
	defer span.End()

	db := config.GetDB()
	var movements []*StockMovement
	err := WithConflictRetry(ctx, "ValidateInventory", func() error {
		movements = nil
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			inventory, err := lockInventory(tx, businessId, inventoryId)
			if err != nil {
				return err
			}
			if err := inventory.requireDraft(); err != nil {
				return err
			}
			var lines []*InventoryLine
			if err := tx.Where("business_id = ? AND inventory_id = ?", businessId, inventory.ID).
				Order("id").Find(&lines).Error; err != nil {
				return err
			}

			discrepancies := 0
			for _, line := range lines {
				if !line.Difference.IsZero() {
					discrepancies++
					m, err := PostStockMovement(tx, businessId, NewStockAdjustment{
						ProductId:     line.ProductId,
						LocationId:    inventory.LocationId,
						Qty:           line.Difference,
						MovementType:  MovementTypeInventoryAdjustment,
						Notes:         fmt.Sprintf("Inventory #%d: counted %s, expected %s", inventory.ID, line.CountedQty.String(), line.ExpectedQty.String()),
						ReferenceType: StockReferenceTypeInventory,
						ReferenceId:   inventory.ID,
					})
					if err != nil {
						return err
					}
					movements = append(movements, m)
					if err := tx.Model(line).Update("movement_id", m.ID).Error; err != nil {
						return err
					}
				}
				if err := tx.Model(&StockBalance{}).
					Where("business_id = ? AND product_id = ? AND location_id = ?", businessId, line.ProductId, inventory.LocationId).
					Update("last_inventory_date", inventory.InventoryDate).Error; err != nil {
					return err
				}
			}

			now := time.Now().UTC()
			return tx.Model(inventory).Updates(map[string]interface{}{
				"status":              InventoryStatusValidated,
				"total_items":         len(lines),
				"total_discrepancies": discrepancies,
				"validated_at":        now,
			}).Error
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ObserveMovements(movements...)
	return GetInventory(ctx, inventoryId)
}

// CancelInventory abandons a draft; nothing reaches the ledger.
func CancelInventory(ctx context.Context, inventoryId int) (*Inventory, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inventory, err := lockInventory(tx, businessId, inventoryId)
		if err != nil {
			return err
		}
		if err := inventory.requireDraft(); err != nil {
			return err
		}
		return tx.Model(inventory).Updates(map[string]interface{}{
			"status":       InventoryStatusCancelled,
			"cancelled_at": time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return GetInventory(ctx, inventoryId)
}

func GetInventory(ctx context.Context, inventoryId int) (*Inventory, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	var inventory Inventory
	err := db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("business_id = ?", businessId).
		First(&inventory, inventoryId).Error
	if err != nil {
		return nil, notFound(err, "inventory", inventoryId)
	}
	return &inventory, nil
}

type InventoryFilter struct {
	LocationId int             `json:"location_id"`
	Status     InventoryStatus `json:"status"`
}

func ListInventories(ctx context.Context, filter InventoryFilter) ([]*Inventory, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	q := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter.LocationId > 0 {
		q = q.Where("location_id = ?", filter.LocationId)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var inventories []*Inventory
	err := q.Order("id DESC").Find(&inventories).Error
	return inventories, err
}

// WriteInventorySheet writes the count sheet of an inventory as xlsx.
func WriteInventorySheet(ctx context.Context, inventoryId int, w io.Writer) error {
	inventory, err := GetInventory(ctx, inventoryId)
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(inventory.Lines))
	for _, line := range inventory.Lines {
		ids = append(ids, line.ProductId)
	}
	var products []*Product
	if len(ids) > 0 {
		db := config.GetDB()
		if err := db.WithContext(ctx).
			Where("business_id = ? AND id IN ?", inventory.BusinessId, ids).
			Find(&products).Error; err != nil {
			return err
		}
	}
	byId := make(map[int]*Product, len(products))
	for _, p := range products {
		byId[p.ID] = p
	}

	f := excelize.NewFile()
	defer f.Close()
	sheetName := "Sheet1"
	headings := []string{"ProductId", "Product", "Unit", "Expected", "Counted", "Difference"}
	col := 'A'
	for _, h := range headings {
		f.SetCellValue(sheetName, string(col)+"1", h)
		col++
	}
	for i, line := range inventory.Lines {
		row := fmt.Sprint(i + 2)
		name, unit := "", ""
		if p, ok := byId[line.ProductId]; ok {
			name, unit = p.Name, p.Unit
		}
		expected, _ := line.ExpectedQty.Float64()
		counted, _ := line.CountedQty.Float64()
		difference, _ := line.Difference.Float64()
		f.SetCellValue(sheetName, "A"+row, line.ProductId)
		f.SetCellValue(sheetName, "B"+row, name)
		f.SetCellValue(sheetName, "C"+row, unit)
		f.SetCellValue(sheetName, "D"+row, expected)
		f.SetCellValue(sheetName, "E"+row, counted)
		f.SetCellValue(sheetName, "F"+row, difference)
	}
	return f.Write(w)
}
