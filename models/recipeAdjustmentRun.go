package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecipeAdjustmentRun is the pending prompt raised when a sold recipe is edited, and
// the record of how it was resolved.
type RecipeAdjustmentRun struct {
	ID         int                       `gorm:"primary_key" json:"id"`
	BusinessId string                    `gorm:"index;not null" json:"business_id"`
	ProductId  int                       `gorm:"index;not null" json:"product_id"`
	Status     RecipeAdjustmentRunStatus `gorm:"size:20;not null;index" json:"status"`
	// snapshot holding the recipe before the edit
	OldHistoryId int `gorm:"not null" json:"old_history_id"`
	// snapshot written by the edit
	NewHistoryId int `gorm:"not null" json:"new_history_id"`
	// catch-up snapshot of the pre-edit recipe, written by the edit when history lagged
	PreEditHistoryId *int `json:"pre_edit_history_id"`
	// time of the last recorded change before this edit
	LastChangeAt    time.Time             `gorm:"not null" json:"last_change_at"`
	Scope           RecipeAdjustmentScope `gorm:"size:20" json:"scope"`
	SalesReplayed   int                   `gorm:"not null;default:0" json:"sales_replayed"`
	MovementsPosted int                   `gorm:"not null;default:0" json:"movements_posted"`
	Summary         string                `gorm:"type:text" json:"summary"`
	CorrelationId   string                `gorm:"size:64;index" json:"correlation_id"`
	AppliedAt       *time.Time            `json:"applied_at"`
	CancelledAt     *time.Time            `json:"cancelled_at"`
	CreatedAt       time.Time             `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecipeAdjustmentSummary is stored on an applied run and returned on every re-apply.
type RecipeAdjustmentSummary struct {
	RunId           int                        `json:"run_id"`
	ProductId       int                        `json:"product_id"`
	Scope           RecipeAdjustmentScope      `json:"scope"`
	From            time.Time                  `json:"from"`
	To              time.Time                  `json:"to"`
	SalesReplayed   int                        `json:"sales_replayed"`
	MovementsPosted int                        `json:"movements_posted"`
	Adjustments     []RecipeAdjustmentMovement `json:"adjustments"`
}

type RecipeAdjustmentMovement struct {
	IngredientId int             `json:"ingredient_id"`
	LocationId   int             `json:"location_id"`
	Qty          decimal.Decimal `json:"qty"`
	MovementId   int             `json:"movement_id"`
}

func LockRecipeAdjustmentRun(tx *gorm.DB, businessId string, id int) (*RecipeAdjustmentRun, error) {
	var run RecipeAdjustmentRun
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&run, id).Error
	if err != nil {
		return nil, notFound(err, "recipe adjustment run", id)
	}
	return &run, nil
}

func PendingRecipeAdjustmentRun(tx *gorm.DB, businessId string, productId int) (*RecipeAdjustmentRun, error) {
	var runs []*RecipeAdjustmentRun
	err := tx.Where("business_id = ? AND product_id = ? AND status = ?", businessId, productId, RecipeAdjustmentPending).
		Order("id DESC").Limit(1).Find(&runs).Error
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

func GetRecipeAdjustmentRun(ctx context.Context, id int) (*RecipeAdjustmentRun, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	var run RecipeAdjustmentRun
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).First(&run, id).Error; err != nil {
		return nil, notFound(err, "recipe adjustment run", id)
	}
	return &run, nil
}

type RecipeAdjustmentRunFilter struct {
	ProductId int                       `json:"product_id"`
	Status    RecipeAdjustmentRunStatus `json:"status"`
}

func ListRecipeAdjustmentRuns(ctx context.Context, filter RecipeAdjustmentRunFilter) ([]*RecipeAdjustmentRun, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	q := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter.ProductId > 0 {
		q = q.Where("product_id = ?", filter.ProductId)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var runs []*RecipeAdjustmentRun
	err := q.Order("id DESC").Find(&runs).Error
	return runs, err
}
