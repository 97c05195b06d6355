package workflow

import (
	"context"
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type RepairOptions struct {
	// 0 repairs every product
	ProductId int  `json:"product_id"`
	DryRun    bool `json:"dry_run"`
}

type RepairGroup struct {
	ProductId              int             `json:"product_id"`
	LocationId             int             `json:"location_id"`
	MovementIds            []int           `json:"movement_ids"`
	Total                  decimal.Decimal `json:"total"`
	CompensationMovementId int             `json:"compensation_movement_id,omitempty"`
}

type RepairSummary struct {
	DryRun           bool           `json:"dry_run"`
	CorrelationId    string         `json:"correlation_id"`
	Groups           []*RepairGroup `json:"groups"`
	MovementsRemoved int            `json:"movements_removed"`
	MovementsAdded   int            `json:"movements_added"`
}

func loadRepairGroups(tx *gorm.DB, businessId string, productId int) ([]*RepairGroup, error) {
	q := tx.Where("business_id = ? AND is_retroactive = ? AND movement_type = ?", businessId, true, models.MovementTypeAdjustment).
		Where("is_reversal = ? AND reversed_by_movement_id IS NULL", false)
	if productId > 0 {
		q = q.Where("product_id = ?", productId)
	}
	var movements []*models.StockMovement
	if err := q.Order("id").Find(&movements).Error; err != nil {
		return nil, err
	}

	groups := make(map[[2]int]*RepairGroup)
	for _, m := range movements {
		key := [2]int{m.ProductId, m.LocationId}
		g, ok := groups[key]
		if !ok {
			g = &RepairGroup{ProductId: m.ProductId, LocationId: m.LocationId, Total: decimal.Zero}
			groups[key] = g
		}
		g.MovementIds = append(g.MovementIds, m.ID)
		g.Total = g.Total.Add(m.Qty)
	}
	out := make([]*RepairGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductId != out[j].ProductId {
			return out[i].ProductId < out[j].ProductId
		}
		return out[i].LocationId < out[j].LocationId
	})
	return out, nil
}

// RepairRetroactiveAdjustments undoes retroactive recipe adjustments that were posted in
// error. Active retroactive movements are grouped by (product, location); each group gets
// one compensating movement of minus its total and its movements are linked to it, which
// removes them from the active ledger while keeping the rows. Running it again finds
// nothing left to repair.
func RepairRetroactiveAdjustments(ctx context.Context, opts RepairOptions) (*RepairSummary, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	logger := config.GetLogger()
	db := config.GetDB()
	summary := &RepairSummary{DryRun: opts.DryRun, CorrelationId: uuid.NewString()}

	if opts.DryRun {
		groups, err := loadRepairGroups(db.WithContext(ctx), businessId, opts.ProductId)
		if err != nil {
			return nil, err
		}
		summary.Groups = groups
		for _, g := range groups {
			summary.MovementsRemoved += len(g.MovementIds)
			summary.MovementsAdded++
		}
		return summary, nil
	}

	var added []*models.StockMovement
	err := models.WithConflictRetry(ctx, "RepairRetroactiveAdjustments", func() error {
		added = nil
		summary.Groups = nil
		summary.MovementsRemoved, summary.MovementsAdded = 0, 0
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := AcquireBusinessPostingLock(tx, businessId); err != nil {
				return err
			}
			defer ReleaseBusinessPostingLock(tx, businessId)
			groups, err := loadRepairGroups(tx, businessId, opts.ProductId)
			if err != nil {
				return err
			}
			for _, g := range groups {
				// zero-sum groups still get a marker so their movements can be linked
				m, err := models.PostStockMovement(tx, businessId, models.NewStockAdjustment{
					ProductId:     g.ProductId,
					LocationId:    g.LocationId,
					Qty:           g.Total.Neg(),
					MovementType:  models.MovementTypeAdjustment,
					Notes:         fmt.Sprintf("%s: reverses %d movement(s) totalling %s", ReversalReasonRetroactiveRepair, len(g.MovementIds), g.Total.String()),
					ReferenceType: models.StockReferenceTypeRepair,
					CorrelationId: summary.CorrelationId,
					IsReversal:    true,
				})
				if err != nil {
					return err
				}
				if err := models.LinkReversedMovements(tx, businessId, g.MovementIds, m.ID); err != nil {
					return err
				}
				g.CompensationMovementId = m.ID
				added = append(added, m)
				summary.MovementsRemoved += len(g.MovementIds)
				summary.MovementsAdded++
			}
			summary.Groups = groups
			return nil
		})
	})
	if err != nil {
		config.LogError(logger, "RecipeAdjustment", "RepairRetroactiveAdjustments", "repair", opts, err)
		return nil, err
	}
	models.ObserveMovements(added...)
	logger.WithFields(logrus.Fields{
		"business_id":       businessId,
		"correlation_id":    summary.CorrelationId,
		"groups":            len(summary.Groups),
		"movements_removed": summary.MovementsRemoved,
		"movements_added":   summary.MovementsAdded,
	}).Warn("retroactive adjustments repaired")
	return summary, nil
}
