package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// adjustments smaller than this are treated as rounding noise
var retroactiveEpsilon = decimal.New(1, -4)

type SaveRecipeResult struct {
	Lines   []*models.RecipeLine  `json:"lines"`
	History *models.RecipeHistory `json:"history"`
	// set when sales already happened under the previous recipe; resolve it with
	// ApplyRecipeAdjustment or CancelRecipeAdjustment
	PendingRun           *models.RecipeAdjustmentRun  `json:"pending_run"`
	MissingConfiguration []*models.ConfigurationError `json:"missing_configuration"`
}

func recipeLock(ctx context.Context, businessId string, productId int, funcName string) (func(), error) {
	return utils.ResourceLock(ctx, "recipe", fmt.Sprintf("%s:%d", businessId, productId), "RecipeAdjustment", funcName)
}

// SaveRecipe writes a new recipe for a composed product and records it in the recipe
// history. When the product is sellable, already had a recorded recipe and has sales,
// a pending adjustment run is opened so the operator can choose how far back the new
// quantities apply.
func SaveRecipe(ctx context.Context, productId int, lines []models.NewRecipeLine) (*SaveRecipeResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	release, err := recipeLock(ctx, businessId, productId, "SaveRecipe")
	if err != nil {
		return nil, err
	}
	defer release()

	logger := config.GetLogger()
	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	result, err := saveRecipeTx(tx, businessId, productId, lines)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		config.LogError(logger, "RecipeAdjustment", "SaveRecipe", "commit", productId, err)
		return nil, err
	}
	_ = utils.RemoveRedisItem[models.Product](businessId, productId)

	if config.DebugRecipeAdjustment() {
		fields := logrus.Fields{
			"business_id": businessId,
			"product_id":  productId,
			"history_id":  result.History.ID,
			"missing":     len(result.MissingConfiguration),
		}
		if result.PendingRun != nil {
			fields["run_id"] = result.PendingRun.ID
		}
		logger.WithFields(fields).Info("recipe saved")
	}
	return result, nil
}

func saveRecipeTx(tx *gorm.DB, businessId string, productId int, lines []models.NewRecipeLine) (*SaveRecipeResult, error) {
	var product models.Product
	if err := tx.Where("business_id = ?", businessId).First(&product, productId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Resource: "product", Id: productId}
		}
		return nil, err
	}
	pending, err := models.PendingRecipeAdjustmentRun(tx, businessId, productId)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, models.NewValidationError("product_id", "recipe adjustment run %d is still pending for product %d", pending.ID, productId)
	}

	latest, err := models.LatestRecipeHistory(tx, businessId, productId)
	if err != nil {
		return nil, err
	}
	current, err := models.GetRecipeLines(tx, businessId, productId)
	if err != nil {
		return nil, err
	}
	result := &SaveRecipeResult{}

	if latest == nil {
		if err := models.SetRecipe(tx, businessId, productId, lines); err != nil {
			return nil, err
		}
		newLines, err := models.GetRecipeLines(tx, businessId, productId)
		if err != nil {
			return nil, err
		}
		history, err := models.WriteRecipeHistory(tx, businessId, productId, models.RecipeModificationCreate, models.SnapshotOf(newLines))
		if err != nil {
			return nil, err
		}
		result.Lines, result.History = newLines, history
		return finishRecipeSave(tx, businessId, productId, result)
	}

	// snapshot the recipe being replaced when history does not hold it yet
	oldHistory := latest
	latestLines, err := latest.Snapshot()
	if err != nil {
		return nil, err
	}
	var preEditId *int
	currentSnap := models.SnapshotOf(current)
	if len(currentSnap) > 0 && !models.SameRecipe(latestLines, currentSnap) {
		preEdit, err := models.WriteRecipeHistory(tx, businessId, productId, models.RecipeModificationUpdate, currentSnap)
		if err != nil {
			return nil, err
		}
		oldHistory = preEdit
		preEditId = &preEdit.ID
	}

	if err := models.SetRecipe(tx, businessId, productId, lines); err != nil {
		return nil, err
	}
	newLines, err := models.GetRecipeLines(tx, businessId, productId)
	if err != nil {
		return nil, err
	}
	newSnap := models.SnapshotOf(newLines)
	oldSnap, err := oldHistory.Snapshot()
	if err != nil {
		return nil, err
	}
	result.Lines = newLines
	if models.SameRecipe(oldSnap, newSnap) {
		result.History = oldHistory
		return finishRecipeSave(tx, businessId, productId, result)
	}

	history, err := models.WriteRecipeHistory(tx, businessId, productId, models.RecipeModificationUpdate, newSnap)
	if err != nil {
		return nil, err
	}
	result.History = history

	if product.IsComposed && product.Kind == models.ProductKindSellable {
		now := time.Now().UTC()
		hasSales, err := models.HasSalesBefore(tx, businessId, productId, now)
		if err != nil {
			return nil, err
		}
		if hasSales {
			run := models.RecipeAdjustmentRun{
				BusinessId:       businessId,
				ProductId:        productId,
				Status:           models.RecipeAdjustmentPending,
				OldHistoryId:     oldHistory.ID,
				NewHistoryId:     history.ID,
				PreEditHistoryId: preEditId,
				LastChangeAt:     latest.CreatedAt,
				CorrelationId:    uuid.NewString(),
				CreatedAt:        now,
			}
			if err := tx.Create(&run).Error; err != nil {
				return nil, err
			}
			result.PendingRun = &run
		}
	}
	return finishRecipeSave(tx, businessId, productId, result)
}

func finishRecipeSave(tx *gorm.DB, businessId string, productId int, result *SaveRecipeResult) (*SaveRecipeResult, error) {
	missing, err := models.RebuildRecipeByChannel(tx, businessId, productId)
	if err != nil {
		return nil, err
	}
	result.MissingConfiguration = missing
	if _, err := models.RefreshComposedCost(tx, businessId, productId); err != nil {
		return nil, err
	}
	return result, nil
}

// ComputeRecipeDelta returns new - old per ingredient over the union of both recipes.
// Ingredients whose quantity did not change are omitted.
func ComputeRecipeDelta(oldLines, newLines []models.RecipeSnapshotLine) map[int]decimal.Decimal {
	delta := make(map[int]decimal.Decimal)
	for _, l := range newLines {
		delta[l.IngredientId] = delta[l.IngredientId].Add(l.Qty)
	}
	for _, l := range oldLines {
		delta[l.IngredientId] = delta[l.IngredientId].Sub(l.Qty)
	}
	for id, d := range delta {
		if d.IsZero() {
			delete(delta, id)
		}
	}
	return delta
}

type adjustmentKey struct {
	IngredientId int
	LocationId   int
}

// ReplaySaleLines accumulates delta x sold qty per (ingredient, location) over lines.
func ReplaySaleLines(acc map[adjustmentKey]decimal.Decimal, delta map[int]decimal.Decimal, lines []*models.SaleLine) {
	for _, line := range lines {
		for ingredientId, d := range delta {
			key := adjustmentKey{IngredientId: ingredientId, LocationId: line.LocationId}
			acc[key] = acc[key].Add(d.Mul(line.Qty))
		}
	}
}

func sortedAdjustmentKeys(acc map[adjustmentKey]decimal.Decimal) []adjustmentKey {
	keys := make([]adjustmentKey, 0, len(acc))
	for k := range acc {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].IngredientId != keys[j].IngredientId {
			return keys[i].IngredientId < keys[j].IngredientId
		}
		return keys[i].LocationId < keys[j].LocationId
	})
	return keys
}

// ApplyRecipeAdjustment replays the product's sales in scope against the recipe diff of
// a pending run and posts one corrective movement per (ingredient, location). Everything,
// including the run's move to Applied, commits in one transaction. Applying an applied run
// again returns its stored summary without posting.
func ApplyRecipeAdjustment(ctx context.Context, runId int, scope models.RecipeAdjustmentScope) (*models.RecipeAdjustmentSummary, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if !scope.IsValid() {
		return nil, models.NewValidationError("scope", "unknown scope %q", scope)
	}
	run, err := models.GetRecipeAdjustmentRun(ctx, runId)
	if err != nil {
		return nil, err
	}
	release, err := recipeLock(ctx, businessId, run.ProductId, "ApplyRecipeAdjustment")
	if err != nil {
		return nil, err
	}
	defer release()

	logger := config.GetLogger()
	db := config.GetDB()
	var summary *models.RecipeAdjustmentSummary
	var movements []*models.StockMovement
	var applied bool
	err = models.WithConflictRetry(ctx, "ApplyRecipeAdjustment", func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			s, m, fresh, err := applyRecipeAdjustmentTx(tx, businessId, runId, scope)
			summary, movements, applied = s, m, fresh
			return err
		})
	})
	if err != nil {
		var validationErr *models.ValidationError
		if !errors.As(err, &validationErr) {
			config.LogError(logger, "RecipeAdjustment", "ApplyRecipeAdjustment", "apply run", runId, err)
		}
		return nil, err
	}
	if !applied {
		return summary, nil
	}
	models.ObserveMovements(movements...)
	config.RecipeAdjustmentRuns.WithLabelValues(string(models.RecipeAdjustmentApplied)).Inc()
	if config.DebugRecipeAdjustment() {
		logger.WithFields(logrus.Fields{
			"business_id":      businessId,
			"run_id":           runId,
			"scope":            scope,
			"sales_replayed":   summary.SalesReplayed,
			"movements_posted": summary.MovementsPosted,
		}).Info("recipe adjustment applied")
	}
	return summary, nil
}

func applyRecipeAdjustmentTx(tx *gorm.DB, businessId string, runId int, scope models.RecipeAdjustmentScope) (*models.RecipeAdjustmentSummary, []*models.StockMovement, bool, error) {
	run, err := models.LockRecipeAdjustmentRun(tx, businessId, runId)
	if err != nil {
		return nil, nil, false, err
	}
	switch run.Status {
	case models.RecipeAdjustmentApplied:
		var stored models.RecipeAdjustmentSummary
		if err := json.Unmarshal([]byte(run.Summary), &stored); err != nil {
			return nil, nil, false, fmt.Errorf("recipe adjustment run %d: stored summary: %w", run.ID, err)
		}
		return &stored, nil, false, nil
	case models.RecipeAdjustmentCancelled:
		return nil, nil, false, models.NewValidationError("status", "recipe adjustment run %d was cancelled", run.ID)
	}

	oldHistory, err := models.LoadRecipeHistory(tx, businessId, run.OldHistoryId)
	if err != nil {
		return nil, nil, false, err
	}
	newHistory, err := models.LoadRecipeHistory(tx, businessId, run.NewHistoryId)
	if err != nil {
		return nil, nil, false, err
	}
	oldLines, err := oldHistory.Snapshot()
	if err != nil {
		return nil, nil, false, err
	}
	newLines, err := newHistory.Snapshot()
	if err != nil {
		return nil, nil, false, err
	}
	delta := ComputeRecipeDelta(oldLines, newLines)

	from := time.Unix(0, 0).UTC()
	if scope == models.RecipeAdjustmentSinceLastChange {
		from = run.LastChangeAt.UTC()
	}
	to := run.CreatedAt.UTC()
	summary := &models.RecipeAdjustmentSummary{
		RunId:     run.ID,
		ProductId: run.ProductId,
		Scope:     scope,
		From:      from,
		To:        to,
	}

	acc := make(map[adjustmentKey]decimal.Decimal)
	var batch []*models.SaleLine
	res := tx.Model(&models.SaleLine{}).
		Where("business_id = ? AND product_id = ? AND sale_date >= ? AND sale_date < ?", businessId, run.ProductId, from, to).
		FindInBatches(&batch, config.RetroReplayBatchSize(), func(btx *gorm.DB, _ int) error {
			summary.SalesReplayed += len(batch)
			ReplaySaleLines(acc, delta, batch)
			return nil
		})
	if res.Error != nil {
		return nil, nil, false, res.Error
	}

	var movements []*models.StockMovement
	for _, key := range sortedAdjustmentKeys(acc) {
		total := acc[key]
		if total.Abs().LessThan(retroactiveEpsilon) {
			continue
		}
		m, err := models.PostStockMovement(tx, businessId, models.NewStockAdjustment{
			ProductId:     key.IngredientId,
			LocationId:    key.LocationId,
			Qty:           total.Neg(),
			MovementType:  models.MovementTypeAdjustment,
			Notes:         fmt.Sprintf("Retroactive recipe adjustment of product %d (run %d, %s)", run.ProductId, run.ID, scope),
			ReferenceType: models.StockReferenceTypeRecipeAdjustment,
			ReferenceId:   run.ID,
			CorrelationId: run.CorrelationId,
			IsRetroactive: true,
		})
		if err != nil {
			return nil, nil, false, err
		}
		movements = append(movements, m)
		summary.Adjustments = append(summary.Adjustments, models.RecipeAdjustmentMovement{
			IngredientId: key.IngredientId,
			LocationId:   key.LocationId,
			Qty:          m.Qty,
			MovementId:   m.ID,
		})
	}
	summary.MovementsPosted = len(movements)

	raw, err := json.Marshal(summary)
	if err != nil {
		return nil, nil, false, err
	}
	now := time.Now().UTC()
	if err := tx.Model(run).Updates(map[string]interface{}{
		"status":           models.RecipeAdjustmentApplied,
		"scope":            scope,
		"sales_replayed":   summary.SalesReplayed,
		"movements_posted": summary.MovementsPosted,
		"summary":          string(raw),
		"applied_at":       now,
	}).Error; err != nil {
		return nil, nil, false, err
	}
	return summary, movements, true, nil
}

// CancelRecipeAdjustment rolls the recipe edit behind a pending run back: the previous
// recipe becomes current again and the snapshots written by the edit are removed.
// The ledger is not touched.
func CancelRecipeAdjustment(ctx context.Context, runId int) (*models.RecipeAdjustmentRun, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	run, err := models.GetRecipeAdjustmentRun(ctx, runId)
	if err != nil {
		return nil, err
	}
	release, err := recipeLock(ctx, businessId, run.ProductId, "CancelRecipeAdjustment")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	run, err = models.LockRecipeAdjustmentRun(tx, businessId, runId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if run.Status != models.RecipeAdjustmentPending {
		tx.Rollback()
		return nil, models.NewValidationError("status", "recipe adjustment run %d is %s", run.ID, run.Status)
	}
	oldHistory, err := models.LoadRecipeHistory(tx, businessId, run.OldHistoryId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	oldLines, err := oldHistory.Snapshot()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.RestoreRecipeSnapshot(tx, businessId, run.ProductId, oldLines); err != nil {
		tx.Rollback()
		return nil, err
	}
	written := []int{run.NewHistoryId}
	if run.PreEditHistoryId != nil {
		written = append(written, *run.PreEditHistoryId)
	}
	if err := tx.Where("business_id = ? AND product_id = ? AND id IN ?", businessId, run.ProductId, written).
		Delete(&models.RecipeHistory{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := models.RebuildRecipeByChannel(tx, businessId, run.ProductId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := models.RefreshComposedCost(tx, businessId, run.ProductId); err != nil {
		tx.Rollback()
		return nil, err
	}
	now := time.Now().UTC()
	if err := tx.Model(run).Updates(map[string]interface{}{
		"status":       models.RecipeAdjustmentCancelled,
		"cancelled_at": now,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	_ = utils.RemoveRedisItem[models.Product](businessId, run.ProductId)
	config.RecipeAdjustmentRuns.WithLabelValues(string(models.RecipeAdjustmentCancelled)).Inc()
	run.Status = models.RecipeAdjustmentCancelled
	run.CancelledAt = &now
	return run, nil
}
