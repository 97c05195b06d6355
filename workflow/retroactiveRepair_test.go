package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/models"
	"github.com/stretchr/testify/require"
)

func TestRecordSaleIsIdempotentPerExternalId(t *testing.T) {
	k := newKitchen(t, "10")
	k.saveRecipe(t, "2")

	first := k.sell(t, "order-1", "1", nil)
	require.False(t, first.Duplicate)
	require.Len(t, first.Movements, 1)
	require.Equal(t, k.depot.ID, first.SaleLine.LocationId)
	assertDecimal(t, "balance", k.balance(t), "8")

	again := k.sell(t, "order-1", "1", nil)
	require.True(t, again.Duplicate)
	require.Empty(t, again.Movements)
	require.Equal(t, first.SaleLine.ID, again.SaleLine.ID)
	assertDecimal(t, "balance after duplicate", k.balance(t), "8")

	lines, err := models.ListSaleLines(k.ctx, models.SaleLineFilter{ProductId: k.p.ID})
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var validationErr *models.ValidationError
	_, err = RecordSale(k.ctx, &models.NewSaleLine{ExternalId: "order-2", ProductId: k.p.ID, SalesChannelId: k.shop.ID, Qty: dec("0")})
	require.ErrorAs(t, err, &validationErr)
	_, err = RecordSale(k.ctx, &models.NewSaleLine{ProductId: k.p.ID, SalesChannelId: k.shop.ID, Qty: dec("1")})
	require.ErrorAs(t, err, &validationErr)
}

func TestRecordSaleOfPlainProduct(t *testing.T) {
	k := newKitchen(t, "10")
	result, err := RecordSale(k.ctx, &models.NewSaleLine{
		ExternalId:     "order-x",
		ProductId:      k.x.ID,
		SalesChannelId: k.shop.ID,
		Qty:            dec("4"),
	})
	require.NoError(t, err)
	require.Len(t, result.Movements, 1)
	require.Equal(t, models.MovementTypeSale, result.Movements[0].MovementType)
	assertDecimal(t, "balance", k.balance(t), "6")
}

func TestRepairRetroactiveAdjustments(t *testing.T) {
	k := newKitchen(t, "100")
	k.saveRecipe(t, "1")
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		k.sell(t, id, "1", nil)
	}
	run := k.saveRecipe(t, "2").PendingRun
	require.NotNil(t, run)
	_, err := ApplyRecipeAdjustment(k.ctx, run.ID, models.RecipeAdjustmentSinceInception)
	require.NoError(t, err)
	assertDecimal(t, "after adjustment", k.balance(t), "90")

	preview, err := RepairRetroactiveAdjustments(k.ctx, RepairOptions{DryRun: true})
	require.NoError(t, err)
	require.True(t, preview.DryRun)
	require.Len(t, preview.Groups, 1)
	require.Equal(t, 1, preview.MovementsRemoved)
	assertDecimal(t, "group total", preview.Groups[0].Total, "-5")
	assertDecimal(t, "dry run leaves balance", k.balance(t), "90")

	summary, err := RepairRetroactiveAdjustments(k.ctx, RepairOptions{})
	require.NoError(t, err)
	require.Len(t, summary.Groups, 1)
	require.Equal(t, 1, summary.MovementsAdded)
	require.NotZero(t, summary.Groups[0].CompensationMovementId)
	assertDecimal(t, "after repair", k.balance(t), "95")

	active, _, err := models.GetStockMovements(k.ctx, models.MovementFilter{ProductId: k.x.ID, MovementType: models.MovementTypeAdjustment})
	require.NoError(t, err)
	require.Empty(t, active, "repaired adjustments leave the active ledger")

	all, _, err := models.GetStockMovements(k.ctx, models.MovementFilter{ProductId: k.x.ID, MovementType: models.MovementTypeAdjustment, IncludeReversed: true})
	require.NoError(t, err)
	require.Len(t, all, 2, "rows are kept")

	rerun, err := RepairRetroactiveAdjustments(k.ctx, RepairOptions{})
	require.NoError(t, err)
	require.Empty(t, rerun.Groups)
	require.Zero(t, rerun.MovementsAdded)
	assertDecimal(t, "after rerun", k.balance(t), "95")

	k.requireLedgerClean(t)
}

func TestVerifyLedgerFindsTamperedBalance(t *testing.T) {
	k := newKitchen(t, "10")
	k.requireLedgerClean(t)

	err := config.GetDB().Model(&models.StockBalance{}).
		Where("business_id = ? AND product_id = ? AND location_id = ?", testBusinessId, k.x.ID, k.depot.ID).
		Update("quantity", dec("11")).Error
	require.NoError(t, err)

	report, err := VerifyLedger(k.ctx, LedgerVerifyFilter{ProductId: k.x.ID})
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assertDecimal(t, "balance", d.Balance, "11")
	assertDecimal(t, "replayed", d.Replayed, "10")
}
