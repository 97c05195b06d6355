package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testBusinessId = "biz-1"

func setupTestDB(t *testing.T) context.Context {
	t.Helper()
	dsn := "file:wf_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	config.SetDB(db)
	config.SetRedis(nil)

	ctx := utils.SetBusinessIdInContext(context.Background(), testBusinessId)
	return utils.SetUserNameInContext(ctx, "tester")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s: got %s, want %s", what, got.String(), want)
	}
}

// kitchen is one depot selling a composed product P made of ingredient X through Shop.
type kitchen struct {
	ctx   context.Context
	depot *models.StorageLocation
	shop  *models.SalesChannel
	x     *models.Product
	p     *models.Product
}

func newKitchen(t *testing.T, stock string) *kitchen {
	t.Helper()
	ctx := setupTestDB(t)
	k := &kitchen{ctx: ctx}
	var err error
	k.depot, err = models.CreateStorageLocation(ctx, &models.NewStorageLocation{Name: "Depot1"})
	require.NoError(t, err)
	k.shop, err = models.CreateSalesChannel(ctx, &models.NewSalesChannel{Name: "Shop", DefaultLocationId: k.depot.ID})
	require.NoError(t, err)
	k.x, err = models.CreateProduct(ctx, &models.NewProduct{Name: "X", Unit: "g", Kind: models.ProductKindRawMaterial, CostPrice: dec("1")})
	require.NoError(t, err)
	k.p, err = models.CreateProduct(ctx, &models.NewProduct{Name: "P", Unit: "pc", Kind: models.ProductKindSellable, IsComposed: true})
	require.NoError(t, err)
	_, err = models.UpsertPriceConfiguration(ctx, &models.NewPriceConfiguration{
		ProductId:  k.x.ID,
		ScopeKind:  models.PriceScopeLocation,
		LocationId: k.depot.ID,
	})
	require.NoError(t, err)
	_, err = models.UpsertPriceConfiguration(ctx, &models.NewPriceConfiguration{ProductId: k.p.ID, SellingPriceExcl: dec("10")})
	require.NoError(t, err)
	_, err = models.RecordStockMovement(ctx, models.MovementTypeRestock, k.x.ID, k.depot.ID, dec(stock), "opening stock")
	require.NoError(t, err)
	return k
}

func (k *kitchen) saveRecipe(t *testing.T, qty string) *SaveRecipeResult {
	t.Helper()
	result, err := SaveRecipe(k.ctx, k.p.ID, []models.NewRecipeLine{{IngredientId: k.x.ID, Qty: dec(qty)}})
	require.NoError(t, err)
	return result
}

func (k *kitchen) sell(t *testing.T, externalId string, qty string, at *time.Time) *RecordSaleResult {
	t.Helper()
	result, err := RecordSale(k.ctx, &models.NewSaleLine{
		ExternalId:     externalId,
		ProductId:      k.p.ID,
		SalesChannelId: k.shop.ID,
		Qty:            dec(qty),
		SaleDate:       at,
	})
	require.NoError(t, err)
	return result
}

func (k *kitchen) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	qty, err := models.GetStockBalance(k.ctx, k.x.ID, k.depot.ID)
	require.NoError(t, err)
	return qty
}

func (k *kitchen) requireLedgerClean(t *testing.T) {
	t.Helper()
	report, err := VerifyLedger(k.ctx, LedgerVerifyFilter{})
	require.NoError(t, err)
	require.Empty(t, report.Discrepancies)
	require.NotZero(t, report.BalancesChecked)
}
