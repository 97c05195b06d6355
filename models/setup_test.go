package models

import (
	"context"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testBusinessId = "biz-1"

// setupTestDB installs a fresh in-memory database as the global connection and
// returns a context scoped to testBusinessId.
func setupTestDB(t *testing.T) context.Context {
	t.Helper()
	// one database per test; a single connection keeps the shared-cache db alive and
	// serializes writers the way row locks would
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
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

func mustLocation(t *testing.T, ctx context.Context, name string) *StorageLocation {
	t.Helper()
	loc, err := CreateStorageLocation(ctx, &NewStorageLocation{Name: name})
	if err != nil {
		t.Fatalf("CreateStorageLocation(%s): %v", name, err)
	}
	return loc
}

func mustChannel(t *testing.T, ctx context.Context, name string, defaultLocationId int) *SalesChannel {
	t.Helper()
	ch, err := CreateSalesChannel(ctx, &NewSalesChannel{Name: name, DefaultLocationId: defaultLocationId})
	if err != nil {
		t.Fatalf("CreateSalesChannel(%s): %v", name, err)
	}
	return ch
}

func mustProduct(t *testing.T, ctx context.Context, name string, kind ProductKind, composed bool, cost string) *Product {
	t.Helper()
	p, err := CreateProduct(ctx, &NewProduct{Name: name, Unit: "pc", Kind: kind, IsComposed: composed, CostPrice: dec(cost)})
	if err != nil {
		t.Fatalf("CreateProduct(%s): %v", name, err)
	}
	return p
}

// mustConfigure prices productId at a location, which also makes it stockable there.
func mustConfigure(t *testing.T, ctx context.Context, productId, locationId int) {
	t.Helper()
	_, err := UpsertPriceConfiguration(ctx, &NewPriceConfiguration{
		ProductId:  productId,
		ScopeKind:  PriceScopeLocation,
		LocationId: locationId,
	})
	if err != nil {
		t.Fatalf("configure product %d at location %d: %v", productId, locationId, err)
	}
}

func mustRestock(t *testing.T, ctx context.Context, productId, locationId int, qty string) *StockMovement {
	t.Helper()
	m, err := RecordStockMovement(ctx, MovementTypeRestock, productId, locationId, dec(qty), "opening stock")
	if err != nil {
		t.Fatalf("restock product %d at %d: %v", productId, locationId, err)
	}
	return m
}

func mustBalance(t *testing.T, ctx context.Context, productId, locationId int) decimal.Decimal {
	t.Helper()
	qty, err := GetStockBalance(ctx, productId, locationId)
	if err != nil {
		t.Fatalf("GetStockBalance(%d, %d): %v", productId, locationId, err)
	}
	return qty
}

// mustComposedWithRecipe creates a sellable composed product and writes its recipe
// directly, skipping history and adjustment runs.
func mustComposedWithRecipe(t *testing.T, ctx context.Context, name string, lines ...NewRecipeLine) *Product {
	t.Helper()
	p := mustProduct(t, ctx, name, ProductKindSellable, true, "0")
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return SetRecipe(tx, testBusinessId, p.ID, lines)
	})
	if err != nil {
		t.Fatalf("SetRecipe(%s): %v", name, err)
	}
	return p
}
