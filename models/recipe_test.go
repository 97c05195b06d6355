package models

import (
	"testing"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"github.com/stretchr/testify/require"
)

func TestConsumeRecipeDebitsIngredients(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	shop := mustChannel(t, ctx, "Shop", depot.ID)
	x := mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "1")
	mustConfigure(t, ctx, x.ID, depot.ID)
	mustRestock(t, ctx, x.ID, depot.ID, "100")

	p := mustComposedWithRecipe(t, ctx, "P", NewRecipeLine{IngredientId: x.ID, Qty: dec("2")})

	movements, err := ConsumeRecipe(ctx, p.ID, shop.ID, dec("1"))
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, MovementTypeSale, movements[0].MovementType)
	require.Equal(t, x.ID, movements[0].ProductId)
	assertDecimal(t, "sale qty", movements[0].Qty, "-2")
	require.NotNil(t, movements[0].SalesChannelId)
	require.Equal(t, shop.ID, *movements[0].SalesChannelId)
	assertDecimal(t, "balance", mustBalance(t, ctx, x.ID, depot.ID), "98")

	var validationErr *ValidationError
	_, err = ConsumeRecipe(ctx, p.ID, shop.ID, dec("0"))
	require.ErrorAs(t, err, &validationErr)
	_, err = ConsumeRecipe(ctx, x.ID, shop.ID, dec("1"))
	require.ErrorAs(t, err, &validationErr)
}

func TestExpandRecipeReportsMissingConfiguration(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	shop := mustChannel(t, ctx, "Shop", depot.ID)
	x := mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "1")
	y := mustProduct(t, ctx, "Y", ProductKindConsumable, false, "1")
	mustConfigure(t, ctx, x.ID, depot.ID)
	mustRestock(t, ctx, y.ID, depot.ID, "10")

	p := mustComposedWithRecipe(t, ctx, "P",
		NewRecipeLine{IngredientId: x.ID, Qty: dec("1")},
		NewRecipeLine{IngredientId: y.ID, Qty: dec("3")},
	)

	_, err := ExpandRecipe(ctx, p.ID, shop.ID)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
	require.Equal(t, y.ID, configErr.IngredientId)
	require.Equal(t, depot.ID, configErr.LocationId)
	require.Equal(t, shop.ID, configErr.SalesChannelId)

	// a failed sale posts nothing
	_, err = ConsumeRecipe(ctx, p.ID, shop.ID, dec("1"))
	require.ErrorAs(t, err, &configErr)
	assertDecimal(t, "balance of y", mustBalance(t, ctx, y.ID, depot.ID), "10")

	mustConfigure(t, ctx, y.ID, depot.ID)
	components, err := ExpandRecipe(ctx, p.ID, shop.ID)
	require.NoError(t, err)
	require.Len(t, components, 2)
	for _, c := range components {
		require.Equal(t, depot.ID, c.LocationId)
	}
}

func TestChannelConfigurationOverridesDefaultLocation(t *testing.T) {
	ctx := setupTestDB(t)
	depot1 := mustLocation(t, ctx, "Depot1")
	depot2 := mustLocation(t, ctx, "Depot2")
	shop := mustChannel(t, ctx, "Shop", depot1.ID)
	x := mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "1")
	mustConfigure(t, ctx, x.ID, depot1.ID)
	p := mustComposedWithRecipe(t, ctx, "P", NewRecipeLine{IngredientId: x.ID, Qty: dec("1")})

	_, err := UpsertPriceConfiguration(ctx, &NewPriceConfiguration{
		ProductId:        p.ID,
		ScopeKind:        PriceScopeChannel,
		SalesChannelId:   shop.ID,
		LocationId:       depot2.ID,
		SellingPriceExcl: dec("5"),
	})
	require.NoError(t, err)

	_, err = ExpandRecipe(ctx, p.ID, shop.ID)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
	require.Equal(t, depot2.ID, configErr.LocationId)

	mustConfigure(t, ctx, x.ID, depot2.ID)
	components, err := ExpandRecipe(ctx, p.ID, shop.ID)
	require.NoError(t, err)
	require.Len(t, components, 1)
	require.Equal(t, depot2.ID, components[0].LocationId)

	rows, err := ListRecipeByChannel(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, depot2.ID, rows[0].LocationId)
}

func TestChannelOverrideMovesToNewLocation(t *testing.T) {
	ctx := setupTestDB(t)
	depot1 := mustLocation(t, ctx, "Depot1")
	depot2 := mustLocation(t, ctx, "Depot2")
	depot3 := mustLocation(t, ctx, "Depot3")
	shop := mustChannel(t, ctx, "Shop", depot1.ID)
	x := mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "1")
	for _, loc := range []int{depot1.ID, depot2.ID, depot3.ID} {
		mustConfigure(t, ctx, x.ID, loc)
		mustRestock(t, ctx, x.ID, loc, "10")
	}
	p := mustComposedWithRecipe(t, ctx, "P", NewRecipeLine{IngredientId: x.ID, Qty: dec("1")})

	override := func(locationId int, price string) *PriceConfiguration {
		pc, err := UpsertPriceConfiguration(ctx, &NewPriceConfiguration{
			ProductId:        p.ID,
			ScopeKind:        PriceScopeChannel,
			SalesChannelId:   shop.ID,
			LocationId:       locationId,
			SellingPriceExcl: dec(price),
		})
		require.NoError(t, err)
		return pc
	}
	first := override(depot2.ID, "5")
	moved := override(depot3.ID, "6")
	require.Equal(t, first.ID, moved.ID, "the override is updated in place")

	var count int64
	require.NoError(t, config.GetDB().Model(&PriceConfiguration{}).
		Where("business_id = ? AND product_id = ? AND scope_kind = ?", testBusinessId, p.ID, PriceScopeChannel).
		Count(&count).Error)
	require.EqualValues(t, 1, count)

	components, err := ExpandRecipe(ctx, p.ID, shop.ID)
	require.NoError(t, err)
	require.Len(t, components, 1)
	require.Equal(t, depot3.ID, components[0].LocationId)

	rows, err := ListRecipeByChannel(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, depot3.ID, rows[0].LocationId)

	_, err = ConsumeRecipe(ctx, p.ID, shop.ID, dec("2"))
	require.NoError(t, err)
	assertDecimal(t, "depot2 untouched", mustBalance(t, ctx, x.ID, depot2.ID), "10")
	assertDecimal(t, "depot3 debited", mustBalance(t, ctx, x.ID, depot3.ID), "8")

	// a second row for the same channel is rejected by the store
	dup := PriceConfiguration{BusinessId: testBusinessId, ProductId: p.ID}
	dup.SetScope(ChannelScope(shop.ID, depot2.ID))
	err = config.GetDB().Create(&dup).Error
	require.Error(t, err)
	require.True(t, IsDuplicateKeyError(err), err.Error())
}

func TestAutoFixRecipeConfiguration(t *testing.T) {
	ctx := setupTestDB(t)
	depot1 := mustLocation(t, ctx, "Depot1")
	depot2 := mustLocation(t, ctx, "Depot2")
	mustChannel(t, ctx, "Shop", depot1.ID)
	mustChannel(t, ctx, "Kiosk", depot2.ID)
	x := mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "1")
	mustConfigure(t, ctx, x.ID, depot1.ID)
	p := mustComposedWithRecipe(t, ctx, "P", NewRecipeLine{IngredientId: x.ID, Qty: dec("2")})

	// not priced anywhere yet: nothing to check
	missing, err := CheckRecipeConfiguration(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, missing)

	_, err = UpsertPriceConfiguration(ctx, &NewPriceConfiguration{ProductId: p.ID, SellingPriceExcl: dec("10")})
	require.NoError(t, err)

	missing, err = CheckRecipeConfiguration(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, x.ID, missing[0].IngredientId)
	require.Equal(t, depot2.ID, missing[0].LocationId)

	created, err := AutoFixRecipeConfiguration(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.True(t, created[0].IsPlaceholder)
	require.NotNil(t, created[0].LocationId)
	require.Equal(t, depot2.ID, *created[0].LocationId)
	assertDecimal(t, "placeholder price", created[0].SellingPriceExcl, "0")

	missing, err = CheckRecipeConfiguration(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, missing)

	var balance StockBalance
	err = config.GetDB().Where("business_id = ? AND product_id = ? AND location_id = ?", testBusinessId, x.ID, depot2.ID).
		First(&balance).Error
	require.NoError(t, err)
	assertDecimal(t, "placeholder balance", balance.Quantity, "0")

	rows, err := ListRecipeByChannel(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// a second run has nothing left to fix
	created, err = AutoFixRecipeConfiguration(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, created)
}

func TestRecipeCostAndCoefficient(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	shop := mustChannel(t, ctx, "Shop", depot.ID)
	kiosk := mustChannel(t, ctx, "Kiosk", depot.ID)
	x := mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "2")
	y := mustProduct(t, ctx, "Y", ProductKindRawMaterial, false, "0.5")
	p := mustComposedWithRecipe(t, ctx, "P",
		NewRecipeLine{IngredientId: x.ID, Qty: dec("2")},
		NewRecipeLine{IngredientId: y.ID, Qty: dec("4")},
	)

	cost, err := GetRecipeCost(ctx, p.ID)
	require.NoError(t, err)
	assertDecimal(t, "recipe cost", cost, "6")

	var validationErr *ValidationError
	_, err = GetRecipeCoefficient(ctx, p.ID, shop.ID)
	require.ErrorAs(t, err, &validationErr, "no price configured yet")

	_, err = UpsertPriceConfiguration(ctx, &NewPriceConfiguration{ProductId: p.ID, SellingPriceExcl: dec("12")})
	require.NoError(t, err)
	_, err = UpsertPriceConfiguration(ctx, &NewPriceConfiguration{
		ProductId:        p.ID,
		ScopeKind:        PriceScopeChannel,
		SalesChannelId:   kiosk.ID,
		LocationId:       depot.ID,
		SellingPriceExcl: dec("15"),
	})
	require.NoError(t, err)

	coef, err := GetRecipeCoefficient(ctx, p.ID, shop.ID)
	require.NoError(t, err)
	assertDecimal(t, "global coefficient", coef, "2")
	coef, err = GetRecipeCoefficient(ctx, p.ID, kiosk.ID)
	require.NoError(t, err)
	assertDecimal(t, "channel coefficient", coef, "2.5")

	_, err = UpdateProductCost(ctx, x.ID, dec("3"))
	require.NoError(t, err)
	var stored Product
	require.NoError(t, config.GetDB().First(&stored, p.ID).Error)
	assertDecimal(t, "refreshed composed cost", stored.CostPrice, "8")

	_, err = UpdateProductCost(ctx, p.ID, dec("1"))
	require.ErrorAs(t, err, &validationErr)
}

func TestRecipeLinesAreValidated(t *testing.T) {
	ctx := setupTestDB(t)
	x := mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "1")
	inner := mustComposedWithRecipe(t, ctx, "Inner", NewRecipeLine{IngredientId: x.ID, Qty: dec("1")})
	outer := mustProduct(t, ctx, "Outer", ProductKindSellable, true, "0")

	cases := []struct {
		name  string
		lines []NewRecipeLine
	}{
		{"empty", nil},
		{"zero qty", []NewRecipeLine{{IngredientId: x.ID, Qty: dec("0")}}},
		{"duplicate", []NewRecipeLine{{IngredientId: x.ID, Qty: dec("1")}, {IngredientId: x.ID, Qty: dec("2")}}},
		{"composed ingredient", []NewRecipeLine{{IngredientId: inner.ID, Qty: dec("1")}}},
		{"self", []NewRecipeLine{{IngredientId: outer.ID, Qty: dec("1")}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := SetRecipe(config.GetDB().WithContext(ctx), testBusinessId, outer.ID, tc.lines)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
		})
	}

	err := SetRecipe(config.GetDB().WithContext(ctx), testBusinessId, outer.ID, []NewRecipeLine{{IngredientId: 9999, Qty: dec("1")}})
	var notFoundErr *NotFoundError
	require.ErrorAs(t, err, &notFoundErr)
}
