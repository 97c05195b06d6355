package models

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRecordStockMovementKeepsBalanceAndChain(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	flour := mustProduct(t, ctx, "Flour", ProductKindRawMaterial, false, "2")

	mustRestock(t, ctx, flour.ID, depot.ID, "100")
	broken, err := RecordStockMovement(ctx, MovementTypeBreakage, flour.ID, depot.ID, dec("3"), "bag torn")
	require.NoError(t, err)
	assertDecimal(t, "breakage qty", broken.Qty, "-3")

	adj, err := RecordStockMovement(ctx, MovementTypeAdjustment, flour.ID, depot.ID, dec("-0.5"), "spillage")
	require.NoError(t, err)
	assertDecimal(t, "adjustment previous", adj.PreviousQty, "97")
	assertDecimal(t, "adjustment new", adj.NewQty, "96.5")
	assertDecimal(t, "balance", mustBalance(t, ctx, flour.ID, depot.ID), "96.5")

	movements, next, err := GetStockMovements(ctx, MovementFilter{ProductId: flour.ID})
	require.NoError(t, err)
	require.Zero(t, next)
	require.Len(t, movements, 3)
	prev := dec("0")
	for _, m := range movements {
		if !m.PreviousQty.Equal(prev) {
			t.Fatalf("movement %d: previous %s, want %s", m.ID, m.PreviousQty, prev)
		}
		if !m.NewQty.Equal(m.PreviousQty.Add(m.Qty)) {
			t.Fatalf("movement %d: new %s != previous %s + qty %s", m.ID, m.NewQty, m.PreviousQty, m.Qty)
		}
		prev = m.NewQty
	}
	if movements[0].CreatedBy != "tester" {
		t.Fatalf("created_by = %q, want tester", movements[0].CreatedBy)
	}
}

func TestRecordStockMovementRejectsBadInput(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	flour := mustProduct(t, ctx, "Flour", ProductKindRawMaterial, false, "2")

	var validationErr *ValidationError
	_, err := RecordStockMovement(ctx, MovementTypeAdjustment, flour.ID, depot.ID, dec("0"), "")
	require.ErrorAs(t, err, &validationErr)

	_, err = RecordStockMovement(ctx, MovementTypeRestock, flour.ID, depot.ID, dec("-1"), "")
	require.ErrorAs(t, err, &validationErr)

	_, err = RecordStockMovement(ctx, MovementTypeSale, flour.ID, depot.ID, dec("1"), "")
	require.ErrorAs(t, err, &validationErr)

	var notFoundErr *NotFoundError
	_, err = RecordStockMovement(ctx, MovementTypeRestock, 9999, depot.ID, dec("1"), "")
	require.ErrorAs(t, err, &notFoundErr)

	_, err = RecordStockMovement(context.Background(), MovementTypeRestock, flour.ID, depot.ID, dec("1"), "")
	require.Error(t, err)

	assertDecimal(t, "balance", mustBalance(t, ctx, flour.ID, depot.ID), "0")
}

func TestBalanceMayGoNegative(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	milk := mustProduct(t, ctx, "Milk", ProductKindRawMaterial, false, "1")

	mustRestock(t, ctx, milk.ID, depot.ID, "2")
	_, err := RecordStockMovement(ctx, MovementTypeBreakage, milk.ID, depot.ID, dec("5"), "")
	require.NoError(t, err)
	assertDecimal(t, "balance", mustBalance(t, ctx, milk.ID, depot.ID), "-3")
}

func TestReverseMovementRemovesPairFromActiveView(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	sugar := mustProduct(t, ctx, "Sugar", ProductKindRawMaterial, false, "1")

	mustRestock(t, ctx, sugar.ID, depot.ID, "10")
	wrong := mustRestock(t, ctx, sugar.ID, depot.ID, "40")

	reversal, err := ReverseMovement(ctx, wrong.ID, "typo")
	require.NoError(t, err)
	require.True(t, reversal.IsReversal)
	require.NotNil(t, reversal.ReversesMovementId)
	require.Equal(t, wrong.ID, *reversal.ReversesMovementId)
	assertDecimal(t, "reversal qty", reversal.Qty, "-40")
	assertDecimal(t, "balance", mustBalance(t, ctx, sugar.ID, depot.ID), "10")

	active, _, err := GetStockMovements(ctx, MovementFilter{ProductId: sugar.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)

	all, _, err := GetStockMovements(ctx, MovementFilter{ProductId: sugar.ID, IncludeReversed: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	sum := dec("0")
	for _, m := range all {
		sum = sum.Add(m.Qty)
	}
	assertDecimal(t, "sum of all movements", sum, "10")

	var validationErr *ValidationError
	_, err = ReverseMovement(ctx, wrong.ID, "again")
	require.ErrorAs(t, err, &validationErr)
	_, err = ReverseMovement(ctx, reversal.ID, "reverse the reversal")
	require.ErrorAs(t, err, &validationErr)
}

func TestGetStockMovementsPages(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	salt := mustProduct(t, ctx, "Salt", ProductKindRawMaterial, false, "1")
	for i := 0; i < 5; i++ {
		mustRestock(t, ctx, salt.ID, depot.ID, "1")
	}

	page, next, err := GetStockMovements(ctx, MovementFilter{ProductId: salt.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotZero(t, next)

	info := NewPageInfo(next)
	require.True(t, info.HasNextPage)
	afterId, err := DecodeCursor(info.EndCursor)
	require.NoError(t, err)
	require.Equal(t, next, afterId)
	var validationErr *ValidationError
	_, err = DecodeCursor("not a cursor")
	require.ErrorAs(t, err, &validationErr)

	seen := len(page)
	for next != 0 {
		page, next, err = GetStockMovements(ctx, MovementFilter{ProductId: salt.ID, Limit: 2, AfterId: next})
		require.NoError(t, err)
		seen += len(page)
	}
	require.Equal(t, 5, seen)

	balances, err := ListStockBalances(ctx, BalanceFilter{LocationId: depot.ID})
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assertDecimal(t, "balance", balances[0].Quantity, "5")
	require.Equal(t, 5, balances[0].Version)
}

func TestWithConflictRetry(t *testing.T) {
	t.Setenv("LEDGER_MAX_CONFLICT_RETRIES", "3")
	ctx := context.Background()

	calls := 0
	err := WithConflictRetry(ctx, "test", func() error {
		calls++
		if calls < 3 {
			return ErrConcurrencyConflict
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = WithConflictRetry(ctx, "test", func() error {
		calls++
		return ErrConcurrencyConflict
	})
	if !errors.Is(err, ErrConcurrencyConflict) || calls != 3 {
		t.Fatalf("expected conflict after 3 attempts, got err=%v calls=%d", err, calls)
	}

	calls = 0
	boom := errors.New("boom")
	err = WithConflictRetry(ctx, "test", func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("non-conflict errors must not be retried, got err=%v calls=%d", err, calls)
	}
}

func TestLinkReversedMovementsDetectsConcurrentLink(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	salt := mustProduct(t, ctx, "Salt", ProductKindRawMaterial, false, "1")
	first := mustRestock(t, ctx, salt.ID, depot.ID, "1")
	second := mustRestock(t, ctx, salt.ID, depot.ID, "1")

	_, err := ReverseMovement(ctx, first.ID, "")
	require.NoError(t, err)

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return LinkReversedMovements(tx, testBusinessId, []int{first.ID, second.ID}, 12345)
	})
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	// the partial link was rolled back
	all, _, err := GetStockMovements(ctx, MovementFilter{ProductId: salt.ID, IncludeReversed: true})
	require.NoError(t, err)
	for _, m := range all {
		if m.ID == second.ID && m.ReversedByMovementId != nil {
			t.Fatalf("movement %d should not be linked", second.ID)
		}
	}
}

// bumpBalanceVersionOnMovement simulates a concurrent writer: while armed, the next movement
// insert is followed by a version bump on the balance row the posting locked.
func bumpBalanceVersionOnMovement(t *testing.T, productId, locationId int) (arm func(), inserts func() int) {
	t.Helper()
	armed := false
	count := 0
	err := config.GetDB().Callback().Create().After("gorm:create").Register("test:bump_balance_version", func(tx *gorm.DB) {
		if tx.Error != nil || tx.Statement.Table != "stock_movements" {
			return
		}
		count++
		if !armed {
			return
		}
		armed = false
		if err := tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE stock_balances SET version = version + 1 WHERE business_id = ? AND product_id = ? AND location_id = ?",
				testBusinessId, productId, locationId).Error; err != nil {
			t.Errorf("bump version: %v", err)
		}
	})
	require.NoError(t, err)
	return func() { armed = true }, func() int { return count }
}

func TestPostStockMovementDetectsStaleVersion(t *testing.T) {
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	salt := mustProduct(t, ctx, "Salt", ProductKindRawMaterial, false, "1")
	mustRestock(t, ctx, salt.ID, depot.ID, "10")
	arm, _ := bumpBalanceVersionOnMovement(t, salt.ID, depot.ID)

	arm()
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := PostStockMovement(tx, testBusinessId, NewStockAdjustment{
			ProductId:    salt.ID,
			LocationId:   depot.ID,
			Qty:          dec("-3"),
			MovementType: MovementTypeAdjustment,
		})
		return err
	})
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	assertDecimal(t, "balance", mustBalance(t, ctx, salt.ID, depot.ID), "10")
	movements, _, err := GetStockMovements(ctx, MovementFilter{ProductId: salt.ID, IncludeReversed: true})
	require.NoError(t, err)
	require.Len(t, movements, 1, "the losing movement was rolled back")
}

func TestAdjustStockRetriesStaleVersion(t *testing.T) {
	t.Setenv("LEDGER_MAX_CONFLICT_RETRIES", "3")
	ctx := setupTestDB(t)
	depot := mustLocation(t, ctx, "Depot1")
	salt := mustProduct(t, ctx, "Salt", ProductKindRawMaterial, false, "1")
	mustRestock(t, ctx, salt.ID, depot.ID, "10")
	arm, inserts := bumpBalanceVersionOnMovement(t, salt.ID, depot.ID)

	arm()
	m, err := AdjustStock(ctx, &NewStockAdjustment{
		ProductId:    salt.ID,
		LocationId:   depot.ID,
		Qty:          dec("-3"),
		MovementType: MovementTypeAdjustment,
	})
	require.NoError(t, err)
	require.Equal(t, 2, inserts(), "one conflicting attempt, one retry")
	assertDecimal(t, "previous", m.PreviousQty, "10")
	assertDecimal(t, "new", m.NewQty, "7")

	adjustments, _, err := GetStockMovements(ctx, MovementFilter{ProductId: salt.ID, MovementType: MovementTypeAdjustment})
	require.NoError(t, err)
	require.Len(t, adjustments, 1)

	all, _, err := GetStockMovements(ctx, MovementFilter{ProductId: salt.ID, IncludeReversed: true})
	require.NoError(t, err)
	replayed := dec("0")
	for _, mv := range all {
		replayed = replayed.Add(mv.Qty)
	}
	balances, err := ListStockBalances(ctx, BalanceFilter{LocationId: depot.ID})
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assertDecimal(t, "replay equality", balances[0].Quantity, replayed.String())
	assertDecimal(t, "balance", balances[0].Quantity, "7")
	require.Equal(t, 2, balances[0].Version)
}
