package models

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// stubTransferLegs routes leg posting through fail; returning nil posts the leg normally.
func stubTransferLegs(t *testing.T, fail func(input NewStockAdjustment) error) {
	t.Helper()
	original := transferLegPoster
	transferLegPoster = func(tx *gorm.DB, businessId string, input NewStockAdjustment) (*StockMovement, error) {
		if err := fail(input); err != nil {
			return nil, err
		}
		return original(tx, businessId, input)
	}
	t.Cleanup(func() { transferLegPoster = original })
}

type transferFixture struct {
	ctx            context.Context
	depot1, depot2 *StorageLocation
	x              *Product
}

func newTransferFixture(t *testing.T) (*transferFixture, func() *NewStockTransfer) {
	ctx := setupTestDB(t)
	f := &transferFixture{
		ctx:    ctx,
		depot1: mustLocation(t, ctx, "Depot1"),
		depot2: mustLocation(t, ctx, "Depot2"),
		x:      mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "1"),
	}
	mustConfigure(t, ctx, f.x.ID, f.depot1.ID)
	mustConfigure(t, ctx, f.x.ID, f.depot2.ID)
	mustRestock(t, ctx, f.x.ID, f.depot1.ID, "50")
	return f, func() *NewStockTransfer {
		return &NewStockTransfer{
			FromLocationId: f.depot1.ID,
			ToLocationId:   f.depot2.ID,
			Items:          []NewStockTransferItem{{ProductId: f.x.ID, Qty: dec("20")}},
		}
	}
}

func TestTransferStockMovesBothLegs(t *testing.T) {
	for _, mode := range []string{"", "saga"} {
		t.Run("mode="+mode, func(t *testing.T) {
			t.Setenv("TRANSFER_MODE", mode)
			ctx := setupTestDB(t)
			depot1 := mustLocation(t, ctx, "Depot1")
			depot2 := mustLocation(t, ctx, "Depot2")
			x := mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "1")
			mustConfigure(t, ctx, x.ID, depot2.ID)
			mustRestock(t, ctx, x.ID, depot1.ID, "50")

			result, err := TransferStock(ctx, &NewStockTransfer{
				FromLocationId: depot1.ID,
				ToLocationId:   depot2.ID,
				Items:          []NewStockTransferItem{{ProductId: x.ID, Qty: dec("20")}},
			})
			require.NoError(t, err)
			require.Len(t, result.Items, 1)
			leg := result.Items[0]
			assertDecimal(t, "outbound", leg.Outbound.Qty, "-20")
			assertDecimal(t, "inbound", leg.Inbound.Qty, "20")
			require.Equal(t, result.CorrelationId, leg.Outbound.CorrelationId)
			require.Equal(t, result.CorrelationId, leg.Inbound.CorrelationId)
			require.Equal(t, MovementTypeTransfer, leg.Inbound.MovementType)

			assertDecimal(t, "source", mustBalance(t, ctx, x.ID, depot1.ID), "30")
			assertDecimal(t, "destination", mustBalance(t, ctx, x.ID, depot2.ID), "20")
		})
	}
}

func TestTransferStockValidation(t *testing.T) {
	ctx := setupTestDB(t)
	depot1 := mustLocation(t, ctx, "Depot1")
	depot2 := mustLocation(t, ctx, "Depot2")
	bin, err := CreateStorageLocation(ctx, &NewStorageLocation{Name: "Waste", IsSinkOnly: true})
	require.NoError(t, err)
	x := mustProduct(t, ctx, "X", ProductKindRawMaterial, false, "1")
	mustConfigure(t, ctx, x.ID, depot1.ID)
	mustConfigure(t, ctx, x.ID, bin.ID)
	mustRestock(t, ctx, x.ID, depot1.ID, "10")

	var validationErr *ValidationError
	_, err = TransferStock(ctx, &NewStockTransfer{
		FromLocationId: depot1.ID, ToLocationId: depot1.ID,
		Items: []NewStockTransferItem{{ProductId: x.ID, Qty: dec("1")}},
	})
	require.ErrorAs(t, err, &validationErr)

	_, err = TransferStock(ctx, &NewStockTransfer{
		FromLocationId: depot1.ID, ToLocationId: bin.ID,
		Items: []NewStockTransferItem{{ProductId: x.ID, Qty: dec("0")}},
	})
	require.ErrorAs(t, err, &validationErr)

	_, err = TransferStock(ctx, &NewStockTransfer{
		FromLocationId: depot1.ID, ToLocationId: bin.ID,
		Items: nil,
	})
	require.ErrorAs(t, err, &validationErr)

	_, err = TransferStock(ctx, &NewStockTransfer{
		FromLocationId: bin.ID, ToLocationId: depot1.ID,
		Items: []NewStockTransferItem{{ProductId: x.ID, Qty: dec("1")}},
	})
	require.ErrorAs(t, err, &validationErr, "sink-only locations cannot send stock")

	var notFoundErr *NotFoundError
	_, err = TransferStock(ctx, &NewStockTransfer{
		FromLocationId: depot1.ID, ToLocationId: depot2.ID,
		Items: []NewStockTransferItem{{ProductId: x.ID, Qty: dec("1")}, {ProductId: 9999, Qty: dec("1")}},
	})
	require.ErrorAs(t, err, &notFoundErr)

	var configErr *ConfigurationError
	_, err = TransferStock(ctx, &NewStockTransfer{
		FromLocationId: depot1.ID, ToLocationId: depot2.ID,
		Items: []NewStockTransferItem{{ProductId: x.ID, Qty: dec("1")}},
	})
	require.ErrorAs(t, err, &configErr)
	require.Equal(t, depot2.ID, configErr.LocationId)

	assertDecimal(t, "source untouched", mustBalance(t, ctx, x.ID, depot1.ID), "10")
}

func TestTransferStockInTxFailurePostsNothing(t *testing.T) {
	t.Setenv("TRANSFER_MODE", "")
	f, newInput := newTransferFixture(t)
	ctx := f.ctx
	boom := errors.New("destination unavailable")
	stubTransferLegs(t, func(input NewStockAdjustment) error {
		if input.LocationId == f.depot2.ID {
			return boom
		}
		return nil
	})

	_, err := TransferStock(ctx, newInput())
	require.ErrorIs(t, err, boom)
	assertDecimal(t, "source", mustBalance(t, ctx, f.x.ID, f.depot1.ID), "50")
	assertDecimal(t, "destination", mustBalance(t, ctx, f.x.ID, f.depot2.ID), "0")

	movements, _, err := GetStockMovements(ctx, MovementFilter{ProductId: f.x.ID, MovementType: MovementTypeTransfer, IncludeReversed: true})
	require.NoError(t, err)
	require.Empty(t, movements)
}

func TestTransferSagaCompensatesFailedInbound(t *testing.T) {
	t.Setenv("TRANSFER_MODE", "saga")
	f, newInput := newTransferFixture(t)
	ctx := f.ctx
	boom := errors.New("destination unavailable")
	stubTransferLegs(t, func(input NewStockAdjustment) error {
		if input.LocationId == f.depot2.ID {
			return boom
		}
		return nil
	})

	result, err := TransferStock(ctx, newInput())
	require.ErrorIs(t, err, boom)
	require.NotNil(t, result)
	require.Empty(t, result.Items)

	var integrityErr *IntegrityError
	require.False(t, errors.As(err, &integrityErr))

	assertDecimal(t, "source restored", mustBalance(t, ctx, f.x.ID, f.depot1.ID), "50")
	assertDecimal(t, "destination", mustBalance(t, ctx, f.x.ID, f.depot2.ID), "0")

	all, _, err := GetStockMovements(ctx, MovementFilter{ProductId: f.x.ID, MovementType: MovementTypeTransfer, IncludeReversed: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	out, comp := all[0], all[1]
	require.NotNil(t, out.ReversedByMovementId)
	require.Equal(t, comp.ID, *out.ReversedByMovementId)
	require.True(t, comp.IsReversal)
	assertDecimal(t, "compensation", comp.Qty, "20")

	active, _, err := GetStockMovements(ctx, MovementFilter{ProductId: f.x.ID, MovementType: MovementTypeTransfer})
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestTransferSagaCompensationFailureIsIntegrityError(t *testing.T) {
	t.Setenv("TRANSFER_MODE", "saga")
	f, newInput := newTransferFixture(t)
	ctx := f.ctx
	stubTransferLegs(t, func(input NewStockAdjustment) error {
		if input.LocationId == f.depot2.ID {
			return errors.New("destination unavailable")
		}
		if input.IsReversal {
			return errors.New("source unavailable")
		}
		return nil
	})

	_, err := TransferStock(ctx, newInput())
	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	require.NotEmpty(t, integrityErr.CorrelationId)
	require.Error(t, integrityErr.CompensationErr)

	// the outbound leg stays committed and visible for repair
	assertDecimal(t, "source", mustBalance(t, ctx, f.x.ID, f.depot1.ID), "30")
}
