package models

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type NewStockTransfer struct {
	FromLocationId int                    `json:"from_location_id" validate:"required,gt=0"`
	ToLocationId   int                    `json:"to_location_id" validate:"required,gt=0"`
	Notes          string                 `json:"notes" validate:"max=1000"`
	Items          []NewStockTransferItem `json:"items" validate:"required,min=1,dive"`
}

type NewStockTransferItem struct {
	ProductId int             `json:"product_id" validate:"required,gt=0"`
	Qty       decimal.Decimal `json:"qty"`
}

type StockTransferLeg struct {
	ProductId int             `json:"product_id"`
	Qty       decimal.Decimal `json:"qty"`
	Outbound  *StockMovement  `json:"outbound"`
	Inbound   *StockMovement  `json:"inbound"`
}

type StockTransferResult struct {
	CorrelationId string              `json:"correlation_id"`
	Items         []*StockTransferLeg `json:"items"`
}

// transferLegPoster posts one leg; tests swap it to inject failures.
var transferLegPoster = PostStockMovement

func (input *NewStockTransfer) validate(tx *gorm.DB, businessId string) error {
	if err := utils.ValidateStruct(input); err != nil {
		for field, tag := range utils.ProcessValidationErrors(err) {
			return NewValidationError(toSnake(field), "failed %s", tag)
		}
	}
	if input.FromLocationId == input.ToLocationId {
		return NewValidationError("to_location_id", "source and destination must differ")
	}
	from, err := loadStorageLocation(tx, businessId, input.FromLocationId)
	if err != nil {
		return err
	}
	if from.IsSinkOnly {
		return NewValidationError("from_location_id", "location %q does not allow outbound transfers", from.Name)
	}
	if _, err := loadStorageLocation(tx, businessId, input.ToLocationId); err != nil {
		return err
	}
	ids := make([]int, 0, len(input.Items))
	for _, item := range input.Items {
		ids = append(ids, item.ProductId)
	}
	if err := utils.ValidateResourcesId[Product](tx, businessId, ids); err != nil {
		return notFound(err, "product", ids)
	}
	seen := make(map[int]bool, len(input.Items))
	for i, item := range input.Items {
		if !item.Qty.IsPositive() {
			return NewValidationError(fmt.Sprintf("items[%d].qty", i), "must be positive")
		}
		if seen[item.ProductId] {
			return NewValidationError(fmt.Sprintf("items[%d].product_id", i), "product %d is listed twice", item.ProductId)
		}
		seen[item.ProductId] = true
		ok, err := hasLocationConfiguration(tx, businessId, item.ProductId, input.ToLocationId)
		if err != nil {
			return err
		}
		if !ok {
			return &ConfigurationError{
				ProductId:    item.ProductId,
				IngredientId: item.ProductId,
				LocationId:   input.ToLocationId,
			}
		}
	}
	return nil
}

func (input *NewStockTransfer) legs(item NewStockTransferItem, correlationId string) (NewStockAdjustment, NewStockAdjustment) {
	notes := fmt.Sprintf("Transfer %s from location %d to location %d", correlationId, input.FromLocationId, input.ToLocationId)
	if input.Notes != "" {
		notes += ": " + input.Notes
	}
	out := NewStockAdjustment{
		ProductId:     item.ProductId,
		LocationId:    input.FromLocationId,
		Qty:           item.Qty.Neg(),
		MovementType:  MovementTypeTransfer,
		Notes:         notes,
		ReferenceType: StockReferenceTypeTransfer,
		ReferenceId:   input.ToLocationId,
		CorrelationId: correlationId,
	}
	in := out
	in.LocationId = input.ToLocationId
	in.Qty = item.Qty
	in.ReferenceId = input.FromLocationId
	return out, in
}

// TransferStock moves every item from one location to another. By default all legs
// commit in one transaction. With TRANSFER_MODE=saga each leg commits on its own and a
// failed inbound leg is compensated at the source; if that fails too an *IntegrityError
// is returned.
func TransferStock(ctx context.Context, input *NewStockTransfer) (*StockTransferResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	ctx, span := tracer.Start(ctx, "TransferStock")
	defer span.End()

	db := config.GetDB()
	if err := input.validate(db.WithContext(ctx), businessId); err != nil {
		return nil, err
	}
	correlationId := uuid.NewString()
	if config.DebugTransfer() {
		config.GetLogger().WithFields(logrus.Fields{
			"business_id":    businessId,
			"correlation_id": correlationId,
			"from":           input.FromLocationId,
			"to":             input.ToLocationId,
			"items":          len(input.Items),
			"saga":           config.TransferSagaMode(),
		}).Info("transfer start")
	}

	var result *StockTransferResult
	var err error
	if config.TransferSagaMode() {
		result, err = transferSaga(ctx, db, businessId, input, correlationId)
	} else {
		result, err = transferInTx(ctx, db, businessId, input, correlationId)
	}
	if err != nil {
		span.RecordError(err)
		config.LogError(config.GetLogger(), "TransferCoordinator", "TransferStock", correlationId, input, err)
	}
	return result, err
}

func transferInTx(ctx context.Context, db *gorm.DB, businessId string, input *NewStockTransfer, correlationId string) (*StockTransferResult, error) {
	var result *StockTransferResult
	err := WithConflictRetry(ctx, "TransferStock", func() error {
		result = &StockTransferResult{CorrelationId: correlationId}
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, item := range input.Items {
				outInput, inInput := input.legs(item, correlationId)
				out, err := transferLegPoster(tx, businessId, outInput)
				if err != nil {
					return err
				}
				in, err := transferLegPoster(tx, businessId, inInput)
				if err != nil {
					return err
				}
				result.Items = append(result.Items, &StockTransferLeg{ProductId: item.ProductId, Qty: item.Qty, Outbound: out, Inbound: in})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, leg := range result.Items {
		ObserveMovements(leg.Outbound, leg.Inbound)
	}
	return result, nil
}

func postLeg(ctx context.Context, db *gorm.DB, businessId string, input NewStockAdjustment) (*StockMovement, error) {
	var movement *StockMovement
	err := WithConflictRetry(ctx, "TransferStock.leg", func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			m, err := transferLegPoster(tx, businessId, input)
			movement = m
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	ObserveMovements(movement)
	return movement, nil
}

// compensateLeg posts the opposite of a committed outbound leg and links the pair.
func compensateLeg(ctx context.Context, db *gorm.DB, businessId string, out *StockMovement) (*StockMovement, error) {
	var reversal *StockMovement
	err := WithConflictRetry(ctx, "TransferStock.compensate", func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			m, err := transferLegPoster(tx, businessId, NewStockAdjustment{
				ProductId:          out.ProductId,
				LocationId:         out.LocationId,
				Qty:                out.Qty.Neg(),
				MovementType:       MovementTypeTransfer,
				Notes:              fmt.Sprintf("Compensates movement #%d of transfer %s", out.ID, out.CorrelationId),
				ReferenceType:      StockReferenceTypeReversal,
				ReferenceId:        out.ID,
				CorrelationId:      out.CorrelationId,
				IsReversal:         true,
				ReversesMovementId: &out.ID,
			})
			if err != nil {
				return err
			}
			reversal = m
			return LinkReversedMovements(tx, businessId, []int{out.ID}, m.ID)
		})
	})
	if err != nil {
		return nil, err
	}
	ObserveMovements(reversal)
	return reversal, nil
}

func transferSaga(ctx context.Context, db *gorm.DB, businessId string, input *NewStockTransfer, correlationId string) (*StockTransferResult, error) {
	logger := config.GetLogger()
	result := &StockTransferResult{CorrelationId: correlationId}
	for _, item := range input.Items {
		outInput, inInput := input.legs(item, correlationId)
		out, err := postLeg(ctx, db, businessId, outInput)
		if err != nil {
			return result, err
		}
		in, inErr := postLeg(ctx, db, businessId, inInput)
		if inErr == nil {
			result.Items = append(result.Items, &StockTransferLeg{ProductId: item.ProductId, Qty: item.Qty, Outbound: out, Inbound: in})
			continue
		}

		reversal, compErr := compensateLeg(ctx, db, businessId, out)
		if compErr != nil {
			config.TransferCompensations.WithLabelValues("failed").Inc()
			return result, &IntegrityError{
				Operation:       "transfer",
				CorrelationId:   correlationId,
				Cause:           inErr,
				CompensationErr: compErr,
			}
		}
		config.TransferCompensations.WithLabelValues("compensated").Inc()
		logger.WithFields(logrus.Fields{
			"correlation_id":  correlationId,
			"product_id":      item.ProductId,
			"outbound_id":     out.ID,
			"compensation_id": reversal.ID,
		}).Warn("transfer inbound leg failed, outbound leg compensated")
		return result, fmt.Errorf("transfer %s: inbound leg for product %d failed and was compensated: %w",
			correlationId, item.ProductId, inErr)
	}
	return result, nil
}
