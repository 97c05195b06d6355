package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const recordSaleHandler = "RecordSale"

type RecordSaleResult struct {
	SaleLine  *models.SaleLine        `json:"sale_line"`
	Movements []*models.StockMovement `json:"movements"`
	// true when the sale line had already been recorded and nothing was posted
	Duplicate bool `json:"duplicate"`
}

// RecordSale stores a sold order line and debits its stock. Each external line id is
// consumed at most once; repeats return the stored line.
func RecordSale(ctx context.Context, input *models.NewSaleLine) (*RecordSaleResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	ctx, correlationId := utils.EnsureCorrelationId(ctx)

	db := config.GetDB()
	var result *RecordSaleResult
	err := models.WithConflictRetry(ctx, recordSaleHandler, func() error {
		result = nil
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, skip, err := BeginIdempotency(tx, businessId, recordSaleHandler, input.ExternalId)
			if err != nil {
				return err
			}
			if skip {
				line, err := models.FindSaleLineByExternalId(tx, businessId, input.ExternalId)
				if err != nil {
					return err
				}
				result = &RecordSaleResult{SaleLine: line, Duplicate: true}
				return nil
			}
			line, movements, err := models.CreateSaleLine(tx, businessId, input, correlationId)
			if err != nil {
				return err
			}
			if err := MarkIdempotencySucceeded(tx, businessId, recordSaleHandler, input.ExternalId, line.ID); err != nil {
				return err
			}
			result = &RecordSaleResult{SaleLine: line, Movements: movements}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		config.GetLogger().WithFields(logrus.Fields{
			"business_id": businessId,
			"external_id": input.ExternalId,
		}).Info("sale line already recorded")
		return result, nil
	}
	models.ObserveMovements(result.Movements...)
	return result, nil
}
