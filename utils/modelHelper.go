package utils

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"gorm.io/gorm"
)

/* DB fetching */

// fetch model from db
// (ctx's business_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, businessId string, id int, associations ...string) (*T, error) {
	return FetchModelTx[T](config.GetDB().WithContext(ctx), businessId, id, associations...)
}

// FetchModelTx is FetchModel on an explicit handle, usually an open transaction.
func FetchModelTx[T any](tx *gorm.DB, businessId string, id int, associations ...string) (*T, error) {
	dbCtx := tx.Where("business_id = ?", businessId)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}
