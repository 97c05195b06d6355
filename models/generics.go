package models

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"golang.org/x/sync/singleflight"
)

type Resource interface {
	GetBusinessId() string
}

var resourceLoads singleflight.Group

// first find in redis, then in db, using ctx's business_id in WHERE, cache result.
// Concurrent misses for the same key share one database read.
// Only catalog rows go through here; balances are always read from the store.
func GetResource[T Resource](ctx context.Context, id int) (*T, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	key := fmt.Sprintf("%s:%s:%d", utils.GetTypeName[T](), businessId, id)
	v, err, _ := resourceLoads.Do(key, func() (interface{}, error) {
		// find in redis
		result, err := utils.RetrieveRedis[T](businessId, id)
		if err != nil {
			return nil, err
		}
		if result != nil {
			if (*result).GetBusinessId() != businessId {
				return nil, errors.New("cannot access resource owned by other business")
			}
			return result, nil
		}
		// fetch from db
		result, err = utils.FetchModel[T](ctx, businessId, id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				return nil, &NotFoundError{Resource: utils.GetTypeName[T](), Id: id}
			}
			return nil, err
		}
		// store in redis
		if err := utils.StoreRedis[T](result, businessId, id); err != nil {
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return GetResource[Product](ctx, id)
}

func GetStorageLocation(ctx context.Context, id int) (*StorageLocation, error) {
	return GetResource[StorageLocation](ctx, id)
}

func GetSalesChannel(ctx context.Context, id int) (*SalesChannel, error) {
	return GetResource[SalesChannel](ctx, id)
}
