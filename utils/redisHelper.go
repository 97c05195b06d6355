package utils

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

func redisKey[T any](businessId string, id int) string {
	return GetTypeName[T]() + ":" + businessId + ":" + fmt.Sprint(id)
}

// store instance, obj should be a pointer
func StoreRedis[T any](obj any, businessId string, id int) error {
	return config.SetRedisObject(redisKey[T](businessId, id), &obj, GetCacheLifespan())
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](businessId string, id int) (*T, error) {
	var result *T
	exists, err := config.GetRedisObject(redisKey[T](businessId, id), &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// remove an instance, Type:$business_id:$id
func RemoveRedisItem[T any](businessId string, id int) error {
	return config.RemoveRedisKey(redisKey[T](businessId, id))
}
