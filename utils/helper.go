package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// ValidateStruct runs the `validate` struct tags.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["_"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// safely dereference pointer of type T, nil pointer return zero value or optional default
func DereferencePtr[T any](ptr *T, defaults ...T) T {
	var defaultValue T
	if len(defaults) > 0 {
		defaultValue = defaults[0]
	}
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}
	return decimal.NewFromString(value)
}

// ResourceLock obtains a redis lock on lockType:key and returns its release func.
// Without redis the returned release is a no-op unless REQUIRE_DISTRIBUTED_LOCK is set;
// database row locks still serialize ledger writers in that case.
func ResourceLock(ctx context.Context, lockType string, key string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		if config.RequireDistributedLock() {
			err := errors.New("redis lock is nil")
			config.LogError(logger, moduleName, functionName, "Redis lock not initialized", key, err)
			return nil, errors.New("service not ready (redis lock not initialized)")
		}
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, key)
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 100),
	}
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, opts)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock", lockKey, err)
		return nil, fmt.Errorf("could not obtain lock for %s: %w", lockKey, err)
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock", lockKey, err)
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
