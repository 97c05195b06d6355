package models

import (
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/stock_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrConcurrencyConflict is returned when a balance row changed between read and write.
// Ledger entry points retry it a bounded number of times before surfacing it.
var ErrConcurrencyConflict = errors.New("stock balance was modified concurrently")

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func NewValidationError(field string, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ConfigurationError reports an ingredient (or transferred product) without a
// location-scoped price configuration at the location it would be drawn from.
type ConfigurationError struct {
	ProductId      int `json:"product_id"`
	IngredientId   int `json:"ingredient_id"`
	LocationId     int `json:"location_id"`
	SalesChannelId int `json:"sales_channel_id,omitempty"`
}

func (e *ConfigurationError) Error() string {
	if e.SalesChannelId > 0 {
		return fmt.Sprintf("product %d has no configuration at location %d (sales channel %d, product %d)",
			e.IngredientId, e.LocationId, e.SalesChannelId, e.ProductId)
	}
	return fmt.Sprintf("product %d has no configuration at location %d", e.IngredientId, e.LocationId)
}

type NotFoundError struct {
	Resource string `json:"resource"`
	Id       any    `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Resource, e.Id)
}

// IntegrityError means a compensating write failed and the ledger needs a manual audit.
type IntegrityError struct {
	Operation       string `json:"operation"`
	CorrelationId   string `json:"correlation_id"`
	Cause           error  `json:"-"`
	CompensationErr error  `json:"-"`
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s %s left the ledger inconsistent: %v; compensation failed: %v",
		e.Operation, e.CorrelationId, e.Cause, e.CompensationErr)
}

func (e *IntegrityError) Unwrap() []error {
	return []error{e.Cause, e.CompensationErr}
}

func notFound(err error, resource string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, utils.ErrorRecordNotFound) {
		return &NotFoundError{Resource: resource, Id: id}
	}
	return err
}

// IsDuplicateKeyError recognises unique index violations from mysql, postgres and sqlite.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "sqlstate 23505")
}
