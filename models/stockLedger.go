package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/stock_backend/models")

type NewStockAdjustment struct {
	ProductId      int                `json:"product_id" validate:"required,gt=0"`
	LocationId     int                `json:"location_id" validate:"required,gt=0"`
	Qty            decimal.Decimal    `json:"qty"`
	MovementType   MovementType       `json:"movement_type" validate:"required"`
	MovementDate   *time.Time         `json:"movement_date"`
	Notes          string             `json:"notes" validate:"max=1000"`
	SalesChannelId *int               `json:"sales_channel_id"`
	ReferenceType  StockReferenceType `json:"reference_type"`
	ReferenceId    int                `json:"reference_id"`
	CorrelationId  string             `json:"correlation_id"`
	IsRetroactive  bool               `json:"-"`
	// reversal entries may carry a zero qty when they only close out a zero-sum group
	IsReversal         bool `json:"-"`
	ReversesMovementId *int `json:"-"`
}

func (input *NewStockAdjustment) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		for field, tag := range utils.ProcessValidationErrors(err) {
			return NewValidationError(toSnake(field), "failed %s", tag)
		}
	}
	if !input.MovementType.IsValid() {
		return NewValidationError("movement_type", "unknown movement type %q", input.MovementType)
	}
	if input.Qty.IsZero() && !input.IsReversal {
		return NewValidationError("qty", "must not be zero")
	}
	return nil
}

// PostStockMovement is the single write path of the ledger. It must run inside tx:
// the balance row is locked (and created at zero when absent), the movement is
// appended and the balance is moved forward under an optimistic version check.
// A lost version race returns ErrConcurrencyConflict; callers retry the whole transaction.
func PostStockMovement(tx *gorm.DB, businessId string, input NewStockAdjustment) (*StockMovement, error) {
	if businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	var balance StockBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(StockBalance{BusinessId: businessId, ProductId: input.ProductId, LocationId: input.LocationId}).
		Attrs(StockBalance{Quantity: decimal.Zero}).
		FirstOrCreate(&balance).Error
	if err != nil {
		if IsDuplicateKeyError(err) {
			// another writer created the row first
			return nil, ErrConcurrencyConflict
		}
		return nil, err
	}

	now := time.Now().UTC()
	movementDate := now
	if input.MovementDate != nil && !input.MovementDate.IsZero() {
		movementDate = input.MovementDate.UTC()
	}
	referenceType := input.ReferenceType
	if referenceType == "" {
		referenceType = StockReferenceTypeManual
	}
	createdBy := ""
	if ctx := tx.Statement.Context; ctx != nil {
		createdBy, _ = utils.GetUserNameFromContext(ctx)
	}

	previous := balance.Quantity
	movement := StockMovement{
		BusinessId:         businessId,
		ProductId:          input.ProductId,
		LocationId:         input.LocationId,
		MovementType:       input.MovementType,
		Qty:                input.Qty,
		PreviousQty:        previous,
		NewQty:             previous.Add(input.Qty),
		MovementDate:       movementDate,
		SalesChannelId:     input.SalesChannelId,
		Notes:              input.Notes,
		ReferenceType:      referenceType,
		ReferenceId:        input.ReferenceId,
		CorrelationId:      input.CorrelationId,
		IsRetroactive:      input.IsRetroactive,
		IsReversal:         input.IsReversal,
		ReversesMovementId: input.ReversesMovementId,
		CreatedBy:          createdBy,
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, err
	}

	res := tx.Model(&StockBalance{}).
		Where("id = ? AND version = ?", balance.ID, balance.Version).
		Updates(map[string]interface{}{
			"quantity":   movement.NewQty,
			"version":    balance.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConcurrencyConflict
	}

	if movement.NewQty.IsNegative() && !previous.IsNegative() {
		config.GetLogger().WithFields(logrus.Fields{
			"business_id":   businessId,
			"product_id":    movement.ProductId,
			"location_id":   movement.LocationId,
			"movement_type": movement.MovementType,
			"previous_qty":  previous.String(),
			"new_qty":       movement.NewQty.String(),
		}).Warn("stock balance went negative")
	}
	return &movement, nil
}

// WithConflictRetry runs fn again while it fails with ErrConcurrencyConflict,
// at most LEDGER_MAX_CONFLICT_RETRIES times in total.
func WithConflictRetry(ctx context.Context, operation string, fn func() error) error {
	maxAttempts := config.LedgerMaxConflictRetries()
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		config.LedgerConflictRetries.Inc()
		config.GetLogger().WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
		}).Info("ledger version conflict, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*10) * time.Millisecond):
		}
	}
	return err
}

// ObserveMovements records committed movements in the ledger metrics.
func ObserveMovements(movements ...*StockMovement) {
	for _, m := range movements {
		if m == nil {
			continue
		}
		config.StockMovementsTotal.WithLabelValues(string(m.MovementType), fmt.Sprint(m.IsRetroactive)).Inc()
	}
}

// AdjustStock posts one movement in its own transaction.
func AdjustStock(ctx context.Context, input *NewStockAdjustment) (*StockMovement, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	ctx, span := tracer.Start(ctx, "AdjustStock")
	defer span.End()
	span.SetAttributes(
		attribute.Int("product_id", input.ProductId),
		attribute.Int("location_id", input.LocationId),
		attribute.String("movement_type", string(input.MovementType)),
	)
	started := time.Now()
	defer func() {
		config.LedgerWriteDuration.WithLabelValues("adjust").Observe(time.Since(started).Seconds())
	}()

	db := config.GetDB()
	var movement *StockMovement
	err := WithConflictRetry(ctx, "AdjustStock", func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := loadProduct(tx, businessId, input.ProductId); err != nil {
				return err
			}
			if _, err := loadStorageLocation(tx, businessId, input.LocationId); err != nil {
				return err
			}
			m, err := PostStockMovement(tx, businessId, *input)
			if err != nil {
				return err
			}
			movement = m
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var validationErr *ValidationError
		var notFoundErr *NotFoundError
		if !errors.As(err, &validationErr) && !errors.As(err, &notFoundErr) {
			config.LogError(config.GetLogger(), "StockLedger", "AdjustStock", "post movement", input, err)
		}
		return nil, err
	}
	ObserveMovements(movement)
	return movement, nil
}

// RecordStockMovement is the operator-facing entry for restocks, breakage and manual
// corrections. Quantities are given as positive amounts; breakage is posted negative.
func RecordStockMovement(ctx context.Context, movementType MovementType, productId int, locationId int, qty decimal.Decimal, notes string) (*StockMovement, error) {
	if !qty.IsPositive() && movementType != MovementTypeAdjustment {
		return nil, NewValidationError("qty", "must be positive")
	}
	switch movementType {
	case MovementTypeRestock:
	case MovementTypeBreakage:
		qty = qty.Neg()
	case MovementTypeAdjustment:
		if qty.IsZero() {
			return nil, NewValidationError("qty", "must not be zero")
		}
	default:
		return nil, NewValidationError("movement_type", "%s movements are posted by their own workflow", movementType)
	}
	return AdjustStock(ctx, &NewStockAdjustment{
		ProductId:    productId,
		LocationId:   locationId,
		Qty:          qty,
		MovementType: movementType,
		Notes:        notes,
	})
}

// GetStockBalance returns the quantity on hand, zero when no balance row exists.
func GetStockBalance(ctx context.Context, productId int, locationId int) (decimal.Decimal, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return decimal.Zero, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	var balances []StockBalance
	err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ? AND location_id = ?", businessId, productId, locationId).
		Limit(1).Find(&balances).Error
	if err != nil {
		return decimal.Zero, err
	}
	if len(balances) == 0 {
		return decimal.Zero, nil
	}
	return balances[0].Quantity, nil
}

type BalanceFilter struct {
	ProductId  int `json:"product_id"`
	LocationId int `json:"location_id"`
	// low-stock view: only balances at or below this quantity
	MaxQty *decimal.Decimal `json:"max_qty"`
}

func ListStockBalances(ctx context.Context, filter BalanceFilter) ([]*StockBalance, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	q := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter.ProductId > 0 {
		q = q.Where("product_id = ?", filter.ProductId)
	}
	if filter.LocationId > 0 {
		q = q.Where("location_id = ?", filter.LocationId)
	}
	if filter.MaxQty != nil {
		q = q.Where("quantity <= ?", *filter.MaxQty)
	}
	var balances []*StockBalance
	if err := q.Order("product_id, location_id").Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}

const (
	defaultMovementPageSize = 100
	maxMovementPageSize     = 1000
)

// MovementFilter selects ledger entries. From is inclusive and To exclusive.
// Pages are ordered by ledger sequence; pass the returned cursor as AfterId to continue.
type MovementFilter struct {
	ProductId       int                `json:"product_id"`
	LocationId      int                `json:"location_id"`
	MovementType    MovementType       `json:"movement_type"`
	From            *time.Time         `json:"from"`
	To              *time.Time         `json:"to"`
	ReferenceType   StockReferenceType `json:"reference_type"`
	ReferenceId     int                `json:"reference_id"`
	CorrelationId   string             `json:"correlation_id"`
	IncludeReversed bool               `json:"include_reversed"`
	AfterId         int                `json:"after_id"`
	Limit           int                `json:"limit"`
}

// GetStockMovements returns one page of movements and the cursor for the next page
// (0 when there is none).
func GetStockMovements(ctx context.Context, filter MovementFilter) ([]*StockMovement, int, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, 0, utils.ErrorBusinessIdRequired
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, 0, NewValidationError("to", "must be after from")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultMovementPageSize
	}
	if limit > maxMovementPageSize {
		limit = maxMovementPageSize
	}

	db := config.GetDB()
	q := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter.ProductId > 0 {
		q = q.Where("product_id = ?", filter.ProductId)
	}
	if filter.LocationId > 0 {
		q = q.Where("location_id = ?", filter.LocationId)
	}
	if filter.MovementType != "" {
		q = q.Where("movement_type = ?", filter.MovementType)
	}
	if filter.From != nil {
		q = q.Where("movement_date >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("movement_date < ?", filter.To.UTC())
	}
	if filter.ReferenceType != "" {
		q = q.Where("reference_type = ? AND reference_id = ?", filter.ReferenceType, filter.ReferenceId)
	}
	if filter.CorrelationId != "" {
		q = q.Where("correlation_id = ?", filter.CorrelationId)
	}
	if !filter.IncludeReversed {
		q = activeMovementScope(q)
	}
	if filter.AfterId > 0 {
		q = q.Where("id > ?", filter.AfterId)
	}

	var movements []*StockMovement
	if err := q.Order("id").Limit(limit).Find(&movements).Error; err != nil {
		return nil, 0, err
	}
	next := 0
	if len(movements) == limit {
		next = movements[len(movements)-1].ID
	}
	return movements, next, nil
}

// ReverseStockMovement posts the exact opposite of a movement and links the pair,
// taking both out of the active ledger view. The original row is kept.
func ReverseStockMovement(tx *gorm.DB, businessId string, movementId int, reason string) (*StockMovement, error) {
	var original StockMovement
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&original, movementId).Error
	if err != nil {
		return nil, notFound(err, "stock movement", movementId)
	}
	if original.IsReversal {
		return nil, NewValidationError("movement_id", "movement %d is itself a reversal", movementId)
	}
	if original.ReversedByMovementId != nil {
		return nil, NewValidationError("movement_id", "movement %d is already reversed by %d", movementId, *original.ReversedByMovementId)
	}

	notes := fmt.Sprintf("Reversal of movement #%d", original.ID)
	if strings.TrimSpace(reason) != "" {
		notes += ": " + strings.TrimSpace(reason)
	}
	reversal, err := PostStockMovement(tx, businessId, NewStockAdjustment{
		ProductId:          original.ProductId,
		LocationId:         original.LocationId,
		Qty:                original.Qty.Neg(),
		MovementType:       original.MovementType,
		SalesChannelId:     original.SalesChannelId,
		Notes:              notes,
		ReferenceType:      StockReferenceTypeReversal,
		ReferenceId:        original.ID,
		CorrelationId:      original.CorrelationId,
		IsReversal:         true,
		ReversesMovementId: &original.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := LinkReversedMovements(tx, businessId, []int{original.ID}, reversal.ID); err != nil {
		return nil, err
	}
	return reversal, nil
}

// LinkReversedMovements marks movements as reversed by reversalId. A row linked
// meanwhile by someone else surfaces as ErrConcurrencyConflict.
func LinkReversedMovements(tx *gorm.DB, businessId string, movementIds []int, reversalId int) error {
	if len(movementIds) == 0 {
		return nil
	}
	now := time.Now().UTC()
	res := tx.Model(&StockMovement{}).
		Where("business_id = ? AND id IN ? AND reversed_by_movement_id IS NULL", businessId, movementIds).
		Updates(map[string]interface{}{
			"reversed_by_movement_id": reversalId,
			"reversed_at":             now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != int64(len(movementIds)) {
		return ErrConcurrencyConflict
	}
	return nil
}

// ReverseMovement reverses one movement in its own transaction.
func ReverseMovement(ctx context.Context, movementId int, reason string) (*StockMovement, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, utils.ErrorBusinessIdRequired
	}
	db := config.GetDB()
	var reversal *StockMovement
	err := WithConflictRetry(ctx, "ReverseMovement", func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			r, err := ReverseStockMovement(tx, businessId, movementId, reason)
			reversal = r
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	ObserveMovements(reversal)
	return reversal, nil
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
