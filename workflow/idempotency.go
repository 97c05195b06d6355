package workflow

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (existing, true, nil)
// meaning "skip safely". The insert runs under a savepoint so a duplicate key does not
// poison the surrounding transaction on postgres.
func BeginIdempotency(tx *gorm.DB, businessId, handlerName, messageId string) (existing *models.IdempotencyKey, skip bool, err error) {
	key := models.IdempotencyKey{
		BusinessId:  businessId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.SavePoint("idem").Error; err != nil {
		return nil, false, err
	}
	if err := tx.Create(&key).Error; err == nil {
		return &key, false, nil
	} else if !models.IsDuplicateKeyError(err) {
		return nil, false, err
	}
	if err := tx.RollbackTo("idem").Error; err != nil {
		return nil, false, err
	}

	var found models.IdempotencyKey
	if err := tx.Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		First(&found).Error; err != nil {
		return nil, false, err
	}

	switch found.Status {
	case models.IdempotencyStatusSucceeded:
		return &found, true, nil
	case models.IdempotencyStatusStarted:
		// another request may be processing it; a stale row is taken over
		if time.Since(found.UpdatedAt) < 5*time.Minute {
			return nil, false, ErrIdempotencyInProgress
		}
	}
	err = tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", found.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
	return &found, false, err
}

func MarkIdempotencySucceeded(tx *gorm.DB, businessId, handlerName, messageId string, resultId int) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "result_id": resultId, "last_error": nil}).Error
}
