package utils

import (
	"gorm.io/gorm"
)

// check if id exists, using business_id in WHERE, return RecordNotFound Error
func ValidateResourceIdTx[T any](tx *gorm.DB, businessId string, id interface{}) error {
	count, err := ResourceCountWhere[T](tx, businessId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// check if ALL id exists, using business_id in WHERE, return RecordNotFound Error
func ValidateResourcesId[M any, ID comparable](tx *gorm.DB, businessId string, ids []ID) error {
	unqIds := UniqueSlice(ids)
	if len(unqIds) == 0 {
		return nil
	}
	count, err := ResourceCountWhere[M](tx, businessId, "id IN ?", unqIds)
	if err != nil {
		return err
	}
	if count != int64(len(unqIds)) {
		return ErrorRecordNotFound
	}
	return nil
}

// count records, using WHERE business_id = ? AND $condition
func ResourceCountWhere[T any](tx *gorm.DB, businessId string, condition string, value ...interface{}) (int64, error) {
	var model T
	var count int64
	dbCtx := tx.Model(&model)
	if businessId != "" {
		dbCtx = dbCtx.Where("business_id = ?", businessId)
	}
	if err := dbCtx.Where(condition, value...).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
