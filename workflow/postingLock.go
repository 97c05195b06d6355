package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireBusinessPostingLock serializes bulk ledger rewrites per business across instances.
// mysql GET_LOCK is connection-scoped, so call it on the transaction that does the posting
// and release it on the same handle. postgres takes a transaction-scoped advisory lock that
// ends with the transaction. sqlite has one writer and needs nothing.
func AcquireBusinessPostingLock(tx *gorm.DB, businessId string) error {
	lockName := fmt.Sprintf("posting:%s", businessId)
	var ok int
	switch tx.Dialector.Name() {
	case "mysql":
		if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
			return err
		}
	case "postgres":
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", lockName).Error; err != nil {
			return err
		}
		return nil
	default:
		return nil
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for business_id=%s", businessId)
	}
	return nil
}

func ReleaseBusinessPostingLock(tx *gorm.DB, businessId string) {
	if tx.Dialector.Name() != "mysql" {
		return
	}
	lockName := fmt.Sprintf("posting:%s", businessId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
