package models

import (
	"log"

	"bitbucket.org/mmdatafocus/stock_backend/config"
)

// AllModels lists every table the service owns, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Product{}, &StorageLocation{}, &SalesChannel{}, &PriceConfiguration{},
		&StockBalance{}, &StockMovement{},
		&RecipeLine{}, &RecipeHistory{}, &RecipeByChannel{}, &RecipeAdjustmentRun{},
		&Inventory{}, &InventoryLine{},
		&SaleLine{},
		&IdempotencyKey{},
	}
}

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(AllModels()...)
	if err != nil {
		log.Fatal(err)
	}
}
