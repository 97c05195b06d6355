package main

import (
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/models"
)

// migrate runs AutoMigrate as a standalone job for deployments started with SKIP_MIGRATIONS=true.
func main() {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	models.MigrateTable()
	fmt.Println("migrations applied")
}
