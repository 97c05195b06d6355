package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"bitbucket.org/mmdatafocus/stock_backend/workflow"
	"gorm.io/gorm"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	movementID := flag.Int("movement-id", 0, "Required: stock_movements.id to reverse")
	reason := flag.String("reason", workflow.ReversalReasonOperatorCorrection, "Reversal reason")
	dryRun := flag.Bool("dry-run", true, "Show record only (no writes)")
	confirm := flag.String("confirm", "", "Type REVERSE to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || *movementID <= 0 {
		fmt.Fprintln(os.Stderr, "--business-id and --movement-id are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REVERSE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REVERSE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	if *dryRun {
		printRecord(db, *businessID, *movementID)
		return
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	ctx = utils.SetUserNameInContext(ctx, "stock-movement-reverse")
	reversal, err := models.ReverseMovement(ctx, *movementID, *reason)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reverse failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("stock movement %d reversed by %d\n", *movementID, reversal.ID)
}

func printRecord(db *gorm.DB, businessID string, movementID int) {
	var m models.StockMovement
	if err := db.
		Where("business_id = ? AND id = ?", businessID, movementID).
		First(&m).Error; err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	reversedBy := 0
	if m.ReversedByMovementId != nil {
		reversedBy = *m.ReversedByMovementId
	}
	fmt.Printf("id=%d business_id=%s product_id=%d location_id=%d type=%s qty=%s previous=%s new=%s date=%s reference_type=%s reference_id=%d is_reversal=%v reversed_by=%d\n",
		m.ID, m.BusinessId, m.ProductId, m.LocationId, m.MovementType, m.Qty.String(), m.PreviousQty.String(), m.NewQty.String(),
		m.MovementDate.Format("2006-01-02 15:04:05"), m.ReferenceType, m.ReferenceId, m.IsReversal, reversedBy)
}
