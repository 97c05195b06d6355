package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"bitbucket.org/mmdatafocus/stock_backend/workflow"
)

// ledger-verify replays the movements of a business and exits 2 when any balance disagrees.
func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	productID := flag.Int("product-id", 0, "Optional: product filter")
	locationID := flag.Int("location-id", 0, "Optional: storage location filter")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	report, err := workflow.VerifyLedger(ctx, workflow.LedgerVerifyFilter{
		ProductId:  *productID,
		LocationId: *locationID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("balances=%d movements=%d discrepancies=%d\n",
		report.BalancesChecked, report.MovementsChecked, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		fmt.Printf("product_id=%d location_id=%d balance=%s replayed=%s replayed_active=%s broken_chain_at=%d\n",
			d.ProductId, d.LocationId, d.Balance.String(), d.Replayed.String(), d.ReplayedActive.String(), d.BrokenChainMovementId)
	}
	if len(report.Discrepancies) > 0 {
		os.Exit(2)
	}
}
