package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"bitbucket.org/mmdatafocus/stock_backend/workflow"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	productID := flag.Int("product-id", 0, "Optional: only repair this product")
	dryRun := flag.Bool("dry-run", true, "List the groups that would be compensated (no writes)")
	confirm := flag.String("confirm", "", "Type REPAIR to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REPAIR" {
		fmt.Fprintln(os.Stderr, "set --confirm=REPAIR to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	ctx = utils.SetUserNameInContext(ctx, "retro-adjustment-repair")
	summary, err := workflow.RepairRetroactiveAdjustments(ctx, workflow.RepairOptions{
		ProductId: *productID,
		DryRun:    *dryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "repair failed: %v\n", err)
		os.Exit(1)
	}

	for _, g := range summary.Groups {
		fmt.Printf("product_id=%d location_id=%d movements=%d total=%s compensation_id=%d\n",
			g.ProductId, g.LocationId, len(g.MovementIds), g.Total.String(), g.CompensationMovementId)
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
}
