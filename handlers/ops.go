package handlers

import (
	"net/http"

	"bitbucket.org/mmdatafocus/stock_backend/workflow"
	"github.com/gin-gonic/gin"
)

type repairRequest struct {
	ProductId int   `json:"product_id"`
	DryRun    *bool `json:"dry_run"`
}

// RepairRetroactiveHandler defaults to a dry run; the caller must send dry_run=false to write.
func RepairRetroactiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req repairRequest
		if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
			return
		}
		opts := workflow.RepairOptions{ProductId: req.ProductId, DryRun: true}
		if req.DryRun != nil {
			opts.DryRun = *req.DryRun
		}
		summary, err := workflow.RepairRetroactiveAdjustments(c.Request.Context(), opts)
		if err != nil {
			respondError(c, "RepairRetroactiveHandler", err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func VerifyLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := queryInt(c, "product_id")
		if !ok {
			return
		}
		locationId, ok := queryInt(c, "location_id")
		if !ok {
			return
		}
		report, err := workflow.VerifyLedger(c.Request.Context(), workflow.LedgerVerifyFilter{
			ProductId:  productId,
			LocationId: locationId,
		})
		if err != nil {
			respondError(c, "VerifyLedgerHandler", err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}
