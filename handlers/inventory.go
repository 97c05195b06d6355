package handlers

import (
	"bytes"
	"fmt"
	"net/http"

	"bitbucket.org/mmdatafocus/stock_backend/models"
	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type inventoryCountsRequest struct {
	Counts []models.NewInventoryCount `json:"counts"`
}

func OpenInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewInventory
		if !bindJSON(c, &input) {
			return
		}
		inventory, err := models.OpenInventory(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "OpenInventoryHandler", err)
			return
		}
		c.JSON(http.StatusCreated, inventory)
	}
}

func GetInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		inventory, err := models.GetInventory(c.Request.Context(), id)
		if err != nil {
			respondError(c, "GetInventoryHandler", err)
			return
		}
		c.JSON(http.StatusOK, inventory)
	}
}

func ListInventoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		locationId, ok := queryInt(c, "location_id")
		if !ok {
			return
		}
		inventories, err := models.ListInventories(c.Request.Context(), models.InventoryFilter{
			LocationId: locationId,
			Status:     models.InventoryStatus(c.Query("status")),
		})
		if err != nil {
			respondError(c, "ListInventoriesHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"inventories": inventories})
	}
}

func RecordInventoryCountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req inventoryCountsRequest
		if !bindJSON(c, &req) {
			return
		}
		inventory, err := models.RecordInventoryCounts(c.Request.Context(), id, req.Counts)
		if err != nil {
			respondError(c, "RecordInventoryCountsHandler", err)
			return
		}
		c.JSON(http.StatusOK, inventory)
	}
}

func ValidateInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		inventory, err := models.ValidateInventory(c.Request.Context(), id)
		if err != nil {
			respondError(c, "ValidateInventoryHandler", err)
			return
		}
		c.JSON(http.StatusOK, inventory)
	}
}

func CancelInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		inventory, err := models.CancelInventory(c.Request.Context(), id)
		if err != nil {
			respondError(c, "CancelInventoryHandler", err)
			return
		}
		c.JSON(http.StatusOK, inventory)
	}
}

// ExportInventoryHandler streams the count sheet as an xlsx workbook.
func ExportInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var buf bytes.Buffer
		if err := models.WriteInventorySheet(c.Request.Context(), id, &buf); err != nil {
			respondError(c, "ExportInventoryHandler", err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="inventory-%d.xlsx"`, id))
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
	}
}
