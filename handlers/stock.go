package handlers

import (
	"net/http"

	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func ListBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := queryInt(c, "product_id")
		if !ok {
			return
		}
		locationId, ok := queryInt(c, "location_id")
		if !ok {
			return
		}
		maxQty, ok := queryDecimal(c, "max_qty")
		if !ok {
			return
		}
		balances, err := models.ListStockBalances(c.Request.Context(), models.BalanceFilter{
			ProductId:  productId,
			LocationId: locationId,
			MaxQty:     maxQty,
		})
		if err != nil {
			respondError(c, "ListBalancesHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balances": balances})
	}
}

func GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		locationId, ok := pathId(c, "locationId")
		if !ok {
			return
		}
		qty, err := models.GetStockBalance(c.Request.Context(), productId, locationId)
		if err != nil {
			respondError(c, "GetBalanceHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": productId, "location_id": locationId, "quantity": qty})
	}
}

func ListMovementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.MovementFilter
		var ok bool
		if filter.ProductId, ok = queryInt(c, "product_id"); !ok {
			return
		}
		if filter.LocationId, ok = queryInt(c, "location_id"); !ok {
			return
		}
		if filter.ReferenceId, ok = queryInt(c, "reference_id"); !ok {
			return
		}
		if filter.AfterId, ok = queryInt(c, "after_id"); !ok {
			return
		}
		if cursor := c.Query("cursor"); cursor != "" {
			afterId, err := models.DecodeCursor(cursor)
			if err != nil {
				respondError(c, "ListMovementsHandler", err)
				return
			}
			filter.AfterId = afterId
		}
		if filter.Limit, ok = queryInt(c, "limit"); !ok {
			return
		}
		if filter.From, ok = queryTime(c, "from"); !ok {
			return
		}
		if filter.To, ok = queryTime(c, "to"); !ok {
			return
		}
		filter.MovementType = models.MovementType(c.Query("movement_type"))
		filter.ReferenceType = models.StockReferenceType(c.Query("reference_type"))
		filter.CorrelationId = c.Query("correlation_id")
		filter.IncludeReversed = queryBool(c, "include_reversed")

		movements, next, err := models.GetStockMovements(c.Request.Context(), filter)
		if err != nil {
			respondError(c, "ListMovementsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"movements": movements, "page_info": models.NewPageInfo(next)})
	}
}

type stockMovementRequest struct {
	MovementType models.MovementType `json:"movement_type"`
	ProductId    int                 `json:"product_id"`
	LocationId   int                 `json:"location_id"`
	Qty          decimal.Decimal     `json:"qty"`
	Notes        string              `json:"notes"`
}

// RecordMovementHandler takes the manual movements (restock, breakage, adjustment).
func RecordMovementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stockMovementRequest
		if !bindJSON(c, &req) {
			return
		}
		movement, err := models.RecordStockMovement(c.Request.Context(), req.MovementType, req.ProductId, req.LocationId, req.Qty, req.Notes)
		if err != nil {
			respondError(c, "RecordMovementHandler", err)
			return
		}
		c.JSON(http.StatusCreated, movement)
	}
}

// AdjustStockHandler posts a movement with full control over type, date and reference.
func AdjustStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStockAdjustment
		if !bindJSON(c, &input) {
			return
		}
		movement, err := models.AdjustStock(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "AdjustStockHandler", err)
			return
		}
		c.JSON(http.StatusCreated, movement)
	}
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

func ReverseMovementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req reverseRequest
		if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
			return
		}
		if req.Reason == "" {
			req.Reason = workflow.ReversalReasonOperatorCorrection
		}
		reversal, err := models.ReverseMovement(c.Request.Context(), id, req.Reason)
		if err != nil {
			respondError(c, "ReverseMovementHandler", err)
			return
		}
		c.JSON(http.StatusCreated, reversal)
	}
}

func TransferStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStockTransfer
		if !bindJSON(c, &input) {
			return
		}
		result, err := models.TransferStock(c.Request.Context(), &input)
		if err != nil {
			status := statusFor(err)
			if result != nil && len(result.Items) > 0 {
				// saga mode keeps the legs that went through
				c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "result": result})
				return
			}
			respondError(c, "TransferStockHandler", err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func RecordSaleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewSaleLine
		if !bindJSON(c, &input) {
			return
		}
		result, err := workflow.RecordSale(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "RecordSaleHandler", err)
			return
		}
		status := http.StatusCreated
		if result.Duplicate {
			status = http.StatusOK
		}
		c.JSON(status, result)
	}
}

func ListSalesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.SaleLineFilter
		var ok bool
		if filter.ProductId, ok = queryInt(c, "product_id"); !ok {
			return
		}
		if filter.From, ok = queryTime(c, "from"); !ok {
			return
		}
		if filter.To, ok = queryTime(c, "to"); !ok {
			return
		}
		lines, err := models.ListSaleLines(c.Request.Context(), filter)
		if err != nil {
			respondError(c, "ListSalesHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sales": lines})
	}
}
