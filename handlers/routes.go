package handlers

import (
	"bitbucket.org/mmdatafocus/stock_backend/middlewares"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the stock api under /api/v1. Every route is tenant scoped.
func RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/v1", middlewares.SessionMiddleware())

	api.POST("/products", CreateProductHandler())
	api.GET("/products/:productId", GetProductHandler())
	api.PUT("/products/:productId/cost", UpdateProductCostHandler())
	api.POST("/locations", CreateStorageLocationHandler())
	api.GET("/locations/:locationId", GetStorageLocationHandler())
	api.POST("/channels", CreateSalesChannelHandler())
	api.GET("/channels/:channelId", GetSalesChannelHandler())
	api.PUT("/price-configurations", UpsertPriceConfigurationHandler())

	api.GET("/balances", ListBalancesHandler())
	api.GET("/balances/:productId/:locationId", GetBalanceHandler())
	api.GET("/movements", ListMovementsHandler())
	api.POST("/movements", RecordMovementHandler())
	api.POST("/movements/adjust", AdjustStockHandler())
	api.POST("/movements/:id/reverse", ReverseMovementHandler())
	api.POST("/transfers", TransferStockHandler())
	api.POST("/sales", RecordSaleHandler())
	api.GET("/sales", ListSalesHandler())

	api.GET("/recipes/:productId", GetRecipeHandler())
	api.PUT("/recipes/:productId", SaveRecipeHandler())
	api.GET("/recipes/:productId/history", RecipeHistoryHandler())
	api.GET("/recipes/:productId/channels", RecipeByChannelHandler())
	api.GET("/recipes/:productId/channels/:channelId/expand", ExpandRecipeHandler())
	api.GET("/recipes/:productId/channels/:channelId/coefficient", RecipeCoefficientHandler())
	api.GET("/recipes/:productId/cost", RecipeCostHandler())
	api.GET("/recipes/:productId/configuration", CheckRecipeConfigurationHandler())
	api.POST("/recipes/:productId/configuration/autofix", AutoFixRecipeConfigurationHandler())

	api.GET("/recipe-adjustments", ListRecipeAdjustmentRunsHandler())
	api.GET("/recipe-adjustments/:id", GetRecipeAdjustmentRunHandler())
	api.POST("/recipe-adjustments/:id/apply", ApplyRecipeAdjustmentHandler())
	api.POST("/recipe-adjustments/:id/cancel", CancelRecipeAdjustmentHandler())

	api.POST("/inventories", OpenInventoryHandler())
	api.GET("/inventories", ListInventoriesHandler())
	api.GET("/inventories/:id", GetInventoryHandler())
	api.PUT("/inventories/:id/counts", RecordInventoryCountsHandler())
	api.POST("/inventories/:id/validate", ValidateInventoryHandler())
	api.POST("/inventories/:id/cancel", CancelInventoryHandler())
	api.GET("/inventories/:id/export", ExportInventoryHandler())

	ops := api.Group("/internal/ops")
	ops.POST("/retroactive-repair", RepairRetroactiveHandler())
	ops.GET("/ledger-verify", VerifyLedgerHandler())
}
