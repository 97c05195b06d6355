package handlers

import (
	"net/http"

	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/workflow"
	"github.com/gin-gonic/gin"
)

type saveRecipeRequest struct {
	Lines []models.NewRecipeLine `json:"lines"`
}

func GetRecipeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		lines, err := models.GetRecipe(c.Request.Context(), productId)
		if err != nil {
			respondError(c, "GetRecipeHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": productId, "lines": lines})
	}
}

func SaveRecipeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		var req saveRecipeRequest
		if !bindJSON(c, &req) {
			return
		}
		result, err := workflow.SaveRecipe(c.Request.Context(), productId, req.Lines)
		if err != nil {
			respondError(c, "SaveRecipeHandler", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func RecipeHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		history, err := models.ListRecipeHistory(c.Request.Context(), productId)
		if err != nil {
			respondError(c, "RecipeHistoryHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": history})
	}
}

func ExpandRecipeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		channelId, ok := pathId(c, "channelId")
		if !ok {
			return
		}
		components, err := models.ExpandRecipe(c.Request.Context(), productId, channelId)
		if err != nil {
			respondError(c, "ExpandRecipeHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"components": components})
	}
}

func RecipeByChannelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		rows, err := models.ListRecipeByChannel(c.Request.Context(), productId)
		if err != nil {
			respondError(c, "RecipeByChannelHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	}
}

func RecipeCostHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		cost, err := models.GetRecipeCost(c.Request.Context(), productId)
		if err != nil {
			respondError(c, "RecipeCostHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": productId, "cost": cost})
	}
}

func RecipeCoefficientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		channelId, ok := pathId(c, "channelId")
		if !ok {
			return
		}
		coefficient, err := models.GetRecipeCoefficient(c.Request.Context(), productId, channelId)
		if err != nil {
			respondError(c, "RecipeCoefficientHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": productId, "sales_channel_id": channelId, "coefficient": coefficient})
	}
}

func CheckRecipeConfigurationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		missing, err := models.CheckRecipeConfiguration(c.Request.Context(), productId)
		if err != nil {
			respondError(c, "CheckRecipeConfigurationHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"missing": missing, "complete": len(missing) == 0})
	}
}

func AutoFixRecipeConfigurationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "productId")
		if !ok {
			return
		}
		created, err := models.AutoFixRecipeConfiguration(c.Request.Context(), productId)
		if err != nil {
			respondError(c, "AutoFixRecipeConfigurationHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"created": created})
	}
}

type applyRunRequest struct {
	Scope models.RecipeAdjustmentScope `json:"scope"`
}

func ApplyRecipeAdjustmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req applyRunRequest
		if !bindJSON(c, &req) {
			return
		}
		summary, err := workflow.ApplyRecipeAdjustment(c.Request.Context(), runId, req.Scope)
		if err != nil {
			respondError(c, "ApplyRecipeAdjustmentHandler", err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func CancelRecipeAdjustmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, ok := pathId(c, "id")
		if !ok {
			return
		}
		run, err := workflow.CancelRecipeAdjustment(c.Request.Context(), runId)
		if err != nil {
			respondError(c, "CancelRecipeAdjustmentHandler", err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func GetRecipeAdjustmentRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, ok := pathId(c, "id")
		if !ok {
			return
		}
		run, err := models.GetRecipeAdjustmentRun(c.Request.Context(), runId)
		if err != nil {
			respondError(c, "GetRecipeAdjustmentRunHandler", err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func ListRecipeAdjustmentRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := queryInt(c, "product_id")
		if !ok {
			return
		}
		runs, err := models.ListRecipeAdjustmentRuns(c.Request.Context(), models.RecipeAdjustmentRunFilter{
			ProductId: productId,
			Status:    models.RecipeAdjustmentRunStatus(c.Query("status")),
		})
		if err != nil {
			respondError(c, "ListRecipeAdjustmentRunsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}
