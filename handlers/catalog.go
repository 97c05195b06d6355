package handlers

import (
	"net/http"

	"bitbucket.org/mmdatafocus/stock_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func CreateProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewProduct
		if !bindJSON(c, &input) {
			return
		}
		product, err := models.CreateProduct(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "CreateProductHandler", err)
			return
		}
		c.JSON(http.StatusCreated, product)
	}
}

func GetProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "productId")
		if !ok {
			return
		}
		product, err := models.GetProduct(c.Request.Context(), id)
		if err != nil {
			respondError(c, "GetProductHandler", err)
			return
		}
		c.JSON(http.StatusOK, product)
	}
}

type productCostRequest struct {
	CostPrice decimal.Decimal `json:"cost_price"`
}

func UpdateProductCostHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "productId")
		if !ok {
			return
		}
		var req productCostRequest
		if !bindJSON(c, &req) {
			return
		}
		product, err := models.UpdateProductCost(c.Request.Context(), id, req.CostPrice)
		if err != nil {
			respondError(c, "UpdateProductCostHandler", err)
			return
		}
		c.JSON(http.StatusOK, product)
	}
}

func CreateStorageLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStorageLocation
		if !bindJSON(c, &input) {
			return
		}
		location, err := models.CreateStorageLocation(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "CreateStorageLocationHandler", err)
			return
		}
		c.JSON(http.StatusCreated, location)
	}
}

func GetStorageLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "locationId")
		if !ok {
			return
		}
		location, err := models.GetStorageLocation(c.Request.Context(), id)
		if err != nil {
			respondError(c, "GetStorageLocationHandler", err)
			return
		}
		c.JSON(http.StatusOK, location)
	}
}

func CreateSalesChannelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewSalesChannel
		if !bindJSON(c, &input) {
			return
		}
		channel, err := models.CreateSalesChannel(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "CreateSalesChannelHandler", err)
			return
		}
		c.JSON(http.StatusCreated, channel)
	}
}

func GetSalesChannelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "channelId")
		if !ok {
			return
		}
		channel, err := models.GetSalesChannel(c.Request.Context(), id)
		if err != nil {
			respondError(c, "GetSalesChannelHandler", err)
			return
		}
		c.JSON(http.StatusOK, channel)
	}
}

func UpsertPriceConfigurationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewPriceConfiguration
		if !bindJSON(c, &input) {
			return
		}
		configuration, err := models.UpsertPriceConfiguration(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "UpsertPriceConfigurationHandler", err)
			return
		}
		c.JSON(http.StatusOK, configuration)
	}
}
