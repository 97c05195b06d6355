package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/middlewares"
	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.NewValidationError("qty", "must be positive"), http.StatusBadRequest},
		{&models.ConfigurationError{ProductId: 1, IngredientId: 2, LocationId: 3}, http.StatusUnprocessableEntity},
		{&models.NotFoundError{Resource: "product", Id: 9}, http.StatusNotFound},
		{gorm.ErrRecordNotFound, http.StatusNotFound},
		{fmt.Errorf("post: %w", models.ErrConcurrencyConflict), http.StatusConflict},
		{fmt.Errorf("could not obtain lock for recipe:1: %w", redislock.ErrNotObtained), http.StatusConflict},
		{utils.ErrorBusinessIdRequired, http.StatusUnauthorized},
		{&models.IntegrityError{Operation: "transfer", Cause: models.NewValidationError("qty", "x")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := "file:h_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	config.SetDB(db)
	config.SetRedis(nil)

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middlewares.HeaderBusinessId, "biz-1")
	req.Header.Set(middlewares.HeaderUserName, "clerk")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type idResponse struct {
	ID int `json:"id"`
}

func TestStockRoutes(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/locations", map[string]any{"name": "Depot1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var location idResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &location))

	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/v1/locations/%d", location.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"Depot1"`)

	w = doJSON(t, r, http.MethodPost, "/api/v1/products", map[string]any{"name": "Flour", "kind": "RawMaterial", "cost_price": "2"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var product idResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &product))

	w = doJSON(t, r, http.MethodPost, "/api/v1/movements", map[string]any{
		"movement_type": "Restock", "product_id": product.ID, "location_id": location.ID, "qty": "100",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NotEmpty(t, w.Header().Get(middlewares.HeaderCorrelationId))
	var movement models.StockMovement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &movement))
	require.Equal(t, "clerk", movement.CreatedBy)

	w = doJSON(t, r, http.MethodPost, "/api/v1/movements", map[string]any{
		"movement_type": "Adjustment", "product_id": product.ID, "location_id": location.ID, "qty": "0",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), `"field":"qty"`)

	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/v1/balances/%d/%d", product.ID, location.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance struct {
		Quantity decimal.Decimal `json:"quantity"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	require.True(t, balance.Quantity.Equal(decimal.NewFromInt(100)), balance.Quantity.String())

	var lowStock struct {
		Balances []models.StockBalance `json:"balances"`
	}
	w = doJSON(t, r, http.MethodGet, "/api/v1/balances?max_qty=50", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lowStock))
	require.Empty(t, lowStock.Balances)
	w = doJSON(t, r, http.MethodGet, "/api/v1/balances?max_qty=100.5", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lowStock))
	require.Len(t, lowStock.Balances, 1)
	w = doJSON(t, r, http.MethodGet, "/api/v1/balances?max_qty=lots", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/movements/%d/reverse", movement.ID), map[string]any{"reason": "wrong depot"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/api/v1/internal/ops/ledger-verify", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"discrepancies":null`)

	w = doJSON(t, r, http.MethodGet, "/api/v1/products/9999", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/balances", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "requests without a business are rejected")
}
