package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"bitbucket.org/mmdatafocus/stock_backend/models"
	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// statusFor maps domain errors onto http statuses.
func statusFor(err error) int {
	var validationErr *models.ValidationError
	var configurationErr *models.ConfigurationError
	var notFoundErr *models.NotFoundError
	var integrityErr *models.IntegrityError
	switch {
	case errors.As(err, &integrityErr):
		return http.StatusInternalServerError
	case errors.Is(err, utils.ErrorBusinessIdRequired):
		return http.StatusUnauthorized
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &configurationErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &notFoundErr), errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConcurrencyConflict), errors.Is(err, redislock.ErrNotObtained):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, functionName string, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var validationErr *models.ValidationError
	var configurationErr *models.ConfigurationError
	var integrityErr *models.IntegrityError
	switch {
	case errors.As(err, &integrityErr):
		body["correlation_id"] = integrityErr.CorrelationId
	case errors.As(err, &validationErr):
		body["field"] = validationErr.Field
	case errors.As(err, &configurationErr):
		body["configuration"] = configurationErr
	}
	if status >= http.StatusInternalServerError {
		ctx := c.Request.Context()
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		uid, _ := utils.GetUserIdFromContext(ctx)
		config.LogError(config.GetLogger(), "handlers", functionName, c.Request.Method+" "+c.FullPath(), gin.H{"correlation_id": cid, "user_id": uid}, err)
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func queryDecimal(c *gin.Context, name string) (*decimal.Decimal, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	d, err := utils.ParseDecimal(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return nil, false
	}
	return &d, true
}

func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + ", expected RFC3339"})
		return nil, false
	}
	return &t, true
}

func queryBool(c *gin.Context, name string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(c.Query(name)))
	return v
}
