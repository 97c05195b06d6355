package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/stock_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderBusinessId    = "X-Business-Id"
	HeaderUserId        = "X-User-Id"
	HeaderUserName      = "X-User-Name"
	HeaderCorrelationId = "X-Correlation-Id"
)

// CorrelationMiddleware attaches one correlation id per request, reusing the caller's when sent.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(HeaderCorrelationId, cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// SessionMiddleware scopes the request to a business. Authentication happens upstream;
// the gateway forwards the resolved tenant and user as headers.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.GetHeader(HeaderBusinessId))
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": utils.ErrorBusinessIdRequired.Error()})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if userId := strings.TrimSpace(c.GetHeader(HeaderUserId)); userId != "" {
			ctx = utils.SetUserIdInContext(ctx, userId)
		}
		userName := strings.TrimSpace(c.GetHeader(HeaderUserName))
		if userName == "" {
			userName = "System"
		}
		ctx = utils.SetUserNameInContext(ctx, userName)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
