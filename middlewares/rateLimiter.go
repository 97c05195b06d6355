package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/stock_backend/config"
	"github.com/gin-gonic/gin"
)

type RateLimiter struct {
	limit  int64
	window time.Duration
}

func NewRateLimiter(limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per business and client address in a fixed window.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := config.GetRedisDB()
	if client == nil {
		c.Next()
		return
	}
	key := fmt.Sprintf("ratelimit:%s:%s", c.GetHeader(HeaderBusinessId), c.ClientIP())

	count, err := client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// redis trouble must not take the api down
		c.Next()
		return
	}
	if count == 1 {
		client.Expire(c.Request.Context(), key, rl.window)
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}
