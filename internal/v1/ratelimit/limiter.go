// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/config"
	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
	"github.com/RoseWrightdev/screenshare/internal/v1/metrics"
)

// RateLimiter limits HTTP requests per client IP.
type RateLimiter struct {
	http        *limiter.Limiter
	redisClient *redis.Client
}

// NewRateLimiter builds a limiter from RATE_LIMIT_HTTP. With a redis client
// the counters are shared between instances; otherwise they are in memory.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(cfg.RateLimitHTTP)
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "screenshare:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		http:        limiter.New(store, rate),
		redisClient: redisClient,
	}, nil
}

// Middleware limits each client IP per route. Store failures let the
// request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		result, err := rl.http.Get(ctx, route+":"+c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))

		if result.Reached {
			metrics.RateLimitRejections.WithLabelValues(route).Inc()
			c.Header("Retry-After", strconv.FormatInt(max(result.Reset-time.Now().Unix(), 0), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": result.Reset,
			})
			return
		}

		c.Next()
	}
}

// ScrapeMiddleware guards the metrics endpoint with the stock gin driver,
// on a key space separate from Middleware.
func (rl *RateLimiter) ScrapeMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.http,
		mgin.WithKeyGetter(func(c *gin.Context) string {
			return "scrape:" + c.ClientIP()
		}),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			metrics.RateLimitRejections.WithLabelValues("metrics").Inc()
			c.String(http.StatusTooManyRequests, "Limit exceeded")
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			logging.Error(c.Request.Context(), "Rate limiter store failed", zap.Error(err))
			c.String(http.StatusServiceUnavailable, "Rate limiter unavailable")
		}),
	)
}
