package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	rateLimitVisitorCapacity = 10000
	rateLimitVisitorTTL      = 3 * time.Minute
)

// rateLimiter keeps one token bucket per client ip. Idle visitors age out of
// the LRU.
type rateLimiter struct {
	mu       sync.Mutex
	visitors *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		visitors: expirable.NewLRU[string, *rate.Limiter](rateLimitVisitorCapacity, nil, rateLimitVisitorTTL),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (limiter *rateLimiter) allow(key string) bool {
	limiter.mu.Lock()
	bucket, ok := limiter.visitors.Get(key)
	if !ok {
		bucket = rate.NewLimiter(limiter.limit, limiter.burst)
	}
	limiter.visitors.Add(key, bucket)
	limiter.mu.Unlock()
	return bucket.Allow()
}

func rateLimitMiddleware(perSecond float64, burst int) gin.HandlerFunc {
	limiter := newRateLimiter(perSecond, burst)
	return func(ctx *gin.Context) {
		if !limiter.allow(ctx.ClientIP()) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "rate limit exceeded"))
			return
		}
		ctx.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status()), time.Since(start).Seconds())
	}
}

func requestLoggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		logger.Debug("http request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", ctx.ClientIP()),
		)
	}
}

func zapRequestFields(ctx *gin.Context, err error) []zap.Field {
	fields := []zap.Field{
		zap.String("method", ctx.Request.Method),
		zap.String("path", ctx.FullPath()),
		zap.Error(err),
	}
	if claims := getClaims(ctx); claims != nil {
		fields = append(fields, zap.String("caller", claims.Subject))
	}
	return fields
}
