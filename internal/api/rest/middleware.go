package rest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggerMiddleware logs one line per request.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("Request failed", fields...)
			return
		}
		logger.Debug("Request served", fields...)
	}
}

// CORSMiddleware allows any origin. Credentials travel in the
// Authorization header, never in cookies.
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type", "Accept", "Origin"},
		MaxAge:          12 * time.Hour,
	})
}

// RateLimitMiddleware limits requests per client IP.
func RateLimitMiddleware(perSecond float64, burst int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		limiter, ok := limiters[ip]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
			limiters[ip] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				types.NewErrorResponse("RATE_LIMITED", "Too many requests", nil))
			return
		}
		c.Next()
	}
}

// errorStatus maps core failures to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidName), errors.Is(err, types.ErrProtocolViolation),
		errors.Is(err, types.ErrFault):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrBusy), errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrOutOfSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, types.ErrAllocationFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, message string, err error) {
	code := types.ErrorCode(err)
	if errors.Is(err, context.DeadlineExceeded) {
		code = "TIMEOUT"
	}
	_ = c.Error(err)
	c.JSON(errorStatus(err), types.NewErrorResponse(code, message, err.Error()))
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse("BAD_REQUEST", message, err.Error()))
}
