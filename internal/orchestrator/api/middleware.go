package api

import (
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cellrun/cellrun/internal/common/errors"
	"github.com/cellrun/cellrun/internal/common/logger"
)

// RequestLogger tags each request with an id and logs it on completion.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler turns errors recorded on the context into JSON
// responses. An AppError keeps its code and HTTP status; anything else
// becomes a 500.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			log.Warn("request failed",
				zap.String("path", c.Request.URL.Path),
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
			)
			writeError(c, appErr.HTTPStatus, appErr.Code, appErr.Message)
			return
		}

		log.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		writeError(c, http.StatusInternalServerError, errors.ErrCodeInternalError,
			"An internal server error occurred")
	}
}

// Recovery converts panics into 500 responses.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.Abort()
				writeError(c, http.StatusInternalServerError, errors.ErrCodeInternalError,
					"An internal server error occurred")
			}
		}()

		c.Next()
	}
}

// CORS allows the document frontend to call the API cross-origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimit caps request throughput with a single token bucket shared
// by all clients.
func RateLimit(requestsPerSecond int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		tokens   = float64(requestsPerSecond)
		lastTime = time.Now()
	)

	return func(c *gin.Context) {
		mu.Lock()

		now := time.Now()
		tokens += now.Sub(lastTime).Seconds() * float64(requestsPerSecond)
		lastTime = now
		if tokens > float64(requestsPerSecond) {
			tokens = float64(requestsPerSecond)
		}

		if tokens < 1 {
			mu.Unlock()
			c.Abort()
			writeError(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
				"Too many requests, please try again later")
			return
		}

		tokens--
		mu.Unlock()

		c.Next()
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
