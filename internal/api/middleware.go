// services/hub/internal/api/middleware.go
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"example.com/backstage/services/hub/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	StaffIDHeader = "X-Staff-ID"

	staffIDKey          = "staff_id"
	staffPermissionsKey = "staff_permissions"
)

// WindowCounter counts hits per key over a fixed window.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Log request details
		latency := time.Since(start)
		clientIP := c.ClientIP()
		method := c.Request.Method
		statusCode := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		fields := logrus.Fields{
			"status":     statusCode,
			"latency_ms": latency.Milliseconds(),
			"client_ip":  clientIP,
			"method":     method,
			"path":       path,
			"user_agent": c.Request.UserAgent(),
		}
		if staffID := c.GetString(staffIDKey); staffID != "" {
			fields["staff_id"] = staffID
		}

		logger.WithFields(fields).Info("HTTP Request")
	}
}

// StaffAuthorization resolves the permissions of the staff member named by
// the gateway-set X-Staff-ID header.
func StaffAuthorization(resolver core.PermissionResolver, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		staffID := c.GetHeader(StaffIDHeader)
		if staffID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "staff identity required"})
			c.Abort()
			return
		}

		permissions, err := resolver.ResolvePermissions(c.Request.Context(), staffID)
		if err != nil {
			logger.WithError(err).WithField("staff_id", staffID).Error("Failed to resolve staff permissions")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "permission lookup unavailable"})
			c.Abort()
			return
		}

		c.Set(staffIDKey, staffID)
		c.Set(staffPermissionsKey, permissions)
		c.Next()
	}
}

// RequirePermission checks the resolved staff permissions
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(staffPermissionsKey)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "staff identity required"})
			c.Abort()
			return
		}

		granted, _ := value.([]string)
		if !core.HasPermission(granted, permission) {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ErrorHandler answers errors attached with c.Error. Business errors map by
// kind; anything else is logged and hidden behind a generic 500.
func ErrorHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, body := errorResponse(err)
		if status == http.StatusInternalServerError {
			logger.WithError(err).WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).Error("Request failed")
		}
		c.JSON(status, body)
	}
}

func errorResponse(err error) (int, gin.H) {
	kind, ok := core.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, gin.H{"error": "internal server error"}
	}

	var be core.BusinessError
	errors.As(err, &be)

	if kind == core.KindUnavailable {
		return http.StatusServiceUnavailable, gin.H{"error": be.Message, "code": be.Code}
	}
	return http.StatusBadRequest, gin.H{"error": be.Message, "code": be.Code}
}

// CORS enables cross-origin requests
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Staff-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "300")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter limits requests per client IP per minute. The counter lives in
// Redis so the limit holds across replicas. Counter failures let the request through.
func RateLimiter(counter WindowCounter, requestsPerMinute int, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "hub-service:ratelimit:" + c.ClientIP()

		n, err := counter.IncrWindow(c.Request.Context(), key, time.Minute)
		if err != nil {
			logger.WithError(err).Warn("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}

		if n > int64(requestsPerMinute) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Recovery handles panics and prevents server crashes
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("Panic recovered")

				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
