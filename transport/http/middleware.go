package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sessionTokenKey = "sessionToken"

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) < 8 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

// AuthMiddleware requires a bearer session token. The token itself is
// checked by the engine on every call.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "INVALID_SESSION", Message: "Invalid session"})
			return
		}

		c.Set(sessionTokenKey, token)
		c.Next()
	}
}

func sessionToken(c *gin.Context) string {
	return c.GetString(sessionTokenKey)
}

// RequestLogger logs one line per request without bodies or headers
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
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
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Warn("request", fields...)
		default:
			logger.Debug("request", fields...)
		}
	}
}
