// Package httpapi wires the gin engine: client auth, route registration,
// and the operator control-plane endpoints. Grounded on the teacher's
// cmd/middleware.go (AuthMiddleware's Bearer/header/query token checks,
// corsMiddleware, requestLoggerMiddleware) generalized to spec.md §6's four
// client-credential locations.
package httpapi

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuthMiddleware accepts a client API key via Authorization: Bearer, the
// x-goog-api-key or x-api-key headers, or a ?key= query parameter, per
// spec.md §6. The matched key is stripped from the outbound query by the
// coordinator, not here; this only gates entry.
func AuthMiddleware(validKeys []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(validKeys))
	for _, k := range validKeys {
		allowed[k] = true
	}

	return func(c *gin.Context) {
		if c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" || !allowed[token] {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{
				"message": "missing or invalid API key",
				"type":    "authentication_error",
			}})
			return
		}

		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}
	if key := c.GetHeader("x-goog-api-key"); key != "" {
		return key
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	return c.Query("key")
}

// CORSMiddleware mirrors the teacher's corsMiddleware: permissive, since
// this gateway is meant to sit behind clients the operator controls.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, x-goog-api-key, x-api-key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RequestLoggerMiddleware logs client-error and server-error responses with
// the same field set and >=400 threshold as the teacher's
// requestLoggerMiddleware, minus the request-body capture (request bodies
// here can carry full conversation history, not worth buffering twice).
func RequestLoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status < 400 {
			return
		}

		fields := logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": status,
			"ip":     c.ClientIP(),
		}
		entry := log.WithFields(fields)
		if status >= 500 {
			entry.Error("request failed")
		} else {
			entry.Warn("request rejected")
		}
	}
}
