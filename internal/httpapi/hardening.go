package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// maxRequestBodyBytes bounds every request body on this surface. Unlike
// a general-purpose API this one never accepts file uploads, so a
// single small ceiling covers every route instead of the teacher's
// tiered JSON/upload/default limits.
const maxRequestBodyBytes int64 = 1 << 20 // 1 MiB

// requestSizeLimit caps the request body the same way the teacher's
// RequestSizeLimiter does: a Content-Length short-circuit plus a
// MaxBytesReader wrap so a lying Content-Length can't bypass it.
func requestSizeLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if c.Request.ContentLength > maxRequestBodyBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":     "request entity too large",
				"max_bytes": maxRequestBodyBytes,
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes)
		c.Next()
	}
}

// allowedMethods whitelists the only two methods this surface ever
// uses, the same whitelist-over-blacklist approach as the teacher's
// AllowedHTTPMethods, narrowed to what the Control Plane actually
// exposes (no PUT/PATCH/DELETE route exists here).
func allowedMethods() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodPost:
			c.Next()
		default:
			c.Header("Allow", "GET, POST")
			c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{
				"error":           "method not allowed",
				"allowed_methods": []string{"GET", "POST"},
			})
		}
	}
}

// requestTimeoutDuration bounds how long any single handler may run
// before the caller gets a 408; the websocket feed is excluded since it
// is meant to stay open indefinitely.
const requestTimeoutDuration = 30 * time.Second

// requestTimeout enforces the same context.WithTimeout-plus-goroutine
// pattern as the teacher's Timeout middleware, skipping /ws/events for
// the same reason the teacher excludes its own WebSocket routes.
func requestTimeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/ws/events" {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeoutDuration)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error":   "request timeout",
				"timeout": requestTimeoutDuration.String(),
			})
		}
	}
}

// requestLogger emits one structured access-log line per request
// through zerolog, the same fields as the teacher's StructuredLogger
// (request id, method, path, status, duration, client ip) translated
// from log.Printf-on-a-map into the rest of this codebase's
// component-logger convention; it has no user/session fields to log
// since the Control Plane has no per-caller identity beyond the
// optional API key.
func requestLogger() gin.HandlerFunc {
	log := logger.HTTP()
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/ws/events" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}

		ev.Str("request_id", requestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Msg("request handled")
	}
}

func requestIDFrom(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
