package httpapi

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
	"github.com/relaybot-dev/relaybot/internal/logger"
)

const (
	rateLimitRequests = 100
	rateLimitWindow   = 15 * time.Minute

	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// ipRateLimiter enforces the fixed-window IP limit from spec.md §4.10,
// implemented as a token bucket refilling at the equivalent steady-state
// rate (requests/window), the same call site the teacher's RateLimiter
// uses for its per-IP bucket. A stale-limiter sweep bounds memory the
// same way the teacher's cleanupRoutine does, just against a smaller
// constant since this surface has far fewer distinct callers than a
// multi-tenant SaaS API.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newIPRateLimiter(requests int, window time.Duration) *ipRateLimiter {
	l := &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(requests) / window.Seconds()),
		burst:    requests,
	}
	go l.sweep()
	return l
}

func (l *ipRateLimiter) sweep() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		if len(l.limiters) > 10000 {
			l.limiters = make(map[string]*rate.Limiter)
		}
		l.mu.Unlock()
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *ipRateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			apperrors.AbortWithError(c, apperrors.RateLimited())
			return
		}
		c.Next()
	}
}

// securityHeaders sets the fixed set of response headers spec.md §4.10
// requires on every response. Unlike the teacher's nonce-based CSP
// (built for a template-rendering web UI), this surface serves nothing
// but JSON, so the policy is the static "deny everything" variant of
// the same header set rather than a per-request nonce.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		h.Set("Server", "")
		c.Next()
	}
}

// requestID stamps every request with a correlation id, generating one
// when the caller didn't supply it, the same pattern as the teacher's
// middleware.RequestID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// hashAPIKey bcrypt-hashes the configured operator key once at startup,
// the same call site the teacher's agent_apikey.go uses for API keys
// rather than plaintext comparison. An empty input yields an empty
// hash, which requireAPIKey treats as "no key configured."
func hashAPIKey(plain string) string {
	if plain == "" {
		return ""
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		logger.HTTP().Error().Err(err).Msg("failed to hash control plane API key, endpoint will reject all requests")
		return invalidHashSentinel
	}
	return string(hash)
}

// invalidHashSentinel never matches any bcrypt comparison, so a hashing
// failure fails closed instead of silently disabling the check.
const invalidHashSentinel = "!"

// requireAPIKey guards the mutating operator endpoints when an API key
// has been configured; an empty configured key leaves the endpoint open,
// matching spec.md's "CONTROL_PLANE_API_KEY" being optional.
func requireAPIKey(hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-API-Key")
		if got == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(got)) != nil {
			apperrors.AbortWithError(c, apperrors.Unauthorized("missing or invalid API key"))
			return
		}
		c.Next()
	}
}
