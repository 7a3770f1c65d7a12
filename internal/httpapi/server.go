// Package httpapi implements the Control Plane (C10): a small set of
// status/stats/operator endpoints fronted by Gin, guarded by a per-IP
// token-bucket rate limit and security headers, and returning 503 for
// the whole surface once shutdown has begun. The limiter allows a burst
// of the full request budget and refills it evenly across the window;
// it does not reset the budget at fixed window boundaries.
package httpapi

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
	"github.com/relaybot-dev/relaybot/internal/plugins"
	"github.com/relaybot-dev/relaybot/internal/transport"
)

// ConnectionStats is the slice of the Connection Supervisor (C4) the
// stats/bot-info endpoints read.
type ConnectionStats interface {
	State() transport.State
	ConnectedAt() time.Time
	Attempt() int
}

// StorePinger is the reachability check the mongodb-health endpoint
// calls directly (not through the health supervisor's own loop, so an
// operator gets a live answer rather than the last scheduled result).
type StorePinger interface {
	Ping(ctx context.Context) error
}

// PluginSource is the slice of the registry the plugin endpoints need.
type PluginSource interface {
	Descriptors() []plugins.Descriptor
	Stats() map[string]plugins.Stats
	ReloadAll() error
}

// CacheStats is the optional cache-health surface; a disabled cache
// still satisfies this, it just reports IsEnabled()==false.
type CacheStats interface {
	IsEnabled() bool
	GetStats(ctx context.Context) (map[string]string, error)
}

// Deps bundles every collaborator the Control Plane's handlers read.
// Any field may be left nil; handlers degrade to reporting "unavailable"
// rather than panicking, mirroring the rest of the codebase's tolerance
// for partially-wired dependencies in tests.
type Deps struct {
	BotName    string
	OwnerID    string
	Mode       string
	StartedAt  time.Time
	APIKey     string
	Conn       ConnectionStats
	Store      StorePinger
	Cache      CacheStats
	Registry   PluginSource
	EventsFeed *EventBroadcaster
}

// Server owns the Gin engine and the shutdown flag every handler and
// the rate limiter check before doing any work.
type Server struct {
	deps       Deps
	engine     *gin.Engine
	shutdown   int32
	limiter    *ipRateLimiter
	apiKeyHash string
}

// New builds a Server with every route, middleware, and handler wired.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:       deps,
		engine:     gin.New(),
		limiter:    newIPRateLimiter(rateLimitRequests, rateLimitWindow),
		apiKeyHash: hashAPIKey(deps.APIKey),
	}

	s.engine.Use(requestID())
	s.engine.Use(apperrors.Recovery())
	s.engine.Use(securityHeaders())
	s.engine.Use(allowedMethods())
	s.engine.Use(requestSizeLimit())
	s.engine.Use(requestTimeout())
	s.engine.Use(s.shutdownGate())
	s.engine.Use(s.limiter.middleware())
	s.engine.Use(requestLogger())
	s.engine.Use(apperrors.ErrorHandler())

	s.routes()
	return s
}

// Engine exposes the underlying *gin.Engine for http.ListenAndServe.
func (s *Server) Engine() *gin.Engine { return s.engine }

// BeginShutdown flips the shutdown flag; every subsequent request gets
// a 503 regardless of which endpoint it targets.
func (s *Server) BeginShutdown() {
	atomic.StoreInt32(&s.shutdown, 1)
}

func (s *Server) isShuttingDown() bool {
	return atomic.LoadInt32(&s.shutdown) == 1
}

func (s *Server) shutdownGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.isShuttingDown() {
			c.AbortWithStatusJSON(503, gin.H{
				"error":   apperrors.ErrCodeUnavailable,
				"message": "the bot is shutting down",
			})
			return
		}
		c.Next()
	}
}
