package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
	"github.com/relaybot-dev/relaybot/internal/plugins"
	"github.com/relaybot-dev/relaybot/internal/transport"
)

var plainTextSanitizer = bluemonday.StrictPolicy()

func (s *Server) routes() {
	s.engine.GET("/", s.handleSummary)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", s.handleMetrics())
	s.engine.GET("/api/bot-info", s.handleBotInfo)
	s.engine.GET("/api/mongodb-health", s.handleMongoHealth)
	s.engine.GET("/api/connection-stats", s.handleConnectionStats)
	s.engine.POST("/api/test-mongodb", s.handleTestMongo)
	s.engine.GET("/plugins", s.handlePlugins)
	s.engine.GET("/plugins/stats", s.handlePluginStats)
	s.engine.POST("/plugins/reload-all", requireAPIKey(s.apiKeyHash), s.handleReloadPlugins)
	s.engine.POST("/api/force-gc", requireAPIKey(s.apiKeyHash), s.handleForceGC)
	s.engine.GET("/ws/events", s.handleEventsFeed)
}

// handleSummary is the bot's public-facing "who am I" document.
func (s *Server) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":      s.deps.BotName,
		"mode":      s.deps.Mode,
		"status":    s.connState(),
		"uptime_ms": time.Since(s.deps.StartedAt).Milliseconds(),
	})
}

// handleHealth always returns 200 once the HTTP loop itself is alive;
// it deliberately does not consult the store or transport, which is
// what /api/mongodb-health and /api/connection-stats are for.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics() gin.HandlerFunc {
	h := metricsHandler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func (s *Server) handleBotInfo(c *gin.Context) {
	info := gin.H{
		"name":       s.deps.BotName,
		"owner":      s.deps.OwnerID,
		"mode":       s.deps.Mode,
		"started_at": s.deps.StartedAt,
		"state":      s.connState(),
	}
	if s.deps.Registry != nil {
		info["plugins_loaded"] = len(s.deps.Registry.Descriptors())
	}
	if s.deps.Cache != nil {
		info["cache_enabled"] = s.deps.Cache.IsEnabled()
		if s.deps.Cache.IsEnabled() {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if stats, err := s.deps.Cache.GetStats(ctx); err == nil {
				info["cache_stats"] = stats
			}
		}
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleMongoHealth(c *gin.Context) {
	if s.deps.Store == nil {
		apperrors.AbortWithError(c, apperrors.Unavailable("document store"))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"healthy": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": true})
}

func (s *Server) handleTestMongo(c *gin.Context) {
	s.handleMongoHealth(c)
}

func (s *Server) handleConnectionStats(c *gin.Context) {
	if s.deps.Conn == nil {
		apperrors.AbortWithError(c, apperrors.Unavailable("transport"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":             s.connState(),
		"connected_at":      s.deps.Conn.ConnectedAt(),
		"reconnect_attempt": s.deps.Conn.Attempt(),
	})
}

func (s *Server) handlePlugins(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusOK, gin.H{"plugins": []gin.H{}})
		return
	}
	descs := s.deps.Registry.Descriptors()
	out := make([]gin.H, 0, len(descs))
	for _, d := range descs {
		out = append(out, sanitizedDescriptor(d))
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}

// sanitizedDescriptor strips any HTML a plugin author smuggled into
// free-text descriptor fields before they reach this JSON response,
// defense in depth for any future dashboard that renders them as HTML.
func sanitizedDescriptor(d plugins.Descriptor) gin.H {
	return gin.H{
		"name":      d.Name,
		"version":   d.Version,
		"category":  plainTextSanitizer.Sanitize(d.Category),
		"commands":  d.Commands,
		"aliases":   d.Aliases,
		"adminOnly": d.AdminOnly,
		"groupOnly": d.GroupOnly,
		"ownerOnly": d.OwnerOnly,
		"usage":     plainTextSanitizer.Sanitize(d.Usage),
		"example":   plainTextSanitizer.Sanitize(d.Example),
	}
}

func (s *Server) handlePluginStats(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusOK, gin.H{"stats": gin.H{}})
		return
	}
	stats := s.deps.Registry.Stats()
	out := make(gin.H, len(stats))
	for name, st := range stats {
		out[name] = gin.H{
			"executions":  st.Executions,
			"errors":      st.Errors,
			"error_rate":  st.ErrorRate(),
			"last_run_at": st.LastRunAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"stats": out})
}

func (s *Server) handleReloadPlugins(c *gin.Context) {
	if s.deps.Registry == nil {
		apperrors.AbortWithError(c, apperrors.Unavailable("plugin registry"))
		return
	}
	if err := s.deps.Registry.ReloadAll(); err != nil {
		apperrors.HandleError(c, apperrors.Plugin("reload-all", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}

func (s *Server) handleForceGC(c *gin.Context) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	runtime.ReadMemStats(&after)
	c.JSON(http.StatusOK, gin.H{
		"heap_before": before.HeapAlloc,
		"heap_after":  after.HeapAlloc,
	})
}

func (s *Server) connState() transport.State {
	if s.deps.Conn == nil {
		return transport.StateStopped
	}
	return s.deps.Conn.State()
}
