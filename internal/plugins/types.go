// Package plugins implements the Plugin Registry (C5): compile-time
// plugin factories self-registered via init(), a declarative manifest
// naming which factory to instantiate and with what static overrides,
// lifecycle hooks, hot reload, and per-plugin execution stats.
package plugins

import (
	"context"
	"sync"
	"time"
)

// Context is what a plugin's Run and OnLoad hooks receive. It exposes
// only what a plugin is meant to touch: the normalized message, a
// per-plugin logger, parsed command/args, and narrow helper interfaces
// for permissions, rate limiting, store access, and cron registration.
// The message, config and store are passed as opaque `interface{}`
// handles so this package never imports the packages that define their
// concrete types, avoiding an import cycle with the router that
// constructs it.
type Context struct {
	Ctx     context.Context
	Message interface{} // *message.NormalizedMessage
	Config  interface{} // *config.Config snapshot

	Command string
	Args    []string
	RawArgs string

	Log Logger

	Permissions PermissionHelper
	RateLimit   RateLimitHelper
	Store       interface{} // narrow store handle, plugin-defined shape
	Schedule    *PluginScheduler
	Events      *PluginEvents
}

// Logger is the narrow logging surface handed to a plugin; satisfied by
// *zerolog.Logger's Info/Warn/Error chain through a thin adapter so this
// package does not need to import zerolog's full API surface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// PermissionHelper is the slice of C8 a plugin may consult.
type PermissionHelper interface {
	IsOwner(identity string) bool
	IsAdmin(ctx context.Context, identity string) bool
	IsBanned(ctx context.Context, identity string) bool
}

// RateLimitHelper is the slice of C8's limiter a plugin may consult
// directly, for its own sub-limits distinct from the router's global one.
type RateLimitHelper interface {
	Allow(identity, scope string) bool
}

// Handler is the contract a plugin implements (Plugin Descriptor, §3).
// OnLoad and OnUnload are optional; BasePlugin supplies no-op defaults
// so a plugin only overrides what it needs.
type Handler interface {
	Descriptor() Descriptor
	Run(c *Context) error
	OnLoad(c *Context) error
	OnUnload() error
}

// Descriptor is the static metadata the registry validates and the
// router matches commands against.
type Descriptor struct {
	Name     string
	Version  string
	Category string

	Commands []string
	Aliases  []string

	AdminOnly bool
	GroupOnly bool
	OwnerOnly bool

	Usage   string
	Example string
}

// Stats tracks per-plugin execution history; a health check consults
// ErrorRate over the last window to flag outliers.
type Stats struct {
	mu sync.Mutex

	Executions    int64
	Errors        int64
	LastError     string
	LastErrorAt   time.Time
	LastRunAt     time.Time
	TotalExecTime time.Duration

	window []bool // true = error, bounded to statsWindow
}

const statsWindow = 20

func (s *Stats) recordRun(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Executions++
	s.LastRunAt = time.Now()
	s.TotalExecTime += dur

	failed := err != nil
	s.window = append(s.window, failed)
	if len(s.window) > statsWindow {
		s.window = s.window[len(s.window)-statsWindow:]
	}

	if failed {
		s.Errors++
		s.LastError = err.Error()
		s.LastErrorAt = time.Now()
	}
}

// ErrorRate reports the fraction of failures within the last 20
// invocations (0 if fewer than one has run).
func (s *Stats) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) == 0 {
		return 0
	}
	failures := 0
	for _, f := range s.window {
		if f {
			failures++
		}
	}
	return float64(failures) / float64(len(s.window))
}

// Snapshot returns a copy of the counters for reporting.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Executions:    s.Executions,
		Errors:        s.Errors,
		LastError:     s.LastError,
		LastErrorAt:   s.LastErrorAt,
		LastRunAt:     s.LastRunAt,
		TotalExecTime: s.TotalExecTime,
	}
}

// BasePlugin supplies no-op OnLoad/OnUnload so concrete plugins only
// implement Descriptor and Run.
type BasePlugin struct{}

func (BasePlugin) OnLoad(c *Context) error { return nil }
func (BasePlugin) OnUnload() error         { return nil }

// Factory constructs a fresh plugin instance; factories are registered
// at init() time, matching the teacher's auto-registration pattern, and
// instantiated once per manifest entry that names them.
type Factory func() Handler
