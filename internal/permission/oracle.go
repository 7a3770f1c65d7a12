// Package permission implements the Permission & Rate Oracle (C8):
// owner/admin/ban predicates computed from configuration and the
// document store, bot-mode lookup with a config fallback, and an
// in-process sliding-window rate limiter keyed by (identity, scope).
package permission

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/relaybot-dev/relaybot/internal/cache"
	"github.com/relaybot-dev/relaybot/internal/identity"
	"github.com/relaybot-dev/relaybot/internal/logger"
	"github.com/relaybot-dev/relaybot/internal/store"
)

// Cache is the narrow slice of internal/cache.Cache the Oracle checks
// before each admin/ban/mode store round trip. A nil Cache (the default
// when Redis isn't enabled) makes every call fall straight through to
// the store, exactly as if caching didn't exist.
type Cache interface {
	Get(ctx context.Context, key string, target interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const (
	adminCacheTTL = 5 * time.Minute
	banCacheTTL   = 5 * time.Minute
	modeCacheTTL  = 30 * time.Second
)

// Mode mirrors store.Mode; kept as its own type so this package's
// public surface doesn't force every caller to import internal/store
// just to read Oracle.Mode's return value.
type Mode = store.Mode

const (
	ModePublic  = store.ModePublic
	ModePrivate = store.ModePrivate
)

// Oracle answers the permission and rate-limit questions C6's router
// and plugins ask on every dispatch.
type Oracle struct {
	owner        string
	configAdmins map[string]struct{}
	configMode   Mode

	admins store.AdminStore
	bans   store.BanStore
	modes  store.ModeStore
	cache  Cache

	limiter *slidingWindowLimiter
}

// Config is the static, process-start configuration the Oracle needs;
// kept narrow (plain strings) rather than depending on *config.Config
// directly, so this package never imports internal/config.
type Config struct {
	OwnerIdentity string
	AdminList     []string // comma-split, already-trimmed raw identities
	DefaultMode   Mode
}

// New builds an Oracle. AdminList entries are canonicalized through
// identity.NormalizeConfiguredIdentity, per spec.md §4.8's "coerced to
// canonical local parts" rule, so an admin entered as a bare phone
// number still matches a sender's already-resolved canonical identity.
// c may be nil, which disables the cache fast path entirely.
func New(cfg Config, admins store.AdminStore, bans store.BanStore, modes store.ModeStore, c Cache) *Oracle {
	configAdmins := make(map[string]struct{}, len(cfg.AdminList))
	for _, raw := range cfg.AdminList {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if canonical, ok := identity.NormalizeConfiguredIdentity(raw); ok {
			configAdmins[canonical] = struct{}{}
		}
	}

	owner := cfg.OwnerIdentity
	if canonical, ok := identity.NormalizeConfiguredIdentity(owner); ok {
		owner = canonical
	}

	return &Oracle{
		owner:        owner,
		configAdmins: configAdmins,
		configMode:   cfg.DefaultMode,
		admins:       admins,
		bans:         bans,
		modes:        modes,
		cache:        c,
		limiter:      newSlidingWindowLimiter(),
	}
}

// IsOwner reports whether identity is the configured bot owner. Pure
// string comparison, no store round trip, since the owner is
// configuration, not store state.
func (o *Oracle) IsOwner(identity string) bool {
	return identity != "" && identity == o.owner
}

// IsAdmin reports owner-or-configured-admin-or-store-admin. A store
// failure degrades to the config-only answer rather than propagating
// the error, matching spec.md §4.8: admin status must never block
// dispatch on a store outage.
func (o *Oracle) IsAdmin(ctx context.Context, ident string) bool {
	if o.IsOwner(ident) {
		return true
	}
	if _, ok := o.configAdmins[ident]; ok {
		return true
	}
	if o.admins == nil {
		return false
	}

	key := cache.AdminKey(ident)
	if o.cache != nil {
		var cached bool
		if err := o.cache.Get(ctx, key, &cached); err == nil {
			return cached
		}
	}

	isAdmin, err := o.admins.IsAdmin(ctx, ident)
	if err != nil {
		logger.Permission().Warn().Str("identity", ident).Err(err).Msg("admin store lookup failed, falling back to config-only admin list")
		return false
	}
	if o.cache != nil {
		if err := o.cache.Set(ctx, key, isAdmin, adminCacheTTL); err != nil {
			logger.Permission().Warn().Str("identity", ident).Err(err).Msg("failed to populate admin cache entry")
		}
	}
	return isAdmin
}

// IsBanned reports whether identity appears in the store's ban
// collection. The owner can never be banned, defensively, even if a
// stale ban document somehow names them.
func (o *Oracle) IsBanned(ctx context.Context, ident string) bool {
	if o.IsOwner(ident) || o.bans == nil {
		return false
	}

	key := cache.BanKey(ident)
	if o.cache != nil {
		var cached bool
		if err := o.cache.Get(ctx, key, &cached); err == nil {
			return cached
		}
	}

	banned, err := o.bans.IsBanned(ctx, ident)
	if err != nil {
		logger.Permission().Warn().Str("identity", ident).Err(err).Msg("ban store lookup failed, treating as not banned")
		return false
	}
	if o.cache != nil {
		if err := o.cache.Set(ctx, key, banned, banCacheTTL); err != nil {
			logger.Permission().Warn().Str("identity", ident).Err(err).Msg("failed to populate ban cache entry")
		}
	}
	return banned
}

// Mode returns the bot's current public/private mode, preferring the
// store's mode document and falling back to the static config value on
// a store miss or failure.
func (o *Oracle) Mode(ctx context.Context) Mode {
	if o.modes == nil {
		return o.configMode
	}

	if o.cache != nil {
		var cached Mode
		if err := o.cache.Get(ctx, cache.ModeKey(), &cached); err == nil && cached != "" {
			return cached
		}
	}

	mode, err := o.modes.GetMode(ctx)
	if err != nil {
		logger.Permission().Warn().Err(err).Msg("mode store lookup failed, falling back to configured default mode")
		return o.configMode
	}
	if mode == "" {
		return o.configMode
	}
	if o.cache != nil {
		if err := o.cache.Set(ctx, cache.ModeKey(), mode, modeCacheTTL); err != nil {
			logger.Permission().Warn().Err(err).Msg("failed to populate mode cache entry")
		}
	}
	return mode
}

// Allow reports whether (identity, scope) has remaining quota in its
// rate-limit window. The default scope is "global": 10 events per 60
// seconds, per spec.md §4.8. Plugins may pass their own scope for a
// separate sub-limit.
func (o *Oracle) Allow(identity, scope string) bool {
	return o.limiter.allow(identity, scope, defaultLimit, defaultWindow)
}

const (
	defaultLimit  = 10
	defaultWindow = 60 * time.Second
)

// slidingWindowLimiter tracks exact event timestamps per (identity,
// scope) key rather than approximating with a token bucket: spec.md
// calls for a literal sliding window (events older than the window are
// forgotten, not refilled on a schedule), which a token bucket only
// approximates. State is in-process only, per spec.md — no persistence.
type slidingWindowLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func newSlidingWindowLimiter() *slidingWindowLimiter {
	return &slidingWindowLimiter{windows: make(map[string][]time.Time)}
}

func (l *slidingWindowLimiter) allow(identity, scope string, limit int, window time.Duration) bool {
	key := identity + ":" + scope
	now := time.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.windows[key]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.windows[key] = kept
		return false
	}

	kept = append(kept, now)
	l.windows[key] = kept
	return true
}
