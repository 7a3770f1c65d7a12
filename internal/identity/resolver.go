// Package identity implements the Identity Resolver (C1): canonicalizing
// opaque participant identifiers from the transport into a stable
// phone-form identity, with a TTL cache to avoid repeated group-roster
// fetches.
//
// Canonical form is a phone-like numeric local part followed by a domain
// suffix that distinguishes individual from group endpoints. Identity is
// value-equality; case-insensitivity is never required because the
// canonical form is digits-and-suffix only.
package identity

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

const (
	// IndividualSuffix marks a canonical identity as a one-to-one endpoint.
	IndividualSuffix = "@s.whatsapp.net"
	// GroupSuffix marks a canonical identity as a group endpoint.
	GroupSuffix = "@g.us"

	cacheEntryTTL  = 30 * time.Minute
	cacheSweepTick = 1 * time.Hour
)

var digitsOnly = regexp.MustCompile(`^[0-9]+$`)

// Participant is the subset of a group roster entry the resolver needs to
// match an opaque surrogate key or phone field to a canonical identity.
type Participant struct {
	SurrogateKey string
	Phone        string
	Canonical    string
}

// RosterFetcher is the transport's group-metadata contract that C1 needs.
// It is deliberately narrow: only the ability to list a group's current
// participants, each bearing a surrogate key and/or phone field.
type RosterFetcher interface {
	FetchGroupParticipants(ctx context.Context, groupCanonical string) ([]Participant, error)
}

type cacheEntry struct {
	canonical string
	insertAt  time.Time
}

// Resolver is the concurrency-safe C1 implementation. The zero value is
// not usable; construct with New.
type Resolver struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	roster RosterFetcher

	stopSweep chan struct{}
}

// New constructs a Resolver and starts its hourly full-clear sweep.
// roster may be nil; in that case group-member misses fall back to the
// best-effort digits-only canonicalization.
func New(roster RosterFetcher) *Resolver {
	r := &Resolver{
		entries:   make(map[string]cacheEntry),
		roster:    roster,
		stopSweep: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the background sweep goroutine.
func (r *Resolver) Close() {
	close(r.stopSweep)
}

func (r *Resolver) sweepLoop() {
	ticker := time.NewTicker(cacheSweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			r.entries = make(map[string]cacheEntry)
			r.mu.Unlock()
		case <-r.stopSweep:
			return
		}
	}
}

// Resolve canonicalizes an opaque identifier. groupEndpoint, when
// non-empty, is the canonical group identity the opaque id was observed
// inside of; it triggers the roster-fetch path on a cache miss.
//
// Three cases, per the design:
//
//	(a) already-canonical individual identity with a device suffix — strip it.
//	(b) opaque group-member identity with a surrogate numeric key — cache or fetch.
//	(c) anything else — returned unchanged, with a warning logged.
func (r *Resolver) Resolve(ctx context.Context, opaque string, groupEndpoint string) (string, error) {
	if opaque == "" {
		return opaque, nil
	}

	if canonical, ok := stripDeviceSuffix(opaque); ok {
		return canonical, nil
	}

	if groupEndpoint != "" {
		return r.resolveGroupMember(ctx, opaque, groupEndpoint)
	}

	logger.Identity().Warn().Str("opaque", opaque).Msg("identity did not match any known canonical shape")
	return opaque, nil
}

// ResolveCached resolves synchronously from the cache only; it never
// performs a network fetch. Call sites that must not block (log
// formatting, for instance) use this instead of Resolve.
func (r *Resolver) ResolveCached(opaque string) string {
	if canonical, ok := stripDeviceSuffix(opaque); ok {
		return canonical
	}

	r.mu.RLock()
	entry, ok := r.entries[opaque]
	r.mu.RUnlock()
	if ok && time.Since(entry.insertAt) < cacheEntryTTL {
		return entry.canonical
	}
	return opaque
}

func (r *Resolver) resolveGroupMember(ctx context.Context, opaque, groupEndpoint string) (string, error) {
	r.mu.RLock()
	entry, ok := r.entries[opaque]
	r.mu.RUnlock()
	if ok && time.Since(entry.insertAt) < cacheEntryTTL {
		return entry.canonical, nil
	}

	if r.roster == nil {
		return bestEffortCanonical(opaque), nil
	}

	participants, err := r.roster.FetchGroupParticipants(ctx, groupEndpoint)
	if err != nil {
		logger.Identity().Warn().Err(err).Str("group", groupEndpoint).Msg("group roster fetch failed, using best-effort canonical form")
		return bestEffortCanonical(opaque), nil
	}

	for _, p := range participants {
		if p.SurrogateKey == opaque || p.Phone == opaque {
			r.insert(opaque, p.Canonical)
			return p.Canonical, nil
		}
	}

	logger.Identity().Warn().Str("opaque", opaque).Str("group", groupEndpoint).Msg("opaque id not found in group roster")
	return bestEffortCanonical(opaque), nil
}

func (r *Resolver) insert(opaque, canonical string) {
	r.mu.Lock()
	r.entries[opaque] = cacheEntry{canonical: canonical, insertAt: time.Now()}
	r.mu.Unlock()
}

// ValidateAndNormalize returns the canonical form only if it has the
// individual-endpoint suffix and a purely numeric local part; otherwise
// it reports ok=false so callers can drop the value rather than persist
// something unusable.
func ValidateAndNormalize(opaque string) (canonical string, ok bool) {
	if !strings.HasSuffix(opaque, IndividualSuffix) {
		return "", false
	}
	local := strings.TrimSuffix(opaque, IndividualSuffix)
	if local == "" || !digitsOnly.MatchString(local) {
		return "", false
	}
	return opaque, true
}

// stripDeviceSuffix recognizes an already-canonical individual identity
// that carries a ":device" suffix before the domain (e.g.
// "123456789:12@s.whatsapp.net") and strips it down to the bare
// canonical form.
func stripDeviceSuffix(opaque string) (string, bool) {
	if !strings.HasSuffix(opaque, IndividualSuffix) {
		return "", false
	}
	local := strings.TrimSuffix(opaque, IndividualSuffix)
	if idx := strings.IndexByte(local, ':'); idx >= 0 {
		local = local[:idx]
	}
	if local == "" || !digitsOnly.MatchString(local) {
		return "", false
	}
	return local + IndividualSuffix, true
}

// NormalizeConfiguredIdentity canonicalizes a raw config-file identity
// (e.g. an OWNER_NUMBER or one entry of a comma-split ADMIN_NUMBERS
// list) the same way an opaque group-member surrogate falls back to
// best-effort canonicalization: strip every non-digit character and
// append the individual-endpoint suffix. Returns ok=false for an entry
// with no digits at all.
func NormalizeConfiguredIdentity(raw string) (canonical string, ok bool) {
	canonical = bestEffortCanonical(strings.TrimSpace(raw))
	if !strings.HasSuffix(canonical, IndividualSuffix) {
		return "", false
	}
	return canonical, true
}

// bestEffortCanonical strips every non-digit character and assembles a
// canonical individual identity from what remains, still usable for
// comparison even though it is flagged (by the caller not persisting it
// without later re-resolution) as tentative.
func bestEffortCanonical(opaque string) string {
	var b strings.Builder
	for _, r := range opaque {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return opaque
	}
	return digits + IndividualSuffix
}
