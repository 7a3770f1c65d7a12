// Package router implements the Command Router (C6): the per-message
// pipeline that turns a NormalizedMessage into a gated, rate-limited
// plugin dispatch. It is the glue between C1/C2's output and C5/C8.
package router

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/relaybot-dev/relaybot/internal/config"
	"github.com/relaybot-dev/relaybot/internal/logger"
	"github.com/relaybot-dev/relaybot/internal/message"
	"github.com/relaybot-dev/relaybot/internal/metrics"
	"github.com/relaybot-dev/relaybot/internal/permission"
	"github.com/relaybot-dev/relaybot/internal/plugins"
)

const (
	globalRateScope      = "global"
	antiLinkRemovalDelay = 2 * time.Second
)

// linkPattern matches an explicit scheme or a bare "www." prefix; see
// DESIGN.md's Open Question decision on anti-link matching.
var linkPattern = regexp.MustCompile(`(?i)https?://|www\.`)

// decryptNoisePattern recognizes the transport-level decrypt failures
// spec.md names explicitly; these are downgraded to a warning instead
// of being logged as a plugin error.
var decryptNoisePattern = regexp.MustCompile(`(?i)bad mac|failed to decrypt`)

// Router wires the Plugin Registry (C5) and Permission Oracle (C8)
// together for every inbound message. It holds no per-message state.
type Router struct {
	cfg      *config.Config
	registry *plugins.Registry
	perm     *permission.Oracle
}

// New constructs a Router. cfg, registry, and perm must outlive it.
func New(cfg *config.Config, registry *plugins.Registry, perm *permission.Oracle) *Router {
	return &Router{cfg: cfg, registry: registry, perm: perm}
}

// Handle runs one inbound message through the full dispatch pipeline.
// It never propagates an error: every failure mode here is either a
// silent drop (ban, rate limit, private mode, unknown command) or a
// logged diagnostic reply, per spec.md's command-router design.
func (r *Router) Handle(ctx context.Context, msg *message.NormalizedMessage) {
	log := logger.Router()

	if msg.Origin == message.StatusBroadcastEndpoint {
		if r.cfg.AutoStatusSeen {
			r.markRead(ctx, msg)
		}
		return
	}

	if r.cfg.AutoRead {
		r.markRead(ctx, msg)
	}

	isOwner := r.perm.IsOwner(msg.Sender)
	isAdmin := r.perm.IsAdmin(ctx, msg.Sender)

	if !isOwner && r.perm.IsBanned(ctx, msg.Sender) {
		return
	}
	if !isOwner && !isAdmin && r.perm.Mode(ctx) == permission.ModePrivate {
		return
	}

	if !r.perm.Allow(msg.Sender, globalRateScope) {
		metrics.RateLimitDropsTotal.WithLabelValues(globalRateScope).Inc()
		return
	}

	r.enforceAntiLink(ctx, msg, isOwner, isAdmin)

	command, args, rawArgs, isCommand := parseCommand(msg.Body, r.cfg.Prefix)
	if !isCommand {
		return
	}

	if r.registry.IsReloading() {
		r.reply(ctx, msg, "plugins are reloading, try again shortly")
		return
	}

	_, desc, found := r.registry.Lookup(command)
	if !found {
		return
	}

	if reason, blocked := gate(desc, msg, isOwner, isAdmin); blocked {
		metrics.CommandsGatedTotal.WithLabelValues(reason).Inc()
		r.reply(ctx, msg, reason)
		return
	}

	start := time.Now()
	err := r.registry.InvokeByName(desc.Name, command, args, rawArgs, msg)
	metrics.DispatchLatencySeconds.WithLabelValues(desc.Name).Observe(time.Since(start).Seconds())
	metrics.CommandsDispatchedTotal.WithLabelValues(command).Inc()

	if err == nil {
		return
	}
	if decryptNoisePattern.MatchString(err.Error()) {
		log.Warn().Err(err).Str("plugin", desc.Name).Str("command", command).Msg("transport decrypt noise surfaced from plugin run")
		return
	}
	log.Error().Err(err).Str("plugin", desc.Name).Str("command", command).Msg("plugin run failed")
}

func (r *Router) markRead(ctx context.Context, msg *message.NormalizedMessage) {
	if msg.MarkRead == nil {
		return
	}
	if err := msg.MarkRead(ctx); err != nil {
		logger.Router().Warn().Err(err).Str("sender", msg.Sender).Msg("failed to mark message read")
	}
}

func (r *Router) reply(ctx context.Context, msg *message.NormalizedMessage, text string) {
	if msg.Reply == nil {
		return
	}
	if err := msg.Reply(ctx, text); err != nil {
		logger.Router().Warn().Err(err).Msg("failed to send diagnostic reply")
	}
}

// gate enforces the plugin's scope flags in the fixed order spec.md
// names: ownerOnly, adminOnly, groupOnly. Each returns a one-line
// diagnostic naming the gate that failed.
func gate(desc plugins.Descriptor, msg *message.NormalizedMessage, isOwner, isAdmin bool) (reason string, blocked bool) {
	if desc.OwnerOnly && !isOwner {
		return "owner only", true
	}
	if desc.AdminOnly && !isAdmin {
		return "admins only", true
	}
	if desc.GroupOnly && !msg.IsGroup {
		return "groups only", true
	}
	return "", false
}

// enforceAntiLink sends a single warning and, once bot-admin status is
// confirmed, removes the sender after a courtesy delay. Failures are
// logged, never surfaced to the chat.
func (r *Router) enforceAntiLink(ctx context.Context, msg *message.NormalizedMessage, isOwner, isAdmin bool) {
	if !r.cfg.AntiLink || !msg.IsGroup || isOwner || isAdmin {
		return
	}
	if !linkPattern.MatchString(msg.Body) {
		return
	}

	r.reply(ctx, msg, "links are not allowed in this group")

	if msg.IsBotAdmin == nil || msg.RemoveSender == nil {
		return
	}
	botAdmin, err := msg.IsBotAdmin(ctx)
	if err != nil {
		logger.Router().Warn().Err(err).Msg("could not confirm bot admin status for anti-link removal")
		return
	}
	if !botAdmin {
		return
	}

	sender := msg.Sender
	removeSender := msg.RemoveSender
	go func() {
		time.Sleep(antiLinkRemovalDelay)
		if err := removeSender(context.Background()); err != nil {
			logger.Router().Warn().Err(err).Str("sender", sender).Msg("anti-link participant removal failed")
		}
	}()
}

// parseCommand splits a message body into a command token and its
// arguments once it has been confirmed to start with prefix. The
// command token is lower-cased so casing never affects lookup; the
// arguments text is returned both tokenized and as the original
// trimmed remainder, since plugins use either shape.
func parseCommand(body, prefix string) (command string, args []string, rawArgs string, ok bool) {
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return "", nil, "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(body, prefix))
	if rest == "" {
		return "", nil, "", false
	}

	fields := strings.Fields(rest)
	command = strings.ToLower(fields[0])
	args = fields[1:]

	if idx := strings.IndexAny(rest, " \t"); idx >= 0 {
		rawArgs = strings.TrimSpace(rest[idx+1:])
	}
	return command, args, rawArgs, true
}
