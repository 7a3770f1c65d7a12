// Package groupevents implements the Group Event Handler (C11): turning
// a raw participant-delta notification from the transport into a
// welcome or goodbye message with a profile-image header, a templated
// caption, and a mention so the platform notifies the affected member.
// On a join it also fires the "new member" hook any plugin can subscribe
// to through its own event handlers.
package groupevents

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// Action distinguishes a join from a leave/removal within a single
// participant-delta notification.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// EventMemberJoined is the core-event type emitted onto the plugin
// registry's bus on every add; a plugin subscribes with
// ctx.Events.On(groupevents.EventMemberJoined, handler).
const EventMemberJoined = "group.member.joined"

// MemberJoinedEvent is the payload delivered to that hook.
type MemberJoinedEvent struct {
	Group  string
	Member string
	At     time.Time
}

// Update is one participant-delta notification fanned out by C4's event
// loop (transport.EventGroupParticipantsUpdate), with opaque ids still
// unresolved.
type Update struct {
	Group        string
	Action       Action
	Participants []string
}

// GroupMetadata is the subset of a group's profile the welcome/goodbye
// caption substitutes into its template.
type GroupMetadata struct {
	Name string
	Size int
}

// Transport is the narrow slice of the messaging client C11 needs:
// group profile lookup, avatar fetch, and a mention-aware send. It is
// deliberately separate from message.Transport, which is shaped for
// per-message reply capability closures rather than group-wide sends.
type Transport interface {
	FetchGroupMetadata(ctx context.Context, group string) (GroupMetadata, error)
	FetchGroupProfilePicture(ctx context.Context, group string) ([]byte, error)
	FetchDisplayName(ctx context.Context, canonical string) (string, error)
	SendImageMessage(ctx context.Context, to string, image []byte, caption string, mentions []string) error
}

// Resolver is the C1 slice this package depends on.
type Resolver interface {
	Resolve(ctx context.Context, opaque, groupEndpoint string) (string, error)
}

// PluginNotifier lets C11 publish onto the plugin registry's event bus
// without importing the plugins package directly.
type PluginNotifier interface {
	EmitCoreEvent(eventType string, data interface{})
}

// Config holds the two caption templates and the default avatar used
// when a group has none set. Placeholders recognized in both templates:
// {name}, {group}, {members}, {date}, {time}.
type Config struct {
	WelcomeTemplate string
	GoodbyeTemplate string
	DefaultAvatar   []byte
	Location        *time.Location
}

const (
	defaultWelcomeTemplate = "👋 Welcome {name} to {group}! We're now {members} strong."
	defaultGoodbyeTemplate = "👋 {name} has left {group}. We're now {members} strong."
)

// Handler is the concurrency-safe C11 implementation. The zero value is
// not usable; construct with New.
type Handler struct {
	tp       Transport
	resolver Resolver
	notifier PluginNotifier
	cfg      Config
}

// New constructs a Handler. tp, resolver, and notifier may individually
// be nil in tests; a nil tp makes Handle a no-op, and a nil notifier
// simply skips the plugin hook.
func New(tp Transport, resolver Resolver, notifier PluginNotifier, cfg Config) *Handler {
	if cfg.WelcomeTemplate == "" {
		cfg.WelcomeTemplate = defaultWelcomeTemplate
	}
	if cfg.GoodbyeTemplate == "" {
		cfg.GoodbyeTemplate = defaultGoodbyeTemplate
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Handler{tp: tp, resolver: resolver, notifier: notifier, cfg: cfg}
}

// Handle resolves every participant named in u, fetches group metadata
// (falling back to a placeholder name and member count on failure) and
// avatar (falling back to the configured default on failure), sends one
// templated welcome or goodbye message mentioning
// every resolved member, and — on an add — fires the new-member hook
// for each one individually so a plugin can act per-member.
func (h *Handler) Handle(ctx context.Context, u Update) {
	log := logger.GroupEvents()
	if h.tp == nil {
		return
	}
	if len(u.Participants) == 0 {
		return
	}

	canonicals := make([]string, 0, len(u.Participants))
	for _, raw := range u.Participants {
		canonical, err := h.resolve(ctx, raw, u.Group)
		if err != nil {
			log.Warn().Err(err).Str("group", u.Group).Str("raw", raw).Msg("participant resolution failed, skipping")
			continue
		}
		canonicals = append(canonicals, canonical)
	}
	if len(canonicals) == 0 {
		return
	}

	meta, err := h.tp.FetchGroupMetadata(ctx, u.Group)
	if err != nil {
		log.Warn().Err(err).Str("group", u.Group).Msg("group metadata fetch failed, using placeholder")
		meta = GroupMetadata{Name: localPart(u.Group), Size: len(canonicals)}
	}

	avatar, err := h.tp.FetchGroupProfilePicture(ctx, u.Group)
	if err != nil || len(avatar) == 0 {
		avatar = h.cfg.DefaultAvatar
	}

	names := h.displayNames(ctx, canonicals)
	caption := h.render(u.Action, names, meta)

	if err := h.tp.SendImageMessage(ctx, u.Group, avatar, caption, canonicals); err != nil {
		log.Warn().Err(err).Str("group", u.Group).Msg("failed to send welcome/goodbye message")
	}

	if u.Action == ActionAdd {
		h.notifyPlugins(u.Group, canonicals)
	}
}

func (h *Handler) resolve(ctx context.Context, raw, group string) (string, error) {
	if h.resolver == nil {
		return raw, nil
	}
	return h.resolver.Resolve(ctx, raw, group)
}

func (h *Handler) displayNames(ctx context.Context, canonicals []string) []string {
	names := make([]string, 0, len(canonicals))
	for _, c := range canonicals {
		name := localPart(c)
		if h.tp != nil {
			if n, err := h.tp.FetchDisplayName(ctx, c); err == nil && n != "" {
				name = n
			}
		}
		names = append(names, name)
	}
	return names
}

func (h *Handler) notifyPlugins(group string, canonicals []string) {
	if h.notifier == nil {
		return
	}
	now := time.Now()
	for _, c := range canonicals {
		h.notifier.EmitCoreEvent(EventMemberJoined, MemberJoinedEvent{
			Group:  group,
			Member: c,
			At:     now,
		})
	}
}

func (h *Handler) render(action Action, names []string, meta GroupMetadata) string {
	tmpl := h.cfg.WelcomeTemplate
	if action == ActionRemove {
		tmpl = h.cfg.GoodbyeTemplate
	}
	now := time.Now().In(h.cfg.Location)
	replacer := strings.NewReplacer(
		"{name}", strings.Join(names, ", "),
		"{group}", meta.Name,
		"{members}", strconv.Itoa(meta.Size),
		"{date}", now.Format("2006-01-02"),
		"{time}", now.Format("15:04"),
	)
	return replacer.Replace(tmpl)
}

func localPart(canonical string) string {
	if idx := strings.IndexByte(canonical, '@'); idx >= 0 {
		return canonical[:idx]
	}
	return canonical
}

