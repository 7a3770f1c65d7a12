package message

import (
	"context"
	"strings"

	"github.com/relaybot-dev/relaybot/internal/identity"
	"github.com/relaybot-dev/relaybot/internal/logger"
)

// Transport is the narrow slice of the messaging-network client the
// normalizer needs in order to build capability closures. The wire
// protocol itself is out of scope; only this contract is specified.
type Transport interface {
	SendText(ctx context.Context, to, text, quotedStanzaID string) error
	SendReaction(ctx context.Context, to, stanzaID, emoji string) error
	DownloadMedia(ctx context.Context, handle interface{}) ([]byte, error)
	FetchDisplayName(ctx context.Context, canonical string) (string, error)
	IsGroupAdmin(ctx context.Context, group, canonical string) (bool, error)
	IsBotGroupAdmin(ctx context.Context, group string) (bool, error)
	MarkRead(ctx context.Context, chat, stanzaID string) error
	RemoveParticipant(ctx context.Context, group, canonical string) error
}

// StatusBroadcastEndpoint is the well-known chat identity the transport
// uses for status-broadcast events; the router acks these specially
// instead of routing them through command dispatch.
const StatusBroadcastEndpoint = "status@broadcast"

// QuotedReply describes a reply-to reference on a NormalizedMessage. The
// sender may be Unresolved when synchronous resolution wasn't possible;
// downstream code must not persist an unresolved sender without
// re-resolving it first.
type QuotedReply struct {
	ID         string
	Sender     string
	Unresolved bool
	Type       ContentType
	Text       string
	Download   func(ctx context.Context) ([]byte, error)
}

// NormalizedMessage is the flattened, fully-defaulted view of an inbound
// event that the Command Router and plugins operate on. Body is always a
// string; Mentions contains only canonical individual-endpoint
// identities.
type NormalizedMessage struct {
	ID       string
	Origin   string
	Sender   string
	IsGroup  bool
	IsSelf   bool
	Type     ContentType
	Body     string
	Mentions []string
	Quoted   *QuotedReply

	Reply             func(ctx context.Context, text string) error
	React             func(ctx context.Context, emoji string) error
	Download          func(ctx context.Context) ([]byte, error)
	HasMedia          func() bool
	GetName           func(ctx context.Context) (string, error)
	IsAdmin           func(ctx context.Context) (bool, error)
	IsBotAdmin        func(ctx context.Context) (bool, error)
	MarkRead          func(ctx context.Context) error
	RemoveSender      func(ctx context.Context) error
}

// Normalize turns a RawEnvelope into a NormalizedMessage. Extraction
// errors never propagate: each field degrades to its empty default and a
// warning is logged, so the router and plugins never see a partial
// failure as a crash.
func Normalize(ctx context.Context, raw RawEnvelope, tp Transport, resolver *identity.Resolver) *NormalizedMessage {
	log := logger.Message()

	content := unwrap(raw.Content)

	groupEndpoint := ""
	if raw.IsGroup {
		groupEndpoint = raw.Origin
	}

	sender := raw.Origin
	if content.ContextInfo != nil && content.ContextInfo.Participant != "" {
		sender = content.ContextInfo.Participant
	}
	resolvedSender, err := resolver.Resolve(ctx, sender, groupEndpoint)
	if err != nil {
		log.Warn().Err(err).Str("raw_sender", sender).Msg("sender resolution failed, using unresolved value")
		resolvedSender = sender
	}

	body := extractBody(content)

	mentions := []string{}
	var quoted *QuotedReply
	if content.ContextInfo != nil {
		mentions = resolveMentions(ctx, content.ContextInfo.MentionedIDs, resolver, groupEndpoint)
		if content.ContextInfo.QuotedMessage != nil {
			quoted = buildQuoted(ctx, *content.ContextInfo, resolver, groupEndpoint, tp)
			if quoted != nil && !quoted.Unresolved {
				if !containsString(mentions, quoted.Sender) {
					mentions = append(mentions, quoted.Sender)
				}
			}
		}
	}

	msg := &NormalizedMessage{
		ID:       raw.ID,
		Origin:   raw.Origin,
		Sender:   resolvedSender,
		IsGroup:  raw.IsGroup,
		IsSelf:   raw.FromMe,
		Type:     content.Type,
		Body:     body,
		Mentions: mentions,
		Quoted:   quoted,
	}

	attachCapabilities(msg, raw, content, tp)
	return msg
}

// extractBody applies the body-extraction precedence chain: first
// non-empty field wins, coerced to a trimmed string.
func extractBody(c RawContent) string {
	candidates := []string{
		c.Conversation,
		c.Text,
		c.Caption,
		c.SelectedRowID,
		c.SelectedButtonID,
		c.SelectedID,
	}
	for _, v := range candidates {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveMentions(ctx context.Context, raw []string, resolver *identity.Resolver, groupEndpoint string) []string {
	// kept deliberately simple: mentions degrade silently on any failure.
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		canonical, err := resolver.Resolve(ctx, id, groupEndpoint)
		if err != nil {
			continue
		}
		if _, ok := identity.ValidateAndNormalize(canonical); !ok {
			continue
		}
		out = append(out, canonical)
	}
	return out
}

func buildQuoted(ctx context.Context, info RawContextInfo, resolver *identity.Resolver, groupEndpoint string, tp Transport) *QuotedReply {
	inner := unwrap(*info.QuotedMessage)
	sender := info.Participant
	unresolved := false

	canonical, err := resolver.Resolve(ctx, sender, groupEndpoint)
	if err != nil || canonical == sender {
		if _, ok := identity.ValidateAndNormalize(canonical); !ok {
			unresolved = true
		}
	}

	q := &QuotedReply{
		ID:         info.StanzaID,
		Sender:     canonical,
		Unresolved: unresolved,
		Type:       inner.Type,
		Text:       extractBody(inner),
	}

	if inner.MediaHandle != nil && tp != nil {
		handle := inner.MediaHandle
		q.Download = func(ctx context.Context) ([]byte, error) {
			return tp.DownloadMedia(ctx, handle)
		}
	}
	return q
}

func attachCapabilities(msg *NormalizedMessage, raw RawEnvelope, content RawContent, tp Transport) {
	origin := raw.Origin
	stanzaID := raw.ID
	contentType := content.Type
	mediaHandle := content.MediaHandle

	msg.HasMedia = func() bool { return hasMedia(contentType) }

	if tp == nil {
		return
	}

	msg.Reply = func(ctx context.Context, text string) error {
		if strings.TrimSpace(text) == "" {
			return errEmptyReply
		}
		return tp.SendText(ctx, origin, text, stanzaID)
	}

	msg.React = func(ctx context.Context, emoji string) error {
		return tp.SendReaction(ctx, origin, stanzaID, emoji)
	}

	msg.Download = func(ctx context.Context) ([]byte, error) {
		if mediaHandle == nil {
			return nil, nil
		}
		return tp.DownloadMedia(ctx, mediaHandle)
	}

	msg.GetName = func(ctx context.Context) (string, error) {
		name, err := tp.FetchDisplayName(ctx, msg.Sender)
		if err != nil || name == "" {
			return localPart(msg.Sender), nil
		}
		return name, nil
	}

	msg.IsAdmin = func(ctx context.Context) (bool, error) {
		if !raw.IsGroup {
			return false, nil
		}
		return tp.IsGroupAdmin(ctx, origin, msg.Sender)
	}

	msg.IsBotAdmin = func(ctx context.Context) (bool, error) {
		if !raw.IsGroup {
			return false, nil
		}
		return tp.IsBotGroupAdmin(ctx, origin)
	}

	msg.MarkRead = func(ctx context.Context) error {
		return tp.MarkRead(ctx, origin, stanzaID)
	}

	msg.RemoveSender = func(ctx context.Context) error {
		if !raw.IsGroup {
			return errNotGroup
		}
		return tp.RemoveParticipant(ctx, origin, msg.Sender)
	}
}

var errNotGroup = notGroupError{}

type notGroupError struct{}

func (notGroupError) Error() string { return "remove-participant is only valid inside a group chat" }

func localPart(canonical string) string {
	if idx := strings.IndexByte(canonical, '@'); idx >= 0 {
		return canonical[:idx]
	}
	return canonical
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var errEmptyReply = emptyReplyError{}

type emptyReplyError struct{}

func (emptyReplyError) Error() string { return "reply text must not be empty" }
