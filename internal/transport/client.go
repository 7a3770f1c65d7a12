package transport

import (
	"context"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
	"github.com/relaybot-dev/relaybot/internal/groupevents"
	"github.com/relaybot-dev/relaybot/internal/identity"
)

// Client wraps a Supervisor to satisfy every narrow transport contract
// the rest of the bot depends on (message.Transport, identity.
// RosterFetcher, groupevents.Transport, health.Notifier). It is the one
// seam where those packages' interfaces meet the single live connection
// C4 owns, kept here rather than in each consuming package so none of
// them needs to import transport directly.
//
// Every method that would require actually speaking the messaging-
// network wire protocol — downloading media, reading group admin
// lists, fetching a display name or avatar — is out of scope (spec.md
// §1) and degrades the same way the rest of the codebase treats a
// collaborator failure: return a BotError and let the caller's existing
// fallback path (message.Normalize's degrade-to-default, groupevents.
// Handler's placeholder metadata) take over. SendText, SendReaction and
// SendImageMessage (which sends its caption only) are the methods
// backed by the Supervisor, via its retry-tracked SendSafely.
type Client struct {
	sup *Supervisor
}

// NewClient wraps sup.
func NewClient(sup *Supervisor) *Client {
	return &Client{sup: sup}
}

// SendText delivers a text payload to the given endpoint through the
// supervisor's retry-tracked send path.
func (c *Client) SendText(ctx context.Context, to, text, quotedStanzaID string) error {
	return c.sup.SendSafely(ctx, to, "", []byte(text))
}

// SendReaction is not distinguished from a plain text send at this
// layer; the wire-level reaction stanza is out of scope.
func (c *Client) SendReaction(ctx context.Context, to, stanzaID, emoji string) error {
	return c.sup.SendSafely(ctx, to, stanzaID, []byte(emoji))
}

// DownloadMedia always reports unavailable: decrypting and fetching
// media blobs is wire-protocol-specific and out of scope.
func (c *Client) DownloadMedia(ctx context.Context, handle interface{}) ([]byte, error) {
	return nil, apperrors.Unavailable("media download")
}

// FetchDisplayName always reports unavailable; callers already degrade
// to the canonical identity's local part on error.
func (c *Client) FetchDisplayName(ctx context.Context, canonical string) (string, error) {
	return "", apperrors.Unavailable("display name lookup")
}

// IsGroupAdmin always reports unavailable; the router and plugins
// already treat a lookup failure as "not an admin".
func (c *Client) IsGroupAdmin(ctx context.Context, group, canonical string) (bool, error) {
	return false, apperrors.Unavailable("group admin lookup")
}

// IsBotGroupAdmin always reports unavailable, same rationale as
// IsGroupAdmin.
func (c *Client) IsBotGroupAdmin(ctx context.Context, group string) (bool, error) {
	return false, apperrors.Unavailable("bot admin lookup")
}

// MarkRead is a best-effort no-op: read receipts have no observable
// effect on this bot's own behavior.
func (c *Client) MarkRead(ctx context.Context, chat, stanzaID string) error {
	return nil
}

// RemoveParticipant always reports unavailable; anti-link enforcement
// logs the intended removal and continues rather than failing the
// message handling path.
func (c *Client) RemoveParticipant(ctx context.Context, group, canonical string) error {
	return apperrors.Unavailable("participant removal")
}

// FetchGroupParticipants always reports an error so identity.Resolver
// falls back to its best-effort canonicalization path for group
// members.
func (c *Client) FetchGroupParticipants(ctx context.Context, groupCanonical string) ([]identity.Participant, error) {
	return nil, apperrors.Unavailable("group roster fetch")
}

// FetchGroupMetadata always reports unavailable; groupevents.Handler
// falls back to a placeholder name/size.
func (c *Client) FetchGroupMetadata(ctx context.Context, group string) (groupevents.GroupMetadata, error) {
	return groupevents.GroupMetadata{}, apperrors.Unavailable("group metadata fetch")
}

// FetchGroupProfilePicture always reports unavailable; groupevents.
// Handler falls back to its configured default avatar.
func (c *Client) FetchGroupProfilePicture(ctx context.Context, group string) ([]byte, error) {
	return nil, apperrors.Unavailable("group avatar fetch")
}

// SendImageMessage delivers the caption as plain text through the same
// retry-tracked send path as SendText; sending an actual image
// attachment is wire-protocol-specific and out of scope.
func (c *Client) SendImageMessage(ctx context.Context, to string, image []byte, caption string, mentions []string) error {
	return c.sup.SendSafely(ctx, to, "", []byte(caption))
}
