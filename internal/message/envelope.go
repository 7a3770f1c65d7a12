// Package message implements the Message Normalizer (C2): flattening
// nested envelope variants into a NormalizedMessage with a tagged-variant
// content model instead of the duck-typed, nullable-everywhere shape the
// wire format actually uses.
package message

// ContentType tags the innermost variant of a message envelope after
// unwrapping. This is the sum type the design calls for in place of
// nested type-tagged duck typing.
type ContentType string

const (
	TypeConversation     ContentType = "conversation"
	TypeEphemeral        ContentType = "ephemeral"
	TypeViewOnce         ContentType = "viewOnce"
	TypeImage            ContentType = "image"
	TypeVideo            ContentType = "video"
	TypeAudio            ContentType = "audio"
	TypeDocument         ContentType = "document"
	TypeSticker          ContentType = "sticker"
	TypeListResponse     ContentType = "listResponse"
	TypeButtonsResponse  ContentType = "buttonsResponse"
	TypeTemplateReply    ContentType = "templateReply"
	TypeUnknown          ContentType = "unknown"
)

// mediaTypes is the fixed set hasMedia() consults.
var mediaTypes = map[ContentType]bool{
	TypeImage:    true,
	TypeVideo:    true,
	TypeAudio:    true,
	TypeDocument: true,
	TypeSticker:  true,
}

// RawContextInfo carries the context-info block attached to a raw
// envelope: the quoted message (if replying), mentioned opaque ids, and
// the stanza id of the message being quoted.
type RawContextInfo struct {
	StanzaID      string
	Participant   string
	QuotedMessage *RawContent
	MentionedIDs  []string
}

// RawContent is the wire-shaped, possibly-wrapped content of an inbound
// envelope. Inner is non-nil only for the ephemeral/view-once wrapper
// variants, modeling the "unwrap until neither wrapper applies" rule.
type RawContent struct {
	Type ContentType

	Conversation      string
	Text              string
	Caption           string
	SelectedRowID     string
	SelectedButtonID  string
	SelectedID        string

	ContextInfo *RawContextInfo
	Inner       *RawContent

	// MediaHandle is an opaque reference the transport's download stream
	// API understands; nil when the content carries no media.
	MediaHandle interface{}
}

// RawEnvelope is the inbound event as C4 fans it out, before
// normalization.
type RawEnvelope struct {
	ID      string
	Origin  string // chat JID: individual or group canonical identity
	FromMe  bool
	IsGroup bool
	Content RawContent
}

// maxUnwrapPasses bounds the ephemeral/view-once unwrap loop so malformed
// or cyclic input can never hang the normalizer.
const maxUnwrapPasses = 4

// unwrap repeatedly replaces the outermost ephemeral/view-once wrapper
// with its inner content until neither wrapper applies, re-deriving the
// type tag each pass. Well-formed input needs at most one pass per
// wrapper kind; maxUnwrapPasses is a defensive ceiling against cycles.
func unwrap(c RawContent) RawContent {
	current := c
	for i := 0; i < maxUnwrapPasses; i++ {
		if (current.Type == TypeEphemeral || current.Type == TypeViewOnce) && current.Inner != nil {
			current = *current.Inner
			continue
		}
		break
	}
	return current
}

func hasMedia(t ContentType) bool {
	return mediaTypes[t]
}
