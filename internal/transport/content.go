package transport

import (
	"encoding/json"
	"strings"
)

// ContentKind tags the variant of a message's content.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentImage
	ContentVideo
	ContentDocument
	ContentOther
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentImage:
		return "image"
	case ContentVideo:
		return "video"
	case ContentDocument:
		return "document"
	}
	return "other"
}

// Content is the tagged variant of a message body. Media kinds carry their
// caption in Text; documents additionally carry a filename.
type Content struct {
	Kind     ContentKind
	Text     string
	Filename string
}

// Body returns the human-typed text of the content: the message text for
// text messages, the caption for media kinds, "" otherwise.
func (c Content) Body() string {
	return c.Text
}

// TextContent builds a plain text content.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// Message is one inbound message, normalized from the protocol's shape.
type Message struct {
	// Conversation is the thread address the message arrived in.
	Conversation string
	// Sender is the authoring participant's network address.
	Sender string
	// PushName is the sender's display name, if any.
	PushName string
	// FromMe marks messages authored by this session's own identity.
	FromMe bool
	// Group marks group conversations.
	Group bool

	Content Content

	// Mentions are participant addresses tagged in the message.
	Mentions []string
	// QuotedParticipant is the author of the message this one replies to.
	QuotedParticipant string

	// Ref identifies this message for deletion.
	Ref MessageRef

	// Raw is the protocol-level payload, kept for the structural link
	// scan fallback. May be nil.
	Raw json.RawMessage
}

// SenderNumber returns the bare number of the sender address, stripping
// any server suffix.
func (m Message) SenderNumber() string {
	return AddressNumber(m.Sender)
}

// AddressNumber strips the server suffix from a network address.
func AddressNumber(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}
