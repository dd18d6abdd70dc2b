// Package channel provides a unified abstraction for external messaging
// channels. It defines the canonical message types, the Adapter interface,
// and a registry for adapters such as Slack and Telegram.
package channel

import "strings"

// Platform identifies a messaging platform (e.g., "slack", "telegram").
type Platform string

const (
	PlatformSlack    Platform = "slack"
	PlatformTelegram Platform = "telegram"
	PlatformWeb      Platform = "web"
)

// String returns the platform as a plain string.
func (p Platform) String() string {
	return string(p)
}

// AttachmentCategory classifies a resolved attachment by content kind.
type AttachmentCategory string

const (
	AttachmentImage    AttachmentCategory = "image"
	AttachmentDocument AttachmentCategory = "document"
	AttachmentAudio    AttachmentCategory = "audio"
)

// Attachment is a fully downloaded file referenced by an inbound message.
// Audio attachments never leave an adapter: they are transcribed during
// receive and replaced by transcript text.
type Attachment struct {
	Category AttachmentCategory
	MimeType string
	Data     []byte
	Filename string
}

// Metadata carries opaque, platform-specific addressing fields an adapter
// needs to reply to the message it produced (channel, message timestamps,
// chat and message IDs).
type Metadata map[string]string

// Get returns the trimmed value for key, or empty string if absent.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[key])
}

// Message is a normalized inbound message, produced by an adapter and
// consumed by the conversation pipeline for the duration of one
// processing cycle. It is never persisted by this core.
type Message struct {
	ThreadID    string
	Text        string
	Attachments []Attachment
	Metadata    Metadata
}

// ControlSignal is a platform handshake that must be answered synchronously
// before any security or filtering logic runs (e.g., Slack URL verification).
type ControlSignal struct {
	Kind      string
	Challenge string
}

// ControlURLVerification marks a Slack Events API URL verification challenge.
const ControlURLVerification = "url_verification"

// Receipt is the result of Adapter.Receive. At most one of Message and
// Control is set; both nil means the event is not for us and is dropped
// silently.
type Receipt struct {
	Message *Message
	Control *ControlSignal
}

// Ignored reports whether the receipt carries nothing actionable.
func (r Receipt) Ignored() bool {
	return r.Message == nil && r.Control == nil
}

// Context describes the channel a message came from, passed through to the
// AI collaborator for prompt context.
type Context struct {
	UserID    string
	ChatTitle string
}

// ClassifyMime maps a MIME type onto an attachment category.
func ClassifyMime(mime string) AttachmentCategory {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return AttachmentAudio
	default:
		return AttachmentDocument
	}
}
