package channel

import (
	"context"
	"net/http"
)

// StopIndicator halts a processing indicator started by an adapter. Adapters
// without a native indicator return a no-op; callers invoke it unconditionally.
type StopIndicator func()

// Adapter is the capability set every channel implementation provides.
//
// Receive evaluates the platform's filtering pipeline against a raw inbound
// request and returns a normalized Receipt. Events that fail authenticity or
// relevance checks resolve to an ignored Receipt, not an error: "this event
// is not for us" is distinct from "something went wrong".
type Adapter interface {
	Platform() Platform
	Receive(ctx context.Context, req *http.Request) (Receipt, error)
	Acknowledge(ctx context.Context, meta Metadata) error
	StartProcessingIndicator(ctx context.Context, meta Metadata) StopIndicator
	SendResponse(ctx context.Context, threadID, text string, meta Metadata) error
}

// ThreadPoster is an optional capability for posting into an existing thread
// addressed only by its composite thread key. The completion notifier uses it
// to route job results back to the originating conversation.
type ThreadPoster interface {
	PostToThread(ctx context.Context, threadID, text string) error
}

// Transcriber converts audio bytes into text. Adapters treat transcription as
// best-effort: failures are logged and the message proceeds without audio.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mimeType string) (string, error)
}
