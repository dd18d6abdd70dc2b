// Package slack implements the Slack channel adapter over the Events API.
// Inbound events arrive via HTTP webhook and are verified with Slack's
// signing scheme; outbound traffic uses the Slack Web API.
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/relaydhq/relayd/internal/channel"
)

const (
	defaultMessageLimit = 4000
	maxBodyBytes        = 1 << 20 // 1 MiB

	// signatureMaxSkew is the replay-window defense: requests older than
	// this are rejected regardless of signature validity.
	signatureMaxSkew = 300 * time.Second
)

// Config holds the Slack adapter configuration.
type Config struct {
	BotToken          string
	SigningSecret     string
	BotUserID         string
	AllowedUserIDs    []string
	AllowedChannelIDs []string
	RequireMention    bool
	MessageLimit      int
}

// Adapter implements channel.Adapter and channel.ThreadPoster for Slack.
type Adapter struct {
	cfg         Config
	client      *slackapi.Client
	transcriber channel.Transcriber
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Slack adapter. The transcriber may be nil when no
// speech-to-text collaborator is configured.
func New(log *slog.Logger, cfg Config, transcriber channel.Transcriber) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = defaultMessageLimit
	}
	return &Adapter{
		cfg:         cfg,
		client:      slackapi.New(cfg.BotToken),
		transcriber: transcriber,
		logger:      log.With(slog.String("adapter", "slack")),
		now:         time.Now,
	}
}

// Platform returns the Slack platform identifier.
func (a *Adapter) Platform() channel.Platform {
	return channel.PlatformSlack
}

type eventEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
}

type messageEvent struct {
	Type     string      `json:"type"`
	SubType  string      `json:"subtype"`
	BotID    string      `json:"bot_id"`
	User     string      `json:"user"`
	Channel  string      `json:"channel"`
	Text     string      `json:"text"`
	TS       string      `json:"ts"`
	ThreadTS string      `json:"thread_ts"`
	Files    []fileEntry `json:"files"`
}

type fileEntry struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
}

// Receive runs the Slack filtering pipeline: URL-verification challenges are
// surfaced before signature checks (they carry no user payload and must be
// answered synchronously), then the request is authenticated and the event
// filtered down to actionable user messages.
func (a *Adapter) Receive(ctx context.Context, req *http.Request) (channel.Receipt, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("read body: %w", err)
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return channel.Receipt{}, fmt.Errorf("decode event envelope: %w", err)
	}

	if envelope.Type == channel.ControlURLVerification {
		return channel.Receipt{Control: &channel.ControlSignal{
			Kind:      channel.ControlURLVerification,
			Challenge: envelope.Challenge,
		}}, nil
	}

	signature := req.Header.Get("X-Slack-Signature")
	timestamp := req.Header.Get("X-Slack-Request-Timestamp")
	if !a.verifySignature(signature, timestamp, body) {
		a.logger.Warn("invalid request signature, rejecting")
		return channel.Receipt{}, nil
	}

	if envelope.Type != "event_callback" || len(envelope.Event) == 0 {
		return channel.Receipt{}, nil
	}

	var event messageEvent
	if err := json.Unmarshal(envelope.Event, &event); err != nil {
		return channel.Receipt{}, fmt.Errorf("decode event: %w", err)
	}

	if event.Type != "message" && event.Type != "app_mention" {
		return channel.Receipt{}, nil
	}
	// Ignore our own messages to prevent loops, and non-content subtypes
	// (edits, deletions, membership changes). file_share is real content.
	if event.BotID != "" || event.SubType == "bot_message" {
		return channel.Receipt{}, nil
	}
	if event.SubType != "" && event.SubType != "file_share" {
		return channel.Receipt{}, nil
	}

	text := event.Text
	if a.cfg.RequireMention {
		stripped, mentioned := stripMention(text, a.cfg.BotUserID, event.Type == "app_mention")
		if !mentioned {
			return channel.Receipt{}, nil
		}
		text = stripped
	}

	if len(a.cfg.AllowedUserIDs) > 0 && !contains(a.cfg.AllowedUserIDs, event.User) {
		return channel.Receipt{}, nil
	}
	if len(a.cfg.AllowedChannelIDs) > 0 && !contains(a.cfg.AllowedChannelIDs, event.Channel) {
		return channel.Receipt{}, nil
	}

	// Thread key for conversation isolation: the existing thread anchor,
	// falling back to the event's own timestamp.
	anchor := event.ThreadTS
	if anchor == "" {
		anchor = event.TS
	}
	threadID := event.Channel + ":" + anchor

	text, attachments := a.resolveAttachments(ctx, text, event.Files)

	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return channel.Receipt{}, nil
	}

	return channel.Receipt{Message: &channel.Message{
		ThreadID:    threadID,
		Text:        text,
		Attachments: attachments,
		Metadata: channel.Metadata{
			"channel":   event.Channel,
			"ts":        event.TS,
			"thread_ts": event.ThreadTS,
			"user_id":   event.User,
		},
	}}, nil
}

// verifySignature recomputes Slack's v0 HMAC-SHA256 signature and compares
// it in constant time. Stale timestamps fail regardless of the signature.
func (a *Adapter) verifySignature(signature, timestamp string, body []byte) bool {
	if signature == "" || timestamp == "" || len(body) == 0 {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := math.Abs(float64(a.now().Unix() - ts))
	if time.Duration(skew)*time.Second > signatureMaxSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.SigningSecret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// resolveAttachments downloads referenced files with the bot credential and
// classifies them. Audio is transcribed best-effort and dropped; a failed
// download skips that file, never the message.
func (a *Adapter) resolveAttachments(ctx context.Context, text string, files []fileEntry) (string, []channel.Attachment) {
	var attachments []channel.Attachment
	for _, file := range files {
		url := file.URLPrivateDownload
		if url == "" {
			url = file.URLPrivate
		}
		if url == "" {
			continue
		}
		var buf bytes.Buffer
		if err := a.client.GetFileContext(ctx, url, &buf); err != nil {
			a.logger.Error("file download failed",
				slog.String("file_id", file.ID),
				slog.Any("error", err),
			)
			continue
		}
		mime := file.Mimetype
		if mime == "" {
			mime = "application/octet-stream"
		}
		att := channel.Attachment{
			Category: channel.ClassifyMime(mime),
			MimeType: mime,
			Data:     buf.Bytes(),
			Filename: file.Name,
		}
		if att.Category == channel.AttachmentAudio {
			text = a.appendTranscript(ctx, text, att)
			continue
		}
		attachments = append(attachments, att)
	}
	return text, attachments
}

func (a *Adapter) appendTranscript(ctx context.Context, text string, att channel.Attachment) string {
	if a.transcriber == nil {
		a.logger.Warn("no transcriber configured, skipping audio attachment",
			slog.String("filename", att.Filename))
		return text
	}
	transcript, err := a.transcriber.Transcribe(ctx, att.Data, att.MimeType)
	if err != nil {
		a.logger.Warn("transcription failed, skipping audio attachment",
			slog.String("filename", att.Filename),
			slog.Any("error", err),
		)
		return text
	}
	if transcript == "" {
		return text
	}
	if text != "" {
		return text + "\n\n[Audio transcript] " + transcript
	}
	return "[Audio transcript] " + transcript
}

// Acknowledge adds an eyes reaction to show the message was received.
// An existing reaction is not an error.
func (a *Adapter) Acknowledge(ctx context.Context, meta channel.Metadata) error {
	err := a.client.AddReactionContext(ctx, "eyes",
		slackapi.NewRefToMessage(meta.Get("channel"), meta.Get("ts")))
	if err != nil && !strings.Contains(err.Error(), "already_reacted") {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

// StartProcessingIndicator is a no-op for Slack: bots have no useful typing
// indicator. Callers still invoke the returned stop unconditionally.
func (a *Adapter) StartProcessingIndicator(ctx context.Context, meta channel.Metadata) channel.StopIndicator {
	return func() {}
}

// SendResponse posts the reply into the originating thread, split to the
// platform's message limit.
func (a *Adapter) SendResponse(ctx context.Context, threadID, text string, meta channel.Metadata) error {
	channelID := meta.Get("channel")
	threadTS := meta.Get("thread_ts")
	if threadTS == "" {
		threadTS = meta.Get("ts")
	}
	if channelID == "" {
		if ch, ts, ok := splitThreadKey(threadID); ok {
			channelID, threadTS = ch, ts
		}
	}
	if channelID == "" {
		return fmt.Errorf("slack channel is required")
	}
	return a.postChunks(ctx, channelID, threadTS, text)
}

// PostToThread routes a message addressed only by its composite thread key,
// used by the completion notifier.
func (a *Adapter) PostToThread(ctx context.Context, threadID, text string) error {
	channelID, threadTS, ok := splitThreadKey(threadID)
	if !ok {
		return fmt.Errorf("invalid slack thread key: %s", threadID)
	}
	return a.postChunks(ctx, channelID, threadTS, text)
}

func (a *Adapter) postChunks(ctx context.Context, channelID, threadTS, text string) error {
	for _, chunk := range channel.Split(text, a.cfg.MessageLimit) {
		opts := []slackapi.MsgOption{slackapi.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, slackapi.MsgOptionTS(threadTS))
		}
		if _, _, err := a.client.PostMessageContext(ctx, channelID, opts...); err != nil {
			return fmt.Errorf("post message: %w", err)
		}
	}
	return nil
}

// stripMention removes the bot mention marker from text. When the bot user
// ID is unknown, an app_mention event counts as an explicit mention and the
// leading mention token is stripped.
func stripMention(text, botUserID string, isAppMention bool) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if botUserID != "" {
		marker := "<@" + botUserID + ">"
		if strings.Contains(trimmed, marker) {
			return strings.TrimSpace(strings.ReplaceAll(trimmed, marker, "")), true
		}
	}
	if isAppMention {
		if strings.HasPrefix(trimmed, "<@") {
			if end := strings.Index(trimmed, ">"); end > 0 {
				return strings.TrimSpace(trimmed[end+1:]), true
			}
		}
		return trimmed, true
	}
	return text, false
}

func splitThreadKey(threadID string) (channelID, threadTS string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(threadID), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func contains(items []string, value string) bool {
	for _, item := range items {
		if item == value {
			return true
		}
	}
	return false
}
