// Package telegram implements the Telegram channel adapter. Updates arrive
// via a registered webhook authenticated with a shared secret token, and
// outbound traffic goes through the Bot API.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydhq/relayd/internal/channel"
)

const (
	defaultMessageLimit = 4096
	maxBodyBytes        = 1 << 20

	// Telegram clears the typing indicator after ~5 seconds, so the
	// processing indicator re-sends it on a shorter interval.
	typingRefreshInterval = 4 * time.Second
)

// Config holds the Telegram adapter configuration.
type Config struct {
	BotToken       string
	WebhookSecret  string
	AllowedChatIDs []int64
	RequireMention bool
	MessageLimit   int
}

// botAPI is the slice of the Bot API client the adapter uses.
type botAPI interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Adapter implements channel.Adapter for Telegram.
type Adapter struct {
	cfg         Config
	bot         botAPI
	botUsername string
	transcriber channel.Transcriber
	logger      *slog.Logger
	httpClient  *http.Client
}

// New creates a Telegram adapter. It does not call the Bot API; the webhook
// must be registered separately via RegisterWebhook.
func New(log *slog.Logger, cfg Config, transcriber channel.Transcriber) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = defaultMessageLimit
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, tgbotapi.APIEndpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("create bot client: %w", err)
	}
	return &Adapter{
		cfg:         cfg,
		bot:         bot,
		botUsername: bot.Self.UserName,
		transcriber: transcriber,
		logger:      log.With(slog.String("adapter", "telegram")),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Platform returns the Telegram platform identifier.
func (a *Adapter) Platform() channel.Platform {
	return channel.PlatformTelegram
}

// RegisterWebhook points the bot's webhook at url, configured with the
// shared secret token for inbound authentication.
func (a *Adapter) RegisterWebhook(url string) error {
	params := tgbotapi.Params{"url": url}
	if a.cfg.WebhookSecret != "" {
		params["secret_token"] = a.cfg.WebhookSecret
	}
	if _, err := a.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	a.logger.Info("webhook registered", slog.String("url", url))
	return nil
}

// Receive authenticates the webhook call against the shared secret token and
// normalizes the update into a Message.
func (a *Adapter) Receive(ctx context.Context, req *http.Request) (channel.Receipt, error) {
	if a.cfg.WebhookSecret != "" {
		token := req.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.WebhookSecret)) != 1 {
			a.logger.Warn("invalid webhook secret token, rejecting")
			return channel.Receipt{}, nil
		}
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("read body: %w", err)
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return channel.Receipt{}, fmt.Errorf("decode update: %w", err)
	}

	msg := update.Message
	if msg == nil {
		return channel.Receipt{}, nil
	}
	if msg.From != nil && msg.From.IsBot {
		return channel.Receipt{}, nil
	}

	chatID := msg.Chat.ID
	if len(a.cfg.AllowedChatIDs) > 0 && !containsID(a.cfg.AllowedChatIDs, chatID) {
		return channel.Receipt{}, nil
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	// In groups, mention-only mode requires @botname; direct chats are
	// always addressed to the bot.
	if a.cfg.RequireMention && !msg.Chat.IsPrivate() {
		stripped, mentioned := stripMention(text, a.botUsername)
		if !mentioned {
			return channel.Receipt{}, nil
		}
		text = stripped
	}

	text, attachments := a.resolveAttachments(ctx, text, msg)

	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return channel.Receipt{}, nil
	}

	meta := channel.Metadata{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": strconv.Itoa(msg.MessageID),
	}
	if msg.From != nil {
		meta["user_id"] = strconv.FormatInt(msg.From.ID, 10)
	}
	if msg.Chat.Title != "" {
		meta["chat_title"] = msg.Chat.Title
	}

	return channel.Receipt{Message: &channel.Message{
		ThreadID:    strconv.FormatInt(chatID, 10),
		Text:        text,
		Attachments: attachments,
		Metadata:    meta,
	}}, nil
}

// resolveAttachments downloads photos, documents and voice notes referenced
// by the message. Audio is transcribed best-effort and dropped. A failed
// download skips that file, never the message.
func (a *Adapter) resolveAttachments(ctx context.Context, text string, msg *tgbotapi.Message) (string, []channel.Attachment) {
	type fileRef struct {
		fileID   string
		mime     string
		filename string
	}
	var refs []fileRef

	if len(msg.Photo) > 0 {
		// Telegram sends multiple resolutions; the last is the largest.
		best := msg.Photo[len(msg.Photo)-1]
		refs = append(refs, fileRef{fileID: best.FileID, mime: "image/jpeg", filename: "photo.jpg"})
	}
	if msg.Document != nil {
		refs = append(refs, fileRef{
			fileID:   msg.Document.FileID,
			mime:     msg.Document.MimeType,
			filename: msg.Document.FileName,
		})
	}
	if msg.Voice != nil {
		refs = append(refs, fileRef{fileID: msg.Voice.FileID, mime: msg.Voice.MimeType, filename: "voice.ogg"})
	}
	if msg.Audio != nil {
		refs = append(refs, fileRef{
			fileID:   msg.Audio.FileID,
			mime:     msg.Audio.MimeType,
			filename: msg.Audio.FileName,
		})
	}

	var attachments []channel.Attachment
	for _, ref := range refs {
		data, err := a.downloadFile(ctx, ref.fileID)
		if err != nil {
			a.logger.Error("file download failed",
				slog.String("file_id", ref.fileID),
				slog.Any("error", err),
			)
			continue
		}
		mime := ref.mime
		if mime == "" {
			mime = "application/octet-stream"
		}
		att := channel.Attachment{
			Category: channel.ClassifyMime(mime),
			MimeType: mime,
			Data:     data,
			Filename: ref.filename,
		}
		if att.Category == channel.AttachmentAudio {
			text = a.appendTranscript(ctx, text, att)
			continue
		}
		attachments = append(attachments, att)
	}
	return text, attachments
}

func (a *Adapter) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50<<20))
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

// Acknowledge reacts to the message with an eyes emoji. The client library
// has no typed binding for setMessageReaction, so it goes through the raw
// request path.
func (a *Adapter) Acknowledge(ctx context.Context, meta channel.Metadata) error {
	reaction, _ := json.Marshal([]map[string]string{{"type": "emoji", "emoji": "👀"}})
	params := tgbotapi.Params{
		"chat_id":    meta.Get("chat_id"),
		"message_id": meta.Get("message_id"),
		"reaction":   string(reaction),
	}
	if _, err := a.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

// StartProcessingIndicator shows the typing indicator and keeps it alive
// until the returned stop function is called or the context is cancelled.
func (a *Adapter) StartProcessingIndicator(ctx context.Context, meta channel.Metadata) channel.StopIndicator {
	chatID, err := strconv.ParseInt(meta.Get("chat_id"), 10, 64)
	if err != nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			if _, err := a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
				a.logger.Debug("typing action failed", slog.Any("error", err))
			}
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// SendResponse sends the reply into the originating chat, split to the
// platform's message limit.
func (a *Adapter) SendResponse(ctx context.Context, threadID, text string, meta channel.Metadata) error {
	raw := meta.Get("chat_id")
	if raw == "" {
		raw = threadID
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
	}
	for _, chunk := range channel.Split(text, a.cfg.MessageLimit) {
		if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// stripMention removes an @botname mention from text.
func stripMention(text, botUsername string) (string, bool) {
	if botUsername == "" {
		return text, false
	}
	marker := "@" + botUsername
	if !strings.Contains(text, marker) {
		return text, false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, marker, "")), true
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
