// Package assistant is the HTTP client for the AI-answering collaborator.
// Prompt construction and reasoning live on the other side of this contract.
package assistant

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaydhq/relayd/internal/channel"
)

// Assistant is the collaborator contract consumed by the pipeline and the
// completion notifier.
type Assistant interface {
	Chat(ctx context.Context, threadID, text string, attachments []channel.Attachment, chCtx channel.Context) (string, error)
	SummarizeJob(ctx context.Context, results JobResults) (string, error)
	AddToThread(ctx context.Context, threadID, text string) error
}

// JobResults is the completion payload handed to SummarizeJob.
type JobResults struct {
	Job           string   `json:"job"`
	PRURL         string   `json:"pr_url"`
	RunURL        string   `json:"run_url"`
	Status        string   `json:"status"`
	FailureStage  string   `json:"failure_stage"`
	MergeResult   string   `json:"merge_result"`
	Log           string   `json:"log"`
	ChangedFiles  []string `json:"changed_files"`
	CommitMessage string   `json:"commit_message"`
}

// Client talks JSON over HTTP to the assistant service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an assistant client.
func NewClient(log *slog.Logger, baseURL, apiKey string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("client", "assistant")),
	}
}

type chatRequest struct {
	ThreadID    string           `json:"thread_id"`
	Text        string           `json:"text"`
	Attachments []chatAttachment `json:"attachments,omitempty"`
	UserID      string           `json:"user_id"`
	ChatTitle   string           `json:"chat_title"`
}

type chatAttachment struct {
	Category string `json:"category"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
}

// Chat sends one normalized message and returns the assistant's reply.
func (c *Client) Chat(ctx context.Context, threadID, text string, attachments []channel.Attachment, chCtx channel.Context) (string, error) {
	req := chatRequest{
		ThreadID:  threadID,
		Text:      text,
		UserID:    chCtx.UserID,
		ChatTitle: chCtx.ChatTitle,
	}
	for _, att := range attachments {
		req.Attachments = append(req.Attachments, chatAttachment{
			Category: string(att.Category),
			MimeType: att.MimeType,
			Data:     base64.StdEncoding.EncodeToString(att.Data),
			Filename: att.Filename,
		})
	}
	var resp chatResponse
	if err := c.post(ctx, "/chat", req, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// SummarizeJob asks for a natural-language summary of a completed job.
func (c *Client) SummarizeJob(ctx context.Context, results JobResults) (string, error) {
	var resp summarizeResponse
	if err := c.post(ctx, "/summarize-job", results, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

type addToThreadRequest struct {
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
}

// AddToThread injects a system message into the assistant's thread memory.
func (c *Client) AddToThread(ctx context.Context, threadID, text string) error {
	return c.post(ctx, "/threads/append", addToThreadRequest{ThreadID: threadID, Text: text}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("assistant request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("assistant returned status %d for %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
