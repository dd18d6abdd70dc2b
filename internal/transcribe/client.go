// Package transcribe is the HTTP client for the speech-to-text collaborator.
// Callers treat failures as warnings: a message never fails because its
// audio could not be transcribed.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to the transcription service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a transcription client. An empty base URL yields a
// client whose Transcribe always errors, which callers already tolerate.
func NewClient(log *slog.Logger, baseURL, apiKey string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("client", "transcribe")),
	}
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe converts audio bytes into text.
func (c *Client) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("transcription service not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcription service returned status %d", resp.StatusCode)
	}
	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}
