// Package trigger fires configured outbound HTTP calls when matching
// inbound routes receive traffic. Firing never blocks or fails the
// triggering request.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Trigger forwards events on its routes to a URL.
type Trigger struct {
	Name   string
	Routes []string
	URL    string
}

// Event describes the inbound request a trigger fires for.
type Event struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Body    string              `json:"body"`
	Query   map[string]string   `json:"query"`
	Headers map[string][]string `json:"headers"`
}

// Manager matches inbound routes against configured triggers.
type Manager struct {
	triggers []Trigger
	http     *http.Client
	logger   *slog.Logger
}

// NewManager creates a trigger manager over the configured triggers.
func NewManager(log *slog.Logger, triggers []Trigger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		triggers: triggers,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   log.With(slog.String("component", "trigger")),
	}
}

// Fire dispatches the event to every trigger listening on path. Each
// delivery runs in its own goroutine; failures are logged and swallowed.
func (m *Manager) Fire(path string, event Event) {
	for _, t := range m.triggers {
		if !matches(t.Routes, path) {
			continue
		}
		go m.deliver(t, event)
	}
}

func (m *Manager) deliver(t Trigger, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := m.post(ctx, t.URL, event); err != nil {
		m.logger.Warn("trigger delivery failed",
			slog.String("trigger", t.Name),
			slog.String("path", event.Path),
			slog.Any("error", err),
		)
		return
	}
	m.logger.Debug("trigger fired",
		slog.String("trigger", t.Name),
		slog.String("path", event.Path),
	)
}

func (m *Manager) post(ctx context.Context, url string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trigger endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func matches(routes []string, path string) bool {
	for _, route := range routes {
		if route == path || route == "*" {
			return true
		}
	}
	return false
}
