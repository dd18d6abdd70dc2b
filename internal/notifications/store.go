// Package notifications persists completion-notification records for the
// external administration surface. This core only writes them.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store appends notification rows.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a notification store backed by the given pool.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("store", "notifications")),
	}
}

// Create persists one notification with its raw source payload.
func (s *Store) Create(ctx context.Context, text string, payload any) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("notification text is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO notifications (id, notification, payload) VALUES ($1, $2, $3)`,
		uuid.NewString(), text, raw,
	)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}
