// Package apikeys verifies out-of-band API keys presented by first-party
// callers. Keys are stored hashed; verification never touches plaintext
// at rest.
package apikeys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record identifies a verified API key.
type Record struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Service looks up API keys by hash.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates an API-key service backed by the given pool.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "apikeys")),
	}
}

// Verify returns the record for a presented key, or false when the key is
// missing or unknown.
func (s *Service) Verify(ctx context.Context, key string) (Record, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Record{}, false, nil
	}
	var record Record
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM api_keys WHERE key_hash = $1`,
		hashKey(key),
	).Scan(&record.ID, &record.Name, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("verify api key: %w", err)
	}
	return record, true, nil
}

// Create registers a new named key and returns its record.
func (s *Service) Create(ctx context.Context, name, key string) (Record, error) {
	name = strings.TrimSpace(name)
	key = strings.TrimSpace(key)
	if name == "" || key == "" {
		return Record{}, fmt.Errorf("name and key are required")
	}
	record := Record{ID: uuid.NewString(), Name: name}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (id, name, key_hash) VALUES ($1, $2, $3) RETURNING created_at`,
		record.ID, name, hashKey(key),
	).Scan(&record.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("create api key: %w", err)
	}
	s.logger.Info("api key created", slog.String("name", name))
	return record, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
