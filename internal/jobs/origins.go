package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydhq/relayd/internal/channel"
)

// ErrOriginNotFound is returned when no origin exists for a job ID.
var ErrOriginNotFound = errors.New("job origin not found")

// OriginStore persists the originating thread for dispatched jobs.
type OriginStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewOriginStore creates an OriginStore backed by the given pool.
func NewOriginStore(log *slog.Logger, pool *pgxpool.Pool) *OriginStore {
	if log == nil {
		log = slog.Default()
	}
	return &OriginStore{
		pool:   pool,
		logger: log.With(slog.String("store", "job_origins")),
	}
}

// Save records the originating thread for a job. The insert is idempotent:
// a second write for the same job ID is a no-op, never an error.
func (s *OriginStore) Save(ctx context.Context, jobID, threadID string, platform channel.Platform) error {
	jobID = strings.TrimSpace(jobID)
	threadID = strings.TrimSpace(threadID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO job_origins (job_id, thread_id, platform)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (job_id) DO NOTHING`,
		jobID, threadID, platform.String(),
	)
	if err != nil {
		return fmt.Errorf("save job origin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("origin already recorded", slog.String("job_id", jobID))
	}
	return nil
}

// Lookup returns the origin for a job ID, or ErrOriginNotFound.
func (s *OriginStore) Lookup(ctx context.Context, jobID string) (Origin, error) {
	var origin Origin
	var platform string
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, thread_id, platform, created_at
		 FROM job_origins WHERE job_id = $1`,
		strings.TrimSpace(jobID),
	).Scan(&origin.JobID, &origin.ThreadID, &platform, &origin.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Origin{}, ErrOriginNotFound
		}
		return Origin{}, fmt.Errorf("lookup job origin: %w", err)
	}
	origin.Platform = channel.Platform(platform)
	return origin, nil
}
