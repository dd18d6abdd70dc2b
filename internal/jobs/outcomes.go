package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoMergedOutcome is returned when a thread has no merged outcome yet.
var ErrNoMergedOutcome = errors.New("no merged outcome for thread")

// OutcomeStore is the append-only history of completed jobs per thread.
type OutcomeStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewOutcomeStore creates an OutcomeStore backed by the given pool.
func NewOutcomeStore(log *slog.Logger, pool *pgxpool.Pool) *OutcomeStore {
	if log == nil {
		log = slog.Default()
	}
	return &OutcomeStore{
		pool:   pool,
		logger: log.With(slog.String("store", "job_outcomes")),
	}
}

// Save appends one outcome row. The id is assigned here; changed files are
// carried as a typed list through business logic and stored as a Postgres
// text array, preserving order and duplicates.
func (s *OutcomeStore) Save(ctx context.Context, outcome Outcome) error {
	if strings.TrimSpace(outcome.JobID) == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(outcome.ThreadID) == "" {
		return fmt.Errorf("thread id is required")
	}
	changed := outcome.ChangedFiles
	if changed == nil {
		changed = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_outcomes (id, job_id, thread_id, status, merge_result, pr_url, changed_files, log_summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(),
		outcome.JobID,
		outcome.ThreadID,
		outcome.Status,
		outcome.MergeResult,
		outcome.PRURL,
		changed,
		outcome.LogSummary,
	)
	if err != nil {
		return fmt.Errorf("save job outcome: %w", err)
	}
	return nil
}

// LastMerged returns the most recent outcome for the thread whose merge
// result is "merged", ignoring newer non-merged outcomes.
func (s *OutcomeStore) LastMerged(ctx context.Context, threadID string) (Outcome, error) {
	var outcome Outcome
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, thread_id, status, merge_result, pr_url, changed_files, log_summary, created_at
		 FROM job_outcomes
		 WHERE thread_id = $1 AND merge_result = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		strings.TrimSpace(threadID), MergeResultMerged,
	).Scan(
		&outcome.ID,
		&outcome.JobID,
		&outcome.ThreadID,
		&outcome.Status,
		&outcome.MergeResult,
		&outcome.PRURL,
		&outcome.ChangedFiles,
		&outcome.LogSummary,
		&outcome.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Outcome{}, ErrNoMergedOutcome
		}
		return Outcome{}, fmt.Errorf("query last merged outcome: %w", err)
	}
	return outcome, nil
}
