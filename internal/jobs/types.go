// Package jobs correlates background jobs with the conversation threads that
// requested them: a durable origin registry written at job creation and an
// append-only outcome history read to enrich future requests.
package jobs

import (
	"time"

	"github.com/relaydhq/relayd/internal/channel"
)

// Origin links a dispatched job to the thread that requested it.
// At most one Origin exists per job ID; the first writer wins.
type Origin struct {
	JobID     string
	ThreadID  string
	Platform  channel.Platform
	CreatedAt time.Time
}

// Merge result dispositions for a job's produced change.
const (
	MergeResultMerged  = "merged"
	MergeResultFailed  = "failed"
	MergeResultPending = "pending"
)

// Outcome is a persisted record of one completed job, scoped to a thread.
// History is append-only: multiple outcomes may exist per job ID and none
// are ever overwritten or deleted by this core.
type Outcome struct {
	ID           string
	JobID        string
	ThreadID     string
	Status       string
	MergeResult  string
	PRURL        string
	ChangedFiles []string
	LogSummary   string
	CreatedAt    time.Time
}
