// Package notify handles job completion callbacks: it correlates a finished
// job back to its originating conversation thread, records the outcome and
// delivers a human-readable summary.
package notify

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydhq/relayd/internal/assistant"
	"github.com/relaydhq/relayd/internal/channel"
	"github.com/relaydhq/relayd/internal/jobs"
)

// threadAppendTimeout bounds the background thread-memory update. The
// callback has already been answered by the time it fires.
const threadAppendTimeout = 30 * time.Second

// Completion is the payload delivered by the CI pipeline when a job run
// finishes. Either JobID or Branch identifies the job.
type Completion struct {
	JobID         string   `json:"job_id"`
	Branch        string   `json:"branch"`
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

// OriginLookup resolves a job to the conversation it was created from.
type OriginLookup interface {
	Lookup(ctx context.Context, jobID string) (jobs.Origin, error)
}

// OutcomeRecorder persists job outcomes.
type OutcomeRecorder interface {
	Save(ctx context.Context, outcome jobs.Outcome) error
}

// NotificationCreator persists completion notifications.
type NotificationCreator interface {
	Create(ctx context.Context, text string, payload any) error
}

// ThreadPosterSource yields a platform's thread poster, when that platform
// supports posting by thread key alone.
type ThreadPosterSource interface {
	ThreadPoster(platform channel.Platform) (channel.ThreadPoster, bool)
}

// Notifier processes job completion callbacks.
type Notifier struct {
	secret        string
	assistant     assistant.Assistant
	origins       OriginLookup
	outcomes      OutcomeRecorder
	notifications NotificationCreator
	posters       ThreadPosterSource
	logger        *slog.Logger
}

// New creates a completion notifier guarded by the given shared secret.
func New(log *slog.Logger, secret string, a assistant.Assistant, origins OriginLookup, outcomes OutcomeRecorder, notifications NotificationCreator, posters ThreadPosterSource) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		secret:        secret,
		assistant:     a,
		origins:       origins,
		outcomes:      outcomes,
		notifications: notifications,
		posters:       posters,
		logger:        log.With(slog.String("component", "notify")),
	}
}

// VerifySecret checks the caller's shared secret in constant time. An empty
// configured secret rejects every caller.
func (n *Notifier) VerifySecret(token string) bool {
	if n.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(n.secret)) == 1
}

// HandleCompletion records the completion and routes its summary back to the
// originating thread. The notification record and the summary are produced
// even when no origin is known; persistence and delivery failures along the
// way degrade to log entries rather than failing the callback. An event with no
// job reference at all is accepted and skipped, it is simply not
// job-correlated.
func (n *Notifier) HandleCompletion(ctx context.Context, c Completion) error {
	jobID := c.JobID
	if jobID == "" {
		jobID = strings.TrimPrefix(c.Branch, "job/")
	}
	if jobID == "" {
		n.logger.Info("completion carries no job reference, skipping")
		return nil
	}
	log := n.logger.With(slog.String("job_id", jobID))

	summary := n.summarize(ctx, c, log)

	if err := n.notifications.Create(ctx, summary, c); err != nil {
		log.Error("persist notification failed", slog.Any("error", err))
	}

	origin, err := n.origins.Lookup(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrOriginNotFound) {
			log.Info("no origin recorded for job, skipping thread delivery")
			return nil
		}
		return fmt.Errorf("lookup job origin: %w", err)
	}
	log = log.With(slog.String("thread_id", origin.ThreadID))

	outcome := jobs.Outcome{
		JobID:        jobID,
		ThreadID:     origin.ThreadID,
		Status:       c.Status,
		MergeResult:  c.MergeResult,
		PRURL:        c.PRURL,
		ChangedFiles: c.ChangedFiles,
		LogSummary:   summary,
	}
	if err := n.outcomes.Save(ctx, outcome); err != nil {
		log.Error("persist outcome failed", slog.Any("error", err))
	}

	// Keep the assistant's conversation history in sync so follow-up
	// questions in the thread know about the completed job. Fire and
	// forget, the callback response never waits on it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), threadAppendTimeout)
		defer cancel()
		if err := n.assistant.AddToThread(ctx, origin.ThreadID, "[Job completed] "+summary); err != nil {
			log.Warn("append to assistant thread failed", slog.Any("error", err))
		}
	}()

	platform := origin.Platform
	if platform == "" {
		platform = jobs.DerivePlatform(origin.ThreadID)
	}
	poster, ok := n.posters.ThreadPoster(platform)
	if !ok {
		log.Info("no thread poster for platform, summary not delivered",
			slog.String("platform", string(platform)))
		return nil
	}
	if err := poster.PostToThread(ctx, origin.ThreadID, summary); err != nil {
		log.Error("post summary to thread failed", slog.Any("error", err))
	}
	return nil
}

// summarize asks the assistant for a readable summary, falling back to a
// locally built one when the service fails or returns nothing.
func (n *Notifier) summarize(ctx context.Context, c Completion, log *slog.Logger) string {
	results := assistant.JobResults{
		Job:           c.Job,
		PRURL:         c.PRURL,
		RunURL:        c.RunURL,
		Status:        c.Status,
		FailureStage:  c.FailureStage,
		MergeResult:   c.MergeResult,
		Log:           c.Log,
		ChangedFiles:  c.ChangedFiles,
		CommitMessage: c.CommitMessage,
	}
	summary, err := n.assistant.SummarizeJob(ctx, results)
	if err != nil {
		log.Warn("summarize failed, using fallback summary", slog.Any("error", err))
	}
	if summary = strings.TrimSpace(summary); summary != "" {
		return summary
	}
	return fallbackSummary(c)
}

func fallbackSummary(c Completion) string {
	var b strings.Builder
	switch c.Status {
	case "success":
		b.WriteString("Job finished successfully.")
	case "failure":
		b.WriteString("Job failed.")
		if c.FailureStage != "" {
			fmt.Fprintf(&b, " Failure stage: %s.", c.FailureStage)
		}
	default:
		fmt.Fprintf(&b, "Job finished with status %q.", c.Status)
	}
	if c.MergeResult != "" {
		fmt.Fprintf(&b, " Merge result: %s.", c.MergeResult)
	}
	if c.PRURL != "" {
		fmt.Fprintf(&b, " PR: %s", c.PRURL)
	}
	return b.String()
}
