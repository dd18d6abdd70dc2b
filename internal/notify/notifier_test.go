package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydhq/relayd/internal/assistant"
	"github.com/relaydhq/relayd/internal/channel"
	"github.com/relaydhq/relayd/internal/jobs"
)

type fakeAssistant struct {
	summary      string
	summarizeErr error
	appended     chan string
}

func (f *fakeAssistant) Chat(ctx context.Context, threadID, text string, attachments []channel.Attachment, chCtx channel.Context) (string, error) {
	return "", nil
}

func (f *fakeAssistant) SummarizeJob(ctx context.Context, results assistant.JobResults) (string, error) {
	return f.summary, f.summarizeErr
}

func (f *fakeAssistant) AddToThread(ctx context.Context, threadID, text string) error {
	f.appended <- text
	return nil
}

type fakeOrigins struct {
	origin jobs.Origin
	err    error
}

func (f *fakeOrigins) Lookup(ctx context.Context, jobID string) (jobs.Origin, error) {
	return f.origin, f.err
}

type fakeOutcomes struct {
	saved []jobs.Outcome
	err   error
}

func (f *fakeOutcomes) Save(ctx context.Context, outcome jobs.Outcome) error {
	f.saved = append(f.saved, outcome)
	return f.err
}

type fakeNotifications struct {
	texts []string
	err   error
}

func (f *fakeNotifications) Create(ctx context.Context, text string, payload any) error {
	f.texts = append(f.texts, text)
	return f.err
}

type fakePoster struct {
	threadIDs []string
	texts     []string
	err       error
}

func (f *fakePoster) PostToThread(ctx context.Context, threadID, text string) error {
	f.threadIDs = append(f.threadIDs, threadID)
	f.texts = append(f.texts, text)
	return f.err
}

type fakePosterSource struct {
	poster    channel.ThreadPoster
	platforms map[channel.Platform]bool
}

func (f *fakePosterSource) ThreadPoster(platform channel.Platform) (channel.ThreadPoster, bool) {
	if f.platforms != nil && !f.platforms[platform] {
		return nil, false
	}
	return f.poster, f.poster != nil
}

type fixture struct {
	notifier      *Notifier
	assistant     *fakeAssistant
	origins       *fakeOrigins
	outcomes      *fakeOutcomes
	notifications *fakeNotifications
	poster        *fakePoster
}

func newFixture(origin jobs.Origin, originErr error) *fixture {
	f := &fixture{
		assistant:     &fakeAssistant{summary: "All green, PR merged.", appended: make(chan string, 4)},
		origins:       &fakeOrigins{origin: origin, err: originErr},
		outcomes:      &fakeOutcomes{},
		notifications: &fakeNotifications{},
		poster:        &fakePoster{},
	}
	f.notifier = New(slog.New(slog.NewTextHandler(io.Discard, nil)), "hook-secret",
		f.assistant, f.origins, f.outcomes, f.notifications,
		&fakePosterSource{poster: f.poster})
	return f
}

func TestVerifySecret(t *testing.T) {
	n := newFixture(jobs.Origin{}, nil).notifier
	assert.True(t, n.VerifySecret("hook-secret"))
	assert.False(t, n.VerifySecret("wrong"))
	assert.False(t, n.VerifySecret(""))

	empty := New(slog.New(slog.NewTextHandler(io.Discard, nil)), "", nil, nil, nil, nil, nil)
	assert.False(t, empty.VerifySecret(""))
}

func TestHandleCompletionDeliversSummary(t *testing.T) {
	f := newFixture(jobs.Origin{JobID: "job-1", ThreadID: "C1:1.1", Platform: channel.PlatformSlack}, nil)

	err := f.notifier.HandleCompletion(context.Background(), Completion{
		JobID:        "job-1",
		Status:       "success",
		MergeResult:  jobs.MergeResultMerged,
		PRURL:        "https://github.test/pr/5",
		ChangedFiles: []string{"main.go"},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"C1:1.1"}, f.poster.threadIDs)
	assert.Equal(t, []string{"All green, PR merged."}, f.poster.texts)
	assert.Equal(t, []string{"All green, PR merged."}, f.notifications.texts)

	select {
	case appended := <-f.assistant.appended:
		assert.Equal(t, "[Job completed] All green, PR merged.", appended)
	case <-time.After(5 * time.Second):
		t.Fatal("completion never reached the assistant thread")
	}

	require.Len(t, f.outcomes.saved, 1)
	outcome := f.outcomes.saved[0]
	assert.Equal(t, "job-1", outcome.JobID)
	assert.Equal(t, "C1:1.1", outcome.ThreadID)
	assert.Equal(t, jobs.MergeResultMerged, outcome.MergeResult)
	assert.Equal(t, []string{"main.go"}, outcome.ChangedFiles)
}

func TestHandleCompletionPosterFailureNotEscalated(t *testing.T) {
	f := newFixture(jobs.Origin{JobID: "job-1", ThreadID: "C1:1.1", Platform: channel.PlatformSlack}, nil)
	f.poster.err = errors.New("slack is down")

	err := f.notifier.HandleCompletion(context.Background(), Completion{JobID: "job-1", Status: "success"})
	require.NoError(t, err)

	// The outcome is recorded and the delivery attempt was made even
	// though posting failed.
	assert.Len(t, f.outcomes.saved, 1)
	assert.Equal(t, []string{"C1:1.1"}, f.poster.threadIDs)
}

func TestHandleCompletionResolvesJobIDFromBranch(t *testing.T) {
	f := newFixture(jobs.Origin{JobID: "abc123", ThreadID: "C1:1.1"}, nil)

	err := f.notifier.HandleCompletion(context.Background(), Completion{Branch: "job/abc123", Status: "success"})
	require.NoError(t, err)
	require.Len(t, f.outcomes.saved, 1)
	assert.Equal(t, "abc123", f.outcomes.saved[0].JobID)
}

func TestHandleCompletionNoJobReferenceSkipped(t *testing.T) {
	f := newFixture(jobs.Origin{}, nil)
	err := f.notifier.HandleCompletion(context.Background(), Completion{Status: "success"})
	require.NoError(t, err)
	assert.Empty(t, f.notifications.texts)
	assert.Empty(t, f.outcomes.saved)
}

func TestHandleCompletionUnknownOriginStillRecordsNotification(t *testing.T) {
	f := newFixture(jobs.Origin{}, jobs.ErrOriginNotFound)

	err := f.notifier.HandleCompletion(context.Background(), Completion{JobID: "job-9", Status: "failure"})
	require.NoError(t, err)

	assert.Len(t, f.notifications.texts, 1)
	assert.Empty(t, f.outcomes.saved)
	assert.Empty(t, f.poster.threadIDs)
}

func TestHandleCompletionFallbackSummary(t *testing.T) {
	f := newFixture(jobs.Origin{JobID: "job-1", ThreadID: "C1:1.1", Platform: channel.PlatformSlack}, nil)
	f.assistant.summary = ""
	f.assistant.summarizeErr = errors.New("assistant down")

	err := f.notifier.HandleCompletion(context.Background(), Completion{
		JobID:        "job-1",
		Status:       "failure",
		FailureStage: "tests",
	})
	require.NoError(t, err)

	require.Len(t, f.poster.texts, 1)
	assert.Contains(t, f.poster.texts[0], "Job failed")
	assert.Contains(t, f.poster.texts[0], "tests")
}

func TestHandleCompletionNoPosterForPlatform(t *testing.T) {
	f := newFixture(jobs.Origin{JobID: "job-1", ThreadID: "12345", Platform: channel.PlatformTelegram}, nil)
	f.notifier.posters = &fakePosterSource{poster: f.poster, platforms: map[channel.Platform]bool{channel.PlatformSlack: true}}

	err := f.notifier.HandleCompletion(context.Background(), Completion{JobID: "job-1", Status: "success"})
	require.NoError(t, err)

	assert.Empty(t, f.poster.threadIDs)
	assert.Len(t, f.outcomes.saved, 1)
}

func TestHandleCompletionDerivesPlatformWhenMissing(t *testing.T) {
	f := newFixture(jobs.Origin{JobID: "job-1", ThreadID: "C1:1700000000.000100"}, nil)
	src := &fakePosterSource{poster: f.poster, platforms: map[channel.Platform]bool{channel.PlatformSlack: true}}
	f.notifier.posters = src

	err := f.notifier.HandleCompletion(context.Background(), Completion{JobID: "job-1", Status: "success"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C1:1700000000.000100"}, f.poster.threadIDs)
}
