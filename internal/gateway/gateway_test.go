package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydhq/relayd/internal/apikeys"
	"github.com/relaydhq/relayd/internal/channel"
	"github.com/relaydhq/relayd/internal/jobrunner"
	"github.com/relaydhq/relayd/internal/jobs"
	"github.com/relaydhq/relayd/internal/notify"
	"github.com/relaydhq/relayd/internal/ratelimit"
	"github.com/relaydhq/relayd/internal/trigger"
)

type stubAdapter struct {
	platform channel.Platform
	receipt  channel.Receipt
	err      error
}

func (s *stubAdapter) Platform() channel.Platform { return s.platform }

func (s *stubAdapter) Receive(ctx context.Context, req *http.Request) (channel.Receipt, error) {
	return s.receipt, s.err
}

func (s *stubAdapter) Acknowledge(ctx context.Context, meta channel.Metadata) error { return nil }

func (s *stubAdapter) StartProcessingIndicator(ctx context.Context, meta channel.Metadata) channel.StopIndicator {
	return func() {}
}

func (s *stubAdapter) SendResponse(ctx context.Context, threadID, text string, meta channel.Metadata) error {
	return nil
}

type stubProcessor struct {
	processed chan *channel.Message
}

func (s *stubProcessor) Process(ctx context.Context, adapter channel.Adapter, msg *channel.Message) {
	s.processed <- msg
}

type stubKeys struct {
	valid map[string]string
}

func (s *stubKeys) Verify(ctx context.Context, key string) (apikeys.Record, bool, error) {
	name, ok := s.valid[key]
	return apikeys.Record{Name: name}, ok, nil
}

type stubCompleter struct {
	secret     string
	handled    []notify.Completion
	handlerErr error
}

func (s *stubCompleter) VerifySecret(token string) bool { return token == s.secret }

func (s *stubCompleter) HandleCompletion(ctx context.Context, c notify.Completion) error {
	s.handled = append(s.handled, c)
	return s.handlerErr
}

type stubRunner struct {
	created         jobrunner.CreatedJob
	err             error
	gotDescriptions []string
}

func (s *stubRunner) CreateJob(ctx context.Context, description string) (jobrunner.CreatedJob, error) {
	s.gotDescriptions = append(s.gotDescriptions, description)
	return s.created, s.err
}

func (s *stubRunner) JobStatus(ctx context.Context, jobID string) ([]jobrunner.Status, error) {
	return []jobrunner.Status{{State: "running"}}, s.err
}

type stubOrigins struct {
	saved []jobs.Origin
}

func (s *stubOrigins) Save(ctx context.Context, jobID, threadID string, platform channel.Platform) error {
	s.saved = append(s.saved, jobs.Origin{JobID: jobID, ThreadID: threadID, Platform: platform})
	return nil
}

type stubOutcomes struct {
	outcome jobs.Outcome
	err     error
}

func (s *stubOutcomes) LastMerged(ctx context.Context, threadID string) (jobs.Outcome, error) {
	return s.outcome, s.err
}

type fixture struct {
	server    *Server
	registry  *channel.Registry
	processor *stubProcessor
	completer *stubCompleter
	runner    *stubRunner
	origins   *stubOrigins
	outcomes  *stubOutcomes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry:  channel.NewRegistry(),
		processor: &stubProcessor{processed: make(chan *channel.Message, 4)},
		completer: &stubCompleter{secret: "hook-secret"},
		runner:    &stubRunner{created: jobrunner.CreatedJob{JobID: "job-1", Branch: "job/job-1"}},
		origins:   &stubOrigins{},
		outcomes:  &stubOutcomes{err: jobs.ErrNoMergedOutcome},
	}
	keys := &stubKeys{valid: map[string]string{"good-key": "ci"}}
	f.server = New(slog.New(slog.NewTextHandler(io.Discard, nil)), f.registry, f.processor,
		nil, keys, f.completer, f.runner, f.origins, f.outcomes, nil)
	return f
}

func do(f *fixture, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	rec := do(f, httptest.NewRequest("GET", "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookUnknownPlatform(t *testing.T) {
	f := newFixture(t)
	rec := do(f, httptest.NewRequest("POST", "/slack/events", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookAnswersChallenge(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(&stubAdapter{
		platform: channel.PlatformSlack,
		receipt: channel.Receipt{Control: &channel.ControlSignal{
			Kind:      channel.ControlURLVerification,
			Challenge: "xyz",
		}},
	})

	rec := do(f, httptest.NewRequest("POST", "/slack/events", strings.NewReader("{}")))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "xyz", body["challenge"])
}

func TestWebhookIgnoredMessage(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(&stubAdapter{platform: channel.PlatformSlack})

	rec := do(f, httptest.NewRequest("POST", "/slack/events", strings.NewReader("{}")))
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-f.processor.processed:
		t.Fatal("ignored receipt must not reach the pipeline")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookDispatchesMessageInBackground(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(&stubAdapter{
		platform: channel.PlatformTelegram,
		receipt: channel.Receipt{Message: &channel.Message{
			ThreadID: "42",
			Text:     "hello",
		}},
	})

	rec := do(f, httptest.NewRequest("POST", "/telegram/webhook", strings.NewReader("{}")))
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case msg := <-f.processor.processed:
		assert.Equal(t, "42", msg.ThreadID)
	case <-time.After(5 * time.Second):
		t.Fatal("message never reached the pipeline")
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(&stubAdapter{
		platform: channel.PlatformSlack,
		err:      errors.New("decode event envelope: unexpected end of JSON input"),
	})

	rec := do(f, httptest.NewRequest("POST", "/slack/events", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(&stubAdapter{platform: channel.PlatformSlack})
	f.server.limiter = ratelimit.New(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute, 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/slack/events", strings.NewReader("{}"))
		req.RemoteAddr = "10.0.0.7:1234"
		codes = append(codes, do(f, req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t)

	rec := do(f, httptest.NewRequest("POST", "/create-job", strings.NewReader(`{"description":"x"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("POST", "/create-job", strings.NewReader(`{"description":"x"}`))
	req.Header.Set("X-API-Key", "bad-key")
	assert.Equal(t, http.StatusUnauthorized, do(f, req).Code)
}

func apiRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-API-Key", "good-key")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateJobRecordsOrigin(t *testing.T) {
	f := newFixture(t)

	rec := do(f, apiRequest("POST", "/create-job", `{"description":"fix the bug","thread_id":"C1:1.1"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "job/job-1", resp.Branch)

	require.Len(t, f.origins.saved, 1)
	assert.Equal(t, "C1:1.1", f.origins.saved[0].ThreadID)
	assert.Equal(t, channel.PlatformSlack, f.origins.saved[0].Platform)
}

func TestCreateJobEnrichesFromPriorOutcome(t *testing.T) {
	f := newFixture(t)
	f.outcomes.err = nil
	f.outcomes.outcome = jobs.Outcome{
		PRURL:        "https://github.test/pr/3",
		Status:       "success",
		MergeResult:  jobs.MergeResultMerged,
		ChangedFiles: []string{"api/router.go"},
	}

	rec := do(f, apiRequest("POST", "/create-job", `{"description":"follow-up work","thread_id":"C1:1.1"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.runner.gotDescriptions, 1)
	enriched := f.runner.gotDescriptions[0]
	assert.Contains(t, enriched, "https://github.test/pr/3")
	assert.True(t, strings.HasSuffix(enriched, "follow-up work"))
}

func TestCreateJobWithoutThreadSkipsOrigin(t *testing.T) {
	f := newFixture(t)

	rec := do(f, apiRequest("POST", "/create-job", `{"description":"standalone"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.origins.saved)
}

func TestCreateJobRequiresDescription(t *testing.T) {
	f := newFixture(t)
	rec := do(f, apiRequest("POST", "/create-job", `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobStatus(t *testing.T) {
	f := newFixture(t)

	rec := do(f, apiRequest("GET", "/jobs/status?job_id=job-1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "running")

	rec = do(f, apiRequest("GET", "/jobs/status", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func triggerTarget(t *testing.T) (*httptest.Server, chan trigger.Event) {
	t.Helper()
	received := make(chan trigger.Event, 2)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev trigger.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
	}))
	t.Cleanup(target.Close)
	return target, received
}

func TestTriggersFireForAPIRoutes(t *testing.T) {
	f := newFixture(t)
	target, received := triggerTarget(t)
	f.server.triggers = trigger.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), []trigger.Trigger{
		{Name: "audit", Routes: []string{"/create-job"}, URL: target.URL},
	})

	rec := do(f, apiRequest("POST", "/create-job", `{"description":"fix the bug"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case ev := <-received:
		assert.Equal(t, "/create-job", ev.Path)
		assert.Contains(t, ev.Body, "fix the bug")
	case <-time.After(5 * time.Second):
		t.Fatal("trigger never fired")
	}
}

func TestTriggersSkipUnauthenticatedAPICalls(t *testing.T) {
	f := newFixture(t)
	target, received := triggerTarget(t)
	f.server.triggers = trigger.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), []trigger.Trigger{
		{Name: "audit", Routes: []string{"*"}, URL: target.URL},
	})

	rec := do(f, httptest.NewRequest("POST", "/create-job", strings.NewReader(`{"description":"x"}`)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	select {
	case <-received:
		t.Fatal("rejected request must not fire triggers")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCompletionWebhook(t *testing.T) {
	f := newFixture(t)

	body := `{"job_id":"job-1","status":"success"}`

	req := httptest.NewRequest("POST", "/github/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusUnauthorized, do(f, req).Code)

	req = httptest.NewRequest("POST", "/github/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", "hook-secret")
	assert.Equal(t, http.StatusOK, do(f, req).Code)
	require.Len(t, f.completer.handled, 1)
	assert.Equal(t, "job-1", f.completer.handled[0].JobID)
}

func TestCompletionWebhookHandlerFailure(t *testing.T) {
	f := newFixture(t)
	f.completer.handlerErr = errors.New("origin store down")

	req := httptest.NewRequest("POST", "/github/webhook", strings.NewReader(`{"status":"success"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", "hook-secret")
	assert.Equal(t, http.StatusInternalServerError, do(f, req).Code)
}
