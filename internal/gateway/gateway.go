// Package gateway is the HTTP ingress: platform webhooks, the job API and
// the completion callback. Webhook handlers answer immediately and hand
// actionable messages to the pipeline in the background.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaydhq/relayd/internal/apikeys"
	"github.com/relaydhq/relayd/internal/channel"
	"github.com/relaydhq/relayd/internal/jobrunner"
	"github.com/relaydhq/relayd/internal/jobs"
	"github.com/relaydhq/relayd/internal/notify"
	"github.com/relaydhq/relayd/internal/ratelimit"
	"github.com/relaydhq/relayd/internal/trigger"
)

// processTimeout bounds background message processing. The webhook request
// has long been answered by the time this fires.
const processTimeout = 5 * time.Minute

const maxBodyBytes = 1 << 20

// MessageProcessor runs an accepted message through the conversation flow.
type MessageProcessor interface {
	Process(ctx context.Context, adapter channel.Adapter, msg *channel.Message)
}

// APIKeyVerifier authenticates API requests.
type APIKeyVerifier interface {
	Verify(ctx context.Context, key string) (apikeys.Record, bool, error)
}

// CompletionHandler processes job completion callbacks.
type CompletionHandler interface {
	VerifySecret(token string) bool
	HandleCompletion(ctx context.Context, c notify.Completion) error
}


// OriginSaver records which conversation a job came from.
type OriginSaver interface {
	Save(ctx context.Context, jobID, threadID string, platform channel.Platform) error
}

// MergedOutcomeSource looks up the most recent merged outcome for a thread.
type MergedOutcomeSource interface {
	LastMerged(ctx context.Context, threadID string) (jobs.Outcome, error)
}

// WebhookRegistrar is implemented by adapters that can self-register their
// webhook with the platform.
type WebhookRegistrar interface {
	RegisterWebhook(url string) error
}

// Server is the relayd HTTP server.
type Server struct {
	echo      *echo.Echo
	logger    *slog.Logger
	registry  *channel.Registry
	pipeline  MessageProcessor
	limiter   *ratelimit.Limiter
	apiKeys   APIKeyVerifier
	completer CompletionHandler
	runner    jobrunner.Runner
	origins   OriginSaver
	outcomes  MergedOutcomeSource
	triggers  *trigger.Manager
}

// New assembles the server and mounts all routes.
func New(log *slog.Logger, registry *channel.Registry, proc MessageProcessor, limiter *ratelimit.Limiter, apiKeys APIKeyVerifier, completer CompletionHandler, runner jobrunner.Runner, origins OriginSaver, outcomes MergedOutcomeSource, triggers *trigger.Manager) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		echo:      echo.New(),
		logger:    log.With(slog.String("component", "gateway")),
		registry:  registry,
		pipeline:  proc,
		limiter:   limiter,
		apiKeys:   apiKeys,
		completer: completer,
		runner:    runner,
		origins:   origins,
		outcomes:  outcomes,
		triggers:  triggers,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Webhooks authenticate themselves (signatures, secret tokens), so
	// they stay public behind the per-client rate limit. Triggers fire
	// after admission so rejected traffic never fans out.
	hooks := e.Group("", s.rateLimit, s.fireTriggers)
	hooks.POST("/slack/events", s.handleWebhook(channel.PlatformSlack))
	hooks.POST("/telegram/webhook", s.handleWebhook(channel.PlatformTelegram))
	hooks.POST("/github/webhook", s.handleCompletion)

	// API routes fire triggers as well, after the key check so
	// unauthenticated calls never fan out.
	api := e.Group("", s.requireAPIKey, s.fireTriggers)
	api.POST("/create-job", s.handleCreateJob)
	api.GET("/jobs/status", s.handleJobStatus)
	api.POST("/telegram/register", s.handleTelegramRegister)
}

// Start runs the server until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", slog.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// rateLimit admits at most the configured number of requests per client IP
// and route within the sliding window.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.limiter != nil && !s.limiter.Admit(c.RealIP(), c.Path()) {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		}
		return next(c)
	}
}

// fireTriggers dispatches configured triggers for the route and restores
// the body so the handler can still read it.
func (s *Server) fireTriggers(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.triggers == nil {
			return next(c)
		}
		req := c.Request()
		body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}
		req.Body = io.NopCloser(bytes.NewReader(body))

		query := make(map[string]string)
		for k, v := range req.URL.Query() {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
		s.triggers.Fire(c.Path(), trigger.Event{
			Method:  req.Method,
			Path:    c.Path(),
			Body:    string(body),
			Query:   query,
			Headers: req.Header,
		})
		return next(c)
	}
}

// requireAPIKey authenticates API routes against the key store.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-API-Key")
		if key == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing API key"})
		}
		record, ok, err := s.apiKeys.Verify(c.Request().Context(), key)
		if err != nil {
			s.logger.Error("api key verification failed", slog.Any("error", err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
		}
		c.Set("api_key_name", record.Name)
		return next(c)
	}
}

// handleWebhook answers the platform synchronously and defers message
// processing to a background goroutine with its own context, so slow
// assistant calls never hit the platform's delivery timeout.
func (s *Server) handleWebhook(platform channel.Platform) echo.HandlerFunc {
	return func(c echo.Context) error {
		adapter, ok := s.registry.Get(platform)
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "platform not configured"})
		}

		receipt, err := adapter.Receive(c.Request().Context(), c.Request())
		if err != nil {
			s.logger.Warn("webhook parse failed",
				slog.String("platform", string(platform)),
				slog.Any("error", err),
			)
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		}

		if receipt.Control != nil {
			switch receipt.Control.Kind {
			case channel.ControlURLVerification:
				return c.JSON(http.StatusOK, map[string]string{"challenge": receipt.Control.Challenge})
			default:
				return c.NoContent(http.StatusOK)
			}
		}
		if receipt.Ignored() {
			return c.NoContent(http.StatusOK)
		}

		msg := receipt.Message
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
			defer cancel()
			s.pipeline.Process(ctx, adapter, msg)
		}()

		return c.NoContent(http.StatusOK)
	}
}

// handleCompletion processes the CI callback for finished jobs.
func (s *Server) handleCompletion(c echo.Context) error {
	if !s.completer.VerifySecret(c.Request().Header.Get("X-Webhook-Secret")) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
	}

	var completion notify.Completion
	if err := c.Bind(&completion); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}

	if err := s.completer.HandleCompletion(c.Request().Context(), completion); err != nil {
		s.logger.Error("completion handling failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.NoContent(http.StatusOK)
}

type createJobRequest struct {
	Description string `json:"description"`
	ThreadID    string `json:"thread_id"`
	Platform    string `json:"platform"`
}

type createJobResponse struct {
	JobID  string `json:"job_id"`
	Branch string `json:"branch"`
}

// handleCreateJob starts a job on the runner. When the request carries a
// thread, the description is enriched with the thread's last merged outcome
// and the job's origin is recorded for completion routing.
func (s *Server) handleCreateJob(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}
	if req.Description == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "description is required"})
	}
	ctx := c.Request().Context()

	description := req.Description
	if req.ThreadID != "" {
		prior, err := s.outcomes.LastMerged(ctx, req.ThreadID)
		switch {
		case err == nil:
			description = jobs.EnrichDescription(description, prior)
		case errors.Is(err, jobs.ErrNoMergedOutcome):
			// First job in this thread, nothing to carry over.
		default:
			s.logger.Warn("prior outcome lookup failed", slog.Any("error", err))
		}
	}

	created, err := s.runner.CreateJob(ctx, description)
	if err != nil {
		s.logger.Error("job creation failed", slog.Any("error", err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "job runner unavailable"})
	}

	if req.ThreadID != "" {
		platform := channel.Platform(req.Platform)
		if platform == "" {
			platform = jobs.DerivePlatform(req.ThreadID)
		}
		if err := s.origins.Save(ctx, created.JobID, req.ThreadID, platform); err != nil {
			s.logger.Error("origin save failed",
				slog.String("job_id", created.JobID),
				slog.Any("error", err),
			)
		}
	}

	return c.JSON(http.StatusOK, createJobResponse{JobID: created.JobID, Branch: created.Branch})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	jobID := c.QueryParam("job_id")
	if jobID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "job_id is required"})
	}
	statuses, err := s.runner.JobStatus(c.Request().Context(), jobID)
	if err != nil {
		s.logger.Error("job status lookup failed", slog.Any("error", err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "job runner unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]any{"job_id": jobID, "statuses": statuses})
}

type registerWebhookRequest struct {
	URL string `json:"url"`
}

// handleTelegramRegister points the Telegram bot's webhook at this server.
func (s *Server) handleTelegramRegister(c echo.Context) error {
	var req registerWebhookRequest
	if err := c.Bind(&req); err != nil || req.URL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url is required"})
	}
	adapter, ok := s.registry.Get(channel.PlatformTelegram)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "telegram not configured"})
	}
	registrar, ok := adapter.(WebhookRegistrar)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "telegram adapter cannot register webhooks"})
	}
	if err := registrar.RegisterWebhook(req.URL); err != nil {
		s.logger.Error("webhook registration failed", slog.Any("error", err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "webhook registration failed"})
	}
	return c.NoContent(http.StatusOK)
}
