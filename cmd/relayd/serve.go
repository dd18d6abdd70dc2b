package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaydhq/relayd/internal/apikeys"
	"github.com/relaydhq/relayd/internal/assistant"
	"github.com/relaydhq/relayd/internal/channel"
	slackadapter "github.com/relaydhq/relayd/internal/channel/adapters/slack"
	telegramadapter "github.com/relaydhq/relayd/internal/channel/adapters/telegram"
	"github.com/relaydhq/relayd/internal/config"
	"github.com/relaydhq/relayd/internal/db"
	"github.com/relaydhq/relayd/internal/gateway"
	"github.com/relaydhq/relayd/internal/jobrunner"
	"github.com/relaydhq/relayd/internal/jobs"
	"github.com/relaydhq/relayd/internal/logger"
	"github.com/relaydhq/relayd/internal/notifications"
	"github.com/relaydhq/relayd/internal/notify"
	"github.com/relaydhq/relayd/internal/pipeline"
	"github.com/relaydhq/relayd/internal/ratelimit"
	"github.com/relaydhq/relayd/internal/transcribe"
	"github.com/relaydhq/relayd/internal/trigger"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			provideOriginStore,
			provideOutcomeStore,
			provideAPIKeys,
			provideNotifications,
			provideAssistant,
			provideRunner,
			provideTranscriber,
			provideRegistry,
			providePipeline,
			provideLimiter,
			provideTriggers,
			provideNotifier,
			provideServer,
		),
		fx.Invoke(
			startLimiterSweep,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	return logger.New(cfg.Log.Level, cfg.Log.Format)
}

func provideDBPool(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*pgxpool.Pool, error) {
	dsn := cfg.Postgres.DSN()
	if err := db.Migrate(log, dsn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, log, dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideOriginStore(log *slog.Logger, pool *pgxpool.Pool) *jobs.OriginStore {
	return jobs.NewOriginStore(log, pool)
}

func provideOutcomeStore(log *slog.Logger, pool *pgxpool.Pool) *jobs.OutcomeStore {
	return jobs.NewOutcomeStore(log, pool)
}

func provideAPIKeys(log *slog.Logger, pool *pgxpool.Pool) *apikeys.Service {
	return apikeys.NewService(log, pool)
}

func provideNotifications(log *slog.Logger, pool *pgxpool.Pool) *notifications.Store {
	return notifications.NewStore(log, pool)
}

func provideAssistant(log *slog.Logger, cfg config.Config) assistant.Assistant {
	c := cfg.Assistant
	return assistant.NewClient(log, c.BaseURL, c.APIKey, time.Duration(c.TimeoutSeconds)*time.Second)
}

func provideRunner(log *slog.Logger, cfg config.Config) jobrunner.Runner {
	c := cfg.JobRunner
	return jobrunner.NewClient(log, c.BaseURL, c.APIKey, time.Duration(c.TimeoutSeconds)*time.Second)
}

// provideTranscriber returns nil when no transcription service is
// configured; adapters treat a nil transcriber as "skip audio".
func provideTranscriber(log *slog.Logger, cfg config.Config) channel.Transcriber {
	c := cfg.Transcribe
	if c.BaseURL == "" {
		return nil
	}
	return transcribe.NewClient(log, c.BaseURL, c.APIKey, time.Duration(c.TimeoutSeconds)*time.Second)
}

func provideRegistry(log *slog.Logger, cfg config.Config, transcriber channel.Transcriber) (*channel.Registry, error) {
	registry := channel.NewRegistry()

	if c := cfg.Slack; c.Enabled() {
		adapter := slackadapter.New(log, slackadapter.Config{
			BotToken:          c.BotToken,
			SigningSecret:     c.SigningSecret,
			BotUserID:         c.BotUserID,
			AllowedUserIDs:    c.AllowedUserIDs,
			AllowedChannelIDs: c.AllowedChannels,
			RequireMention:    c.RequireMention,
			MessageLimit:      c.MessageLimit,
		}, transcriber)
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if c := cfg.Telegram; c.Enabled() {
		adapter, err := telegramadapter.New(log, telegramadapter.Config{
			BotToken:       c.BotToken,
			WebhookSecret:  c.WebhookSecret,
			AllowedChatIDs: c.AllowedChatIDs,
			RequireMention: c.RequireMention,
			MessageLimit:   c.MessageLimit,
		}, transcriber)
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if len(registry.List()) == 0 {
		log.Warn("no channel adapters configured, webhook routes will return 404")
	}
	return registry, nil
}

func providePipeline(log *slog.Logger, a assistant.Assistant) gateway.MessageProcessor {
	return pipeline.New(log, a)
}

func provideLimiter(log *slog.Logger, cfg config.Config) *ratelimit.Limiter {
	return ratelimit.New(log, cfg.RateLimit.Window(), cfg.RateLimit.MaxRequests)
}

func provideTriggers(log *slog.Logger, cfg config.Config) *trigger.Manager {
	triggers := make([]trigger.Trigger, 0, len(cfg.Triggers))
	for _, t := range cfg.Triggers {
		triggers = append(triggers, trigger.Trigger{Name: t.Name, Routes: t.Routes, URL: t.URL})
	}
	return trigger.NewManager(log, triggers)
}

func provideNotifier(log *slog.Logger, cfg config.Config, a assistant.Assistant, origins *jobs.OriginStore, outcomes *jobs.OutcomeStore, store *notifications.Store, registry *channel.Registry) *notify.Notifier {
	return notify.New(log, cfg.GitHub.WebhookSecret, a, origins, outcomes, store, registry)
}

func provideServer(log *slog.Logger, registry *channel.Registry, proc gateway.MessageProcessor, limiter *ratelimit.Limiter, keys *apikeys.Service, notifier *notify.Notifier, runner jobrunner.Runner, origins *jobs.OriginStore, outcomes *jobs.OutcomeStore, triggers *trigger.Manager) *gateway.Server {
	return gateway.New(log, registry, proc, limiter, keys, notifier, runner, origins, outcomes, triggers)
}

// startLimiterSweep prunes idle rate limiter entries on the configured
// cron schedule.
func startLimiterSweep(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, limiter *ratelimit.Limiter) error {
	c := cron.New()
	if _, err := c.AddFunc(cfg.RateLimit.SweepSchedule, limiter.Sweep); err != nil {
		return fmt.Errorf("rate limit sweep schedule: %w", err)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			<-c.Stop().Done()
			return nil
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, server *gateway.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Start(cfg.Server.Addr); err != nil {
					log.Error("http server failed", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
