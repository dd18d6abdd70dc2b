// Package config loads the TOML configuration file with sensible defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "relayd"
	DefaultPGSSLMode        = "disable"
	DefaultRateLimitWindow  = 60
	DefaultRateLimitMax     = 30
	DefaultSweepSchedule    = "@every 5m"
	DefaultSlackMsgLimit    = 4000
	DefaultTelegramMsgLimit = 4096
)

type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Postgres   PostgresConfig   `toml:"postgres"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Slack      SlackConfig      `toml:"slack"`
	Telegram   TelegramConfig   `toml:"telegram"`
	GitHub     GitHubConfig     `toml:"github"`
	Assistant  AssistantConfig  `toml:"assistant"`
	JobRunner  JobRunnerConfig  `toml:"job_runner"`
	Transcribe TranscribeConfig `toml:"transcribe"`
	Triggers   []TriggerConfig  `toml:"triggers" validate:"dive"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

type PostgresConfig struct {
	Host     string `toml:"host" validate:"required"`
	Port     int    `toml:"port" validate:"min=1,max=65535"`
	User     string `toml:"user" validate:"required"`
	Password string `toml:"password"`
	Database string `toml:"database" validate:"required"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders a pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type RateLimitConfig struct {
	WindowSeconds int    `toml:"window_seconds" validate:"min=1"`
	MaxRequests   int    `toml:"max_requests" validate:"min=1"`
	SweepSchedule string `toml:"sweep_schedule" validate:"required"`
}

// Window returns the admission window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type SlackConfig struct {
	BotToken        string   `toml:"bot_token"`
	SigningSecret   string   `toml:"signing_secret"`
	BotUserID       string   `toml:"bot_user_id"`
	AllowedUserIDs  []string `toml:"allowed_users"`
	AllowedChannels []string `toml:"allowed_channels"`
	RequireMention  bool     `toml:"require_mention"`
	MessageLimit    int      `toml:"message_limit"`
}

// Enabled reports whether the Slack channel is configured.
func (c SlackConfig) Enabled() bool {
	return c.BotToken != "" && c.SigningSecret != ""
}

type TelegramConfig struct {
	BotToken       string  `toml:"bot_token"`
	WebhookSecret  string  `toml:"webhook_secret"`
	AllowedChatIDs []int64 `toml:"allowed_chats"`
	RequireMention bool    `toml:"require_mention"`
	MessageLimit   int     `toml:"message_limit"`
}

// Enabled reports whether the Telegram channel is configured.
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != ""
}

type GitHubConfig struct {
	WebhookSecret string `toml:"webhook_secret"`
}

type AssistantConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type JobRunnerConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type TranscribeConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// TriggerConfig declares a non-blocking side-effect fired on matching
// inbound routes, independent of the primary response.
type TriggerConfig struct {
	Name   string   `toml:"name" validate:"required"`
	Routes []string `toml:"routes" validate:"min=1"`
	URL    string   `toml:"url" validate:"required,url"`
}

// Load reads the config file at path, falling back to defaults for missing
// values. A missing file is not an error; secrets may be supplied via
// environment expansion in the file itself.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: DefaultRateLimitWindow,
			MaxRequests:   DefaultRateLimitMax,
			SweepSchedule: DefaultSweepSchedule,
		},
		Slack: SlackConfig{
			MessageLimit: DefaultSlackMsgLimit,
		},
		Telegram: TelegramConfig{
			MessageLimit: DefaultTelegramMsgLimit,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
