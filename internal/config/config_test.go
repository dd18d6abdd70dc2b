package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DefaultRateLimitWindow, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, DefaultRateLimitMax, cfg.RateLimit.MaxRequests)
	assert.Equal(t, DefaultSlackMsgLimit, cfg.Slack.MessageLimit)
	assert.Equal(t, DefaultTelegramMsgLimit, cfg.Telegram.MessageLimit)
	assert.False(t, cfg.Slack.Enabled())
	assert.False(t, cfg.Telegram.Enabled())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"

[rate_limit]
window_seconds = 30
max_requests = 10

[slack]
bot_token = "xoxb-1"
signing_secret = "sig"
allowed_channels = ["C1", "C2"]

[telegram]
bot_token = "12:ab"
allowed_chats = [42, -100123]

[[triggers]]
name = "audit"
routes = ["/slack/events"]
url = "https://audit.example.com/hook"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window())
	assert.True(t, cfg.Slack.Enabled())
	assert.Equal(t, []string{"C1", "C2"}, cfg.Slack.AllowedChannels)
	assert.True(t, cfg.Telegram.Enabled())
	assert.Equal(t, []int64{42, -100123}, cfg.Telegram.AllowedChatIDs)
	require.Len(t, cfg.Triggers, 1)
	assert.Equal(t, "audit", cfg.Triggers[0].Name)

	// Defaults survive for untouched sections.
	assert.Equal(t, DefaultPGDatabase, cfg.Postgres.Database)
	assert.Equal(t, DefaultSlackMsgLimit, cfg.Slack.MessageLimit)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "loud"
`)
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, `
[[triggers]]
name = "broken"
routes = ["/slack/events"]
url = "not a url"
`)
	_, err = Load(path)
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	c := PostgresConfig{Host: "db.internal", Port: 5433, User: "relayd", Password: "pw", Database: "relayd", SSLMode: "require"}
	assert.Equal(t, "postgres://relayd:pw@db.internal:5433/relayd?sslmode=require", c.DSN())
}
