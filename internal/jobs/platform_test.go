package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydhq/relayd/internal/channel"
)

func TestDerivePlatform(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		threadID string
		want     channel.Platform
	}{
		{"slack composite key", "C0123ABCD:1700000000.000100", channel.PlatformSlack},
		{"slack key without subthread", "C0123ABCD:1700000000.000000", channel.PlatformSlack},
		{"telegram private chat", "123456789", channel.PlatformTelegram},
		{"telegram group chat", "-1001234567890", channel.PlatformTelegram},
		{"web uuid thread", "6f1d2c9e-4b7a-4f06-9a2d-1f0b8f1f9a11", channel.PlatformWeb},
		{"empty", "", channel.PlatformWeb},
		{"colon but no timestamp", "general:hello", channel.PlatformWeb},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DerivePlatform(tt.threadID))
		})
	}
}

func TestSplitSlackThreadKey(t *testing.T) {
	t.Parallel()

	ch, ts, ok := SplitSlackThreadKey("C123:1700000000.000100")
	require.True(t, ok)
	assert.Equal(t, "C123", ch)
	assert.Equal(t, "1700000000.000100", ts)

	_, _, ok = SplitSlackThreadKey("123456789")
	assert.False(t, ok)

	_, _, ok = SplitSlackThreadKey(":ts")
	assert.False(t, ok)
}

func TestEnrichDescription(t *testing.T) {
	t.Parallel()

	prior := Outcome{
		JobID:        "abc123",
		ThreadID:     "C123:1.2",
		Status:       "success",
		MergeResult:  MergeResultMerged,
		PRURL:        "https://example.com/pr/42",
		ChangedFiles: []string{"a.go", "b.go"},
		LogSummary:   "Added retries to the fetcher.",
	}
	enriched := EnrichDescription("Now add metrics.", prior)

	assert.Contains(t, enriched, "https://example.com/pr/42")
	assert.Contains(t, enriched, "a.go, b.go")
	assert.Contains(t, enriched, "Added retries to the fetcher.")
	// The new request always comes last.
	assert.True(t, len(enriched) > len("Now add metrics."))
	assert.Equal(t, "Now add metrics.", enriched[len(enriched)-len("Now add metrics."):])
}
