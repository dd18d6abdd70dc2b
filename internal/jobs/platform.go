package jobs

import (
	"strings"
	"unicode"

	"github.com/relaydhq/relayd/internal/channel"
)

// DerivePlatform infers the originating platform from the shape of a thread
// key. A composite "channel:timestamp" form is a Slack thread key, an
// all-numeric form is a Telegram chat ID, and anything else defaults to web.
func DerivePlatform(threadID string) channel.Platform {
	threadID = strings.TrimSpace(threadID)
	if isSlackThreadKey(threadID) {
		return channel.PlatformSlack
	}
	if threadID != "" && isNumeric(threadID) {
		return channel.PlatformTelegram
	}
	return channel.PlatformWeb
}

// SplitSlackThreadKey decomposes a "channel:thread_ts" key into its parts.
func SplitSlackThreadKey(threadID string) (channelID string, threadTS string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(threadID), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func isSlackThreadKey(threadID string) bool {
	ch, ts, ok := SplitSlackThreadKey(threadID)
	if !ok {
		return false
	}
	// Thread anchors look like "1700000000.000100".
	for _, r := range ts {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return ch != "" && ts != ""
}

func isNumeric(s string) bool {
	// Telegram group chat IDs can be negative.
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
