// Package ratelimit implements per-key sliding-window admission control.
// It has no knowledge of HTTP semantics and is reusable for any key space.
package ratelimit

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWindow is the trailing admission window.
	DefaultWindow = time.Minute
	// DefaultCapacity is the number of admits per key per window.
	DefaultCapacity = 30

	shardCount = 16
)

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// Limiter admits at most capacity events per key within a trailing window.
// Each key owns an ascending sequence of admit timestamps; expired entries
// are trimmed from the front on access and by the periodic sweep.
type Limiter struct {
	window   time.Duration
	capacity int
	now      func() time.Time
	logger   *slog.Logger
	shards   [shardCount]*shard
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter. Non-positive window or capacity fall back to the
// defaults.
func New(log *slog.Logger, window time.Duration, capacity int, opts ...Option) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Limiter{
		window:   window,
		capacity: capacity,
		now:      time.Now,
		logger:   log.With(slog.String("component", "ratelimit")),
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: map[string][]time.Time{}}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit records one admission attempt for (clientID, route) and reports
// whether it is allowed. Rejected attempts are not recorded.
func (l *Limiter) Admit(clientID, route string) bool {
	key := clientID + ":" + route
	now := l.now()
	cutoff := now.Add(-l.window)

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	timestamps := trimExpired(s.windows[key], cutoff)
	if len(timestamps) >= l.capacity {
		s.windows[key] = timestamps
		l.logger.Warn("admission rejected",
			slog.String("client_id", clientID),
			slog.String("route", route),
		)
		return false
	}
	s.windows[key] = append(timestamps, now)
	return true
}

// Sweep trims every key and removes keys left with an empty sequence,
// bounding memory for inactive clients. It is safe to run concurrently
// with Admit.
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-l.window)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, timestamps := range s.windows {
			trimmed := trimExpired(timestamps, cutoff)
			if len(trimmed) == 0 {
				delete(s.windows, key)
				removed++
				continue
			}
			s.windows[key] = trimmed
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		l.logger.Debug("sweep removed idle keys", slog.Int("count", removed))
	}
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// trimExpired drops the expired prefix. Timestamps are appended in wall-clock
// order, so this is a prefix trim, not a scan.
func trimExpired(timestamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && !timestamps[i].After(cutoff) {
		i++
	}
	return timestamps[i:]
}
