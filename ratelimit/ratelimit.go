// Package ratelimit provides an in-memory sliding-window rate limiter
// keyed by client address.
//
// Each key owns an independent lock so distinct clients never contend.
// Stale windows are swept opportunistically so one-time clients do not
// grow the map without bound.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// cleanupInterval is how often the opportunistic sweep of empty windows runs.
const cleanupInterval = 5 * time.Minute

// Result is the outcome of a limiter check.
type Result struct {
	Allowed       bool `json:"allowed"`
	Count         int  `json:"requests_in_window"`
	Limit         int  `json:"limit"`
	Remaining     int  `json:"remaining"`
	WindowSeconds int  `json:"window_seconds"`
}

// Headers returns the standard rate-limit response headers for a result.
func (r Result) Headers() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.Itoa(r.WindowSeconds),
	}
}

type window struct {
	mu    sync.Mutex
	times []time.Time
}

// Limiter counts requests per key within a trailing time window.
type Limiter struct {
	limit  int
	window time.Duration
	log    zerolog.Logger

	mu      sync.Mutex // guards windows map and lastCleanup
	windows map[string]*window

	lastCleanup time.Time

	now func() time.Time // injectable for tests
}

// New constructs a limiter allowing limit requests per window per key.
func New(limit int, windowSize time.Duration, log zerolog.Logger) *Limiter {
	return &Limiter{
		limit:       limit,
		window:      windowSize,
		log:         log,
		windows:     make(map[string]*window),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Limit returns the configured per-key limit.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window size.
func (l *Limiter) Window() time.Duration { return l.window }

func (l *Limiter) windowFor(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

func (l *Limiter) result(allowed bool, count int) Result {
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:       allowed,
		Count:         count,
		Limit:         l.limit,
		Remaining:     remaining,
		WindowSeconds: int(l.window / time.Second),
	}
}

// Check prunes expired timestamps for key, then either records the request
// (allowed) or rejects it without consuming a slot. Empty and "unknown"
// keys are always allowed and never tracked; unidentifiable clients are the
// concern of other layers.
func (l *Limiter) Check(key string) Result {
	if key == "" || key == "unknown" {
		return l.result(true, 0)
	}

	now := l.now()
	l.maybeCleanup(now)

	w := l.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-l.window)
	w.times = prune(w.times, cutoff)

	if len(w.times) >= l.limit {
		l.log.Warn().
			Str("key", key).
			Int("count", len(w.times)).
			Int("limit", l.limit).
			Dur("window", l.window).
			Msg("rate limit exceeded")
		return l.result(false, len(w.times))
	}

	w.times = append(w.times, now)
	return l.result(true, len(w.times))
}

// Stats reports the current usage for key without recording a request.
func (l *Limiter) Stats(key string) Result {
	l.mu.Lock()
	w, ok := l.windows[key]
	l.mu.Unlock()
	if !ok {
		return l.result(true, 0)
	}

	cutoff := l.now().Add(-l.window)
	w.mu.Lock()
	defer w.mu.Unlock()

	count := 0
	for _, ts := range w.times {
		if ts.After(cutoff) {
			count++
		}
	}
	return l.result(count < l.limit, count)
}

// Reset clears the window for a single key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	w, ok := l.windows[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.times = nil
	w.mu.Unlock()
}

// ResetAll drops all tracked windows.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	l.windows = make(map[string]*window)
	l.mu.Unlock()
	l.log.Info().Msg("reset all rate limit windows")
}

// maybeCleanup removes keys whose windows have emptied. It is triggered
// from Check rather than a dedicated timer, at most once per interval.
func (l *Limiter) maybeCleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	l.lastCleanup = now

	cutoff := now.Add(-l.window)
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.times = prune(w.times, cutoff)
		empty := len(w.times) == 0
		w.mu.Unlock()
		if empty {
			delete(l.windows, key)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug().Int("removed", removed).Msg("swept stale rate limit windows")
	}
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	// Timestamps are appended in order, so find the first still inside
	// the window and drop everything before it.
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	return append(times[:0], times[idx:]...)
}
