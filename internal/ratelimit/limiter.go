// Package ratelimit implements a process-local fixed-window limiter with a
// bounded key table. It does not coordinate across instances.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultRequests      = 10
	DefaultWindow        = 10 * time.Second
	DefaultMaxKeys       = 1000
	DefaultSweepInterval = 30 * time.Second
)

var ErrRateLimited = errors.New("ratelimit: too many requests")

// LimitError reports a rejected request and how long until a slot frees up.
type LimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ratelimit: too many requests for %q, retry after %s", e.Key, e.RetryAfter)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type Config struct {
	Requests      int
	Window        time.Duration
	MaxKeys       int
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Requests <= 0 {
		c.Requests = DefaultRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = DefaultMaxKeys
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Limiter tracks recent request timestamps per key.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	windows   map[string][]time.Time
	lastSweep time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// Key builds a composite identifier, e.g. Key("init", tenantID, clientIP).
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}

// Allow records a request for key, or returns a *LimitError when the key has
// already used its quota in the current window.
func (l *Limiter) Allow(key string) error {
	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.cfg.SweepInterval {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	recent, tracked := l.windows[key]
	recent = prune(recent, cutoff)

	if len(recent) >= l.cfg.Requests {
		l.windows[key] = recent
		return &LimitError{Key: key, RetryAfter: recent[0].Add(l.cfg.Window).Sub(now)}
	}

	if !tracked && len(l.windows) >= l.cfg.MaxKeys {
		l.evictOldest()
	}
	l.windows[key] = append(recent, now)
	return nil
}

// Len reports how many keys are currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Reset drops all tracked state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string][]time.Time)
	l.lastSweep = l.now()
}

func (l *Limiter) sweep(cutoff time.Time) {
	for key, times := range l.windows {
		kept := prune(times, cutoff)
		if len(kept) == 0 {
			delete(l.windows, key)
			continue
		}
		l.windows[key] = kept
	}
}

// evictOldest drops the key whose earliest recorded request is oldest.
func (l *Limiter) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
		found      bool
	)
	for key, times := range l.windows {
		if len(times) == 0 {
			delete(l.windows, key)
			return
		}
		if !found || times[0].Before(oldestTime) {
			oldestKey, oldestTime, found = key, times[0], true
		}
	}
	if found {
		delete(l.windows, oldestKey)
	}
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}
