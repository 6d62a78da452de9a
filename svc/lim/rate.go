// Package lim bounds request rates per client identity using fixed windows
// counted in Redis. The window counter is atomic across all orchestrator
// instances; a burst straddling a window boundary can reach 2x the nominal
// limit, which is accepted.
package lim

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stashbin/metrics"
	"stashbin/svc/util"
)

const (
	keyPrefix       = "rl:"
	maxLocalEntries = 10000
	cleanupInterval = 5 * time.Minute
	localEntryTTL   = 30 * time.Minute
)

// WindowBackend is the atomic counter the limiter runs on. *db.Redis
// implements it.
type WindowBackend interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter checks one logical request per Check call. When the backend errors
// it fails open: availability of the paste service is worth more than strict
// enforcement, and every such pass is logged. The in-process fallback applies
// only when no backend was configured at all.
type Limiter struct {
	backend WindowBackend
	window  time.Duration

	mu    sync.Mutex
	local map[string]*localEntry
	quit  chan struct{}
	once  sync.Once
}

type localEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func New(backend WindowBackend, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		backend: backend,
		window:  window,
		local:   make(map[string]*localEntry),
		quit:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.quit) })
}

// Check counts this request against clientKey's current window and decides
// whether it may proceed.
func (l *Limiter) Check(ctx context.Context, endpoint, clientKey string, limit int) *Result {
	now := time.Now()
	if l.backend == nil {
		return l.checkLocal(endpoint+":"+clientKey, limit, now)
	}
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	count, left, err := l.backend.IncrWindow(ctx, keyPrefix+endpoint+":"+clientKey, l.window)
	if err != nil {
		// Fail open. Never silent: operators need to see enforcement gaps.
		util.Warn().Err(err).Str("endpoint", endpoint).Msg("rate limit backend unavailable, failing open")
		return &Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			Reset:     now.Add(l.window),
		}
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	res := &Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		Reset:     now.Add(left),
	}
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

// checkLocal approximates the window with a per-key token bucket. Only for
// single-process deployments with no Redis configured.
func (l *Limiter) checkLocal(key string, limit int, now time.Time) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.local) >= maxLocalEntries {
		util.Warn().Int("entries", len(l.local)).Msg("local rate limiter at capacity, rejecting")
		return &Result{Allowed: false, Limit: limit, Remaining: 0, Reset: now.Add(l.window)}
	}
	entry, ok := l.local[key]
	if !ok {
		perSec := float64(limit) / l.window.Seconds()
		entry = &localEntry{limiter: rate.NewLimiter(rate.Limit(perSec), limit)}
		l.local[key] = entry
	}
	entry.lastAccess = now
	if !entry.limiter.Allow() {
		metrics.RateLimitHits.WithLabelValues("local").Inc()
		return &Result{Allowed: false, Limit: limit, Remaining: 0, Reset: now.Add(l.window)}
	}
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: true, Limit: limit, Remaining: remaining, Reset: now.Add(l.window)}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.local {
		if now.Sub(entry.lastAccess) > localEntryTTL {
			delete(l.local, key)
			evicted++
		}
	}
	remaining := len(l.local)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}
