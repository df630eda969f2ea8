// Package ratelimit enforces the three admission mechanisms for client
// actions: per-(session, action) token buckets, per-session and global daily
// counters with a fixed-CET reset, and an optional in-process per-IP
// backstop. Bucket and counter state is persisted through a CounterStore so
// limits hold across server instances.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fdemirciler/AI-invoice-processing/internal/apperr"
	"github.com/fdemirciler/AI-invoice-processing/internal/clock"
	"github.com/fdemirciler/AI-invoice-processing/internal/config"
)

// Action names a rate-limited client operation.
type Action string

const (
	ActionCreateJobs Action = "createJobs"
	ActionUploadFile Action = "uploadFile"
	ActionRetry      Action = "retry"
)

// mutateAttempts bounds transactional retries on counter documents before the
// limiter fails open.
const mutateAttempts = 3

// CounterStore persists limiter documents. Mutate runs fn against the current
// document state inside a transaction; fn returning a nil map means "deny, do
// not write".
type CounterStore interface {
	Mutate(ctx context.Context, key string, fn func(data map[string]any) (map[string]any, error)) error
}

// Limiter checks all admission mechanisms for an action. Counters only ever
// increment; daily keys roll over at fixed-CET midnight.
type Limiter struct {
	store CounterStore
	clock clock.Clock
	cfg   config.RateLimitConfig

	mu  sync.Mutex
	ips map[string]*rate.Limiter
}

func New(store CounterStore, clk clock.Clock, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		store: store,
		clock: clk,
		cfg:   cfg,
		ips:   map[string]*rate.Limiter{},
	}
}

// AllowCreate admits an upload request of fileCount files for a session, or
// returns a rate-limit error with retry hints.
func (l *Limiter) AllowCreate(ctx context.Context, sessionID string, fileCount int, clientIP string) error {
	if !l.cfg.Enabled {
		return nil
	}
	if fileCount < 1 {
		fileCount = 1
	}

	if err := l.consumeBucket(ctx, sessionID, ActionCreateJobs, l.cfg.JobsPerMinute, 1,
		fmt.Sprintf("Rate limit: max %d job requests/min per session", l.cfg.JobsPerMinute)); err != nil {
		return err
	}
	if err := l.consumeBucket(ctx, sessionID, ActionUploadFile, l.cfg.FilesPerMinute, fileCount,
		fmt.Sprintf("Rate limit: max %d files/min per session", l.cfg.FilesPerMinute)); err != nil {
		return err
	}
	if err := l.allowIP(clientIP, fileCount); err != nil {
		return err
	}

	// Global cap is checked first so a session is not charged while the
	// service is at capacity.
	if err := l.incrementDaily(ctx, "global", l.cfg.DailyGlobal, fileCount,
		"Service is at today's capacity. Please try again tomorrow."); err != nil {
		return err
	}
	return l.incrementDaily(ctx, "sess:"+sessionID, l.cfg.DailyPerSession, fileCount,
		fmt.Sprintf("Daily limit reached (%d jobs). Try again tomorrow (CET).", l.cfg.DailyPerSession))
}

// AllowRetry admits a client-initiated retry for a session.
func (l *Limiter) AllowRetry(ctx context.Context, sessionID, clientIP string) error {
	if !l.cfg.Enabled {
		return nil
	}
	if err := l.consumeBucket(ctx, sessionID, ActionRetry, l.cfg.RetriesPerMinute, 1,
		fmt.Sprintf("Retry rate limit: max %d/min per session", l.cfg.RetriesPerMinute)); err != nil {
		return err
	}
	return l.allowIP(clientIP, 1)
}

// consumeBucket refills and drains the (session, action) token bucket. The
// per-minute cap doubles as the burst capacity, refilled continuously.
func (l *Limiter) consumeBucket(ctx context.Context, sessionID string, action Action, perMinute, cost int, detail string) error {
	capacity := float64(perMinute)
	refillPerSec := capacity / 60.0
	key := fmt.Sprintf("rl:sess:%s:%s", sessionID, action)
	now := l.clock.Now()
	nowSec := float64(now.Unix())

	var denied *apperr.Error
	err := l.store.Mutate(ctx, key, func(data map[string]any) (map[string]any, error) {
		tokens := floatField(data, "tokens", capacity)
		lastRefill := floatField(data, "lastRefill", nowSec)
		if elapsed := nowSec - lastRefill; elapsed > 0 {
			tokens = math.Min(capacity, tokens+elapsed*refillPerSec)
		}
		if tokens+1e-9 < float64(cost) {
			retryAfter := int(math.Ceil((float64(cost) - tokens) / refillPerSec))
			if retryAfter < 1 {
				retryAfter = 1
			}
			denied = apperr.RateLimited(detail, retryAfter, now.Unix()+int64(retryAfter), perMinute, int(tokens))
			return nil, nil
		}
		return map[string]any{
			"tokens":     tokens - float64(cost),
			"lastRefill": nowSec,
		}, nil
	})
	if err != nil {
		// Fail open: availability wins over rate-limit precision.
		slog.Warn("rate limit bucket unavailable; allowing", "key", key, "error", err)
		return nil
	}
	if denied != nil {
		return denied
	}
	return nil
}

// incrementDaily bumps a daily counter under the CET day key. Counters are
// never decremented; the key itself rolls over at CET midnight.
func (l *Limiter) incrementDaily(ctx context.Context, scope string, limit, cost int, detail string) error {
	now := l.clock.Now()
	dayKey := clock.DayKey(now)
	key := fmt.Sprintf("rl:daily:%s:%d", scope, dayKey)

	var denied *apperr.Error
	err := l.store.Mutate(ctx, key, func(data map[string]any) (map[string]any, error) {
		used := intField(data, "used")
		if used+cost > limit {
			reset := clock.NextCETMidnight(now)
			denied = apperr.RateLimited(detail,
				clock.SecondsUntilCETMidnight(now), reset.Unix(), limit, max(0, limit-used))
			return nil, nil
		}
		return map[string]any{
			"used":  used + cost,
			"limit": limit,
		}, nil
	})
	if err != nil {
		slog.Warn("rate limit counter unavailable; allowing", "key", key, "error", err)
		return nil
	}
	if denied != nil {
		return denied
	}
	return nil
}

// allowIP applies the optional in-process per-IP backstop.
func (l *Limiter) allowIP(clientIP string, cost int) error {
	if !l.cfg.UseIPBackstop || clientIP == "" {
		return nil
	}

	l.mu.Lock()
	lim, ok := l.ips[clientIP]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.cfg.IPPerMinute)/60.0), l.cfg.IPPerMinute)
		l.ips[clientIP] = lim
	}
	l.mu.Unlock()

	res := lim.ReserveN(l.clock.Now(), cost)
	if !res.OK() {
		return apperr.RateLimited("Too many requests from your network. Please slow down.",
			60, l.clock.Now().Unix()+60, l.cfg.IPPerMinute, 0)
	}
	if delay := res.DelayFrom(l.clock.Now()); delay > 0 {
		res.CancelAt(l.clock.Now())
		retryAfter := int(math.Ceil(delay.Seconds()))
		return apperr.RateLimited("Too many requests from your network. Please slow down.",
			retryAfter, l.clock.Now().Add(delay).Unix(), l.cfg.IPPerMinute, 0)
	}
	return nil
}

func floatField(data map[string]any, key string, fallback float64) float64 {
	v, ok := data[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return fallback
	}
}

func intField(data map[string]any, key string) int {
	return int(floatField(data, key, 0))
}
