package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"yuxicoord/internal/coord"
	"yuxicoord/internal/ports"
)

const (
	keyPrefix = "yuxi:login_attempts:"

	DefaultMaxAttempts   = 10
	DefaultWindowSeconds = 60
)

// checkScript bumps the per-key attempt counter, arms its TTL on first
// use and reads the remaining TTL — one round trip, atomic on the
// server. A non-atomic incr+expire pair could let extra attempts through
// or leave a counter without expiry under concurrent load.
var checkScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
return {count, ttl}
`)

// Limiter is a per-key sliding-window attempt counter. It prefers the
// shared backend so the window is consistent across processes; when the
// backend is absent or a call errors, that call is served from an
// in-process window instead. The in-process window carries no
// cross-process guarantee, which is the accepted trade-off while the
// backend is down.
type Limiter struct {
	backend *coord.Backend
	max     int
	window  time.Duration

	mu        sync.Mutex
	attempts  map[string][]time.Time
	lastSweep time.Time

	now func() time.Time
}

func New(backend *coord.Backend, maxAttempts int, window time.Duration) *Limiter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindowSeconds * time.Second
	}
	return &Limiter{
		backend:  backend,
		max:      maxAttempts,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Check records an attempt for key and reports whether the caller went
// over the limit. Backend errors never surface; the call silently
// retries against the in-process window.
func (l *Limiter) Check(ctx context.Context, key string) ports.Decision {
	if cli, err := l.backend.Client(ctx); err == nil {
		d, err := l.checkBackend(ctx, cli, key)
		if err == nil {
			return d
		}
		log.WithError(err).WithField("key", key).
			Error("rate limit check against backend failed, using in-memory fallback")
	}
	return l.checkMemory(key)
}

// Clear drops all attempt state for key in both the backend and the
// in-process window, so a qualifying success resets the counter no
// matter which mode served the preceding checks.
func (l *Limiter) Clear(ctx context.Context, key string) {
	if cli, err := l.backend.Client(ctx); err == nil {
		if err := cli.Del(ctx, keyPrefix+key).Err(); err != nil {
			log.WithError(err).WithField("key", key).Error("failed to clear rate limit counter")
		}
	}
	l.mu.Lock()
	delete(l.attempts, key)
	l.mu.Unlock()
}

func (l *Limiter) checkBackend(ctx context.Context, cli *redis.Client, key string) (ports.Decision, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.backend.OpTimeout())
	defer cancel()

	res, err := checkScript.Run(opCtx, cli, []string{keyPrefix + key}, int(l.window/time.Second)).Int64Slice()
	if err != nil {
		return ports.Decision{}, err
	}
	if len(res) != 2 {
		return ports.Decision{}, fmt.Errorf("unexpected script result: %v", res)
	}
	count, ttl := res[0], res[1]
	if count > int64(l.max) {
		if ttl < 1 {
			ttl = 1
		}
		return ports.Decision{Limited: true, RetryAfter: time.Duration(ttl) * time.Second}, nil
	}
	return ports.Decision{}, nil
}

func (l *Limiter) checkMemory(key string) ports.Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	history := l.attempts[key]
	for len(history) > 0 && now.Sub(history[0]) > l.window {
		history = history[1:]
	}
	if len(history) >= l.max {
		l.attempts[key] = history
		retry := l.window - now.Sub(history[0])
		if retry < time.Second {
			retry = time.Second
		}
		return ports.Decision{Limited: true, RetryAfter: retry}
	}
	l.attempts[key] = append(history, now)
	return ports.Decision{}
}

// sweepLocked drops keys whose attempts have all aged out, so a client
// that stops retrying does not pin fallback state for the process
// lifetime. Runs at most once per window.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, history := range l.attempts {
		for len(history) > 0 && now.Sub(history[0]) > l.window {
			history = history[1:]
		}
		if len(history) == 0 {
			delete(l.attempts, key)
		} else {
			l.attempts[key] = history
		}
	}
}
