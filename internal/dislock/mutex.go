package dislock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"yuxicoord/internal/coord"
	"yuxicoord/internal/types"
)

const (
	keyPrefix = "yuxi:lock:"

	DefaultTTL          = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// releaseScript deletes the lock key only while it still carries our
// token, so a lock that expired and was reacquired elsewhere is left
// alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Mutex is a named, TTL-bounded lock on the coordination backend. A
// Mutex is owned by the call site that created it and moves at most once
// from unacquired to acquired; Release is idempotent.
//
// When the backend is unreachable, Acquire succeeds immediately without
// providing exclusion and logs the degradation. The same applies when an
// individual acquire call errors: availability is favored over strict
// exclusion. FailClosed flips that policy for callers that cannot
// tolerate an unprotected critical section.
type Mutex struct {
	backend *coord.Backend
	name    string
	token   string

	ttl         time.Duration
	blocking    bool
	waitTimeout time.Duration
	failClosed  bool
	poll        time.Duration

	acquired bool
	noop     bool
}

type Option func(*Mutex)

// WithTTL bounds how long the backend holds the lock if the owner never
// releases it.
func WithTTL(d time.Duration) Option {
	return func(m *Mutex) { m.ttl = d }
}

// WithWaitTimeout caps how long a blocking Acquire polls for the holder
// to release or time out. Defaults to the lock TTL.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Mutex) { m.waitTimeout = d }
}

// NonBlocking makes Acquire return false immediately when the lock is
// held elsewhere.
func NonBlocking() Option {
	return func(m *Mutex) { m.blocking = false }
}

// FailClosed makes Acquire return false instead of degrading to no-op
// mode when the backend is unreachable or errors.
func FailClosed() Option {
	return func(m *Mutex) { m.failClosed = true }
}

// New builds a lock handle for name. The name is prefixed so lock keys
// cannot collide with unrelated keys on the backend.
func New(backend *coord.Backend, name string, opts ...Option) *Mutex {
	m := &Mutex{
		backend:  backend,
		name:     keyPrefix + name,
		token:    uuid.NewString(),
		ttl:      DefaultTTL,
		blocking: true,
		poll:     defaultPollInterval,
	}
	for _, o := range opts {
		o(m)
	}
	if m.waitTimeout <= 0 {
		m.waitTimeout = m.ttl
	}
	return m
}

// Acquire takes the lock. In blocking mode it polls until the lock frees
// up or the wait timeout passes; in non-blocking mode it returns false
// right away when the lock is held.
func (m *Mutex) Acquire(ctx context.Context) bool {
	if m.acquired {
		return true
	}

	cli, err := m.backend.Client(ctx)
	if err != nil {
		return m.degrade(err)
	}

	deadline := time.Now().Add(m.waitTimeout)
	for {
		ok, err := cli.SetNX(ctx, m.name, m.token, m.ttl).Result()
		if err != nil {
			return m.degrade(err)
		}
		if ok {
			m.acquired = true
			log.WithField("lock", m.name).Debug("acquired distributed lock")
			return true
		}
		if !m.blocking || !time.Now().Before(deadline) {
			log.WithField("lock", m.name).Warn("failed to acquire distributed lock")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.poll):
		}
	}
}

// Release frees the lock. Calling it before a successful Acquire, or a
// second time, has no effect and never fails.
func (m *Mutex) Release(ctx context.Context) {
	if !m.acquired {
		return
	}
	m.acquired = false

	if m.noop {
		m.noop = false
		log.WithField("lock", m.name).Debug("released no-op lock")
		return
	}

	cli, err := m.backend.Client(ctx)
	if err != nil {
		log.WithField("lock", m.name).Debug("backend unavailable on release, lock key expires via TTL")
		return
	}
	if err := releaseScript.Run(ctx, cli, []string{m.name}, m.token).Err(); err != nil {
		log.WithError(err).WithField("lock", m.name).Error("failed to release distributed lock")
		return
	}
	log.WithField("lock", m.name).Debug("released distributed lock")
}

// With runs fn under the lock and guarantees release on every exit path,
// including panics. It returns types.ErrLockNotHeld when the lock could
// not be acquired.
func (m *Mutex) With(ctx context.Context, fn func() error) error {
	if !m.Acquire(ctx) {
		return types.ErrLockNotHeld
	}
	defer m.Release(ctx)
	return fn()
}

func (m *Mutex) degrade(cause error) bool {
	if m.failClosed {
		log.WithError(cause).WithField("lock", m.name).
			Warn("backend unavailable and lock is fail-closed, refusing critical section")
		return false
	}
	log.WithError(cause).WithField("lock", m.name).
		Warn("backend unavailable, critical section runs without mutual exclusion")
	m.noop = true
	m.acquired = true
	return true
}
