package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"yuxicoord/internal/types"
)

const (
	RedisHostEnvKey     = "REDIS_HOST"
	RedisPortEnvKey     = "REDIS_PORT"
	RedisPasswordEnvKey = "REDIS_PASSWORD"
	ReprobeEnvKey       = "COORD_REPROBE_SECONDS"

	// DefaultOpTimeout bounds connects and individual operations so a
	// backend outage cannot stall callers; timeouts read as unavailable,
	// not as denied.
	DefaultOpTimeout = 2 * time.Second
	DefaultReprobe   = 30 * time.Second
)

// Config holds the connection settings for the coordination backend.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Reprobe is how long a failed availability verdict is cached before
	// the backend is dialed again. Zero means DefaultReprobe.
	Reprobe   time.Duration
	OpTimeout time.Duration
}

// Backend is the process-wide handle to the coordination backend. It is
// constructed once in main and passed to every component; there is no
// package-global client. The first use dials lazily; a failed probe is
// remembered so a dead backend is not redialed on every call, and is
// re-checked once the reprobe interval has passed, so a backend that
// recovers mid-run is picked up again.
type Backend struct {
	cfg Config

	mu        sync.Mutex
	cli       *redis.Client
	down      bool
	lastProbe time.Time
}

func New(cfg Config) *Backend {
	if cfg.Reprobe <= 0 {
		cfg.Reprobe = DefaultReprobe
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	return &Backend{cfg: cfg}
}

// NewFromEnv builds the handle from REDIS_HOST, REDIS_PORT and
// REDIS_PASSWORD, with localhost:6379 as the default.
func NewFromEnv() *Backend {
	return New(Config{
		Addr: fmt.Sprintf("%s:%s",
			types.Getenv(RedisHostEnvKey, "localhost"),
			types.Getenv(RedisPortEnvKey, "6379")),
		Password: types.Getenv(RedisPasswordEnvKey, ""),
		Reprobe:  time.Duration(types.GetenvInt(ReprobeEnvKey, int(DefaultReprobe/time.Second))) * time.Second,
	})
}

// Client returns the shared client, dialing and health-checking it on
// first use. While the backend is considered down, Client returns
// types.ErrBackendUnavailable without touching the network until the
// reprobe interval has elapsed.
func (b *Backend) Client(ctx context.Context) (*redis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cli != nil && !b.down {
		return b.cli, nil
	}
	if b.down && time.Since(b.lastProbe) < b.cfg.Reprobe {
		return nil, types.ErrBackendUnavailable
	}

	if b.cli == nil {
		b.cli = redis.NewClient(&redis.Options{
			Addr:         b.cfg.Addr,
			Password:     b.cfg.Password,
			DB:           b.cfg.DB,
			DialTimeout:  b.cfg.OpTimeout,
			ReadTimeout:  b.cfg.OpTimeout,
			WriteTimeout: b.cfg.OpTimeout,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, b.cfg.OpTimeout)
	defer cancel()
	if err := b.cli.Ping(pingCtx).Err(); err != nil {
		b.down = true
		b.lastProbe = time.Now()
		log.WithError(err).WithField("addr", b.cfg.Addr).
			Warn("coordination backend unavailable, components fall back to degraded modes")
		return nil, types.Err(types.ErrBackendUnavailable, err, "")
	}

	if b.down {
		log.WithField("addr", b.cfg.Addr).Info("coordination backend reachable again")
	}
	b.down = false
	b.lastProbe = time.Now()
	return b.cli, nil
}

// OpTimeout is the ceiling components should put on individual backend
// operations.
func (b *Backend) OpTimeout() time.Duration {
	return b.cfg.OpTimeout
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cli == nil {
		return nil
	}
	err := b.cli.Close()
	b.cli = nil
	return err
}
