package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/suite"

	"yuxicoord/internal/coord"
)

type LimiterTestSuite struct {
	suite.Suite

	redis   *miniredis.Miniredis
	backend *coord.Backend
}

func TestLimiterTestSuite(t *testing.T) {
	suite.Run(t, new(LimiterTestSuite))
}

func (s *LimiterTestSuite) SetupTest() {
	s.redis = miniredis.RunT(s.T())
	s.backend = coord.New(coord.Config{Addr: s.redis.Addr()})
}

func (s *LimiterTestSuite) TearDownTest() {
	s.backend.Close()
}

// deadBackend points at a port nothing listens on, with a long reprobe
// so every call stays in fallback mode.
func deadBackend() *coord.Backend {
	return coord.New(coord.Config{
		Addr:      "127.0.0.1:1",
		OpTimeout: 100 * time.Millisecond,
		Reprobe:   time.Hour,
	})
}

func (s *LimiterTestSuite) TestBackendLimitsAfterMax() {
	ctx := context.Background()
	l := New(s.backend, 3, time.Minute)

	for i := 0; i < 3; i++ {
		d := l.Check(ctx, "1.2.3.4")
		s.False(d.Limited, "attempt %d should pass", i+1)
	}
	d := l.Check(ctx, "1.2.3.4")
	s.True(d.Limited)
	s.GreaterOrEqual(d.RetryAfter, time.Second)
	s.LessOrEqual(d.RetryAfter, time.Minute)

	// Another key is unaffected.
	s.False(l.Check(ctx, "5.6.7.8").Limited)
}

func (s *LimiterTestSuite) TestBackendClearResetsWindow() {
	ctx := context.Background()
	l := New(s.backend, 2, time.Minute)

	l.Check(ctx, "1.2.3.4")
	l.Check(ctx, "1.2.3.4")
	s.True(l.Check(ctx, "1.2.3.4").Limited)

	l.Clear(ctx, "1.2.3.4")
	s.False(l.Check(ctx, "1.2.3.4").Limited)
}

func (s *LimiterTestSuite) TestBackendWindowExpires() {
	ctx := context.Background()
	l := New(s.backend, 1, time.Minute)

	l.Check(ctx, "1.2.3.4")
	s.True(l.Check(ctx, "1.2.3.4").Limited)

	s.redis.FastForward(61 * time.Second)
	s.False(l.Check(ctx, "1.2.3.4").Limited)
}

func (s *LimiterTestSuite) TestBackendErrorDegradesSingleCall() {
	ctx := context.Background()
	l := New(s.backend, 1, time.Minute)

	s.False(l.Check(ctx, "1.2.3.4").Limited)

	// Backend starts failing mid-run: calls degrade to the in-process
	// window instead of surfacing errors.
	s.redis.SetError("backend on fire")
	s.False(l.Check(ctx, "1.2.3.4").Limited)
	s.True(l.Check(ctx, "1.2.3.4").Limited)
}

func (s *LimiterTestSuite) TestFallbackLimitsAfterMax() {
	ctx := context.Background()
	l := New(deadBackend(), 3, time.Minute)

	for i := 0; i < 3; i++ {
		s.False(l.Check(ctx, "1.2.3.4").Limited, "attempt %d should pass", i+1)
	}
	d := l.Check(ctx, "1.2.3.4")
	s.True(d.Limited)
	s.GreaterOrEqual(d.RetryAfter, time.Second)
	s.LessOrEqual(d.RetryAfter, time.Minute)
}

func (s *LimiterTestSuite) TestFallbackRetryAfterFloorsAtOneSecond() {
	ctx := context.Background()
	l := New(deadBackend(), 1, time.Minute)

	base := time.Now()
	l.now = func() time.Time { return base }
	l.Check(ctx, "1.2.3.4")

	// 500ms left in the window rounds up to the one second floor.
	l.now = func() time.Time { return base.Add(59*time.Second + 500*time.Millisecond) }
	d := l.Check(ctx, "1.2.3.4")
	s.True(d.Limited)
	s.Equal(time.Second, d.RetryAfter)
}

func (s *LimiterTestSuite) TestFallbackWindowSlides() {
	ctx := context.Background()
	l := New(deadBackend(), 1, time.Minute)

	base := time.Now()
	l.now = func() time.Time { return base }
	l.Check(ctx, "1.2.3.4")
	s.True(l.Check(ctx, "1.2.3.4").Limited)

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	s.False(l.Check(ctx, "1.2.3.4").Limited)
}

func (s *LimiterTestSuite) TestFallbackEvictsIdleKeys() {
	ctx := context.Background()
	l := New(deadBackend(), 3, time.Minute)

	base := time.Now()
	l.now = func() time.Time { return base }
	l.Check(ctx, "1.2.3.4")

	// The first client goes quiet; a later check from anyone else
	// sweeps its aged-out state away.
	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	l.Check(ctx, "5.6.7.8")

	l.mu.Lock()
	defer l.mu.Unlock()
	s.NotContains(l.attempts, "1.2.3.4", "idle key must be evicted once its window lapses")
	s.Contains(l.attempts, "5.6.7.8")
}

func (s *LimiterTestSuite) TestFallbackClearResetsWindow() {
	ctx := context.Background()
	l := New(deadBackend(), 1, time.Minute)

	l.Check(ctx, "1.2.3.4")
	s.True(l.Check(ctx, "1.2.3.4").Limited)

	l.Clear(ctx, "1.2.3.4")
	s.False(l.Check(ctx, "1.2.3.4").Limited)
}
