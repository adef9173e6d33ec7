package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"yuxicoord/internal/coord"
	"yuxicoord/internal/dislock"
	"yuxicoord/internal/metastore"
	"yuxicoord/internal/notify"
	"yuxicoord/internal/ratelimit"
)

type HandlerTestSuite struct {
	suite.Suite

	redis   *miniredis.Miniredis
	backend *coord.Backend
	server  *httptest.Server
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (s *HandlerTestSuite) SetupTest() {
	s.redis = miniredis.RunT(s.T())
	s.backend = coord.New(coord.Config{Addr: s.redis.Addr()})

	limiter := ratelimit.New(s.backend, 10, 60*time.Second)
	store := metastore.NewFileStore(s.T().TempDir())
	newLock := func(name string, opts ...dislock.Option) *dislock.Mutex {
		return dislock.New(s.backend, name, opts...)
	}
	authenticate := func(username, password string) bool {
		return username == "admin" && password == "s3cret"
	}

	h := NewHandler(limiter, store, notify.New(s.backend), newLock, authenticate)
	s.server = httptest.NewServer(h.Router())
}

func (s *HandlerTestSuite) TearDownTest() {
	s.server.Close()
	s.backend.Close()
}

func (s *HandlerTestSuite) login(ip, username, password string) *http.Response {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	s.Require().NoError(err)
	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/api/auth/token", bytes.NewReader(body))
	s.Require().NoError(err)
	req.Header.Set("X-Forwarded-For", ip)
	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	return resp
}

func (s *HandlerTestSuite) TestHealth() {
	resp, err := http.Get(s.server.URL + "/health")
	s.NoError(err)
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerTestSuite) TestLoginRateLimitEndToEnd() {
	// Ten failed attempts from one client pass through the limiter.
	for i := 0; i < 10; i++ {
		resp := s.login("1.2.3.4", "admin", "wrong")
		s.Equal(http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}

	// The eleventh within the window is limited with a usable hint.
	resp := s.login("1.2.3.4", "admin", "wrong")
	s.Equal(http.StatusTooManyRequests, resp.StatusCode)
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	s.NoError(err)
	s.GreaterOrEqual(retryAfter, 1)
	s.LessOrEqual(retryAfter, 60)

	// Another client is unaffected.
	s.Equal(http.StatusUnauthorized, s.login("9.9.9.9", "admin", "wrong").StatusCode)
}

func (s *HandlerTestSuite) TestLoginSuccessClearsCounter() {
	for i := 0; i < 9; i++ {
		s.Equal(http.StatusUnauthorized, s.login("1.2.3.4", "admin", "wrong").StatusCode)
	}
	s.Equal(http.StatusOK, s.login("1.2.3.4", "admin", "s3cret").StatusCode)

	// A fresh window: more attempts are allowed again.
	s.Equal(http.StatusUnauthorized, s.login("1.2.3.4", "admin", "wrong").StatusCode)
}

func (s *HandlerTestSuite) TestConfigSaveLoadAndNotify() {
	ctx := context.Background()

	sub := redis.NewClient(&redis.Options{Addr: s.redis.Addr()})
	defer sub.Close()
	pubsub := sub.Subscribe(ctx, notify.Channel)
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	s.Require().NoError(err)

	body := []byte(`{"a": 1}`)
	req, err := http.NewRequest(http.MethodPut,
		s.server.URL+"/api/config/knowledge_databases?type=model", bytes.NewReader(body))
	s.Require().NoError(err)
	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.server.URL + "/api/config/knowledge_databases")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
	var got map[string]any
	s.NoError(json.NewDecoder(resp.Body).Decode(&got))
	s.Equal(map[string]any{"a": float64(1)}, got)

	select {
	case msg := <-pubsub.Channel():
		s.Contains(msg.Payload, `"config_changed"`)
		s.Contains(msg.Payload, `"model"`)
	case <-time.After(2 * time.Second):
		s.Fail("no change notification published")
	}
}

func (s *HandlerTestSuite) TestConfigRejectsInvalidJSON() {
	req, err := http.NewRequest(http.MethodPut,
		s.server.URL+"/api/config/knowledge_databases", bytes.NewReader([]byte("{broken")))
	s.Require().NoError(err)
	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HandlerTestSuite) TestReindexConflictsWhileLocked() {
	ctx := context.Background()
	holder := dislock.New(s.backend, "index_all")
	s.Require().True(holder.Acquire(ctx))

	resp, err := http.Post(s.server.URL+"/api/admin/reindex", "application/json", nil)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusConflict, resp.StatusCode)

	holder.Release(ctx)
	resp, err = http.Post(s.server.URL+"/api/admin/reindex", "application/json", nil)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusAccepted, resp.StatusCode)
}

func (s *HandlerTestSuite) TestReindexScopesLockByDatabase() {
	ctx := context.Background()
	holder := dislock.New(s.backend, "index_wiki")
	s.Require().True(holder.Acquire(ctx))
	defer holder.Release(ctx)

	resp, err := http.Post(fmt.Sprintf("%s/api/admin/reindex?db=wiki", s.server.URL), "application/json", nil)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(fmt.Sprintf("%s/api/admin/reindex?db=docs", s.server.URL), "application/json", nil)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusAccepted, resp.StatusCode)
}
