package api

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"yuxicoord/internal/dislock"
	"yuxicoord/internal/metastore"
	"yuxicoord/internal/ports"
	"yuxicoord/internal/types"
)

// LockFactory hands out named locks; the api layer does not care which
// backend is behind them.
type LockFactory func(name string, opts ...dislock.Option) *dislock.Mutex

type Handler struct {
	Limiter ports.RateLimiter
	Store   ports.MetadataStore
	Pub     ports.Publisher
	NewLock LockFactory

	// Authenticate is the credential collaborator behind the token
	// endpoint; token issuance itself lives outside this layer.
	Authenticate func(username, password string) bool
}

func NewHandler(limiter ports.RateLimiter, store ports.MetadataStore, pub ports.Publisher,
	newLock LockFactory, authenticate func(username, password string) bool) *Handler {
	return &Handler{
		Limiter:      limiter,
		Store:        store,
		Pub:          pub,
		NewLock:      newLock,
		Authenticate: authenticate,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/token", h.withLoginRateLimit(h.handleToken))
	mux.HandleFunc("/api/config/", h.handleConfig)
	mux.HandleFunc("/api/admin/reindex", h.handleReindex)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// withLoginRateLimit guards an endpoint with the per-IP attempt counter.
// A limited caller gets 429 with a Retry-After hint; a successful call
// (any status below 400) clears the caller's counter.
func (h *Handler) withLoginRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next(w, r)
			return
		}
		ip := clientIP(r)
		d := h.Limiter.Check(r.Context(), ip)
		if d.Limited {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			writeJSON(w, http.StatusTooManyRequests,
				map[string]any{"detail": "too many login attempts, try again later"})
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if rec.status < 400 {
			h.Limiter.Clear(r.Context(), ip)
		}
	}
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(body, &creds); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if h.Authenticate == nil || !h.Authenticate(creds.Username, creds.Password) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": uuid.NewString(),
		"token_type":   "bearer",
	})
}

// handleConfig serves GET (load) and PUT (save + change notification)
// for metadata documents, keyed by the path suffix.
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/config/")
	if key == "" || strings.Contains(key, "/") {
		http.Error(w, "invalid config key", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.Load(r.Context(), key))
	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		defer func() {
			_ = r.Body.Close()
		}()
		var value map[string]any
		if err := json.Unmarshal(body, &value); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := h.Store.Save(r.Context(), key, value); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
			return
		}
		category := r.URL.Query().Get("type")
		if category == "" {
			category = "general"
		}
		h.Pub.Publish(r.Context(), category)
		writeJSON(w, http.StatusOK, map[string]any{"status": "saved"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleReindex rebuilds the metadata document under the distributed
// lock so only one process indexes at a time. A held lock answers 409.
func (h *Handler) handleReindex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	db := r.URL.Query().Get("db")
	if db == "" {
		db = "all"
	}

	lock := h.NewLock("index_"+db, dislock.NonBlocking())
	err := lock.With(r.Context(), func() error {
		doc := h.Store.Load(r.Context(), metastore.DefaultKey)
		if err := h.Store.Save(r.Context(), metastore.DefaultKey, doc); err != nil {
			return err
		}
		h.Pub.Publish(r.Context(), "general")
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrLockNotHeld) {
			writeJSON(w, http.StatusConflict, map[string]any{"detail": "reindex already in progress"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reindexed", "db": db})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// retryAfterSeconds rounds up to whole seconds, never below 1, which is
// what the Retry-After header wants.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// clientIP extracts the real client IP from X-Forwarded-For or RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If SplitHostPort fails, return the RemoteAddr as-is
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
