// Package httpapi exposes the local control surface: health, sync status,
// and manual sync triggers.
package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voorleeslab/voorlees/internal/library"
	"github.com/voorleeslab/voorlees/internal/syncer"
)

type ServerConfig struct {
	// Token guards every /v1 route. Empty disables auth, which is only
	// sensible on a loopback listener.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *library.Store
	sync        *syncer.Syncer
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *library.Store, sync *syncer.Syncer) *Server {
	return NewServerWithConfig(store, sync, ServerConfig{})
}

func NewServerWithConfig(store *library.Store, sync *syncer.Syncer, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		sync:        sync,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/resync" && r.Method == http.MethodPost:
		s.handleResync(w, r)
	case r.URL.Path == "/v1/online" && r.Method == http.MethodPost:
		s.handleOnline(w, r)
	case r.URL.Path == "/v1/errors" && r.Method == http.MethodGet:
		s.handleErrors(w, r)
	case r.URL.Path == "/v1/errors" && r.Method == http.MethodDelete:
		s.handleClearErrors(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type statusResponse struct {
	Status     string         `json:"status"`
	Online     bool           `json:"online"`
	QueueDepth int            `json:"queueDepth"`
	Errors     []string       `json:"errors"`
	Usage      int64          `json:"usageBytes"`
	Quota      int64          `json:"quotaBytes"`
	Counts     map[string]int `json:"counts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     string(s.sync.Status()),
		Online:     s.sync.Online(),
		QueueDepth: s.sync.QueueDepth(),
		Errors:     s.sync.Errors(),
		Usage:      s.store.Usage(),
		Quota:      s.store.QuotaBytes(),
		Counts: map[string]int{
			library.CollectionBooks:      len(s.store.Books()),
			library.CollectionChapters:   len(s.store.Chapters()),
			library.CollectionRecordings: len(s.store.Recordings()),
			library.CollectionUsers:      len(s.store.Users()),
		},
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Wait bool `json:"wait"`
	}
	if r.ContentLength > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
			return
		}
	}
	if body.Wait {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := s.sync.SyncOnce(ctx); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"status": string(s.sync.Status()),
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": string(s.sync.Status())})
		return
	}
	s.sync.TriggerResync()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": string(s.sync.Status())})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"online\": bool}")
		return
	}
	s.sync.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": s.sync.Online()})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	errs := s.sync.Errors()
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

func (s *Server) handleClearErrors(w http.ResponseWriter, r *http.Request) {
	s.sync.ClearErrors()
	writeJSON(w, http.StatusOK, map[string]any{"errors": []string{}})
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (rl *rateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[key]
	if !ok || now.After(entry.resetAt) {
		rl.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(rl.window),
		}
		return true
	}
	if entry.count >= rl.max {
		return false
	}
	entry.count++
	rl.entries[key] = entry
	return true
}
