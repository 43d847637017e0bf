package dispatchapi

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentworkforce/fieldsync/internal/entity"
	"github.com/agentworkforce/fieldsync/internal/pushchan"
	"github.com/agentworkforce/fieldsync/internal/recordstore"
	"github.com/agentworkforce/fieldsync/internal/syncstate"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// OriginPatterns are the browser origins allowed to open channels.
	OriginPatterns []string
	Logger         syncstate.Logger
}

// Server is the reference dispatch service: a REST collection per entity
// kind plus websocket channels announcing every change.
type Server struct {
	backend     recordstore.Backend
	hub         *pushchan.Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
	router      *mux.Router
	now         func() time.Time
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

type handlerWithClaims func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string)

func NewServer(backend recordstore.Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend recordstore.Backend, cfg ServerConfig) *Server {
	if backend == nil {
		backend = recordstore.NewMemoryBackend()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
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
	s := &Server{
		backend:     backend,
		hub:         pushchan.NewHub(cfg.Logger, cfg.OriginPatterns...),
		cfg:         cfg,
		rateLimiter: limiter,
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/v1/channels/{channel}", s.guard(ScopeChannelsSubscribe, s.handleChannel)).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/reports/{reportID}/messages", s.guard(ScopeRecordsRead, s.handleList)).Methods(http.MethodGet)
	api.Handle("/reports/{reportID}/messages", s.guard(ScopeRecordsWrite, s.handleCreate)).Methods(http.MethodPost)
	api.Handle("/reports/{reportID}/messages/{id}", s.guard(ScopeRecordsWrite, s.handleUpdate)).Methods(http.MethodPatch)
	api.Handle("/reports/{reportID}/messages/{id}", s.guard(ScopeRecordsWrite, s.handleDelete)).Methods(http.MethodDelete)
	api.Handle("/{collection}", s.guard(ScopeRecordsRead, s.handleList)).Methods(http.MethodGet)
	api.Handle("/{collection}", s.guard(ScopeRecordsWrite, s.handleCreate)).Methods(http.MethodPost)
	api.Handle("/{collection}/{id}", s.guard(ScopeRecordsWrite, s.handleUpdate)).Methods(http.MethodPatch)
	api.Handle("/{collection}/{id}", s.guard(ScopeRecordsWrite, s.handleDelete)).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub exposes the channel hub so embedders can publish out-of-band events.
func (s *Server) Hub() *pushchan.Hub {
	return s.hub
}

// Shutdown disconnects channel subscribers and closes the backend.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	done := make(chan error, 1)
	go func() { done <- s.backend.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// guard authenticates the bearer token, enforces the rate limit and assigns
// a correlation id before handing off.
func (s *Server) guard(scope string, next handlerWithClaims) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", correlationID)

		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, s.now())
		if authErr != nil {
			writeError(w, authErr.status, authErr.message, correlationID)
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", correlationID)
			return
		}
		next(w, r, claims, correlationID)
	})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	channel := mux.Vars(r)["channel"]
	if _, _, err := entity.ParseChannel(channel); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), correlationID)
		return
	}
	s.hub.Serve(w, r, channel)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeObjectBody(w http.ResponseWriter, r *http.Request, correlationID string) (map[string]any, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	var dst map[string]any
	if err := json.Unmarshal(body, &dst); err != nil || dst == nil {
		writeError(w, http.StatusBadRequest, "request body must be a json object", correlationID)
		return nil, false
	}
	return dst, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, status int, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"success":        false,
		"message":        message,
		"correlation_id": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
