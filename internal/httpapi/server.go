package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayinbox/internal/inbox"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	MaxBodyBytes       int64
	// FrameRate and FrameBurst bound inbound control frames per session.
	FrameRate     float64
	FrameBurst    int
	MaxFrameBytes int64
	// AdminRate and AdminBurst bound admin requests per token subject.
	AdminRate      float64
	AdminBurst     int
	AllowedOrigins []string
	Logger         *slog.Logger
	Now            func() time.Time
}

type Server struct {
	engine             *inbox.Engine
	cfg                ServerConfig
	logger             *slog.Logger
	now                func() time.Time
	adminLimiter       *limiterPool
	metrics            http.Handler
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

func NewServer(engine *inbox.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *inbox.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 20
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = 40
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 << 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Server{
		engine:             engine,
		cfg:                cfg,
		logger:             logger,
		now:                now,
		adminLimiter:       newLimiterPool(cfg.AdminRate, cfg.AdminBurst),
		metrics:            engine.Metrics.Handler(),
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/stream" && r.Method == http.MethodGet:
		s.handleStream(w, r)
		return
	case r.URL.Path == "/v1/admin/sources" && r.Method == http.MethodGet:
		s.handleAdminSources(w, r)
		return
	case r.URL.Path == "/v1/admin/sessions" && r.Method == http.MethodGet:
		s.handleAdminSessions(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "internal" && parts[2] == "events" && r.Method == http.MethodPost {
		s.handleInternalEvent(w, r, parts[3])
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

type healthResponse struct {
	Status  string               `json:"status"`
	Sources []inbox.SourceStatus `json:"sources"`
}

// handleHealth reports 503 until every source has attached at least once
// and while none is attached.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Sources: s.engine.Ingestor.Status()}
	status := http.StatusOK
	if !s.engine.Healthy() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type internalEventResponse struct {
	Source        inbox.SourceKind `json:"source"`
	Partition     string           `json:"partition"`
	Offset        int64            `json:"offset"`
	Key           string           `json:"key"`
	CorrelationID string           `json:"correlationId"`
}

func (s *Server) handleInternalEvent(w http.ResponseWriter, r *http.Request, rawKind string) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.now()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Relay-Timestamp"),
		r.Header.Get("X-Relay-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Relay-Timestamp"), r.Header.Get("X-Relay-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	kind, err := inbox.ParseSourceKind(rawKind)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	src, ok := s.engine.Source(kind)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "source not configured: "+string(kind), correlationID)
		return
	}
	mem, ok := src.(*inbox.MemorySource)
	if !ok {
		writeError(w, http.StatusConflict, "source_not_appendable", "source "+string(kind)+" is backed by "+src.Describe(), correlationID)
		return
	}
	ev, err := inbox.DecodeEvent(kind, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_event", err.Error(), correlationID)
		return
	}
	rec, err := mem.Publish(ev.Key, body)
	if err != nil {
		switch {
		case errors.Is(err, inbox.ErrLogFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "log_full", err.Error(), correlationID)
		case errors.Is(err, inbox.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	s.logger.Debug("internal event appended", "source", kind, "key", rec.Key, "offset", rec.Offset, "correlation_id", correlationID)
	writeJSON(w, http.StatusAccepted, internalEventResponse{
		Source:        rec.Source,
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		Key:           rec.Key,
		CorrelationID: correlationID,
	})
}

// authorizeAdmin checks the bearer token and the per-subject rate limit.
func (s *Server) authorizeAdmin(w http.ResponseWriter, r *http.Request) (tokenClaims, bool) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, ScopeAdminRead, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return tokenClaims{}, false
	}
	now := s.now()
	if !s.adminLimiter.allow(claims.Subject, now) {
		retryAfter := int(math.Ceil(s.adminLimiter.retryAfter(claims.Subject, now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		return tokenClaims{}, false
	}
	return claims, true
}

type adminSourcesResponse struct {
	Healthy bool                 `json:"healthy"`
	Sources []inbox.SourceStatus `json:"sources"`
}

func (s *Server) handleAdminSources(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeAdmin(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, adminSourcesResponse{
		Healthy: s.engine.Healthy(),
		Sources: s.engine.Ingestor.Status(),
	})
}

type adminSessionsResponse struct {
	Counts   map[string]int      `json:"counts"`
	Sessions []inbox.SessionInfo `json:"sessions"`
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeAdmin(w, r); !ok {
		return
	}
	counts := map[string]int{}
	for state, n := range s.engine.Registry.Count() {
		counts[state.String()] = n
	}
	sessions := s.engine.Registry.Snapshot()
	if sessions == nil {
		sessions = []inbox.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, adminSessionsResponse{Counts: counts, Sessions: sessions})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
