package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lumohq/lumo/core/dispatch"
	"github.com/lumohq/lumo/core/infra/bus"
	"github.com/lumohq/lumo/core/infra/logging"
	"github.com/lumohq/lumo/core/infra/metrics"
	"github.com/lumohq/lumo/core/messages"
	"github.com/lumohq/lumo/core/quota"
)

const (
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
)

// Server exposes the chat pipeline over HTTP. Reads are poll-based; the
// list endpoint advertises the polling cadence in a response header.
type Server struct {
	svc          *messages.Service
	dispatcher   messages.Emitter
	bus          *bus.NatsBus
	auth         AuthProvider
	metrics      metrics.GatewayMetrics
	pollInterval time.Duration
	started      time.Time
}

type Options struct {
	Service      *messages.Service
	Dispatcher   messages.Emitter
	Bus          *bus.NatsBus
	Auth         AuthProvider
	Metrics      metrics.GatewayMetrics
	PollInterval time.Duration
}

func NewServer(opts Options) (*Server, error) {
	if opts.Service == nil || opts.Dispatcher == nil {
		return nil, errors.New("gateway: missing dependency")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Server{
		svc:          opts.Service,
		dispatcher:   opts.Dispatcher,
		bus:          opts.Bus,
		auth:         opts.Auth,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		started:      time.Now(),
	}, nil
}

// Handler builds the route table with auth, rate limiting and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("POST /api/v1/projects", s.instrumented("/api/v1/projects", s.handleCreateProject))
	mux.HandleFunc("GET /api/v1/projects", s.instrumented("/api/v1/projects", s.handleListProjects))
	mux.HandleFunc("GET /api/v1/projects/{id}", s.instrumented("/api/v1/projects/{id}", s.handleGetProject))

	mux.HandleFunc("POST /api/v1/projects/{id}/messages", s.instrumented("/api/v1/projects/{id}/messages", s.handleCreateMessage))
	mux.HandleFunc("GET /api/v1/projects/{id}/messages", s.instrumented("/api/v1/projects/{id}/messages", s.handleListMessages))

	mux.HandleFunc("GET /api/v1/usage", s.instrumented("/api/v1/usage", s.handleUsage))

	mux.HandleFunc("POST /api/v1/debug", s.instrumented("/api/v1/debug", s.handleDebug))

	return corsMiddleware(rateLimitMiddleware(authMiddleware(s.auth, mux)))
}

// Run serves the API and a separate metrics listener until the listener
// fails.
func (s *Server) Run(httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info("gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway", "metrics server error", "error", err)
		}
	}()

	logging.Info("gateway", "http listening", "addr", httpAddr)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error("gateway", "http server error", "error", err)
		return err
	}
	return nil
}

// --- Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(now.Sub(s.started).Seconds())

	natsConnected := false
	natsStatus := "UNKNOWN"
	if s.bus != nil {
		natsConnected = s.bus.IsConnected()
		natsStatus = s.bus.Status()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
		},
	})
}

type createProjectRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	if auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	res, err := s.svc.CreateProject(r.Context(), auth.UserID, auth.Plan, req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]any{
		"project": res.Project,
		"message": res.Message,
	}
	if res.DispatchWarning != "" {
		body["warning"] = res.DispatchWarning
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	if auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	projects, err := s.svc.ListProjects(r.Context(), auth.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	if auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	project, err := s.svc.GetProject(r.Context(), auth.UserID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

type createMessageRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	if auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	res, err := s.svc.Create(r.Context(), auth.UserID, auth.Plan, r.PathValue("id"), req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]any{"message": res.Message}
	if res.DispatchWarning != "" {
		body["warning"] = res.DispatchWarning
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	if auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	msgs, err := s.svc.List(r.Context(), auth.UserID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("X-Poll-Interval-Ms", strconv.FormatInt(s.pollInterval.Milliseconds(), 10))
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	if auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	usage, err := s.svc.UsageStatus(r.Context(), auth.UserID, auth.Plan)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// A degraded read serializes as JSON null; clients render "unknown".
	writeJSON(w, http.StatusOK, usage)
}

type debugRequest struct {
	Event     string `json:"event"`
	ProjectID string `json:"projectId"`
}

// handleDebug emits wiring-check events directly, bypassing admission.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	if auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req debugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	var (
		eventID string
		err     error
	)
	switch req.Event {
	case dispatch.EventTestSimple:
		if req.ProjectID == "" {
			http.Error(w, "projectId is required", http.StatusBadRequest)
			return
		}
		if _, err = s.svc.GetProject(r.Context(), auth.UserID, req.ProjectID); err != nil {
			s.writeError(w, err)
			return
		}
		eventID, err = s.dispatcher.Emit(r.Context(), dispatch.EventTestSimple,
			dispatch.TestPayload{ProjectID: req.ProjectID, UserID: auth.UserID})
	case dispatch.EventDebugRun:
		eventID, err = s.dispatcher.Emit(r.Context(), dispatch.EventDebugRun,
			dispatch.DebugPayload{UserID: auth.UserID})
	default:
		http.Error(w, "unknown debug event", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "event dispatch failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rl *messages.RateLimitError
	switch {
	case errors.As(err, &rl):
		seconds := int64(time.Until(rl.ResetAt).Seconds())
		if seconds < 0 {
			seconds = 0
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":    "usage limit reached",
			"reset_at": rl.ResetAt.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, messages.ErrUnauthorized):
		// Foreign projects must look identical to missing ones.
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
	case errors.Is(err, messages.ErrUnauthenticated) || errors.Is(err, quota.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, messages.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, messages.ErrDispatchFailed):
		logging.Error("gateway", "job dispatch failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "generation could not be scheduled"})
	default:
		logging.Error("gateway", "request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrumented wraps handlers to record metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}

// --- Middleware ---

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func newTokenBucketFromEnv() *tokenBucket {
	rps := defaultRateLimitRPS
	burst := defaultRateLimitBurst
	if val := os.Getenv("API_RATE_LIMIT_RPS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	if val := os.Getenv("API_RATE_LIMIT_BURST"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return newTokenBucket(rps, burst)
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

var apiLimiter = newTokenBucketFromEnv()

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !apiLimiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-User-Id, X-User-Plan")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	raw := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
	if raw == "" {
		return nil, false
	}
	if raw == "*" {
		return nil, true
	}
	set := make(map[string]struct{})
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			set[origin] = struct{}{}
		}
	}
	return set, false
}
