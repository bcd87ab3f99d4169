package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"swap2p/internal/config"
	"swap2p/internal/escrow"
	"swap2p/internal/hmacauth"
	"swap2p/internal/journal"
	"swap2p/internal/proposal"
	"swap2p/internal/tradeindex"
	"swap2p/internal/wallet"
)

type Server struct {
	cfg         *config.AppConfig
	orch        *escrow.Orchestrator
	store       journal.Store
	trades      tradeindex.Fetcher
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *Metrics
	log         *zap.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error

	// runCtx outlives individual requests; submissions are bound to it.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu   sync.Mutex
	task *escrow.Task
}

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Orchestrator *escrow.Orchestrator
	Journal      journal.Store
	Trades       tradeindex.Fetcher
	Metrics      *Metrics
	RPC          wallet.HealthChecker
	Log          *zap.Logger
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		orch:    deps.Orchestrator,
		store:   deps.Journal,
		trades:  deps.Trades,
		metrics: metrics,
		log:     log,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Log:     log,
		},
		runCtx:    runCtx,
		runCancel: runCancel,
	}

	if checker, ok := deps.Journal.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if deps.RPC != nil {
		s.rpcHealthFn = deps.RPC.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/trades", s.hmac.Middleware(http.HandlerFunc(s.handleSubmit)))
	mux.HandleFunc("GET /api/v1/trades", s.handleListTrades)
	mux.HandleFunc("GET /api/v1/trades/submission", s.handleCurrentSubmission)
	mux.Handle("DELETE /api/v1/trades/submission", s.hmac.Middleware(http.HandlerFunc(s.handleCancel)))
	mux.HandleFunc("GET /api/v1/submissions", s.handleListSubmissions)
	mux.HandleFunc("GET /api/v1/submissions/{id}", s.handleGetSubmission)
	mux.Handle("/api/v1/metrics", metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and cancels any running submission.
// Transactions already broadcast are not retracted.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.runCancel()

	s.mu.Lock()
	task := s.task
	s.mu.Unlock()
	if task != nil {
		select {
		case <-task.Done():
		case <-ctx.Done():
		}
	}
	return err
}

type submitResponse struct {
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
}

type fieldErrorResponse struct {
	Error  string                `json:"error"`
	Fields []proposal.FieldError `json:"fields,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	existing, err := s.store.Get(ctx, key)
	switch {
	case err == nil && existing != nil:
		writeJSON(w, http.StatusOK, submissionView(existing))
		s.metrics.incRequest("cached")
		return
	case err != nil && !errors.Is(err, journal.ErrNotFound):
		// an unreadable journal cannot rule out a replay
		s.log.Error("journal lookup failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "submission journal unavailable", http.StatusServiceUnavailable)
		s.metrics.incRequest("unavailable")
		return
	}

	var payload proposal.Input
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	p, err := proposal.Validate(payload)
	if err != nil {
		resp := fieldErrorResponse{Error: "invalid trade proposal"}
		var verr *proposal.ValidationError
		if errors.As(err, &verr) {
			resp.Fields = verr.Fields
		}
		writeJSON(w, http.StatusBadRequest, resp)
		s.metrics.incRequest("invalid")
		return
	}

	task, err := s.orch.Start(s.runCtx, key, p)
	switch {
	case errors.Is(err, escrow.ErrInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
		s.metrics.incRequest("conflict")
		return
	case errors.Is(err, wallet.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		s.metrics.incRequest("unavailable")
		return
	case err != nil:
		http.Error(w, "failed to start submission: "+err.Error(), http.StatusInternalServerError)
		s.metrics.incRequest("failed")
		return
	}

	s.mu.Lock()
	s.task = task
	s.mu.Unlock()

	writeJSON(w, http.StatusAccepted, submitResponse{SubmissionID: task.ID, Status: "accepted"})
	s.metrics.incRequest("accepted")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	task := s.task
	s.mu.Unlock()

	if task == nil {
		http.Error(w, "no submission in progress", http.StatusNotFound)
		return
	}
	select {
	case <-task.Done():
		http.Error(w, "no submission in progress", http.StatusNotFound)
		return
	default:
	}

	task.Cancel()
	select {
	case <-task.Done():
	case <-r.Context().Done():
	}
	writeJSON(w, http.StatusOK, stateView(s.orch.State()))
}

func (s *Server) handleCurrentSubmission(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateView(s.orch.State()))
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, journal.ErrNotFound) {
		http.Error(w, "submission not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, submissionView(e))
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.store.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]submissionResponse, 0, len(entries))
	for i := range entries {
		out = append(out, submissionView(&entries[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", tradeindex.DefaultPage.Offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := intParam(r, "limit", tradeindex.DefaultPage.Limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	recs, err := s.trades.Fetch(r.Context(), tradeindex.Page{Offset: offset, Limit: limit})
	if err != nil {
		s.log.Warn("trade index fetch failed", zap.Error(err))
		http.Error(w, tradeindex.FailureNotice, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		Submission string      `json:"submission"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		Submission: s.orch.State().Phase.String(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
