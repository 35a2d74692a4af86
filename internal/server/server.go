// Package server implements the HTTP server that exposes the lorekeep RAG
// pipeline: chat, corpus sync, and search over a REST API.
// The server is started by the `lorekeep serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorehaven/lorekeep/internal/logging"
	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/syncer"
)

// New constructs a Server from the pipeline components and config.
// retriever may be nil to disable POST /api/search; syncRunner may be nil to
// disable the sync endpoints.
func New(gen generator, sync syncRunner, retriever rag.Retriever, cfg *Config) (*Server, error) {
	if gen == nil {
		return nil, fmt.Errorf("server: generator must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must cover a full generation round-trip.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	if cfg.APIKey == "" {
		log.Warn("server: LOREKEEP_API_KEY not set — API authentication is disabled")
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &Server{
		generator:  gen,
		syncRunner: sync,
		retriever:  retriever,
		cfg:        cfg,
		log:        log,
		pingers:    cfg.Pingers,
		metrics:    newServerMetrics(reg),
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stopRL

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(rl),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// routes builds the request mux with per-route middleware. Health, readiness,
// and metrics stay outside auth and rate limiting so probes keep working when
// the API is locked down.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(s.cfg.APIKey, rl.middleware(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", protected(s.handleChat))
	mux.Handle("POST /api/search", protected(s.handleSearch))
	mux.Handle("POST /api/sync", protected(s.handleSync))
	mux.Handle("GET /api/sync/status", protected(s.handleSyncStatus))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	return requestLogger(s.log, s.instrument(mux))
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleChat handles POST /api/chat. It runs the full generation pipeline
// and returns the answer with its cited sources.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if req.ChatID == "" {
		req.ChatID = uuid.NewString()
	}

	answer, err := s.generator.Generate(r.Context(), req.ChatID, req.Message)
	if err != nil {
		outcome := "error"
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			status = http.StatusGatewayTimeout
		}
		s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		logging.FromContext(r.Context()).Error("chat failed", slog.Any("error", err))
		http.Error(w, err.Error(), status)
		return
	}

	s.metrics.chatRequestsTotal.WithLabelValues("ok").Inc()
	s.metrics.chatDurationSeconds.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	resp := chatResponse{
		ChatID:    req.ChatID,
		Answer:    answer.Content,
		Sources:   make([]chatSource, 0, len(answer.CitedChunks)),
		Persisted: answer.PersistErr == nil,
	}
	for _, c := range answer.CitedChunks {
		resp.Sources = append(resp.Sources, chatSource{
			ChunkID:  c.ID,
			SourceID: c.SourceID,
			Score:    c.Score,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSearch handles POST /api/search. It returns the raw retrieval
// results without calling the model.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		http.Error(w, "search is not configured", http.StatusNotImplemented)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	// The wire zero value means "server default"; a negative value disables
	// the floor. The retriever uses the opposite encoding.
	floor := req.ScoreFloor
	switch {
	case floor == 0:
		floor = -1
	case floor < 0:
		floor = 0
	}

	chunks, err := s.retriever.Retrieve(r.Context(), req.Query, req.Limit, floor)
	if err != nil {
		logging.FromContext(r.Context()).Error("search failed", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	resp := searchResponse{Results: make([]searchResult, 0, len(chunks))}
	for _, c := range chunks {
		resp.Results = append(resp.Results, searchResult{
			ChunkID:  c.ID,
			SourceID: c.SourceID,
			Position: c.Position,
			Text:     c.Text,
			Score:    c.Score,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync handles POST /api/sync. The run executes in the background;
// the response is 202 with the state at acceptance time. A run already in
// flight yields 409.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncRunner == nil {
		http.Error(w, "sync is not configured", http.StatusNotImplemented)
		return
	}

	var req syncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	if st := s.syncRunner.Tracker().Current(); st.Status == syncer.StatusRunning {
		s.metrics.syncRunsTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusConflict, st)
		return
	}

	// Detach from the request context so the run outlives the HTTP exchange.
	runCtx := logging.WithLogger(context.Background(), s.log)
	go func() {
		st, err := s.syncRunner.Sync(runCtx, req.Full)
		switch {
		case errors.Is(err, syncer.ErrSyncRunning):
			s.metrics.syncRunsTotal.WithLabelValues("rejected").Inc()
		case err != nil:
			s.metrics.syncRunsTotal.WithLabelValues("failed").Inc()
		default:
			s.metrics.syncRunsTotal.WithLabelValues("completed").Inc()
			s.metrics.syncDocumentsTotal.Add(float64(st.DocumentsProcessed))
			s.metrics.syncChunksIndexed.Add(float64(st.ChunksIndexed))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleSyncStatus handles GET /api/sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.syncRunner == nil {
		http.Error(w, "sync is not configured", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.syncRunner.Tracker().Current())
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
