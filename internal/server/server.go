// Package server exposes the refinement loop over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/refinelab/refine/internal/domain"
	"github.com/refinelab/refine/internal/orchestrator"
	"github.com/refinelab/refine/internal/terminal"
)

// Runner executes one refinement run, delivering fragments and notices to
// the given sink. The server constructs a fresh sink per request.
type Runner interface {
	Run(ctx context.Context, problem string, rounds int, sink orchestrator.Sink) (*domain.RunResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, problem string, rounds int, sink orchestrator.Sink) (*domain.RunResult, error)

func (f RunnerFunc) Run(ctx context.Context, problem string, rounds int, sink orchestrator.Sink) (*domain.RunResult, error) {
	return f(ctx, problem, rounds, sink)
}

// Probe is the liveness surface of one backend.
type Probe interface {
	Name() string
	CheckAvailability(ctx context.Context) error
}

// Server is the refine HTTP server. Runs are serialized: a request that
// arrives while another run is in flight is rejected with 409.
type Server struct {
	httpServer *http.Server
	runner     Runner
	solver     Probe
	reviewer   Probe
	logger     *terminal.Logger

	runMu sync.Mutex
}

// New creates a server listening on addr.
func New(addr string, runner Runner, solver, reviewer Probe) *Server {
	s := &Server{
		runner:   runner,
		solver:   solver,
		reviewer: reviewer,
		logger:   terminal.NewLogger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/api/solve", s.handleSolve)
	r.Post("/api/solve/stream", s.handleSolveStream)
	r.Get("/healthz", s.handleHealth)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	s.logger.Logf(terminal.StyleInfo, "listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type solveRequest struct {
	Problem string `json:"problem"`
	Rounds  int    `json:"rounds"`
}

type solveResponse struct {
	RunID  string            `json:"runId"`
	Result *domain.RunResult `json:"result"`
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSolveRequest(w, r)
	if !ok {
		return
	}
	if !s.runMu.TryLock() {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	defer s.runMu.Unlock()

	runID := uuid.NewString()
	s.logger.Logf(terminal.StyleInfo, "run %s: started", runID)

	// Buffered mode: fragments are folded into the result's round records,
	// so the per-fragment stream is dropped here.
	result, err := s.runner.Run(r.Context(), req.Problem, req.Rounds, discardSink{})
	if err != nil {
		s.logger.Logf(terminal.StyleError, "run %s: %v", runID, err)
	} else {
		s.logger.Logf(terminal.StyleSuccess, "run %s: done", runID)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(solveResponse{RunID: runID, Result: result})
}

func (s *Server) handleSolveStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSolveRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if !s.runMu.TryLock() {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	defer s.runMu.Unlock()

	runID := uuid.NewString()
	s.logger.Logf(terminal.StyleInfo, "run %s: started (stream)", runID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	sink.event("run", runID)

	result, err := s.runner.Run(r.Context(), req.Problem, req.Rounds, sink)
	if err != nil {
		s.logger.Logf(terminal.StyleError, "run %s: %v", runID, err)
	}

	payload, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		payload = []byte(`{"status":"error"}`)
	}
	sink.event("done", string(payload))
	s.logger.Logf(terminal.StyleInfo, "run %s: stream closed", runID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type probeStatus struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}

	status := http.StatusOK
	probes := make(map[string]probeStatus, 2)
	for _, p := range []Probe{s.solver, s.reviewer} {
		ps := probeStatus{OK: true}
		if err := p.CheckAvailability(r.Context()); err != nil {
			ps = probeStatus{Error: err.Error()}
			status = http.StatusServiceUnavailable
		}
		probes[p.Name()] = ps
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(probes)
}

func (s *Server) decodeSolveRequest(w http.ResponseWriter, r *http.Request) (solveRequest, bool) {
	var req solveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return req, false
	}
	if req.Problem == "" {
		writeError(w, http.StatusBadRequest, "problem is required")
		return req, false
	}
	return req, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// discardSink drops all fragments and notices.
type discardSink struct{}

func (discardSink) Fragment(string) {}

func (discardSink) Notice(string) {}

// sseSink writes fragments and notices as server-sent events. The
// orchestrator is the only producer, so writes need no locking; data
// payloads are split per SSE framing rules so embedded newlines survive.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Fragment(text string) { s.event("fragment", text) }

func (s *sseSink) Notice(text string) { s.event("notice", text) }

func (s *sseSink) event(name, data string) {
	fmt.Fprintf(s.w, "event: %s\n", name)
	for _, line := range splitLines(data) {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	fmt.Fprint(s.w, "\n")
	s.flusher.Flush()
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}
