package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinelab/refine/internal/domain"
	"github.com/refinelab/refine/internal/orchestrator"
)

type fakeProbe struct {
	name string
	err  error
}

func (p fakeProbe) Name() string { return p.name }

func (p fakeProbe) CheckAvailability(context.Context) error { return p.err }

func okResult(problem string) *domain.RunResult {
	best := domain.RoundRecord{Round: 1, Solution: "function add(a, b) { return a + b }", Score: 9}
	return &domain.RunResult{
		Problem: problem,
		Rounds:  []domain.RoundRecord{best},
		Best:    &best,
		Status:  domain.StatusSuccess,
		Stats:   domain.RunStats{RoundBudget: 5, RoundsRun: 1, BestScore: 9, BestRound: 1},
	}
}

func newTestServer(runner Runner, solver, reviewer Probe) *Server {
	return New("127.0.0.1:0", runner, solver, reviewer)
}

func TestHandleSolve(t *testing.T) {
	var gotProblem string
	var gotRounds int
	runner := RunnerFunc(func(_ context.Context, problem string, rounds int, _ orchestrator.Sink) (*domain.RunResult, error) {
		gotProblem = problem
		gotRounds = rounds
		return okResult(problem), nil
	})
	srv := newTestServer(runner, fakeProbe{name: "solver"}, fakeProbe{name: "reviewer"})

	req := httptest.NewRequest(http.MethodPost, "/api/solve", strings.NewReader(`{"problem":"reverse a string","rounds":3}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reverse a string", gotProblem)
	assert.Equal(t, 3, gotRounds)

	var resp solveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	_, err := uuid.Parse(resp.RunID)
	assert.NoError(t, err, "runId should be a valid UUID")
	require.NotNil(t, resp.Result)
	assert.Equal(t, domain.StatusSuccess, resp.Result.Status)
	assert.Equal(t, 9, resp.Result.Stats.BestScore)
}

func TestHandleSolveRunError(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, problem string, _ int, _ orchestrator.Sink) (*domain.RunResult, error) {
		return &domain.RunResult{Problem: problem, Status: domain.StatusError, Err: "solver unreachable"},
			errors.New("solver unreachable")
	})
	srv := newTestServer(runner, fakeProbe{name: "solver"}, fakeProbe{name: "reviewer"})

	req := httptest.NewRequest(http.MethodPost, "/api/solve", strings.NewReader(`{"problem":"x"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp solveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.StatusError, resp.Result.Status)
	assert.Equal(t, "solver unreachable", resp.Result.Err)
}

func TestHandleSolveBadRequest(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, problem string, _ int, _ orchestrator.Sink) (*domain.RunResult, error) {
		t.Fatal("runner should not be called")
		return nil, nil
	})
	srv := newTestServer(runner, fakeProbe{name: "solver"}, fakeProbe{name: "reviewer"})

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"problem":`},
		{name: "missing problem", body: `{"rounds":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/solve", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleSolveConflict(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := RunnerFunc(func(_ context.Context, problem string, _ int, _ orchestrator.Sink) (*domain.RunResult, error) {
		close(started)
		<-release
		return okResult(problem), nil
	})
	srv := newTestServer(runner, fakeProbe{name: "solver"}, fakeProbe{name: "reviewer"})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req := httptest.NewRequest(http.MethodPost, "/api/solve", strings.NewReader(`{"problem":"x"}`))
		srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-started

	req := httptest.NewRequest(http.MethodPost, "/api/solve", strings.NewReader(`{"problem":"y"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	<-firstDone
}

func TestHandleSolveStream(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, problem string, _ int, sink orchestrator.Sink) (*domain.RunResult, error) {
		sink.Notice("round 1/5: generating")
		sink.Fragment("function add(a, b)")
		sink.Fragment(" { return a + b }")
		return okResult(problem), nil
	})
	srv := newTestServer(runner, fakeProbe{name: "solver"}, fakeProbe{name: "reviewer"})

	req := httptest.NewRequest(http.MethodPost, "/api/solve/stream", strings.NewReader(`{"problem":"add two numbers"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: run\n")
	assert.Contains(t, body, "event: notice\ndata: round 1/5: generating\n")
	assert.Contains(t, body, "event: fragment\ndata: function add(a, b)\n")

	// The terminating event carries the full result.
	idx := strings.Index(body, "event: done\n")
	require.GreaterOrEqual(t, idx, 0, "stream must end with a done event")
	donePayload := strings.TrimPrefix(strings.TrimSpace(body[idx+len("event: done\n"):]), "data: ")
	var result domain.RunResult
	require.NoError(t, json.Unmarshal([]byte(donePayload), &result))
	assert.Equal(t, domain.StatusSuccess, result.Status)
	assert.Equal(t, "add two numbers", result.Problem)
}

func TestHandleSolveStreamMultilineFragment(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, problem string, _ int, sink orchestrator.Sink) (*domain.RunResult, error) {
		sink.Fragment("line one\nline two")
		return okResult(problem), nil
	})
	srv := newTestServer(runner, fakeProbe{name: "solver"}, fakeProbe{name: "reviewer"})

	req := httptest.NewRequest(http.MethodPost, "/api/solve/stream", strings.NewReader(`{"problem":"x"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "event: fragment\ndata: line one\ndata: line two\n")
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		solver     fakeProbe
		reviewer   fakeProbe
		wantStatus int
	}{
		{
			name:       "both healthy",
			solver:     fakeProbe{name: "solver"},
			reviewer:   fakeProbe{name: "reviewer"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "reviewer down",
			solver:     fakeProbe{name: "solver"},
			reviewer:   fakeProbe{name: "reviewer", err: errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := RunnerFunc(func(_ context.Context, problem string, _ int, _ orchestrator.Sink) (*domain.RunResult, error) {
				return okResult(problem), nil
			})
			srv := newTestServer(runner, tt.solver, tt.reviewer)

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)

			var probes map[string]struct {
				OK    bool   `json:"ok"`
				Error string `json:"error,omitempty"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &probes))
			assert.True(t, probes["solver"].OK)
			if tt.reviewer.err != nil {
				assert.False(t, probes["reviewer"].OK)
				assert.Contains(t, probes["reviewer"].Error, "connection refused")
			}
		})
	}
}
