package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/refinelab/refine/internal/domain"
	"github.com/refinelab/refine/internal/stream"
)

func newTestClient(t *testing.T, url string, format stream.Format) *Client {
	t.Helper()
	return NewClient(Options{
		Name:    "solver",
		BaseURL: url,
		Model:   "qwen2.5-coder",
		Format:  format,
	})
}

func TestCheckAvailability_ModelPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1"},{"name":"qwen2.5-coder"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, stream.FormatChat)
	if err := c.CheckAvailability(context.Background()); err != nil {
		t.Errorf("CheckAvailability: %v", err)
	}
}

func TestCheckAvailability_ModelMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, stream.FormatChat)
	err := c.CheckAvailability(context.Background())
	var connErr *ConnectivityError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
	if !strings.Contains(connErr.Reason, "qwen2.5-coder") {
		t.Errorf("reason should name the missing model, got %q", connErr.Reason)
	}
}

func TestCheckAvailability_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, stream.FormatChat)
	var connErr *ConnectivityError
	if err := c.CheckAvailability(context.Background()); !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
}

func TestCheckAvailability_Unreachable(t *testing.T) {
	// Closed port: the probe must fail with a diagnostic, never panic.
	c := newTestClient(t, "http://127.0.0.1:1", stream.FormatChat)
	var connErr *ConnectivityError
	if err := c.CheckAvailability(context.Background()); !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
}

func TestCheckAvailability_VersionFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(http.StatusNotFound)
		case "/api/version":
			_, _ = w.Write([]byte(`{"version":"0.1.29"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, stream.FormatChat)
	if err := c.CheckAvailability(context.Background()); err != nil {
		t.Errorf("CheckAvailability: %v", err)
	}
}

func TestGenerate_ChatContract(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		_, _ = w.Write([]byte(`{"message":{"content":"ok"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, stream.FormatChat)
	body, err := c.Generate(context.Background(), domain.GenerationContext{Problem: "reverse a string"}, true)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer body.Close()
	_, _ = io.ReadAll(body)

	if got.Model != "qwen2.5-coder" {
		t.Errorf("model = %q", got.Model)
	}
	if !got.Stream {
		t.Error("stream flag not set")
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[0].Content, "reverse a string") {
		t.Errorf("prompt missing problem statement: %q", got.Messages[0].Content)
	}
	if strings.Contains(got.Messages[0].Content, "Previous solution") {
		t.Error("fresh generation must not use the revision template")
	}
}

func TestGenerate_GenerateContract_RevisionPrompt(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		_, _ = w.Write([]byte(`{"response":"ok","done":true}` + "\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, stream.FormatGenerate)
	gc := domain.GenerationContext{
		Problem:          "reverse a string",
		PreviousSolution: "function rev(s) { return s }",
		PreviousFeedback: "The previous solution scored 4/10.",
	}
	body, err := c.Generate(context.Background(), gc, true)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer body.Close()

	for _, want := range []string{gc.Problem, gc.PreviousSolution, gc.PreviousFeedback} {
		if !strings.Contains(got.Prompt, want) {
			t.Errorf("revision prompt missing %q", want)
		}
	}
}

func TestReview_PromptDemandsScoreLine(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"message":{"content":"Score: 7/10"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, stream.FormatChat)
	body, err := c.Review(context.Background(), "reverse a string", "function rev(s) {}", 3)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	defer body.Close()

	prompt := got.Messages[0].Content
	if !strings.Contains(prompt, "Score: X/10") {
		t.Errorf("review prompt must demand a score line, got %q", prompt)
	}
	if !strings.Contains(prompt, "round 3") {
		t.Errorf("review prompt must embed the round number, got %q", prompt)
	}
}

func TestGenerate_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("model overloaded"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, stream.FormatChat)
	_, err := c.Generate(context.Background(), domain.GenerationContext{Problem: "p"}, true)

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", reqErr.Status)
	}
	if reqErr.Body != "model overloaded" {
		t.Errorf("body = %q", reqErr.Body)
	}
}
