// Package backend implements the HTTP client for Ollama-compatible
// generation backends.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/refinelab/refine/internal/domain"
	"github.com/refinelab/refine/internal/stream"
)

// DefaultTimeout bounds a single backend request, including streaming reads.
const DefaultTimeout = 5 * time.Minute

// Options configures a backend client.
type Options struct {
	// Name labels the backend in diagnostics ("solver", "reviewer").
	Name string
	// BaseURL is the backend's base URL, e.g. "http://localhost:11434".
	BaseURL string
	// Model is the model identifier the backend must serve.
	Model string
	// Format selects the wire contract: FormatChat uses /api/chat,
	// FormatGenerate uses /api/generate.
	Format stream.Format
	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the transport; used by tests.
	HTTPClient *http.Client
}

// Client issues generation and review requests against one named backend
// endpoint. A client is safe for sequential reuse across rounds; the
// orchestrator never issues concurrent requests to the same backend.
type Client struct {
	name       string
	baseURL    string
	model      string
	format     stream.Format
	httpClient *http.Client
}

// NewClient builds a backend client from options.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		name:       opts.Name,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		format:     opts.Format,
		httpClient: httpClient,
	}
}

// Name returns the backend's diagnostic label.
func (c *Client) Name() string { return c.name }

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Format returns the wire format this client was built with.
func (c *Client) Format() stream.Format { return c.format }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// CheckAvailability probes the backend and verifies the configured model is
// present in its capability list. It returns a ConnectivityError describing
// the reason on any network failure, non-success status, or missing model.
// It never panics and performs no writes.
func (c *Client) CheckAvailability(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return &ConnectivityError{Backend: c.name, Reason: "building probe request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectivityError{Backend: c.name, Reason: fmt.Sprintf("cannot reach %s", c.baseURL), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Older servers without /api/tags still answer /api/version.
		return c.checkVersion(ctx)
	}
	if resp.StatusCode != http.StatusOK {
		return &ConnectivityError{
			Backend: c.name,
			Reason:  fmt.Sprintf("probe %s/api/tags returned %d", c.baseURL, resp.StatusCode),
		}
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return &ConnectivityError{Backend: c.name, Reason: "decoding model list", Err: err}
	}
	for _, m := range tags.Models {
		if m.Name == c.model {
			return nil
		}
	}
	return &ConnectivityError{
		Backend: c.name,
		Reason:  fmt.Sprintf("model %q not found at %s (run: ollama pull %s)", c.model, c.baseURL, c.model),
	}
}

func (c *Client) checkVersion(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return &ConnectivityError{Backend: c.name, Reason: "building probe request", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectivityError{Backend: c.name, Reason: fmt.Sprintf("cannot reach %s", c.baseURL), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ConnectivityError{
			Backend: c.name,
			Reason:  fmt.Sprintf("probe %s/api/version returned %d", c.baseURL, resp.StatusCode),
		}
	}
	return nil
}

// Generate requests a solution for the given context. The returned body is
// the raw response stream; the caller owns closing it and decoding it with
// a stream.Decoder matching Format(). Non-success statuses are returned as
// a RequestError; no retry happens here.
func (c *Client) Generate(ctx context.Context, gc domain.GenerationContext, streamResp bool) (io.ReadCloser, error) {
	return c.post(ctx, "generate", GenerationPrompt(gc), streamResp)
}

// Review requests a scored review of solution for one round. The response
// contract matches Generate.
func (c *Client) Review(ctx context.Context, problem, solution string, round int) (io.ReadCloser, error) {
	return c.post(ctx, "review", ReviewPrompt(problem, solution, round), true)
}

func (c *Client) post(ctx context.Context, operation, prompt string, streamResp bool) (io.ReadCloser, error) {
	var path string
	var payload any
	switch c.format {
	case stream.FormatGenerate:
		path = "/api/generate"
		payload = generateRequest{Model: c.model, Prompt: prompt, Stream: streamResp}
	default:
		path = "/api/chat"
		payload = chatRequest{
			Model:    c.model,
			Messages: []chatMessage{{Role: "user", Content: prompt}},
			Stream:   streamResp,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s request: %w", c.name, operation, err)
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &RequestError{
			Backend:   c.name,
			Operation: operation,
			Status:    resp.StatusCode,
			Body:      strings.TrimSpace(string(detail)),
		}
	}

	return resp.Body, nil
}
