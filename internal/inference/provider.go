package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Request is a single completion request to the provider.
type Request struct {
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	Model       string  `json:"model"`
}

// Provider invokes the external AI capability and returns its raw text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// HTTPProvider posts completion requests to an HTTP JSON endpoint.
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPProvider creates a provider against baseURL with the given timeout.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string {
	return "http"
}

// Complete sends the request and returns the text completion. Any transport
// or non-2xx outcome surfaces as an error; the caller decides how it counts.
func (p *HTTPProvider) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("completion call returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Some providers return the completion as a bare string body.
		return string(data), nil
	}
	return parsed.Text, nil
}

// MockProvider replays scripted outputs and counts calls. Used in tests and
// for offline runs.
type MockProvider struct {
	mu      sync.Mutex
	Outputs []string
	Err     error
	calls   int
}

func (p *MockProvider) Name() string {
	return "mock"
}

// Complete returns the next scripted output, repeating the last one once the
// script runs out.
func (p *MockProvider) Complete(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.calls++
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Outputs) == 0 {
		return "", fmt.Errorf("mock provider has no scripted outputs")
	}
	idx := p.calls - 1
	if idx >= len(p.Outputs) {
		idx = len(p.Outputs) - 1
	}
	return p.Outputs[idx], nil
}

// Calls reports how many completions were requested.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
