package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vestahome/vesta/internal/httpkit"
)

// defaultIdleReset is how long the client may sit unused before the
// next call warms the model first. Ollama unloads idle models; a cold
// generate against a long prompt times out where a short warm-up does
// not.
const defaultIdleReset = 10 * time.Minute

// OllamaClient talks to the Ollama generate API with a persistent
// session. The session re-initializes itself after an idle period or a
// failed call; a mutex around the last-used timestamp ensures only one
// re-initialization happens at a time.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	lastUsed  time.Time
	idleReset time.Duration
}

// NewOllamaClient creates a client for the given Ollama server and
// model. timeout bounds each generate call; zero means 120 seconds.
func NewOllamaClient(baseURL, model string, timeout time.Duration, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
		logger:     logger,
		idleReset:  defaultIdleReset,
	}
}

// GenerateRequest is the request body for /api/generate.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// GenerateResponse is the non-streaming response from /api/generate.
type GenerateResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
}

// Generate sends one prompt and returns the raw completion text.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	c.ensureWarm(ctx)

	start := time.Now()
	text, err := c.generate(ctx, prompt)

	c.mu.Lock()
	if err != nil {
		// Force a warm-up before the next call.
		c.lastUsed = time.Time{}
	} else {
		c.lastUsed = time.Now()
	}
	c.mu.Unlock()

	if err != nil {
		return "", err
	}
	c.logger.Debug("model reply received",
		"model", c.model,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"chars", len(text))
	return text, nil
}

// Ping verifies the Ollama server is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping ollama: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama status %d", resp.StatusCode)
	}
	return nil
}

// ensureWarm issues a trivial generate when the session has been idle
// longer than the reset window (or has never run), so the real call
// hits a loaded model. Warm-up failures are logged and otherwise
// ignored; the real call reports the meaningful error.
func (c *OllamaClient) ensureWarm(ctx context.Context) {
	c.mu.Lock()
	stale := c.lastUsed.IsZero() || time.Since(c.lastUsed) > c.idleReset
	if stale {
		// Claim the slot while still holding the lock so concurrent
		// callers don't all warm up.
		c.lastUsed = time.Now()
	}
	c.mu.Unlock()

	if !stale {
		return
	}

	c.logger.Debug("warming model session", "model", c.model)
	if _, err := c.generate(ctx, "Hello"); err != nil {
		c.logger.Warn("model warm-up failed", "error", err)
	}
}

func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(GenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var genResp GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return genResp.Response, nil
}
