// Package perception talks to the Gemini model endpoint: the streaming chat
// request over REST/SSE, plus summary and embedding calls through the genai SDK.
package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"hobbes/internal/logging"
	"hobbes/internal/prompt"
)

// GeminiClient implements the model endpoint for hobbes.
type GeminiClient struct {
	apiKey       string
	baseURL      string
	model        string
	summaryModel string
	httpClient   *http.Client
	limiter      *rate.Limiter
	sdk          *genai.Client
	cfg          GeminiConfig
}

// NewGeminiClient creates a client. The genai SDK client is built eagerly so
// configuration errors surface at startup.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	def := DefaultGeminiConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = def.SummaryModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}

	sdk, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.Timeout}).DialContext
	transport.ResponseHeaderTimeout = cfg.Timeout

	return &GeminiClient{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		summaryModel: cfg.SummaryModel,
		// No client timeout: a stream lives as long as its context.
		httpClient: &http.Client{Transport: transport},
		limiter:    rate.NewLimiter(limit, 1),
		sdk:        sdk,
		cfg:        cfg,
	}, nil
}

// Model returns the chat model name.
func (c *GeminiClient) Model() string { return c.model }

// OpenStream posts the package to streamGenerateContent and returns the SSE body.
// Non-200 responses are returned as errors carrying the API message.
func (c *GeminiClient) OpenStream(ctx context.Context, pkg *prompt.Package) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(GeminiRequest{
		Contents:          pkg.Contents,
		SystemInstruction: pkg.SystemInstruction,
		Tools:             pkg.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-goog-api-key", c.apiKey)

	timer := logging.StartTimer(logging.CategoryAPI, "stream open")
	resp, err := c.httpClient.Do(req)
	timer.Stop()
	if err != nil {
		logging.APIError("[Gemini] stream request failed: %v", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := strings.TrimSpace(string(raw))
		var apiErr GeminiErrorBody
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		logging.APIError("[Gemini] API error [%d]: %s", resp.StatusCode, msg)
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, msg)
	}

	logging.APIDebug("[Gemini] stream opened model=%s contents=%d", c.model, len(pkg.Contents))
	return resp.Body, nil
}
