// Package llm provides a provider-agnostic completion client with
// per-endpoint timeouts, bounded retry, and sequential fallback.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"time"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client walks an ordered endpoint chain sequentially until one endpoint
// returns a completion.
type Client struct {
	registry    *Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	observer    Observer
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a completion request.
type Request struct {
	// Stage selects the endpoint chain ("generation" or "verification").
	Stage string

	// Messages is the chat history to send.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint's configured cap.
	MaxTokens int
}

// TokenUsage represents token consumption details for a completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Endpoint is the chain entry that produced the response.
	Endpoint string

	// Usage contains token consumption metrics where the provider reports them.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the per-endpoint retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithObserver sets the instrumentation hook.
func WithObserver(o Observer) ClientOption {
	return func(client *Client) {
		client.observer = o
	}
}

// NewClient creates a completion client backed by the given registry.
func NewClient(registry *Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		// No client-level timeout: each attempt is bounded by the
		// endpoint's context deadline.
		httpClient: &http.Client{},
		logger:     slog.Default(),
		observer:   nopObserver{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, walking the stage's endpoint chain
// sequentially. Endpoints are never raced in parallel. When the primary
// endpoint times out, the remaining fallbacks are reordered fastest-first so
// a caller already behind schedule gets an answer as soon as possible.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Stage == "" {
		return nil, fmt.Errorf("stage is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	chain := c.registry.Chain(req.Stage)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no endpoints configured for stage %s", req.Stage)
	}

	var lastErr error

	for i := 0; i < len(chain); i++ {
		ep := chain[i]
		started := time.Now()

		resp, err := c.tryEndpointWithRetry(ctx, ep, req)
		if err == nil {
			resp.Endpoint = ep.Name
			c.observer.CompletionSucceeded(req.Stage, ep.Name, time.Since(started))
			return resp, nil
		}

		lastErr = err
		kind := ErrorKindOf(err)
		c.observer.CompletionFailed(req.Stage, ep.Name, kind)

		c.logger.Warn("endpoint failed",
			"stage", req.Stage,
			"endpoint", ep.Name,
			"provider", ep.Provider,
			"kind", kind,
			"error", err)

		var pe *ProviderError
		if errors.As(err, &pe) && pe.Fatal() {
			// Malformed payload fails identically everywhere.
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("completion aborted for stage %s: %w", req.Stage, ctx.Err())
		}

		// A primary timeout means the caller has already burned its
		// longest window; prefer the fastest remaining endpoint.
		if i == 0 && kind == KindTimeout && len(chain) > 2 {
			rest := chain[1:]
			sort.SliceStable(rest, func(a, b int) bool {
				return rest[a].Timeout < rest[b].Timeout
			})
		}
	}

	if ErrorKindOf(lastErr) == KindAuth && len(chain) == 1 {
		return nil, &ConfigurationError{
			Provider: chain[0].Provider,
			Reason:   fmt.Sprintf("authentication rejected and no fallback configured: %v", lastErr),
		}
	}

	return nil, fmt.Errorf("all endpoints failed for stage %s: %w", req.Stage, lastErr)
}

// tryEndpointWithRetry attempts a request against one endpoint with bounded
// retry for transient failures. The endpoint's timeout bounds each attempt.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep *Endpoint, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		var pe *ProviderError
		if !errors.As(err, &pe) || !pe.Retryable() {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("request failed, retrying",
				"endpoint", ep.Name,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple workers retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request against one endpoint, bounded by
// the endpoint's timeout.
func (c *Client) doRequest(ctx context.Context, ep *Endpoint, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, &ConfigurationError{Provider: ep.Provider, Reason: "unknown provider"}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = ep.MaxTokens
	}

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, maxTokens)
	if err != nil {
		return nil, &ProviderError{Kind: KindBadRequest, Provider: ep.Provider, Err: fmt.Errorf("build request body: %w", err)}
	}

	url := provider.BuildURL(ep.URL)

	c.logger.Debug("sending completion request",
		"endpoint", ep.Name,
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"timeout", ep.Timeout,
		"messages", len(req.Messages))

	attemptCtx := ctx
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: KindBadRequest, Provider: ep.Provider, Err: fmt.Errorf("create HTTP request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ep.Provider, attemptCtx, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(ep.Provider, attemptCtx, fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(ep.Provider, httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		return nil, &ProviderError{Kind: KindUnknown, Provider: ep.Provider, Err: err}
	}
	return resp, nil
}

// classifyTransportError maps network-level failures. A deadline blown on the
// attempt context is a timeout; everything else is unknown and retryable.
func classifyTransportError(provider string, attemptCtx context.Context, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTimeout, Provider: provider, Err: err}
	}
	return &ProviderError{Kind: KindUnknown, Provider: provider, Err: err}
}

// classifyHTTPError maps an HTTP error response to a failure kind. The body
// is consulted for the 429 case because some providers use it for both rate
// limiting and exhausted quota.
func classifyHTTPError(provider string, statusCode int, body []byte) *ProviderError {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("API error (status %d): %s", statusCode, bodyStr)

	kind := KindUnknown
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		kind = KindAuth
	case statusCode == http.StatusPaymentRequired:
		kind = KindQuota
	case statusCode == http.StatusTooManyRequests:
		kind = KindRateLimit
		lower := strings.ToLower(bodyStr)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "billing") {
			kind = KindQuota
		}
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		kind = KindTimeout
	case statusCode == http.StatusBadRequest,
		statusCode == http.StatusNotFound,
		statusCode == http.StatusRequestEntityTooLarge,
		statusCode == http.StatusUnprocessableEntity:
		kind = KindBadRequest
	case statusCode >= 500:
		kind = KindUnknown
	}

	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}
