// Package agentclient is the resilient client for the local inference
// backend's OpenAI-compatible chat completions endpoint. It owns the
// retry/backoff and circuit-breaker machinery, decodes both full JSON
// completions and SSE token streams, and reassembles tool calls whose
// arguments arrive as split fragments.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mbabbott/terrarium-worker/internal/buildinfo"
	"github.com/mbabbott/terrarium-worker/internal/config"
	"github.com/mbabbott/terrarium-worker/internal/httpkit"
)

// Config holds the settings for a Client. Zero values fall back to
// the documented defaults.
type Config struct {
	APIURL string
	Model  string
	// HealthURL overrides the derived health endpoint.
	HealthURL    string
	SystemPrompt string
	// Timeout bounds one request attempt (default 60s). Streaming calls
	// rely on the request context instead of a client-level timeout.
	Timeout time.Duration
	// MaxRetries is the attempt budget per operation (default 3, min 1).
	MaxRetries int
	// CircuitFailures consecutive failures open the circuit (default 3).
	CircuitFailures int
	// CircuitCooldown is how long the circuit stays open (default 10s).
	CircuitCooldown time.Duration
	Logger          *slog.Logger
}

// Client talks to the inference backend. Circuit-breaker state is
// private to one Client instance and mutated only inside the retry
// loop.
type Client struct {
	apiURL       string
	model        string
	healthURL    string
	systemPrompt string

	httpClient   *http.Client
	streamClient *http.Client

	maxRetries      int
	circuitFailures int
	circuitCooldown time.Duration

	logger *slog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	openUntil           time.Time

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.CircuitFailures <= 0 {
		cfg.CircuitFailures = 3
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = 10 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = DeriveHealthURL(cfg.APIURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ua := buildinfo.UserAgent()
	return &Client{
		apiURL:       cfg.APIURL,
		model:        cfg.Model,
		healthURL:    cfg.HealthURL,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   httpkit.NewClient(ua, httpkit.WithTimeout(cfg.Timeout)),
		// No client-level timeout on the streaming path: a healthy
		// stream can outlive any fixed budget. The per-attempt context
		// carries the deadline instead.
		streamClient:    httpkit.NewClient(ua, httpkit.WithTimeout(0)),
		maxRetries:      cfg.MaxRetries,
		circuitFailures: cfg.CircuitFailures,
		circuitCooldown: cfg.CircuitCooldown,
		logger:          logger.With("component", "agentclient"),
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

// SystemPrompt returns the configured system prompt.
func (c *Client) SystemPrompt() string { return c.systemPrompt }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Chat executes one chat completion, streaming or not, with retries
// and circuit breaking. It returns the assistant message and the
// wall-clock latency of the successful attempt in milliseconds.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (Message, float64, error) {
	payload := chatPayload{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		payload.Tools = req.Tools
		payload.ToolChoice = "auto"
	}

	if req.Stream {
		return c.execute(ctx, "stream", func() (Message, float64, error) {
			return c.streamOnce(ctx, payload, req.OnChunk)
		})
	}
	return c.execute(ctx, "request", func() (Message, float64, error) {
		return c.postOnce(ctx, payload)
	})
}

// Generate runs a plain non-streaming completion over prepared
// messages and returns the assistant text. An empty reply is an error:
// the chat widget must never be handed silence.
func (c *Client) Generate(ctx context.Context, messages []Message) (string, float64, error) {
	msg, latencyMS, err := c.Chat(ctx, ChatRequest{
		Messages:    messages,
		Temperature: DefaultTemperature,
	})
	if err != nil {
		return "", 0, err
	}
	if msg.Content == "" {
		return "", 0, Errorf(CategoryEmptyResponse, "agent returned an empty response")
	}
	return msg.Content, latencyMS, nil
}

// execute runs op through the retry and circuit-breaker policy:
//
//  1. An open circuit fails immediately with circuit_open, no attempt.
//  2. Otherwise op runs up to maxRetries times.
//  3. Success resets the circuit.
//  4. A retryable failure before the last attempt records the failure
//     and backs off min(2^attempt, 8)s plus up to 1s of jitter.
//  5. A non-retryable failure, or a retryable one on the last attempt,
//     records the failure and propagates.
func (c *Client) execute(ctx context.Context, kind string, op func() (Message, float64, error)) (Message, float64, error) {
	if remaining, open := c.circuitRemaining(); open {
		return Message{}, 0, Errorf(CategoryCircuitOpen,
			"agent circuit is open; backing off for %s", remaining.Round(time.Millisecond))
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		msg, latencyMS, err := op()
		if err == nil {
			c.recordSuccess()
			return msg, latencyMS, nil
		}

		c.recordFailure()
		lastErr = err
		category := CategoryOf(err)
		if !category.Retryable() || attempt == c.maxRetries-1 {
			return Message{}, 0, err
		}

		backoff := backoffDelay(attempt)
		c.logger.Warn("agent attempt failed, backing off",
			"kind", kind,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"category", string(category),
			"backoff", backoff.Round(100*time.Millisecond).String(),
			"error", err,
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return Message{}, 0, lastErr
		}
	}

	return Message{}, 0, lastErr
}

// backoffDelay is capped exponential backoff with jitter: the cap keeps
// a long retry chain from stalling a chat, the jitter keeps concurrent
// retries from synchronizing against a single backend.
func backoffDelay(attempt int) time.Duration {
	base := min(1<<attempt, 8)
	return time.Duration(base)*time.Second + time.Duration(rand.Float64()*float64(time.Second))
}

// circuitRemaining reports whether the circuit is open and for how much
// longer.
func (c *Client) circuitRemaining() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openUntil.IsZero() {
		return 0, false
	}
	remaining := c.openUntil.Sub(c.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures++
	if c.consecutiveFailures >= c.circuitFailures {
		c.openUntil = c.now().Add(c.circuitCooldown)
		c.logger.Warn("agent circuit opened",
			"cooldown", c.circuitCooldown.String(),
			"consecutive_failures", c.consecutiveFailures,
		)
	}
}

// postOnce issues one non-streaming completion request.
func (c *Client) postOnce(ctx context.Context, payload chatPayload) (Message, float64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, 0, WrapError(CategoryUnknown, err, "marshal request")
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return Message{}, 0, WrapError(CategoryUnknown, err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Message{}, 0, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Message{}, 0, statusError(resp)
	}

	var completion completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return Message{}, 0, WrapError(CategoryUnknown, err, "decode response")
	}
	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)

	if len(completion.Choices) == 0 {
		return Message{}, 0, Errorf(CategoryEmptyResponse, "agent response carried no choices")
	}
	msg := completion.Choices[0].Message
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return Message{}, 0, Errorf(CategoryEmptyResponse, "agent returned an empty response")
	}

	c.logger.Log(ctx, config.LevelTrace, "response content", "content", msg.Content)
	return msg, latencyMS, nil
}

// statusError maps a non-200 response to a categorized error:
// 401 is an auth failure, 5xx is a retryable server error, anything
// else is a plain HTTP error.
func statusError(resp *http.Response) *Error {
	detail := httpkit.ReadErrorBody(resp.Body, 4096)
	category := CategoryHTTPError
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		category = CategoryAuth
	case resp.StatusCode >= 500:
		category = CategoryServerError
	}
	if detail != "" {
		return Errorf(category, "agent returned HTTP %d: %s", resp.StatusCode, detail)
	}
	return Errorf(category, "agent returned HTTP %d", resp.StatusCode)
}

// classifyTransportError distinguishes timeouts from other network
// failures so the retry policy can tell them apart in logs and details.
func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return WrapError(CategoryTimeout, err, "agent request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WrapError(CategoryTimeout, err, "agent request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(CategoryNetwork, err, "agent request canceled")
	}
	return WrapError(CategoryNetwork, err, "agent request failed")
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
