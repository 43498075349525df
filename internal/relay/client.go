// Package relay is the client for the hosted chat relay: the REST
// surface that owns chat and message state, and the worker-updates
// WebSocket that pushes chat activity. The relay is the system of
// record; this worker holds no durable state of its own.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbabbott/terrarium-worker/internal/buildinfo"
	"github.com/mbabbott/terrarium-worker/internal/httpkit"
	"github.com/mbabbott/terrarium-worker/internal/status"
)

// SenderVisitor is the relay's sender tag for visitor-authored messages.
const SenderVisitor = "Visitor"

// WorkerState is the per-chat processing state reported to the relay.
type WorkerState string

const (
	StateProcessing WorkerState = "processing"
	StateResponded  WorkerState = "responded"
	StateError      WorkerState = "error"
)

// Message is one chat message as reported by the relay.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Client talks to the relay REST API. Every request carries the shared
// service token; when a signing key is configured, requests also carry
// an HMAC signature over method, path, timestamp, and body.
type Client struct {
	baseURL      string
	serviceToken string
	signer       *Signer
	httpClient   *http.Client
	logger       *slog.Logger
}

// Config holds relay client settings.
type Config struct {
	BaseURL      string
	ServiceToken string
	// SigningKey enables per-request signatures when non-empty.
	SigningKey string
	// Timeout bounds each request (default 15s).
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewClient creates a relay client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var signer *Signer
	if cfg.SigningKey != "" {
		signer = NewSigner(cfg.SigningKey)
	}

	return &Client{
		baseURL:      trimTrailingSlash(cfg.BaseURL),
		serviceToken: cfg.ServiceToken,
		signer:       signer,
		httpClient:   httpkit.NewClient(buildinfo.UserAgent(), httpkit.WithTimeout(cfg.Timeout)),
		logger:       logger.With("component", "relay"),
	}
}

// ServiceToken returns the shared credential, for the event stream's
// handshake headers.
func (c *Client) ServiceToken() string { return c.serviceToken }

// Ping verifies the relay is reachable and the token accepted.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.FetchOpenChats(ctx)
	return err
}

// FetchOpenChats returns the ids of all chats the relay considers open.
func (c *Client) FetchOpenChats(ctx context.Context) ([]string, error) {
	var payload struct {
		ChatIDs []string `json:"chatIds"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats/open", nil, &payload); err != nil {
		return nil, fmt.Errorf("fetch open chats: %w", err)
	}
	return payload.ChatIDs, nil
}

// FetchMessages returns all messages for a chat in relay order.
// Callers sort by CreatedAt before processing.
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]Message, error) {
	var messages []Message
	path := "/api/chat/" + chatID + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("fetch messages for chat %s: %w", chatID, err)
	}
	return messages, nil
}

// PostAgentMessage delivers the terminal assistant message for a chat.
func (c *Client) PostAgentMessage(ctx context.Context, chatID, content string) error {
	path := "/api/chat/" + chatID + "/agent"
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("post agent message for chat %s: %w", chatID, err)
	}
	return nil
}

// PostAgentChunk delivers a streaming partial. done marks the end of
// the streamed response.
func (c *Client) PostAgentChunk(ctx context.Context, chatID, content string, done bool) error {
	path := "/api/chat/" + chatID + "/agent-chunk"
	body := map[string]any{"content": content, "done": done}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("post agent chunk for chat %s: %w", chatID, err)
	}
	return nil
}

// PostWorkerStatus publishes the combined component status report.
func (c *Client) PostWorkerStatus(ctx context.Context, report status.Report) error {
	if err := c.do(ctx, http.MethodPost, "/api/worker/status", report, nil); err != nil {
		return fmt.Errorf("post worker status: %w", err)
	}
	return nil
}

// PostWorkerState reports a chat's processing state transition.
func (c *Client) PostWorkerState(ctx context.Context, chatID string, state WorkerState, detail string) error {
	path := "/api/chat/" + chatID + "/worker-state"
	body := map[string]string{"state": string(state)}
	if detail != "" {
		body["detail"] = detail
	}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("post worker state for chat %s: %w", chatID, err)
	}
	return nil
}

// do issues one request with auth headers and decodes the response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-service-token", c.serviceToken)

	if c.signer != nil {
		ts := time.Now().Unix()
		req.Header.Set("x-signature-timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("x-signature", c.signer.Sign(method, path, ts, encoded))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := httpkit.ReadErrorBody(resp.Body, 2048)
		return fmt.Errorf("%s %s: relay returned HTTP %d: %s", method, path, resp.StatusCode, detail)
	}

	if out == nil {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
