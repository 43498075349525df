package agentclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mbabbott/terrarium-worker/internal/httpkit"
	"github.com/mbabbott/terrarium-worker/internal/status"
)

// DeriveHealthURL derives the backend's health endpoint from its chat
// completions URL by replacing everything after the /v1/ marker with
// /health. This mirrors how the backend mounts its API and is only a
// default; an explicitly configured health URL always wins.
func DeriveHealthURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return apiURL
	}
	const marker = "/v1/"
	if idx := strings.Index(u.Path, marker); idx >= 0 {
		u.Path = u.Path[:idx] + "/health"
	} else {
		u.Path = "/health"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// CheckAPIStatus probes the backend's health endpoint with a single
// GET, with no retry machinery; the status loop re-probes on its own
// cadence. A 2xx is online, 5xx is degraded, any other status is
// online with the status as detail, and a transport failure is
// offline.
func (c *Client) CheckAPIStatus(ctx context.Context) (status.Level, string) {
	target := c.healthURL
	if target == "" {
		target = c.apiURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return status.Offline, err.Error()
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("agent health check failed", "error", err)
		return status.Offline, err.Error()
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return status.Online, ""
	case resp.StatusCode >= 500:
		return status.Degraded, fmt.Sprintf("HTTP %d", resp.StatusCode)
	default:
		return status.Online, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
}

// ProbeLLM checks model liveness with a minimal completion: a fixed
// two-message ping, temperature zero, and a tight token cap so the
// probe costs almost nothing. It runs through the full retry and
// circuit machinery; the returned latency is only meaningful when err
// is nil.
func (c *Client) ProbeLLM(ctx context.Context) (float64, error) {
	messages := []Message{
		{Role: "system", Content: "You are the worker's self-check. Reply with a short 'ok' acknowledgement."},
		{Role: "user", Content: "Ping"},
	}
	_, latencyMS, err := c.Chat(ctx, ChatRequest{
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   4,
	})
	if err != nil {
		return 0, err
	}
	return latencyMS, nil
}
