package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// streamOnce issues one streaming completion request and decodes the
// SSE response. Each frame is a "data: " line carrying a JSON delta;
// a literal [DONE] payload terminates the stream and malformed frames
// are skipped, not fatal. Content deltas accumulate and flow to
// onChunk; tool-call deltas merge into pending calls keyed by call id,
// with repeated ids concatenating their argument fragments in arrival
// order.
func (c *Client) streamOnce(ctx context.Context, payload chatPayload, onChunk func(string)) (Message, float64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, 0, WrapError(CategoryUnknown, err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return Message{}, 0, WrapError(CategoryUnknown, err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return Message{}, 0, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Message{}, 0, statusError(resp)
	}

	var (
		content strings.Builder
		pending []*ToolCall
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

scan:
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break scan
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed frames
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onChunk != nil {
				onChunk(delta.Content)
			}
		}
		for _, call := range delta.ToolCalls {
			mergeToolCallDelta(&pending, call)
		}
	}

	if err := scanner.Err(); err != nil {
		return Message{}, 0, classifyTransportError(err)
	}
	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)

	msg := Message{Role: "assistant", Content: content.String()}
	for _, call := range pending {
		msg.ToolCalls = append(msg.ToolCalls, *call)
	}
	return msg, latencyMS, nil
}

// mergeToolCallDelta folds one tool-call fragment into the pending set.
// A fragment with a new id opens a pending call; a fragment repeating
// an id appends its argument text to that call's buffer, never
// overwriting it. Continuation fragments without an id belong to the
// most recently opened call.
func mergeToolCallDelta(pending *[]*ToolCall, delta toolCallDelta) {
	var target *ToolCall
	if delta.ID != "" {
		for _, call := range *pending {
			if call.ID == delta.ID {
				target = call
				break
			}
		}
	} else if n := len(*pending); n > 0 {
		target = (*pending)[n-1]
	}

	if target == nil {
		*pending = append(*pending, &ToolCall{
			ID:   delta.ID,
			Type: delta.Type,
			Function: FunctionCall{
				Name:      delta.Function.Name,
				Arguments: delta.Function.Arguments,
			},
		})
		return
	}

	if delta.Function.Name != "" && target.Function.Name == "" {
		target.Function.Name = delta.Function.Name
	}
	if delta.Type != "" && target.Type == "" {
		target.Type = delta.Type
	}
	target.Function.Arguments += delta.Function.Arguments
}
