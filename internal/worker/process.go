package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mbabbott/terrarium-worker/internal/agentclient"
	"github.com/mbabbott/terrarium-worker/internal/chatlog"
	"github.com/mbabbott/terrarium-worker/internal/conversation"
	"github.com/mbabbott/terrarium-worker/internal/relay"
	"github.com/mbabbott/terrarium-worker/internal/status"
)

// processChat refreshes one chat from the relay and answers every
// visitor message not yet handled. Exactly one queue worker runs this
// for a given chat id at a time.
func (w *Worker) processChat(ctx context.Context, chatID string) error {
	conv := w.store.Get(chatID)

	messages, err := w.relay.FetchMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("fetch messages for chat %s: %w", chatID, err)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	var fresh []relay.Message
	for _, msg := range messages {
		role := conversation.RoleAssistant
		if msg.Sender == relay.SenderVisitor {
			role = conversation.RoleUser
		}
		conv.Ingest(role, msg.Content, msg.ID)

		// A visitor message needs a response even when the turn itself
		// was already ingested: ingestion dedup and response dedup are
		// separate ledgers. A turn can be in the history without ever
		// having been answered.
		if msg.Sender == relay.SenderVisitor && msg.ID != "" && !w.alreadyProcessed(msg.ID) {
			fresh = append(fresh, msg)
		}
	}

	for _, msg := range fresh {
		w.handleVisitorMessage(ctx, conv, msg)
		w.markProcessed(msg.ID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Worker) alreadyProcessed(messageID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.processed[messageID]
	return ok
}

func (w *Worker) markProcessed(messageID string) {
	w.mu.Lock()
	w.processed[messageID] = struct{}{}
	w.mu.Unlock()
}

// handleVisitorMessage runs the tool-call loop for one visitor turn
// and always delivers exactly one terminal agent message, substituting
// a fixed fallback when generation fails. Failures here are isolated:
// they never abort the surrounding chat scan.
func (w *Worker) handleVisitorMessage(ctx context.Context, conv *conversation.Conversation, msg relay.Message) {
	w.logger.Info("handling visitor message",
		"chat_id", conv.ChatID,
		"message_id", msg.ID,
		"length", len(msg.Content),
	)
	w.events.Log(conv.ChatID, chatlog.EventVisitorMessage, map[string]any{
		"message_id": msg.ID,
		"content":    msg.Content,
		"created_at": msg.CreatedAt,
	})

	conv.Prune(w.cfg.MaxTurns)
	w.postWorkerState(ctx, conv.ChatID, relay.StateProcessing, "")

	response, latencyMS, err := w.runToolLoop(ctx, conv)

	state := relay.StateResponded
	detail := ""
	if err != nil {
		state = relay.StateError
		detail = err.Error()

		var agentErr *agentclient.Error
		if errors.As(err, &agentErr) {
			response = FallbackServiceTrouble
		} else {
			response = FallbackUnexpected
		}
		w.markLLM(status.Offline, detail, 0, false)
		w.logger.Error("visitor message failed",
			"chat_id", conv.ChatID,
			"message_id", msg.ID,
			"category", agentclient.CategoryOf(err),
			"error", err,
		)
	} else {
		w.markLLM(status.Online, "", latencyMS, true)
	}

	conv.Add(conversation.RoleAssistant, response)
	if postErr := w.relay.PostAgentMessage(ctx, conv.ChatID, response); postErr != nil {
		w.logger.Error("unable to deliver agent message", "chat_id", conv.ChatID, "error", postErr)
	}
	w.publishChunk(ctx, conv.ChatID, "", true)

	w.events.Log(conv.ChatID, chatlog.EventAssistantMessage, map[string]any{
		"content":    response,
		"latency_ms": latencyMS,
		"fallback":   err != nil,
	})
	w.postWorkerState(ctx, conv.ChatID, state, detail)
	w.publishStatus(ctx)
}

// runToolLoop drives streamed completions against the agent API until
// the model returns a plain assistant message, executing requested
// tools between rounds. The iteration budget bounds runaway tool use.
func (w *Worker) runToolLoop(ctx context.Context, conv *conversation.Conversation) (string, float64, error) {
	messages := conv.PromptMessages(w.agent.SystemPrompt(), w.cfg.MaxTurns)
	onChunk := func(chunk string) {
		w.publishChunk(ctx, conv.ChatID, chunk, false)
	}

	var lastLatency float64
	for iteration := 0; iteration < w.cfg.MaxToolIterations; iteration++ {
		msg, latencyMS, err := w.agent.Chat(ctx, agentclient.ChatRequest{
			Messages:    messages,
			Tools:       w.toolDefs,
			Temperature: agentclient.DefaultTemperature,
			Stream:      true,
			OnChunk:     onChunk,
		})
		if err != nil {
			return "", 0, err
		}
		lastLatency = latencyMS

		if len(msg.ToolCalls) == 0 {
			if msg.Content == "" {
				return "", 0, agentclient.Errorf(agentclient.CategoryEmptyResponse,
					"agent returned no content for chat %s", conv.ChatID)
			}
			return msg.Content, lastLatency, nil
		}

		w.events.Log(conv.ChatID, chatlog.EventToolCalls, map[string]any{
			"iteration": iteration,
			"calls":     toolCallSummaries(msg.ToolCalls),
		})
		// The tool-call turn goes to the store even when its content is
		// empty, so the reconstructed history keeps the same shape as
		// the wire exchange.
		conv.Add(conversation.RoleAssistant, msg.Content)
		messages = append(messages, msg)

		for _, call := range msg.ToolCalls {
			result := w.runTool(ctx, conv.ChatID, call)
			callID := call.ID
			if callID == "" {
				callID = "tool_call"
			}
			messages = append(messages, agentclient.Message{
				Role:       string(conversation.RoleTool),
				Content:    result,
				ToolCallID: callID,
				Name:       call.Function.Name,
			})
			conv.Add(conversation.RoleTool, fmt.Sprintf("[tool:%s] %s", call.Function.Name, result))
		}
	}

	return "", 0, agentclient.Errorf(agentclient.CategoryToolBudget,
		"no final answer after %d tool iterations", w.cfg.MaxToolIterations)
}

// runTool executes one requested tool call and always returns text for
// the model: execution failures become an explanatory result rather
// than aborting the loop.
func (w *Worker) runTool(ctx context.Context, chatID string, call agentclient.ToolCall) string {
	name := call.Function.Name

	args := map[string]any{}
	if raw := call.Function.Arguments; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			w.logger.Warn("malformed tool arguments, using empty object",
				"chat_id", chatID, "tool", name, "error", err)
			args = map[string]any{}
		}
	}

	w.logger.Debug("executing tool", "chat_id", chatID, "tool", name)
	result, err := w.executor.Execute(ctx, name, args)
	if err != nil {
		w.logger.Warn("tool execution failed", "chat_id", chatID, "tool", name, "error", err)
		result = fmt.Sprintf("Tool %s failed: %v", name, err)
	}

	w.events.Log(chatID, chatlog.EventToolResult, map[string]any{
		"tool":   name,
		"result": result,
	})
	return result
}

// publishChunk forwards one streamed fragment to the relay. Streaming
// is progressive rendering only, so delivery is best-effort and
// failures are logged at debug.
func (w *Worker) publishChunk(ctx context.Context, chatID, content string, done bool) {
	if err := w.relay.PostAgentChunk(ctx, chatID, content, done); err != nil {
		w.logger.Debug("unable to publish agent chunk", "chat_id", chatID, "error", err)
	}
}

func (w *Worker) postWorkerState(ctx context.Context, chatID string, state relay.WorkerState, detail string) {
	if err := w.relay.PostWorkerState(ctx, chatID, state, detail); err != nil {
		w.logger.Warn("unable to post worker state",
			"chat_id", chatID, "state", string(state), "error", err)
	}
	w.events.Log(chatID, chatlog.EventWorkerState, map[string]any{
		"state":  string(state),
		"detail": detail,
	})
}

func toolCallSummaries(calls []agentclient.ToolCall) []map[string]string {
	out := make([]map[string]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, map[string]string{
			"id":        call.ID,
			"name":      call.Function.Name,
			"arguments": call.Function.Arguments,
		})
	}
	return out
}
