package agentclient

// Message is a chat message in the OpenAI-compatible wire format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool-role responses
	Name       string     `json:"name,omitempty"`         // tool name on tool-role responses
}

// ToolCall is a model-emitted request to invoke a named function.
// Arguments is the raw JSON text as streamed by the backend; callers
// parse it themselves because models routinely emit malformed JSON.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest describes one chat completion call.
type ChatRequest struct {
	Messages    []Message
	Tools       []map[string]any // OpenAI tool schemas; presence implies tool_choice "auto"
	Temperature float64
	MaxTokens   int // 0 = unset
	Stream      bool
	// OnChunk receives incremental content deltas while streaming. It is
	// invoked synchronously on the goroutine draining the response body.
	OnChunk func(string)
}

// DefaultTemperature matches the backend's conversational default.
const DefaultTemperature = 0.7

// chatPayload is the request body for the completions endpoint.
type chatPayload struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Temperature float64          `json:"temperature"`
	Stream      bool             `json:"stream"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []map[string]any `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

// completionResponse is the non-streaming response body.
type completionResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// streamChunk is one decoded SSE frame of a streaming response.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// toolCallDelta is an incremental tool-call fragment inside a frame.
// The first fragment for a call carries its id and function name;
// later fragments carry argument text to append.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}
