package agentclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// sseHandler writes each frame as an SSE data line.
func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			w.Write([]byte("data: " + frame + "\n\n"))
		}
	}
}

func TestStreamContentAndChunks(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo "}}]}`,
		`{"choices":[{"delta":{"content":"there"}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{})

	var chunks []string
	msg, _, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Stream:   true,
		OnChunk:  func(s string) { chunks = append(chunks, s) },
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if msg.Content != "Hello there" {
		t.Errorf("content = %q, want %q", msg.Content, "Hello there")
	}
	if got := strings.Join(chunks, ""); got != "Hello there" {
		t.Errorf("chunks = %q, want %q", got, "Hello there")
	}
	if len(chunks) != 3 {
		t.Errorf("chunk count = %d, want 3", len(chunks))
	}
}

func TestStreamToolCallReassembly(t *testing.T) {
	// One tool call whose arguments arrive as three fragments; the
	// fragments after the first carry only the id.
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"search_site","arguments":"{\"qu"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"arguments":"ery\":\"pro"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"arguments":"jects\"}"}}]}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{})
	msg, _, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(msg.ToolCalls))
	}
	call := msg.ToolCalls[0]
	if call.ID != "call_1" || call.Function.Name != "search_site" {
		t.Errorf("call = %+v, want id call_1 name search_site", call)
	}
	if want := `{"query":"projects"}`; call.Function.Arguments != want {
		t.Errorf("arguments = %q, want %q", call.Function.Arguments, want)
	}
}

func TestStreamFragmentsWithoutIDMergeIntoLastCall(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"search_site","arguments":"{\"query\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"go\"}"}}]}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{})
	msg, _, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(msg.ToolCalls))
	}
	if want := `{"query":"go"}`; msg.ToolCalls[0].Function.Arguments != want {
		t.Errorf("arguments = %q, want %q", msg.ToolCalls[0].Function.Arguments, want)
	}
}

func TestStreamDoneStopsDecoding(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"before"}}]}`,
		`[DONE]`,
		`{"choices":[{"delta":{"content":" after"}}]}`,
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{})
	msg, _, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if msg.Content != "before" {
		t.Errorf("content = %q, want %q", msg.Content, "before")
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"good"}}]}`,
		`{not json at all`,
		`{"choices":[{"delta":{"content":" frames"}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Config{})
	msg, _, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if msg.Content != "good frames" {
		t.Errorf("content = %q, want %q", msg.Content, "good frames")
	}
}

func TestDeriveHealthURL(t *testing.T) {
	tests := []struct {
		apiURL string
		want   string
	}{
		{"http://127.0.0.1:8000/v1/chat/completions", "http://127.0.0.1:8000/health"},
		{"https://llm.example.com/api/v1/chat/completions", "https://llm.example.com/api/health"},
		{"http://127.0.0.1:8000/chat", "http://127.0.0.1:8000/health"},
		{"http://127.0.0.1:8000/v1/chat/completions?key=x", "http://127.0.0.1:8000/health"},
	}
	for _, tt := range tests {
		if got := DeriveHealthURL(tt.apiURL); got != tt.want {
			t.Errorf("DeriveHealthURL(%q) = %q, want %q", tt.apiURL, got, tt.want)
		}
	}
}

func TestCheckAPIStatus(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		wantLevel  string
		wantDetail string
	}{
		{"healthy", 200, "online", ""},
		{"server error", 503, "degraded", "HTTP 503"},
		{"client error", 404, "online", "HTTP 404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL, Config{HealthURL: srv.URL})
			level, detail := c.CheckAPIStatus(context.Background())
			if string(level) != tt.wantLevel {
				t.Errorf("level = %q, want %q", level, tt.wantLevel)
			}
			if detail != tt.wantDetail {
				t.Errorf("detail = %q, want %q", detail, tt.wantDetail)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		c, _ := newTestClient(t, srv.URL, Config{HealthURL: srv.URL})
		level, detail := c.CheckAPIStatus(context.Background())
		if string(level) != "offline" {
			t.Errorf("level = %q, want offline", level)
		}
		if detail == "" {
			t.Error("detail is empty, want transport error text")
		}
	})
}
