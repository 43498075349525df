package chatlog

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Logger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogAndRecent(t *testing.T) {
	l := openTestLog(t)

	l.Log("chat-1", EventVisitorMessage, map[string]any{"content": "hi"})
	l.Log("chat-1", EventToolCalls, map[string]any{"iteration": 0})
	l.Log("chat-1", EventAssistantMessage, map[string]any{"content": "hello"})
	l.Log("chat-2", EventVisitorMessage, map[string]any{"content": "other chat"})

	entries, err := l.Recent("chat-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}

	// Oldest first.
	wantTypes := []string{EventVisitorMessage, EventToolCalls, EventAssistantMessage}
	for i, e := range entries {
		if e.Type != wantTypes[i] {
			t.Errorf("entries[%d].Type = %q, want %q", i, e.Type, wantTypes[i])
		}
		if e.ChatID != "chat-1" {
			t.Errorf("entries[%d].ChatID = %q", i, e.ChatID)
		}
		if e.ID == "" {
			t.Errorf("entries[%d].ID is empty", i)
		}
		if e.CreatedAt.IsZero() {
			t.Errorf("entries[%d].CreatedAt is zero", i)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["content"] != "hi" {
		t.Errorf("payload = %v", payload)
	}
}

func TestRecentLimit(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 5; i++ {
		l.Log("chat-1", EventAssistantChunk, map[string]int{"n": i})
	}

	entries, err := l.Recent("chat-1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	// The newest two, oldest first.
	var first, second map[string]int
	json.Unmarshal(entries[0].Payload, &first)
	json.Unmarshal(entries[1].Payload, &second)
	if first["n"] != 3 || second["n"] != 4 {
		t.Errorf("payloads = %v, %v, want n=3 then n=4", first, second)
	}
}

func TestRecentKeepsInsertionOrderWithinSameInstant(t *testing.T) {
	l := openTestLog(t)

	// A tight burst lands entries on identical or near-identical
	// timestamps; the time-sortable ids must still yield insertion
	// order.
	const burst = 50
	for i := 0; i < burst; i++ {
		l.Log("chat-1", EventAssistantChunk, map[string]int{"n": i})
	}

	entries, err := l.Recent("chat-1", burst)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != burst {
		t.Fatalf("entries = %d, want %d", len(entries), burst)
	}
	for i, e := range entries {
		var payload map[string]int
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			t.Fatalf("unmarshal entry %d: %v", i, err)
		}
		if payload["n"] != i {
			t.Fatalf("entries[%d] payload n = %d, want %d", i, payload["n"], i)
		}
	}
}

func TestNilLoggerIsNoOp(t *testing.T) {
	var l *Logger
	l.Log("chat-1", EventVisitorMessage, map[string]any{"content": "hi"})

	entries, err := l.Recent("chat-1", 10)
	if err != nil {
		t.Fatalf("Recent on nil: %v", err)
	}
	if entries != nil {
		t.Errorf("entries = %v, want nil", entries)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil: %v", err)
	}
}

func TestUnencodablePayloadSwallowed(t *testing.T) {
	l := openTestLog(t)
	l.Log("chat-1", EventToolResult, map[string]any{"fn": func() {}})

	entries, err := l.Recent("chat-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}
