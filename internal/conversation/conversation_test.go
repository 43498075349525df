package conversation

import (
	"fmt"
	"testing"
	"time"
)

func TestIngestIdempotent(t *testing.T) {
	conv := New("chat-1")

	if !conv.Ingest(RoleUser, "hello", "msg-1") {
		t.Fatal("first ingest returned false")
	}
	if conv.Ingest(RoleUser, "hello", "msg-1") {
		t.Fatal("second ingest of same id returned true")
	}
	if got := conv.Len(); got != 1 {
		t.Errorf("len = %d, want 1", got)
	}
	if !conv.Seen("msg-1") {
		t.Error("Seen(msg-1) = false, want true")
	}
}

func TestIngestWithoutIDAlwaysAppends(t *testing.T) {
	conv := New("chat-1")
	conv.Ingest(RoleAssistant, "a", "")
	conv.Ingest(RoleAssistant, "b", "")
	if got := conv.Len(); got != 2 {
		t.Errorf("len = %d, want 2", got)
	}
}

func TestPruneKeepsMostRecentInOrder(t *testing.T) {
	conv := New("chat-1")
	for i := 0; i < 10; i++ {
		conv.Add(RoleUser, fmt.Sprintf("turn-%d", i))
	}

	conv.Prune(4)

	turns := conv.Turns()
	if len(turns) != 4 {
		t.Fatalf("len = %d, want 4", len(turns))
	}
	for i, turn := range turns {
		want := fmt.Sprintf("turn-%d", 6+i)
		if turn.Content != want {
			t.Errorf("turns[%d] = %q, want %q", i, turn.Content, want)
		}
	}
}

func TestPruneKeepsSeenSet(t *testing.T) {
	conv := New("chat-1")
	conv.Ingest(RoleUser, "old", "msg-old")
	for i := 0; i < 5; i++ {
		conv.Add(RoleAssistant, "filler")
	}
	conv.Prune(2)

	// The pruned message id must still dedup.
	if conv.Ingest(RoleUser, "old", "msg-old") {
		t.Error("re-ingest of pruned message id returned true")
	}
}

func TestPromptMessages(t *testing.T) {
	conv := New("chat-1")
	conv.Ingest(RoleUser, "question", "msg-1")
	conv.Add(RoleAssistant, "answer")

	msgs := conv.PromptMessages("be helpful", 16)
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Errorf("msgs[0] = %+v, want system prompt", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[2].Role != "assistant" {
		t.Errorf("roles = %q, %q, want user, assistant", msgs[1].Role, msgs[2].Role)
	}
}

func TestPromptMessagesTruncates(t *testing.T) {
	conv := New("chat-1")
	for i := 0; i < 10; i++ {
		conv.Add(RoleUser, fmt.Sprintf("turn-%d", i))
	}

	msgs := conv.PromptMessages("sys", 3)
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4 (system + 3 turns)", len(msgs))
	}
	if msgs[1].Content != "turn-7" {
		t.Errorf("first turn = %q, want turn-7", msgs[1].Content)
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		if !r.Valid() {
			t.Errorf("%q.Valid() = false", r)
		}
	}
	if Role("visitor").Valid() {
		t.Error(`Role("visitor").Valid() = true`)
	}
}

func TestStoreGetCreatesOnFirstSight(t *testing.T) {
	store := NewStore()
	a := store.Get("chat-1")
	b := store.Get("chat-1")
	if a != b {
		t.Error("Get returned different instances for the same chat id")
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d, want 1", store.Len())
	}
}

func TestStoreSweep(t *testing.T) {
	store := NewStore()
	stale := store.Get("stale")
	stale.lastActivity = time.Now().Add(-3 * time.Hour)
	fresh := store.Get("fresh")
	fresh.Add(RoleUser, "hi")
	busy := store.Get("busy")
	busy.lastActivity = time.Now().Add(-3 * time.Hour)

	removed := store.Sweep(2*time.Hour, func(id string) bool { return id == "busy" })
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if store.Len() != 2 {
		t.Errorf("store len = %d, want 2 (fresh and in-flight busy kept)", store.Len())
	}
}

func TestStale(t *testing.T) {
	conv := New("chat-1")
	conv.lastActivity = time.Now().Add(-time.Hour)
	if !conv.Stale(30 * time.Minute) {
		t.Error("Stale(30m) = false after 1h idle")
	}
	if conv.Stale(2 * time.Hour) {
		t.Error("Stale(2h) = true after 1h idle")
	}
}
