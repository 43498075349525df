package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// wsURL converts an httptest server URL to a websocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestEventStreamEnqueuesChatActivity(t *testing.T) {
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.Header.Get("x-service-token"))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frames := []string{
			`{"type":"chat_activity","chatId":"chat-1"}`,
			`not json`,
			`{"type":"presence","chatId":"chat-2"}`,
			`{"type":"chat_activity","chatId":""}`,
			`{"type":"chat_activity","chatId":"chat-3"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ids := make(chan string, 8)
	stream := NewEventStream(wsURL(srv), "tok", time.Second, func(id string) { ids <- id }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	want := []string{"chat-1", "chat-3"}
	for _, w := range want {
		select {
		case got := <-ids:
			if got != w {
				t.Errorf("enqueued %q, want %q", got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for chat id %q", w)
		}
	}

	if !stream.Connected() {
		t.Error("Connected() = false while stream is live")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if stream.Connected() {
		t.Error("Connected() = true after shutdown")
	}

	if tok, _ := gotToken.Load().(string); tok != "tok" {
		t.Errorf("x-service-token = %q, want %q", tok, "tok")
	}
}

func TestEventStreamReconnects(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection immediately to force a retry.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_activity","chatId":"after-retry"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ids := make(chan string, 1)
	stream := NewEventStream(wsURL(srv), "tok", 50*time.Millisecond, func(id string) { ids <- id }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	select {
	case got := <-ids:
		if got != "after-retry" {
			t.Errorf("enqueued %q, want after-retry", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
	if dials.Load() < 2 {
		t.Errorf("dials = %d, want at least 2", dials.Load())
	}
}

func TestEventStreamSurvivesUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	stream := NewEventStream(wsURL(srv), "tok", 20*time.Millisecond, func(string) {}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after ctx expired")
	}
}
