package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// chatActivityType is the push event that signals new traffic on a chat.
const chatActivityType = "chat_activity"

// workerEvent is one push event from the worker-updates stream.
type workerEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// EventStream maintains the long-lived worker-updates WebSocket. It
// reconnects forever with a fixed delay on any failure and never
// terminates the process; chat-activity events are handed to the
// enqueue callback. Connected lets the poll loop suppress ticks while
// push delivery is live.
type EventStream struct {
	url     string
	token   string
	retry   time.Duration
	enqueue func(chatID string)
	logger  *slog.Logger

	connected atomic.Bool
}

// NewEventStream creates a stream for the worker-updates URL. enqueue
// is invoked from the stream's goroutine for every chat_activity event.
func NewEventStream(url, serviceToken string, retry time.Duration, enqueue func(chatID string), logger *slog.Logger) *EventStream {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{
		url:     url,
		token:   serviceToken,
		retry:   retry,
		enqueue: enqueue,
		logger:  logger.With("component", "relay_events"),
	}
}

// Connected reports whether the push stream is currently live.
func (s *EventStream) Connected() bool {
	return s.connected.Load()
}

// Run connects, reads events, and reconnects on failure until ctx is
// cancelled.
func (s *EventStream) Run(ctx context.Context) {
	for {
		if err := s.runOnce(ctx); err != nil {
			s.logger.Warn("worker updates stream error", "error", err)
		}
		s.connected.Store(false)

		select {
		case <-ctx.Done():
			s.logger.Info("worker updates stream stopped")
			return
		case <-time.After(s.retry):
		}
		s.logger.Info("worker updates stream reconnecting", "retry", s.retry.String())
	}
}

// runOnce dials the stream and reads events until the connection dies
// or ctx is cancelled.
func (s *EventStream) runOnce(ctx context.Context) error {
	header := http.Header{}
	header.Set("x-service-token", s.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer conn.Close()

	// Unblock the read loop on shutdown: ReadMessage has no context, so
	// closing the connection is the cancellation path.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	s.connected.Store(true)
	s.logger.Info("connected to worker updates stream", "url", s.url)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var event workerEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			s.logger.Warn("ignoring invalid worker event payload", "error", err)
			continue
		}
		if event.Type != chatActivityType || event.ChatID == "" {
			s.logger.Debug("ignoring worker event", "type", event.Type)
			continue
		}

		s.logger.Debug("chat activity event", "chat_id", event.ChatID)
		s.enqueue(event.ChatID)
	}
}
