// Package chatlog writes an append-only per-chat event log to SQLite
// for observability: visitor messages, tool calls and results,
// streamed chunks, final answers, and worker-state transitions. The
// core never reads it back and its loss is non-fatal, so every write
// is best-effort.
package chatlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Event types recorded by the worker.
const (
	EventVisitorMessage   = "visitor_message"
	EventToolCalls        = "tool_calls"
	EventToolResult       = "tool_result"
	EventAssistantChunk   = "assistant_chunk"
	EventAssistantMessage = "assistant_message"
	EventWorkerState      = "worker_state"
)

// Entry is one logged event.
type Entry struct {
	ID        string
	ChatID    string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Logger appends chat events. A nil *Logger is a safe no-op, which is
// how the disabled configuration is expressed.
type Logger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the event log database.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open chat log database: %w", err)
	}

	l := &Logger{db: db, logger: logger.With("component", "chatlog")}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chat log: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Logger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_events (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_events_chat_id ON chat_events(chat_id);
	CREATE INDEX IF NOT EXISTS idx_chat_events_created_at ON chat_events(created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// newID generates a UUIDv7 so entries sort by creation time.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Log appends one event. Failures are logged at debug and swallowed;
// the event log must never interfere with chat processing.
func (l *Logger) Log(chatID, eventType string, payload any) {
	if l == nil {
		return
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		l.logger.Debug("unable to encode chat log payload", "error", err)
		return
	}

	_, err = l.db.Exec(
		`INSERT INTO chat_events (id, chat_id, type, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		newID(), chatID, eventType, string(encoded), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		l.logger.Debug("unable to write chat log entry", "error", err)
	}
}

// Recent returns the newest n events for a chat, oldest first.
func (l *Logger) Recent(chatID string, n int) ([]Entry, error) {
	if l == nil {
		return nil, nil
	}

	// UUIDv7 ids are time-sortable, so ordering by id is insertion
	// order even when created_at strings carry differing fractional
	// precision.
	rows, err := l.db.Query(
		`SELECT id, chat_id, type, payload_json, created_at
		 FROM chat_events WHERE chat_id = ?
		 ORDER BY id DESC LIMIT ?`,
		chatID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first for natural reading order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
