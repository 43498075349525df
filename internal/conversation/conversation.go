// Package conversation keeps per-chat turn history with message-id
// dedup and pruning. The store is a single map from chat id to
// conversation; each conversation is mutated only by the worker
// currently processing that chat id, which the orchestrator's
// in-flight set enforces.
package conversation

import (
	"sync"
	"time"

	"github.com/mbabbott/terrarium-worker/internal/agentclient"
)

// Role is a conversation turn role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the closed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Turn is one immutable conversation turn. MessageID is set for turns
// ingested from the relay and empty for turns the worker adds itself.
type Turn struct {
	Role      Role
	Content   string
	MessageID string
	CreatedAt time.Time
}

// Conversation is the ordered history for one chat.
type Conversation struct {
	ChatID string

	turns        []Turn
	lastActivity time.Time
	seen         map[string]struct{}
}

// New creates an empty conversation for a chat.
func New(chatID string) *Conversation {
	return &Conversation{
		ChatID:       chatID,
		lastActivity: time.Now(),
		seen:         make(map[string]struct{}),
	}
}

// Ingest appends a relay-delivered turn unless its message id was seen
// before. Re-ingesting a seen id is a no-op and returns false.
func (c *Conversation) Ingest(role Role, content, messageID string) bool {
	if messageID != "" {
		if _, ok := c.seen[messageID]; ok {
			return false
		}
		c.seen[messageID] = struct{}{}
	}
	c.turns = append(c.turns, Turn{
		Role:      role,
		Content:   content,
		MessageID: messageID,
		CreatedAt: time.Now(),
	})
	c.lastActivity = time.Now()
	return true
}

// Add appends a worker-originated turn (no message id).
func (c *Conversation) Add(role Role, content string) {
	c.turns = append(c.turns, Turn{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
	c.lastActivity = time.Now()
}

// Seen reports whether a message id has been ingested.
func (c *Conversation) Seen(messageID string) bool {
	_, ok := c.seen[messageID]
	return ok
}

// Prune keeps the most recent maxTurns turns in original order. The
// seen set is untouched: dedup must survive pruning or a re-delivered
// old message would re-enter the history.
func (c *Conversation) Prune(maxTurns int) {
	if maxTurns > 0 && len(c.turns) > maxTurns {
		c.turns = c.turns[len(c.turns)-maxTurns:]
	}
}

// Len returns the turn count.
func (c *Conversation) Len() int { return len(c.turns) }

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// LastActivity returns the time of the most recent turn.
func (c *Conversation) LastActivity() time.Time { return c.lastActivity }

// Stale reports whether the conversation has been idle longer than d.
func (c *Conversation) Stale(d time.Duration) bool {
	return time.Since(c.lastActivity) > d
}

// PromptMessages builds the message list for a completion call: the
// system prompt followed by the most recent maxTurns turns.
func (c *Conversation) PromptMessages(systemPrompt string, maxTurns int) []agentclient.Message {
	turns := c.turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	messages := make([]agentclient.Message, 0, len(turns)+1)
	if systemPrompt != "" {
		messages = append(messages, agentclient.Message{Role: string(RoleSystem), Content: systemPrompt})
	}
	for _, turn := range turns {
		messages = append(messages, agentclient.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return messages
}

// Store maps chat ids to conversations. The mutex guards the map
// itself; conversation contents are serialized by the orchestrator's
// at-most-one-worker-per-chat discipline, not by this lock.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{conversations: make(map[string]*Conversation)}
}

// Get returns the conversation for a chat id, creating it on first
// sight.
func (s *Store) Get(chatID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[chatID]
	if !ok {
		conv = New(chatID)
		s.conversations[chatID] = conv
	}
	return conv
}

// Len returns the number of tracked conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Sweep drops conversations idle longer than maxAge and returns how
// many were removed. Callers must not hold references to swept
// conversations; the orchestrator sweeps only ids that are not in
// flight.
func (s *Store) Sweep(maxAge time.Duration, inFlight func(chatID string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, conv := range s.conversations {
		if inFlight != nil && inFlight(id) {
			continue
		}
		if conv.Stale(maxAge) {
			delete(s.conversations, id)
			removed++
		}
	}
	return removed
}
