// Package convo maintains the bounded conversation history shared by the
// realtime session engine and the HTTP fallback pipeline.
//
// The store holds an ordered log of turns plus a running summary. Older turns
// are folded into the summary by [Store.Compact] once the log exceeds its
// limit; the summary then stands in for the compacted turns when building
// model context. State is persisted as a single JSON record under one
// well-known key in a [kv.Store] after every mutation, so a crash never loses
// an already-surfaced turn.
package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/michalfoune/rizma-voice/pkg/kv"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single role-attributed utterance. Immutable once appended.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Timestamp is the Unix timestamp in milliseconds when the turn was
	// captured. Zero for turns loaded from records that predate it.
	Timestamp int64 `json:"ts,omitempty"`
}

// ContextMessage is one message in the context window sent to the model.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Storage and windowing defaults, matching the persisted record layout.
const (
	// DefaultKey is the well-known storage key for the memory record.
	DefaultKey = "rizma_memory_v1"

	// DefaultWindowPairs is the number of user+assistant exchanges included
	// in model context by default.
	DefaultWindowPairs = 6
)

// record is the persisted shape: {summary, turns}.
type record struct {
	Summary string `json:"summary"`
	Turns   []Turn `json:"turns"`
}

// Store is the durable conversation state. Create with New, then call
// Reload once at startup. All mutating methods persist before returning.
type Store struct {
	mu      sync.Mutex
	store   kv.Store
	key     string
	summary string
	turns   []Turn
}

// New creates a Store persisting under key in the given kv store.
// An empty key selects DefaultKey.
func New(store kv.Store, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{store: store, key: key}
}

// Reload replaces in-memory state with the persisted record. Missing or
// malformed storage is treated as empty state, never an error.
func (s *Store) Reload(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summary = ""
	s.turns = nil

	data, err := s.store.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			slog.Warn("convo: reload failed, starting empty", "key", s.key, "error", err)
		}
		return
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("convo: corrupt memory record, starting empty", "key", s.key, "error", err)
		return
	}
	s.summary = rec.Summary
	s.turns = rec.Turns
}

// Append adds a turn with a capture timestamp. Blank or whitespace-only
// content is a no-op. The new state is persisted before returning.
func (s *Store) Append(ctx context.Context, role Role, content string) error {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{
		Role:      role,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
	})
	return s.persistLocked(ctx)
}

// BuildContext returns the message window for a model request: the system
// prompt, the running summary as a second system message when non-empty,
// then the last maxPairs*2 turns in chronological order.
func (s *Store) BuildContext(systemPrompt string, maxPairs int) []ContextMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := []ContextMessage{{Role: "system", Content: systemPrompt}}
	if s.summary != "" {
		msgs = append(msgs, ContextMessage{
			Role:    "system",
			Content: "Conversation summary so far:\n" + s.summary,
		})
	}
	window := s.turns
	if n := maxPairs * 2; len(window) > n {
		window = window[len(window)-n:]
	}
	for _, t := range window {
		msgs = append(msgs, ContextMessage{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}

// Persist writes the current state to storage.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	rec := record{Summary: s.summary, Turns: s.turns}
	if rec.Turns == nil {
		rec.Turns = []Turn{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("convo: marshal memory record: %w", err)
	}
	if err := s.store.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("convo: persist memory record: %w", err)
	}
	return nil
}

// Clear resets summary and turns and persists the empty state immediately,
// so in-memory and durable state never diverge after a reset.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = ""
	s.turns = nil
	return s.persistLocked(ctx)
}

// Len returns the number of retained turns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Turns returns a copy of the retained turn log in chronological order.
func (s *Store) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Summary returns the running summary, empty until the first compaction.
func (s *Store) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}
