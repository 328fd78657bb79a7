package convo

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer folds compacted turns into a new running summary. It receives
// the existing summary and the rendered block of turns to fold in, and
// returns the replacement summary. Returning blank text (or an error) leaves
// the store untouched; compaction is retried the next time the threshold is
// crossed.
type Summarizer func(ctx context.Context, existingSummary, contextText string) (string, error)

// ShouldCompact reports whether the retained turn count exceeds limit.
func (s *Store) ShouldCompact(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns) > limit
}

// Compact folds all turns beyond the most recent limit into the running
// summary. The compacted turns are rendered as a flat "ROLE: content" block,
// handed to the summarizer together with the existing summary. When the
// summarizer returns non-blank text, the summary is replaced, the folded
// turns are dropped from the log, and the result is persisted. Turns
// appended while the summarizer runs are always retained; they fold in on a
// later cycle.
//
// Once compacted, turns are gone from the retained log; the summary is the
// only trace of them. A blank summarizer result is a no-op, not an error.
func (s *Store) Compact(ctx context.Context, summarize Summarizer, limit int) (bool, error) {
	s.mu.Lock()
	if len(s.turns) <= limit {
		s.mu.Unlock()
		return false, nil
	}
	cut := len(s.turns) - limit
	older := make([]Turn, cut)
	copy(older, s.turns[:cut])
	existing := s.summary
	s.mu.Unlock()

	// The summarizer may block on the network; do not hold the lock across it.
	next, err := summarize(ctx, existing, RenderBlock(older))
	if err != nil {
		return false, fmt.Errorf("convo: summarize: %w", err)
	}
	next = strings.TrimSpace(next)
	if next == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) < cut {
		// A concurrent clear shrank the log past the snapshot; the new
		// summary no longer corresponds to the stored prefix.
		return false, nil
	}
	// Drop exactly the snapshotted prefix. Turns appended while the
	// summarizer was in flight sit after it and must be retained, even
	// when that leaves more than limit turns until the next cycle.
	s.summary = next
	s.turns = append([]Turn(nil), s.turns[cut:]...)
	if err := s.persistLocked(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// RenderBlock formats turns as "ROLE: content" paragraphs separated by blank
// lines, the shape handed to the summarizer.
func RenderBlock(turns []Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = strings.ToUpper(string(t.Role)) + ": " + t.Content
	}
	return strings.Join(parts, "\n\n")
}
