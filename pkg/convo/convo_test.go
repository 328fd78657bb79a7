package convo_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/michalfoune/rizma-voice/pkg/convo"
	"github.com/michalfoune/rizma-voice/pkg/kv"
)

func newStore(t *testing.T) (*convo.Store, kv.Store) {
	t.Helper()
	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })
	return convo.New(mem, ""), mem
}

// fill appends n alternating user/assistant turns u1,a1,u2,a2,...
func fill(t *testing.T, s *convo.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		role := convo.RoleUser
		label := "u"
		if i%2 == 1 {
			role = convo.RoleAssistant
			label = "a"
		}
		if err := s.Append(ctx, role, fmt.Sprintf("%s%d", label, i/2+1)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestAppendSkipsBlank(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	if err := s.Append(ctx, convo.RoleUser, "   "); err != nil {
		t.Fatalf("Append blank: %v", err)
	}
	if err := s.Append(ctx, convo.RoleUser, ""); err != nil {
		t.Fatalf("Append empty: %v", err)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0", got)
	}

	if err := s.Append(ctx, convo.RoleUser, "  hello  "); err != nil {
		t.Fatalf("Append: %v", err)
	}
	turns := s.Turns()
	if len(turns) != 1 || turns[0].Content != "hello" {
		t.Fatalf("turns = %+v, want one trimmed turn", turns)
	}
	if turns[0].Timestamp == 0 {
		t.Fatal("expected capture timestamp")
	}
}

func TestBuildContextWindow(t *testing.T) {
	s, _ := newStore(t)
	fill(t, s, 6) // u1 a1 u2 a2 u3 a3

	msgs := s.BuildContext("sys", 2)

	want := []convo.ContextMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "u2"},
		{Role: "assistant", Content: "a2"},
		{Role: "user", Content: "u3"},
		{Role: "assistant", Content: "a3"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(msgs), len(want), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Fatalf("msgs[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestBuildContextIncludesSummary(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	fill(t, s, 6)

	// Force a summary into place via compaction.
	ok, err := s.Compact(ctx, func(_ context.Context, existing, block string) (string, error) {
		return "they talked", nil
	}, 4)
	if err != nil || !ok {
		t.Fatalf("Compact = %v, %v; want ok", ok, err)
	}

	msgs := s.BuildContext("sys", 2)
	if len(msgs) < 2 || msgs[1].Role != "system" ||
		!strings.HasPrefix(msgs[1].Content, "Conversation summary so far:\n") {
		t.Fatalf("expected summary system message second, got %+v", msgs)
	}
}

func TestCompactTrimsToLimit(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	fill(t, s, 8) // u1 a1 u2 a2 u3 a3 u4 a4

	var gotBlock, gotExisting string
	ok, err := s.Compact(ctx, func(_ context.Context, existing, block string) (string, error) {
		gotExisting, gotBlock = existing, block
		return "summary-1", nil
	}, 4)
	if err != nil || !ok {
		t.Fatalf("Compact = %v, %v; want ok", ok, err)
	}

	if gotExisting != "" {
		t.Fatalf("existing summary = %q, want empty", gotExisting)
	}
	wantBlock := "USER: u1\n\nASSISTANT: a1\n\nUSER: u2\n\nASSISTANT: a2"
	if gotBlock != wantBlock {
		t.Fatalf("block = %q, want %q", gotBlock, wantBlock)
	}

	turns := s.Turns()
	if len(turns) != 4 {
		t.Fatalf("retained %d turns, want 4", len(turns))
	}
	want := []string{"u3", "a3", "u4", "a4"}
	for i, w := range want {
		if turns[i].Content != w {
			t.Fatalf("turns[%d] = %q, want %q", i, turns[i].Content, w)
		}
	}
	if s.Summary() != "summary-1" {
		t.Fatalf("summary = %q", s.Summary())
	}
}

func TestCompactNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	const limit = 4
	for i := 0; i < 20; i++ {
		if err := s.Append(ctx, convo.RoleUser, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if s.ShouldCompact(limit) {
			if _, err := s.Compact(ctx, func(_ context.Context, existing, block string) (string, error) {
				return existing + "+" + block[:1], nil
			}, limit); err != nil {
				t.Fatalf("Compact: %v", err)
			}
		}
		if got := s.Len(); got > limit {
			t.Fatalf("after append %d: %d turns retained, limit %d", i, got, limit)
		}
	}
}

func TestCompactRetainsTurnsAppendedDuringSummarize(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	fill(t, s, 8) // u1,a1 .. u4,a4

	const limit = 4
	ok, err := s.Compact(ctx, func(_ context.Context, _, block string) (string, error) {
		// The lock is released across this call; new turns arrive now.
		if err := s.Append(ctx, convo.RoleUser, "u5"); err != nil {
			t.Fatalf("Append during summarize: %v", err)
		}
		if err := s.Append(ctx, convo.RoleAssistant, "a5"); err != nil {
			t.Fatalf("Append during summarize: %v", err)
		}
		// Only the snapshotted prefix is folded in.
		if strings.Contains(block, "u3") || strings.Contains(block, "u5") {
			t.Fatalf("block folded live turns: %q", block)
		}
		return "folded", nil
	}, limit)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !ok {
		t.Fatal("Compact reported no mutation")
	}

	// Every turn outside the folded prefix survives: the ones inside the
	// retained window at snapshot time plus the ones appended mid-call.
	want := []string{"u3", "a3", "u4", "a4", "u5", "a5"}
	turns := s.Turns()
	if len(turns) != len(want) {
		t.Fatalf("retained %d turns, want %d: %+v", len(turns), len(want), turns)
	}
	for i, content := range want {
		if turns[i].Content != content {
			t.Fatalf("retained[%d] = %q, want %q (full: %+v)", i, turns[i].Content, content, turns)
		}
	}
	if s.Summary() != "folded" {
		t.Fatalf("summary = %q", s.Summary())
	}
}

func TestCompactBlankSummaryIsNoop(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	fill(t, s, 8)

	ok, err := s.Compact(ctx, func(_ context.Context, _, _ string) (string, error) {
		return "   ", nil
	}, 4)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if ok {
		t.Fatal("blank summary must not report a mutation")
	}
	if s.Len() != 8 {
		t.Fatalf("turns trimmed on blank summary: %d", s.Len())
	}
	if s.Summary() != "" {
		t.Fatalf("summary mutated on blank result: %q", s.Summary())
	}
}

func TestCompactBelowLimitIsNoop(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	fill(t, s, 4)

	called := false
	ok, err := s.Compact(ctx, func(_ context.Context, _, _ string) (string, error) {
		called = true
		return "x", nil
	}, 4)
	if err != nil || ok || called {
		t.Fatalf("Compact below limit: ok=%v err=%v called=%v", ok, err, called)
	}
}

func TestPersistReload(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })

	s := convo.New(mem, "")
	fill(t, s, 2)

	// A fresh store over the same kv sees the persisted state.
	s2 := convo.New(mem, "")
	s2.Reload(ctx)
	if s2.Len() != 2 {
		t.Fatalf("reloaded %d turns, want 2", s2.Len())
	}
	turns := s2.Turns()
	if turns[0].Content != "u1" || turns[1].Content != "a1" {
		t.Fatalf("reloaded turns = %+v", turns)
	}
}

func TestReloadToleratesMissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })

	s := convo.New(mem, "")
	s.Reload(ctx) // nothing stored
	if s.Len() != 0 || s.Summary() != "" {
		t.Fatal("missing record must load as empty state")
	}

	if err := mem.Set(ctx, convo.DefaultKey, []byte("{not json")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Reload(ctx)
	if s.Len() != 0 || s.Summary() != "" {
		t.Fatal("corrupt record must load as empty state")
	}
}

func TestClearThenReloadIsEmpty(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	t.Cleanup(func() { mem.Close() })

	s := convo.New(mem, "")
	fill(t, s, 6)
	if _, err := s.Compact(ctx, func(_ context.Context, _, _ string) (string, error) {
		return "sum", nil
	}, 4); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	s.Reload(ctx)
	if s.Len() != 0 || s.Summary() != "" {
		t.Fatalf("after clear+reload: len=%d summary=%q", s.Len(), s.Summary())
	}
}
