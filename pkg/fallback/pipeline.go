// Package fallback implements the plain-HTTP reply pipeline used when the
// realtime transport is unavailable or a response fails mid-turn: build
// model context from conversation memory, fetch a completion, speak it, and
// persist the assistant turn.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/michalfoune/rizma-voice/pkg/convo"
)

// Completer produces a chat completion for the given context window.
type Completer interface {
	Complete(ctx context.Context, messages []convo.ContextMessage) (string, error)
}

// Synthesizer renders text to encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player plays one encoded audio clip.
type Player interface {
	Play(payload []byte) error
}

// Pipeline is the HTTP reply path. Reply assumes the triggering user turn
// has already been appended to Memory.
type Pipeline struct {
	// Memory is the conversation store context is built from and the
	// assistant turn is appended to. Required.
	Memory *convo.Store

	// Completer fetches the reply text. Required.
	Completer Completer

	// Synthesizer and Player form the speech stage. Either may be nil, which
	// degrades the pipeline to text-only replies.
	Synthesizer Synthesizer
	Player      Player

	// SystemPrompt heads the context window.
	SystemPrompt string

	// WindowPairs bounds the exchanges included in context.
	// Default: convo.DefaultWindowPairs.
	WindowPairs int

	// OnTurn surfaces the finalized assistant turn.
	OnTurn func(convo.Turn)
}

// Reply runs one fallback exchange and returns the assistant text. A failed
// or empty completion aborts with nothing appended to memory. A failed
// synthesis or playback degrades to a silent text-only turn: the text is
// already persisted and surfaced, so speech failure is logged, not returned.
func (p *Pipeline) Reply(ctx context.Context) (string, error) {
	pairs := p.WindowPairs
	if pairs <= 0 {
		pairs = convo.DefaultWindowPairs
	}
	messages := p.Memory.BuildContext(p.SystemPrompt, pairs)

	text, err := p.Completer.Complete(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("fallback: completion: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("fallback: completion returned no text")
	}

	if err := p.Memory.Append(ctx, convo.RoleAssistant, text); err != nil {
		slog.Warn("fallback: persist assistant turn", "error", err)
	}
	if p.OnTurn != nil {
		p.OnTurn(convo.Turn{Role: convo.RoleAssistant, Content: text})
	}

	p.speak(ctx, text)
	return text, nil
}

func (p *Pipeline) speak(ctx context.Context, text string) {
	if p.Synthesizer == nil || p.Player == nil {
		return
	}
	clip, err := p.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		slog.Warn("fallback: synthesis failed, text-only turn", "error", err)
		return
	}
	if err := p.Player.Play(clip); err != nil {
		slog.Warn("fallback: playback failed", "error", err)
	}
}
