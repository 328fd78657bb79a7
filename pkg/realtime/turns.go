package realtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/michalfoune/rizma-voice/pkg/convo"
)

// Status is the user-visible session status string.
type Status string

const (
	StatusIdle      Status = "Idle"
	StatusListening Status = "Listening..."
	StatusThinking  Status = "Thinking..."
	StatusError     Status = "Error"
)

// State is the turn-taking state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "idle"
	}
}

// TurnHooks are the callbacks the turn state machine drives. All fields are
// optional except RequestResponse when running in manual turn-detection mode.
type TurnHooks struct {
	// SetStatus surfaces a status string for display.
	SetStatus func(Status)

	// SetMicEnabled re-enables (or mutes) the microphone input.
	SetMicEnabled func(enabled bool)

	// RequestResponse triggers an explicit response request in manual mode.
	RequestResponse func() error

	// OnTurn surfaces each finalized turn after it is appended to memory.
	OnTurn func(convo.Turn)

	// OnResponseFailed, when set, is invoked instead of normal finalization
	// when response.done reports status "failed". Callers typically route
	// this into the HTTP fallback pipeline. When nil a failed response
	// finalizes like any other (using whatever text arrived).
	OnResponseFailed func(*ServerEvent)
}

// TurnEngine classifies inbound protocol events into the turn-taking state
// machine (idle → listening → thinking → speaking → idle), accumulates
// streamed partial assistant text, and appends finalized turns to memory.
//
// Events are handled to completion one at a time; a failure while handling
// one event never prevents classification of the next.
type TurnEngine struct {
	mu        sync.Mutex
	state     State
	serverVAD bool
	memory    *convo.Store
	hooks     TurnHooks

	// assistantBuf accumulates streamed partial text for the in-flight
	// assistant turn. At most one response is in flight at a time.
	assistantBuf strings.Builder

	// responseRequested guards against duplicate manual response requests
	// within one user turn. Reset on speech_started and after finalization.
	responseRequested bool

	lastErr *EventError
}

// NewTurnEngine creates a turn state machine appending finalized turns to
// memory. serverVAD mirrors the session configuration: when false the
// machine requests responses explicitly via hooks.RequestResponse.
func NewTurnEngine(memory *convo.Store, serverVAD bool, hooks TurnHooks) *TurnEngine {
	return &TurnEngine{
		state:     StateIdle,
		serverVAD: serverVAD,
		memory:    memory,
		hooks:     hooks,
	}
}

// State returns the current turn-taking state.
func (e *TurnEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the most recent remote-reported protocol error, or nil.
func (e *TurnEngine) LastError() *EventError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// HandleEvent classifies one inbound event. Dispatch is isolated: a panic
// while handling is logged and leaves the machine in its current state.
func (e *TurnEngine) HandleEvent(ctx context.Context, evt *ServerEvent) {
	if evt == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("turn engine: event handler failed", "type", evt.Type, "panic", r)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch evt.Type {
	case EventTypeSpeechStarted:
		// New user turn starting.
		e.state = StateListening
		e.responseRequested = false
		e.setStatus(StatusListening)

	case EventTypeSpeechStopped:
		e.state = StateThinking
		e.setStatus(StatusThinking)
		e.maybeRequestResponse()

	case EventTypeInputTranscriptionCompleted:
		e.state = StateThinking
		if text := userTranscript(evt); text != "" {
			e.appendTurn(ctx, convo.RoleUser, text)
		}
		e.maybeRequestResponse()

	case EventTypeResponseAudioTranscriptDelta, EventTypeResponseOutputTextDelta:
		// Assistant text may stream over either channel depending on the
		// configured modalities; accept whichever arrives.
		if evt.Delta != "" {
			e.assistantBuf.WriteString(evt.Delta)
		}
		e.state = StateSpeaking

	case EventTypeResponseAudioTranscriptDone, EventTypeResponseOutputTextDone, EventTypeResponseDone:
		if evt.Type == EventTypeResponseDone && evt.Response != nil &&
			evt.Response.Status == ResponseStatusFailed && e.hooks.OnResponseFailed != nil {
			slog.Error("turn engine: remote response failed",
				"response_id", evt.Response.ID,
				"details", truncate(string(evt.Response.StatusDetails), 500))
			e.resetAfterTurn()
			e.hooks.OnResponseFailed(evt)
			return
		}
		e.finalizeAssistantTurn(ctx, evt)

	case EventTypeError:
		slog.Error("turn engine: remote error event",
			"payload", truncate(string(evt.Raw), 1000))
		if evt.ErrorInfo != nil {
			e.lastErr = evt.ErrorInfo
		} else {
			e.lastErr = &EventError{Message: "unspecified remote error"}
		}
		e.state = StateIdle
		e.setStatus(StatusError)

	default:
		// Unknown tags must never crash the handler.
		slog.Debug("turn engine: ignoring event", "type", evt.Type)
	}
}

// finalizeAssistantTurn resolves the final text, appends it, and resets for
// the next user turn. An explicit finalization payload wins over the
// accumulated buffer, avoiding duplication when both are present.
func (e *TurnEngine) finalizeAssistantTurn(ctx context.Context, evt *ServerEvent) {
	final := explicitFinalText(evt)
	if final == "" {
		final = strings.TrimSpace(e.assistantBuf.String())
	}
	if final != "" {
		e.appendTurn(ctx, convo.RoleAssistant, final)
	}
	e.resetAfterTurn()
}

// resetAfterTurn clears the in-flight buffer and flags, returns to idle,
// and re-enables the microphone for the next user turn.
func (e *TurnEngine) resetAfterTurn() {
	e.assistantBuf.Reset()
	e.state = StateIdle
	e.responseRequested = false
	e.setStatus(StatusIdle)
	if e.hooks.SetMicEnabled != nil {
		e.hooks.SetMicEnabled(true)
	}
}

// maybeRequestResponse issues a manual response request at most once per
// user turn when server turn detection is disabled.
func (e *TurnEngine) maybeRequestResponse() {
	if e.serverVAD || e.responseRequested || e.hooks.RequestResponse == nil {
		return
	}
	e.responseRequested = true
	if err := e.hooks.RequestResponse(); err != nil {
		slog.Warn("turn engine: response request failed", "error", err)
	}
}

func (e *TurnEngine) appendTurn(ctx context.Context, role convo.Role, text string) {
	if e.memory != nil {
		if err := e.memory.Append(ctx, role, text); err != nil {
			slog.Warn("turn engine: persist turn", "role", role, "error", err)
		}
	}
	if e.hooks.OnTurn != nil {
		e.hooks.OnTurn(convo.Turn{Role: role, Content: text})
	}
}

func (e *TurnEngine) setStatus(s Status) {
	if e.hooks.SetStatus != nil {
		e.hooks.SetStatus(s)
	}
}

// userTranscript extracts the user transcript, tolerating the shapes the
// endpoint has been seen to use.
func userTranscript(evt *ServerEvent) string {
	text := evt.Transcript
	if text == "" {
		text = evt.Text
	}
	if text == "" && evt.Item != nil && evt.Item.InputAudioTranscription != nil {
		text = evt.Item.InputAudioTranscription.Text
	}
	return strings.TrimSpace(text)
}

// explicitFinalText extracts an explicit finalization payload, if any.
func explicitFinalText(evt *ServerEvent) string {
	text := evt.Transcript
	if text == "" {
		text = evt.Text
	}
	if text == "" && evt.Response != nil {
		text = evt.Response.OutputText
	}
	return strings.TrimSpace(text)
}
