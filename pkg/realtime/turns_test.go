package realtime_test

import (
	"context"
	"testing"

	"github.com/michalfoune/rizma-voice/pkg/convo"
	"github.com/michalfoune/rizma-voice/pkg/kv"
	"github.com/michalfoune/rizma-voice/pkg/realtime"
)

func newTestMemory(t *testing.T) *convo.Store {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	return convo.New(store, "")
}

func TestManualModeRequestsResponseOncePerTurn(t *testing.T) {
	requests := 0
	eng := realtime.NewTurnEngine(newTestMemory(t), false, realtime.TurnHooks{
		RequestResponse: func() error { requests++; return nil },
	})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeSpeechStarted})
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeSpeechStopped})
	// Transcription completion for the same turn must not request again.
	eng.HandleEvent(ctx, &realtime.ServerEvent{
		Type:       realtime.EventTypeInputTranscriptionCompleted,
		Transcript: "hello",
	})
	// Nor a duplicate stop.
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeSpeechStopped})

	if requests != 1 {
		t.Fatalf("requested %d responses, want exactly 1", requests)
	}

	// A new user turn resets the guard.
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeSpeechStarted})
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeSpeechStopped})
	if requests != 2 {
		t.Fatalf("requested %d responses after new turn, want 2", requests)
	}
}

func TestServerVADNeverRequestsResponse(t *testing.T) {
	requests := 0
	eng := realtime.NewTurnEngine(newTestMemory(t), true, realtime.TurnHooks{
		RequestResponse: func() error { requests++; return nil },
	})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeSpeechStarted})
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeSpeechStopped})
	eng.HandleEvent(ctx, &realtime.ServerEvent{
		Type:       realtime.EventTypeInputTranscriptionCompleted,
		Transcript: "hello",
	})
	if requests != 0 {
		t.Fatalf("requested %d responses in server VAD mode, want 0", requests)
	}
}

func TestUserTranscriptAppendsToMemory(t *testing.T) {
	mem := newTestMemory(t)
	eng := realtime.NewTurnEngine(mem, true, realtime.TurnHooks{})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{
		Type:       realtime.EventTypeInputTranscriptionCompleted,
		Transcript: "what time is it",
	})

	turns := mem.Turns()
	if len(turns) != 1 {
		t.Fatalf("memory holds %d turns, want 1", len(turns))
	}
	if turns[0].Role != convo.RoleUser || turns[0].Content != "what time is it" {
		t.Fatalf("turn = %+v", turns[0])
	}
}

func TestUserTranscriptFallbackLocations(t *testing.T) {
	mem := newTestMemory(t)
	eng := realtime.NewTurnEngine(mem, true, realtime.TurnHooks{})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{
		Type: realtime.EventTypeInputTranscriptionCompleted,
		Item: &realtime.ItemPayload{
			InputAudioTranscription: &realtime.TranscriptionPayload{Text: "nested shape"},
		},
	})

	turns := mem.Turns()
	if len(turns) != 1 || turns[0].Content != "nested shape" {
		t.Fatalf("turns = %+v, want nested transcript extracted", turns)
	}
}

func TestStreamedDeltasFinalizeAsOneTurn(t *testing.T) {
	mem := newTestMemory(t)
	var finalized []convo.Turn
	eng := realtime.NewTurnEngine(mem, true, realtime.TurnHooks{
		OnTurn: func(turn convo.Turn) { finalized = append(finalized, turn) },
	})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeResponseAudioTranscriptDelta, Delta: "It is "})
	if got := eng.State(); got != realtime.StateSpeaking {
		t.Fatalf("state after delta = %v, want speaking", got)
	}
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeResponseAudioTranscriptDelta, Delta: "noon."})
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeResponseDone})

	if len(finalized) != 1 {
		t.Fatalf("finalized %d turns, want 1", len(finalized))
	}
	if finalized[0].Role != convo.RoleAssistant || finalized[0].Content != "It is noon." {
		t.Fatalf("turn = %+v", finalized[0])
	}
	if got := eng.State(); got != realtime.StateIdle {
		t.Fatalf("state after done = %v, want idle", got)
	}
}

func TestExplicitFinalTextWinsOverBuffer(t *testing.T) {
	var finalized []convo.Turn
	eng := realtime.NewTurnEngine(newTestMemory(t), true, realtime.TurnHooks{
		OnTurn: func(turn convo.Turn) { finalized = append(finalized, turn) },
	})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeResponseAudioTranscriptDelta, Delta: "partial"})
	eng.HandleEvent(ctx, &realtime.ServerEvent{
		Type:       realtime.EventTypeResponseAudioTranscriptDone,
		Transcript: "the complete transcript",
	})

	if len(finalized) != 1 {
		t.Fatalf("finalized %d turns, want 1", len(finalized))
	}
	if finalized[0].Content != "the complete transcript" {
		t.Fatalf("content = %q, want explicit payload to win", finalized[0].Content)
	}
}

func TestMicReenabledAfterAssistantTurn(t *testing.T) {
	var micStates []bool
	eng := realtime.NewTurnEngine(newTestMemory(t), true, realtime.TurnHooks{
		SetMicEnabled: func(enabled bool) { micStates = append(micStates, enabled) },
	})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeResponseOutputTextDelta, Delta: "hi"})
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeResponseDone})

	if len(micStates) == 0 || micStates[len(micStates)-1] != true {
		t.Fatalf("mic states = %v, want re-enable after turn", micStates)
	}
}

func TestRemoteErrorSetsErrorStatusAndContinues(t *testing.T) {
	var statuses []realtime.Status
	eng := realtime.NewTurnEngine(newTestMemory(t), true, realtime.TurnHooks{
		SetStatus: func(s realtime.Status) { statuses = append(statuses, s) },
	})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{
		Type:      realtime.EventTypeError,
		ErrorInfo: &realtime.EventError{Code: "rate_limited", Message: "slow down"},
	})

	if eng.LastError() == nil || eng.LastError().Code != "rate_limited" {
		t.Fatalf("last error = %+v", eng.LastError())
	}
	if len(statuses) == 0 || statuses[len(statuses)-1] != realtime.StatusError {
		t.Fatalf("statuses = %v, want Error last", statuses)
	}

	// The session survives: subsequent events still classify.
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeSpeechStarted})
	if got := eng.State(); got != realtime.StateListening {
		t.Fatalf("state after recovery = %v, want listening", got)
	}
}

func TestUnknownEventTypesIgnored(t *testing.T) {
	eng := realtime.NewTurnEngine(newTestMemory(t), true, realtime.TurnHooks{})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: "rate_limits.updated"})
	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: "session.created"})
	eng.HandleEvent(ctx, nil)

	if got := eng.State(); got != realtime.StateIdle {
		t.Fatalf("state = %v, want idle after unknown events", got)
	}
}

func TestFailedResponseRoutesToFallbackHook(t *testing.T) {
	mem := newTestMemory(t)
	var failed *realtime.ServerEvent
	eng := realtime.NewTurnEngine(mem, true, realtime.TurnHooks{
		OnResponseFailed: func(evt *realtime.ServerEvent) { failed = evt },
	})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeResponseAudioTranscriptDelta, Delta: "half an ans"})
	eng.HandleEvent(ctx, &realtime.ServerEvent{
		Type:     realtime.EventTypeResponseDone,
		Response: &realtime.ResponsePayload{ID: "resp_1", Status: "failed"},
	})

	if failed == nil || failed.Response.ID != "resp_1" {
		t.Fatalf("fallback hook not invoked: %+v", failed)
	}
	// The partial buffer is discarded rather than appended.
	if n := mem.Len(); n != 0 {
		t.Fatalf("memory holds %d turns after failed response, want 0", n)
	}
	if got := eng.State(); got != realtime.StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestFailedResponseWithoutHookFinalizesNormally(t *testing.T) {
	var finalized []convo.Turn
	eng := realtime.NewTurnEngine(newTestMemory(t), true, realtime.TurnHooks{
		OnTurn: func(turn convo.Turn) { finalized = append(finalized, turn) },
	})
	ctx := context.Background()

	eng.HandleEvent(ctx, &realtime.ServerEvent{Type: realtime.EventTypeResponseOutputTextDelta, Delta: "partial text"})
	eng.HandleEvent(ctx, &realtime.ServerEvent{
		Type:     realtime.EventTypeResponseDone,
		Response: &realtime.ResponsePayload{Status: "failed"},
	})

	if len(finalized) != 1 || finalized[0].Content != "partial text" {
		t.Fatalf("finalized = %+v, want buffered text kept when no hook is set", finalized)
	}
}
