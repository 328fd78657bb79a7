package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Client event types (sent over the side channel).
const (
	EventTypeSessionUpdate          = "session.update"
	EventTypeConversationItemCreate = "conversation.item.create"
	EventTypeResponseCreate         = "response.create"
)

// Server event types the turn state machine classifies. Unknown tags are
// ignored, never an error.
const (
	EventTypeError = "error"

	EventTypeSpeechStarted = "input_audio_buffer.speech_started"
	EventTypeSpeechStopped = "input_audio_buffer.speech_stopped"

	EventTypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"

	EventTypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventTypeResponseAudioTranscriptDone  = "response.audio_transcript.done"
	EventTypeResponseOutputTextDelta      = "response.output_text.delta"
	EventTypeResponseOutputTextDone       = "response.output_text.done"
	EventTypeResponseDone                 = "response.done"
)

// ResponseStatusFailed marks a remote-reported turn failure on response.done.
const ResponseStatusFailed = "failed"

// ServerEvent is an inbound protocol message: a discriminated type tag plus
// the payload fields the engine reads. Transient; not retained beyond the
// handler invocation except for buffered deltas.
type ServerEvent struct {
	// Type is the event type tag.
	Type string `json:"type"`

	// EventID is the unique identifier for this event.
	EventID string `json:"event_id,omitzero"`

	// Transcript carries transcription text (user transcript completion,
	// assistant audio-transcript finalization).
	Transcript string `json:"transcript,omitzero"`

	// Text carries finalized output text (response.output_text.done).
	Text string `json:"text,omitzero"`

	// Delta carries incremental assistant text for *.delta events.
	Delta string `json:"delta,omitzero"`

	// ItemID is the conversation item this event refers to.
	ItemID string `json:"item_id,omitzero"`

	// AudioStartMs / AudioEndMs bound detected speech (speech_started /
	// speech_stopped).
	AudioStartMs int `json:"audio_start_ms,omitzero"`
	AudioEndMs   int `json:"audio_end_ms,omitzero"`

	// Item carries the conversation item payload, when present.
	Item *ItemPayload `json:"item,omitzero"`

	// Response carries the response resource for response.* events.
	Response *ResponsePayload `json:"response,omitzero"`

	// ErrorInfo carries the error payload for error events.
	ErrorInfo *EventError `json:"error,omitzero"`

	// Raw is the original JSON message.
	Raw []byte `json:"-"`
}

// ItemPayload is the subset of a conversation item the engine reads.
type ItemPayload struct {
	ID   string `json:"id,omitzero"`
	Role string `json:"role,omitzero"`

	// InputAudioTranscription is a fallback location for the user transcript
	// on some event shapes.
	InputAudioTranscription *TranscriptionPayload `json:"input_audio_transcription,omitzero"`
}

// TranscriptionPayload holds a transcription result.
type TranscriptionPayload struct {
	Text string `json:"text,omitzero"`
}

// ResponsePayload is the subset of a response resource the engine reads.
type ResponsePayload struct {
	ID     string `json:"id,omitzero"`
	Status string `json:"status,omitzero"`

	// OutputText is an explicit finalization payload some endpoints include
	// on response.done.
	OutputText string `json:"output_text,omitzero"`

	// StatusDetails is kept raw for logging on failed responses.
	StatusDetails json.RawMessage `json:"status_details,omitzero"`
}

// parseEvent decodes a raw side-channel message into a ServerEvent.
func parseEvent(message []byte) (*ServerEvent, error) {
	var event ServerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return nil, fmt.Errorf("realtime: parse event: %w", err)
	}
	event.Raw = message
	return &event, nil
}

// generateEventID generates a unique outbound event ID.
func generateEventID() string {
	return "evt_" + uuid.New().String()[:12]
}
