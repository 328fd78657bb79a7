package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrChannelNotOpen is reported when a send is attempted while the side
	// channel does not exist or is not open. The send is a no-op.
	ErrChannelNotOpen = errors.New("realtime: data channel not open")

	// ErrSessionActive is returned by Connect while a session is already
	// connecting or connected. Only one session may be live at a time.
	ErrSessionActive = errors.New("realtime: session already active")
)

// Kind classifies an Error by the stage that produced it.
type Kind string

const (
	// KindProvisioning covers ephemeral-token fetch failures. Fatal to the
	// connect attempt; no automatic retry.
	KindProvisioning Kind = "provisioning"

	// KindNegotiation covers descriptor creation and exchange failures.
	// Fatal to the connect attempt.
	KindNegotiation Kind = "negotiation"

	// KindProtocol covers errors reported by the remote endpoint over the
	// side channel. The session stays connected.
	KindProtocol Kind = "protocol"
)

// Error is a typed failure from the realtime session engine.
type Error struct {
	// Kind is the failure stage.
	Kind Kind

	// Code is a short machine-readable code (e.g. "sdp_exchange_failed").
	Code string

	// Message is the human-readable error message. Responses embedded here
	// are truncated.
	Message string

	// HTTPStatus is the HTTP status code, if applicable.
	HTTPStatus int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s: %s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: %s: %s", e.Kind, e.Message)
}

// EventError is the error payload carried by a remote "error" event.
type EventError struct {
	Type    string `json:"type,omitzero"`
	Code    string `json:"code,omitzero"`
	Message string `json:"message,omitzero"`
	Param   string `json:"param,omitzero"`
	EventID string `json:"event_id,omitzero"`
}

// ToError converts EventError to Error.
func (e *EventError) ToError() *Error {
	return &Error{
		Kind:    KindProtocol,
		Code:    e.Code,
		Message: e.Message,
	}
}

// truncate bounds s for embedding in error messages and logs.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
