// Package avatar fronts a third-party visual avatar vendor behind a narrow
// facade, isolating the rest of the application from the vendor's event
// vocabulary and connection lifecycle.
package avatar

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultReadyTimeout bounds the readiness wait after Connect.
const DefaultReadyTimeout = 8 * time.Second

// readyEvents are the event names vendors have been seen to emit when the
// session becomes usable. All are probed; whichever fires first wins.
var readyEvents = []string{"connected", "ready", "room_joined", "joined", "open"}

// Handle is the vendor session surface the controller drives.
type Handle interface {
	// Connect opens the vendor session.
	Connect(ctx context.Context) error

	// Disconnect tears it down. Safe to call more than once.
	Disconnect() error

	// On subscribes to a named vendor event and returns a cancel function.
	On(event string, fn func()) (cancel func())

	// SetMicrophoneEnabled toggles the avatar's view of the microphone.
	SetMicrophoneEnabled(enabled bool) error

	// SendUserMessage forwards a user utterance for lip-sync or display.
	SendUserMessage(text string) error
}

// WaitReady subscribes to every known readiness event name on h and waits
// for the first to fire. Vendors disagree on which name they emit, and some
// emit none at all: a timeout is treated as ready with a warning rather
// than a failure, since sessions have been observed to work regardless.
func WaitReady(ctx context.Context, h Handle, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	ready := make(chan string, len(readyEvents))
	cancels := make([]func(), 0, len(readyEvents))
	for _, name := range readyEvents {
		name := name
		cancels = append(cancels, h.On(name, func() {
			select {
			case ready <- name:
			default:
			}
		}))
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case name := <-ready:
		slog.Debug("avatar: ready", "event", name)
	case <-timer.C:
		slog.Warn("avatar: no readiness event, proceeding anyway", "timeout", timeout)
	case <-ctx.Done():
		slog.Warn("avatar: readiness wait canceled", "error", ctx.Err())
	}
}

// Controller drives a vendor session for the voice client. Avatar failures
// are logged and swallowed: the voice session never degrades because the
// visual layer misbehaves.
type Controller struct {
	handle Handle

	mu        sync.Mutex
	connected bool

	// lastMic deduplicates mic-state forwarding; some vendors reset their
	// animation on every toggle, duplicates included.
	lastMic    bool
	lastMicSet bool
}

// NewController wraps a vendor handle. A nil handle yields a controller
// whose every method is a no-op, so callers need no nil checks.
func NewController(handle Handle) *Controller {
	return &Controller{handle: handle}
}

// Connect opens the vendor session and waits for readiness. Failure is
// logged, not returned.
func (c *Controller) Connect(ctx context.Context, readyTimeout time.Duration) {
	if c.handle == nil {
		return
	}
	if err := c.handle.Connect(ctx); err != nil {
		slog.Warn("avatar: connect failed", "error", err)
		return
	}
	WaitReady(ctx, c.handle, readyTimeout)
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
}

// Disconnect tears down the vendor session. Idempotent.
func (c *Controller) Disconnect() {
	if c.handle == nil {
		return
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.lastMicSet = false
	c.mu.Unlock()

	if err := c.handle.Disconnect(); err != nil {
		slog.Debug("avatar: disconnect", "error", err)
	}
}

// SetMicEnabled forwards a microphone state change, suppressing duplicates.
func (c *Controller) SetMicEnabled(enabled bool) {
	if c.handle == nil {
		return
	}
	c.mu.Lock()
	if !c.connected || (c.lastMicSet && c.lastMic == enabled) {
		c.mu.Unlock()
		return
	}
	c.lastMic = enabled
	c.lastMicSet = true
	c.mu.Unlock()

	if err := c.handle.SetMicrophoneEnabled(enabled); err != nil {
		slog.Warn("avatar: set microphone", "enabled", enabled, "error", err)
	}
}

// SendUserMessage forwards a user utterance.
func (c *Controller) SendUserMessage(text string) {
	if c.handle == nil || text == "" {
		return
	}
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}
	if err := c.handle.SendUserMessage(text); err != nil {
		slog.Warn("avatar: send user message", "error", err)
	}
}
