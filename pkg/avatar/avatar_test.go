package avatar_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/michalfoune/rizma-voice/pkg/avatar"
)

type fakeHandle struct {
	mu          sync.Mutex
	connectErr  error
	connected   bool
	disconnects int
	micCalls    []bool
	messages    []string
	subscribers map[string][]func()
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{subscribers: make(map[string][]func())}
}

func (f *fakeHandle) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeHandle) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeHandle) On(event string, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[event] = append(f.subscribers[event], fn)
	return func() {}
}

func (f *fakeHandle) SetMicrophoneEnabled(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.micCalls = append(f.micCalls, enabled)
	return nil
}

func (f *fakeHandle) SendUserMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeHandle) emit(event string) {
	f.mu.Lock()
	fns := append([]func(){}, f.subscribers[event]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func TestWaitReadyAnyEventName(t *testing.T) {
	for _, name := range []string{"connected", "ready", "room_joined", "joined", "open"} {
		t.Run(name, func(t *testing.T) {
			h := newFakeHandle()
			done := make(chan struct{})
			go func() {
				avatar.WaitReady(context.Background(), h, 5*time.Second)
				close(done)
			}()

			// Give the prober time to subscribe.
			deadline := time.Now().Add(time.Second)
			for {
				h.mu.Lock()
				subscribed := len(h.subscribers[name]) > 0
				h.mu.Unlock()
				if subscribed || time.Now().After(deadline) {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			h.emit(name)

			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatalf("WaitReady did not resolve on %q", name)
			}
		})
	}
}

func TestWaitReadyTimesOutQuietly(t *testing.T) {
	h := newFakeHandle()
	start := time.Now()
	avatar.WaitReady(context.Background(), h, 30*time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("WaitReady took %v, should resolve at the timeout", elapsed)
	}
}

func TestControllerMicDeduplication(t *testing.T) {
	h := newFakeHandle()
	c := avatar.NewController(h)
	c.Connect(context.Background(), time.Millisecond)

	c.SetMicEnabled(true)
	c.SetMicEnabled(true)
	c.SetMicEnabled(false)
	c.SetMicEnabled(false)
	c.SetMicEnabled(true)

	h.mu.Lock()
	defer h.mu.Unlock()
	want := []bool{true, false, true}
	if len(h.micCalls) != len(want) {
		t.Fatalf("mic calls = %v, want %v", h.micCalls, want)
	}
	for i := range want {
		if h.micCalls[i] != want[i] {
			t.Fatalf("mic calls = %v, want %v", h.micCalls, want)
		}
	}
}

func TestControllerNilHandleIsNoop(t *testing.T) {
	c := avatar.NewController(nil)
	c.Connect(context.Background(), time.Millisecond)
	c.SetMicEnabled(true)
	c.SendUserMessage("hello")
	c.Disconnect()
}

func TestControllerConnectFailureSwallowed(t *testing.T) {
	h := newFakeHandle()
	h.connectErr = errors.New("room full")
	c := avatar.NewController(h)

	c.Connect(context.Background(), time.Millisecond)

	// Not connected: nothing forwarded.
	c.SetMicEnabled(true)
	c.SendUserMessage("hi")
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.micCalls) != 0 || len(h.messages) != 0 {
		t.Fatalf("forwarded while disconnected: mic=%v msgs=%v", h.micCalls, h.messages)
	}
}

func TestControllerDisconnectIdempotent(t *testing.T) {
	h := newFakeHandle()
	c := avatar.NewController(h)
	c.Connect(context.Background(), time.Millisecond)

	c.Disconnect()
	c.Disconnect()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", h.disconnects)
	}
}

func TestControllerSendUserMessage(t *testing.T) {
	h := newFakeHandle()
	c := avatar.NewController(h)
	c.Connect(context.Background(), time.Millisecond)

	c.SendUserMessage("hello there")
	c.SendUserMessage("")

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) != 1 || h.messages[0] != "hello there" {
		t.Fatalf("messages = %v", h.messages)
	}
}
