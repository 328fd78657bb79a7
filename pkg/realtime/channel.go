package realtime

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
)

// ControlChannelLabel is the label of the side channel carrying protocol
// events alongside the media streams.
const ControlChannelLabel = "oai-events"

// DataChannel is the subset of *webrtc.DataChannel the side channel uses.
// Abstracted so the protocol layer can be exercised without a live
// peer connection.
type DataChannel interface {
	Label() string
	OnOpen(func())
	OnClose(func())
	OnMessage(func(webrtc.DataChannelMessage))
	Send([]byte) error
	Close() error
	ReadyState() webrtc.DataChannelState
}

// ChannelConfig is the session configuration pushed once per channel open.
// Reconnecting re-wires the channel and resends it.
type ChannelConfig struct {
	// Instructions is the system prompt for the session.
	Instructions string

	// Voice is the voice identifier. Default: "marin".
	Voice string

	// Modalities are the accepted output modalities.
	// Default: ["audio", "text"].
	Modalities []string

	// ServerVAD enables server-side turn detection. When false the session
	// runs in manual mode: turn_detection is sent as an explicit null and
	// the client must request each response itself.
	ServerVAD bool

	// OnOpen fires after the session configuration has been sent.
	OnOpen func()
}

func (c *ChannelConfig) voice() string {
	if c.Voice == "" {
		return "marin"
	}
	return c.Voice
}

func (c *ChannelConfig) modalities() []string {
	if len(c.Modalities) == 0 {
		return []string{"audio", "text"}
	}
	return c.Modalities
}

// SideChannel owns the control data channel: it serializes outbound control
// messages, decodes inbound events, and enforces the send-configuration-on-
// open contract. At most one channel is wired at a time; wiring a new one
// closes the previous and suppresses its remaining events.
type SideChannel struct {
	mu        sync.Mutex
	ch        DataChannel
	gen       uint64
	serverVAD bool
}

// NewSideChannel creates an unwired side channel.
func NewSideChannel() *SideChannel {
	return &SideChannel{}
}

// Wire takes ownership of ch, closing and replacing any previously wired
// channel. Inbound messages are decoded and forwarded to onEvent; empty and
// non-text payloads are ignored, and decode failures are logged and dropped.
// On open, exactly one session-configuration message built from cfg is sent.
func (c *SideChannel) Wire(ch DataChannel, onEvent func(*ServerEvent), cfg ChannelConfig) {
	c.mu.Lock()
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			slog.Debug("side channel: close previous channel", "error", err)
		}
	}
	c.gen++
	gen := c.gen
	c.ch = ch
	c.serverVAD = cfg.ServerVAD
	c.mu.Unlock()

	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !c.current(gen) {
			return
		}
		if !msg.IsString || len(msg.Data) == 0 {
			return
		}
		evt, err := parseEvent(msg.Data)
		if err != nil {
			slog.Warn("side channel: dropping undecodable message",
				"error", err, "payload", truncate(string(msg.Data), 1000))
			return
		}
		if onEvent != nil {
			onEvent(evt)
		}
	})

	ch.OnOpen(func() {
		if !c.current(gen) {
			return
		}
		if err := c.send(sessionUpdateEvent(cfg)); err != nil {
			slog.Warn("side channel: session.update failed", "error", err)
		}
		if cfg.OnOpen != nil {
			cfg.OnOpen()
		}
	})

	ch.OnClose(func() {
		slog.Debug("side channel: closed", "label", ch.Label())
	})
}

// current reports whether gen is the live wiring generation.
func (c *SideChannel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// ServerVAD reports whether the wired configuration enabled server-side
// turn detection.
func (c *SideChannel) ServerVAD() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVAD
}

// SendTurn emits a user message event. Blank text is a no-op. When server
// turn detection is disabled a response request follows immediately.
func (c *SideChannel) SendTurn(text string) error {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	err := c.send(map[string]interface{}{
		"event_id": generateEventID(),
		"type":     EventTypeConversationItemCreate,
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": t},
			},
		},
	})
	if err != nil {
		return err
	}
	if !c.ServerVAD() {
		return c.RequestResponse(nil)
	}
	return nil
}

// RequestResponse emits a response-request event asking for audio+text,
// merged with caller-supplied overrides. Callers must guard against issuing
// this while a response is in flight; the turn state machine holds that
// flag, not this layer.
func (c *SideChannel) RequestResponse(extra map[string]interface{}) error {
	response := map[string]interface{}{
		"modalities": []string{"audio", "text"},
	}
	for k, v := range extra {
		response[k] = v
	}
	return c.send(map[string]interface{}{
		"event_id": generateEventID(),
		"type":     EventTypeResponseCreate,
		"response": response,
	})
}

// Close closes the wired channel, if any. Idempotent.
func (c *SideChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	c.gen++
	return err
}

// send marshals and sends one event. If the channel does not exist or is
// not open the send is a no-op reporting ErrChannelNotOpen.
func (c *SideChannel) send(event map[string]interface{}) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if ch == nil || ch.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	slog.Debug("side channel: sending event", "content", truncate(string(data), 500))
	return ch.Send(data)
}

// sessionUpdateEvent builds the one-shot session configuration message.
// Manual mode sends turn_detection as an explicit null.
func sessionUpdateEvent(cfg ChannelConfig) map[string]interface{} {
	session := map[string]interface{}{
		"voice":      cfg.voice(),
		"modalities": cfg.modalities(),
	}
	if cfg.Instructions != "" {
		session["instructions"] = cfg.Instructions
	}
	if cfg.ServerVAD {
		session["turn_detection"] = map[string]interface{}{"type": "server_vad"}
	} else {
		session["turn_detection"] = nil
	}
	return map[string]interface{}{
		"event_id": generateEventID(),
		"type":     EventTypeSessionUpdate,
		"session":  session,
	}
}
