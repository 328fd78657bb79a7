package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn is a WebSocket-backed control connection: the same protocol events
// as the peer-connection side channel, without the media streams. Useful on
// networks where UDP negotiation cannot complete, or for text-only sessions.
type WSConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// WSConfig configures DialWS.
type WSConfig struct {
	// URL is the realtime WebSocket endpoint, including any model query
	// parameter.
	URL string

	// Token is the bearer credential (an ephemeral key or the API key when
	// dialing server-side).
	Token string

	// Dialer overrides the default dialer.
	Dialer *websocket.Dialer

	// Session is the configuration pushed immediately after the dial
	// succeeds, mirroring the on-open contract of the data channel.
	Session ChannelConfig

	// OnEvent receives each decoded inbound event.
	OnEvent func(*ServerEvent)
}

// DialWS opens the control connection, sends the session configuration, and
// starts the read loop. The read loop runs until the connection closes;
// undecodable frames are logged and dropped.
func DialWS(ctx context.Context, cfg WSConfig) (*WSConn, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.Token)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		e := &Error{Kind: KindNegotiation, Code: "ws_dial_failed", Message: err.Error()}
		if resp != nil {
			e.HTTPStatus = resp.StatusCode
			resp.Body.Close()
		}
		return nil, e
	}

	c := &WSConn{conn: conn}
	if err := c.sendJSON(sessionUpdateEvent(cfg.Session)); err != nil {
		_ = c.Close()
		return nil, err
	}
	if cfg.Session.OnOpen != nil {
		cfg.Session.OnOpen()
	}

	go c.readLoop(cfg.OnEvent)
	return c, nil
}

func (c *WSConn) readLoop(onEvent func(*ServerEvent)) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("realtime ws: read loop ended", "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		evt, err := parseEvent(data)
		if err != nil {
			slog.Warn("realtime ws: dropping undecodable message",
				"error", err, "payload", truncate(string(data), 1000))
			continue
		}
		if onEvent != nil {
			onEvent(evt)
		}
	}
}

// SendTurn emits a user message event. Blank text is a no-op. In manual mode
// callers follow up with RequestResponse themselves; over WebSocket the
// session configuration determines turn detection just as over the channel.
func (c *WSConn) SendTurn(text string) error {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	return c.sendJSON(map[string]interface{}{
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
}

// RequestResponse emits a response-request event.
func (c *WSConn) RequestResponse(extra map[string]interface{}) error {
	response := map[string]interface{}{
		"modalities": []string{"audio", "text"},
	}
	for k, v := range extra {
		response[k] = v
	}
	return c.sendJSON(map[string]interface{}{
		"event_id": generateEventID(),
		"type":     EventTypeResponseCreate,
		"response": response,
	})
}

func (c *WSConn) sendJSON(event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	slog.Debug("realtime ws: sending event", "content", truncate(string(data), 500))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection. Idempotent.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
