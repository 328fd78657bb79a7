package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/michalfoune/rizma-voice/pkg/convo"
)

// Phase is the connection phase of the engine's session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseClosing:
		return "closing"
	default:
		return "idle"
	}
}

// Microphone is the local audio capture source attached to the peer
// connection. The engine owns its lifecycle while a session is live:
// it is enabled on connect and stopped on teardown or connect failure.
type Microphone interface {
	// Track returns the local track to attach to the peer connection.
	Track() webrtc.TrackLocal

	// SetEnabled mutes or unmutes the captured input.
	SetEnabled(enabled bool)

	// Stop releases the capture source. Safe to call more than once.
	Stop()
}

// EngineConfig configures a realtime session engine.
type EngineConfig struct {
	// Provisioner supplies the ephemeral token and descriptor exchange.
	// Required.
	Provisioner *Provisioner

	// Mic is the local audio source. Required.
	Mic Microphone

	// Memory is the conversation store finalized turns append to. Required.
	Memory *convo.Store

	// ICEServers override the default STUN set.
	ICEServers []webrtc.ICEServer

	// GatherTimeout bounds the candidate-gathering wait.
	// Default: DefaultGatherTimeout.
	GatherTimeout time.Duration

	// Instructions, Voice, Modalities and ServerVAD form the session
	// configuration pushed when the side channel opens.
	Instructions string
	Voice        string
	Modalities   []string
	ServerVAD    bool

	// Hooks drive the caller's rendering and fallback policy. The engine
	// fills RequestResponse and SetMicEnabled itself.
	Hooks TurnHooks

	// OnRemoteTrack fires when the remote audio track arrives, so the
	// caller can attach an audio sink.
	OnRemoteTrack func(track *webrtc.TrackRemote)
}

// Engine coordinates one live realtime session: transport negotiation, the
// side channel, and the turn state machine. At most one session is live at
// a time; a connect while connecting or connected is rejected.
type Engine struct {
	cfg     EngineConfig
	channel *SideChannel
	turns   *TurnEngine

	mu    sync.Mutex
	phase Phase
	pc    *webrtc.PeerConnection
}

// NewEngine creates an engine. The turn state machine is wired to the side
// channel for manual response requests and to cfg.Mic for re-enabling input
// after each assistant turn.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{cfg: cfg, channel: NewSideChannel()}

	hooks := cfg.Hooks
	hooks.RequestResponse = func() error {
		return e.channel.RequestResponse(nil)
	}
	userMicHook := cfg.Hooks.SetMicEnabled
	hooks.SetMicEnabled = func(enabled bool) {
		cfg.Mic.SetEnabled(enabled)
		if userMicHook != nil {
			userMicHook(enabled)
		}
	}
	e.turns = NewTurnEngine(cfg.Memory, cfg.ServerVAD, hooks)
	return e
}

// Phase returns the current connection phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Turns exposes the turn state machine (state inspection, last error).
func (e *Engine) Turns() *TurnEngine { return e.turns }

// Connect establishes a session: token fetch (raced in parallel with
// negotiation), peer connection with audio transceiver and control channel,
// offer with a bounded candidate-gathering wait, descriptor exchange, and
// remote descriptor application. Any failure unwinds the whole attempt
// (microphone stopped, connection closed, channel cleared) before the error
// propagates, and the phase reverts to idle.
func (e *Engine) Connect(ctx context.Context) (err error) {
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return ErrSessionActive
	}
	e.phase = PhaseConnecting
	e.mu.Unlock()

	e.setStatus("Connecting...")

	defer func() {
		if err != nil {
			e.teardown()
			e.setStatus(StatusIdle)
		}
	}()

	// Start the token fetch early; negotiation proceeds while it runs.
	type keyResult struct {
		key string
		err error
	}
	keyCh := make(chan keyResult, 1)
	go func() {
		key, kerr := e.cfg.Provisioner.EphemeralKey(ctx)
		keyCh <- keyResult{key, kerr}
	}()

	pc, err := NewPeerConnection(PeerHandlers{
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			slog.Debug("engine: remote track", "kind", track.Kind(), "codec", track.Codec().MimeType)
			if track.Kind() == webrtc.RTPCodecTypeAudio && e.cfg.OnRemoteTrack != nil {
				e.cfg.OnRemoteTrack(track)
			}
		},
		OnDataChannel: func(ch *webrtc.DataChannel) {
			// Some endpoints open the control channel from their side;
			// adopt it with the same wiring.
			slog.Info("engine: remote data channel", "label", ch.Label())
			e.wireChannel(ch)
		},
		OnICECandidate: func(c *webrtc.ICECandidate) {
			slog.Debug("engine: ICE candidate", "candidate", c.String())
		},
		OnStateChange: func(pc *webrtc.PeerConnection) {
			slog.Info("engine: connection state",
				"signaling", pc.SignalingState().String(),
				"ice", pc.ICEConnectionState().String(),
				"pc", pc.ConnectionState().String())
			if pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
				e.setStatus(StatusListening)
			}
		},
	}, e.cfg.ICEServers)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pc = pc
	e.mu.Unlock()

	if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		return &Error{Kind: KindNegotiation, Code: "transceiver_failed", Message: err.Error()}
	}

	dc, err := pc.CreateDataChannel(ControlChannelLabel, nil)
	if err != nil {
		return &Error{Kind: KindNegotiation, Code: "data_channel_failed", Message: err.Error()}
	}
	e.wireChannel(dc)

	if _, err = pc.AddTrack(e.cfg.Mic.Track()); err != nil {
		return &Error{Kind: KindNegotiation, Code: "add_track_failed", Message: err.Error()}
	}
	e.cfg.Mic.SetEnabled(true)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return &Error{Kind: KindNegotiation, Code: "create_offer_failed", Message: err.Error()}
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		return &Error{Kind: KindNegotiation, Code: "set_local_failed", Message: err.Error()}
	}

	result := WaitForGathering(ctx, pc, e.cfg.GatherTimeout)
	slog.Info("engine: ICE gathering", "result", string(result))

	ld := pc.LocalDescription()
	if ld == nil {
		return &Error{Kind: KindNegotiation, Code: "no_local_description",
			Message: "local description missing after setLocalDescription"}
	}

	var key string
	select {
	case res := <-keyCh:
		if res.err != nil {
			return res.err
		}
		key = res.key
	case <-ctx.Done():
		return &Error{Kind: KindProvisioning, Code: "session_request_failed", Message: ctx.Err().Error()}
	}

	answer, err := e.cfg.Provisioner.ExchangeSDP(ctx, key, ld.SDP)
	if err != nil {
		return err
	}

	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err = pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  answer,
		}); err != nil {
			return &Error{Kind: KindNegotiation, Code: "set_remote_failed", Message: err.Error()}
		}
	}

	e.mu.Lock()
	if e.phase != PhaseConnecting {
		// Close raced the connect and already tore the session down; do
		// not resurrect it as connected.
		e.mu.Unlock()
		return &Error{Kind: KindNegotiation, Code: "session_closed",
			Message: "session closed during connect"}
	}
	e.phase = PhaseConnected
	e.mu.Unlock()
	e.setStatus(StatusListening)
	return nil
}

// SendText appends a typed user turn to memory and emits it over the side
// channel (triggering a response request in manual mode).
func (e *Engine) SendText(ctx context.Context, text string) error {
	if err := e.cfg.Memory.Append(ctx, convo.RoleUser, text); err != nil {
		slog.Warn("engine: persist typed turn", "error", err)
	}
	return e.channel.SendTurn(text)
}

// SetMicEnabled mutes or unmutes the live microphone input.
func (e *Engine) SetMicEnabled(enabled bool) {
	e.cfg.Mic.SetEnabled(enabled)
}

// Close tears down the session deterministically: side channel, peer
// connection, then microphone. Idempotent and safe on a never-opened or
// already-torn-down session.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.phase == PhaseIdle {
		e.mu.Unlock()
		return nil
	}
	e.phase = PhaseClosing
	e.mu.Unlock()

	e.teardown()
	e.setStatus(StatusIdle)
	return nil
}

// teardown releases all session resources and reverts to idle.
func (e *Engine) teardown() {
	e.mu.Lock()
	pc := e.pc
	e.pc = nil
	e.mu.Unlock()

	if err := e.channel.Close(); err != nil {
		slog.Debug("engine: close channel", "error", err)
	}
	ClosePeerConnection(pc)
	e.cfg.Mic.Stop()

	e.mu.Lock()
	e.phase = PhaseIdle
	e.mu.Unlock()
}

func (e *Engine) wireChannel(ch DataChannel) {
	e.channel.Wire(ch, func(evt *ServerEvent) {
		e.turns.HandleEvent(context.Background(), evt)
	}, ChannelConfig{
		Instructions: e.cfg.Instructions,
		Voice:        e.cfg.Voice,
		Modalities:   e.cfg.Modalities,
		ServerVAD:    e.cfg.ServerVAD,
		OnOpen: func() {
			e.setStatus(StatusListening)
		},
	})
}

func (e *Engine) setStatus(s Status) {
	if e.cfg.Hooks.SetStatus != nil {
		e.cfg.Hooks.SetStatus(s)
	}
}
