package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

// DefaultICEServers is used when the caller supplies none. Full gathering
// against public STUN can stall on restrictive networks, which is why the
// gather wait is bounded (see WaitForGathering).
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
	{URLs: []string{"stun:stun3.l.google.com:19302"}},
	{URLs: []string{"stun:stun4.l.google.com:19302"}},
}

// DefaultGatherTimeout bounds the candidate-gathering wait during connect.
const DefaultGatherTimeout = 3 * time.Second

// PeerHandlers are the observers installed on a new peer connection.
// All fields are optional.
type PeerHandlers struct {
	// OnTrack fires when a remote media track arrives.
	OnTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	// OnDataChannel fires when the remote side opens a data channel.
	OnDataChannel func(ch *webrtc.DataChannel)

	// OnICECandidate fires for each discovered candidate (nil candidates,
	// which signal end of gathering, are filtered out).
	OnICECandidate func(c *webrtc.ICECandidate)

	// OnStateChange fires on any signaling, ICE or connection state change.
	OnStateChange func(pc *webrtc.PeerConnection)
}

// NewPeerConnection creates a transport pre-configured with a candidate
// pool and the given observers. No negotiation starts until the caller
// attaches media/data and creates an offer.
func NewPeerConnection(handlers PeerHandlers, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:           iceServers,
		ICECandidatePoolSize: 1,
	})
	if err != nil {
		return nil, &Error{
			Kind:    KindNegotiation,
			Code:    "peer_connection_failed",
			Message: fmt.Sprintf("create peer connection: %v", err),
		}
	}

	if handlers.OnTrack != nil {
		pc.OnTrack(handlers.OnTrack)
	}
	if handlers.OnDataChannel != nil {
		pc.OnDataChannel(handlers.OnDataChannel)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil && handlers.OnICECandidate != nil {
			handlers.OnICECandidate(c)
		}
	})

	onState := func() {
		if handlers.OnStateChange != nil {
			handlers.OnStateChange(pc)
		}
	}
	pc.OnSignalingStateChange(func(webrtc.SignalingState) { onState() })
	pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) { onState() })
	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) { onState() })

	return pc, nil
}

// GatherResult is the outcome of a bounded candidate-gathering wait.
type GatherResult string

const (
	GatherComplete GatherResult = "complete"
	GatherTimeout  GatherResult = "timeout"
)

// ICEGatherer is the candidate-gathering surface of a peer connection.
// *webrtc.PeerConnection satisfies it.
type ICEGatherer interface {
	ICEGatheringState() webrtc.ICEGatheringState
	OnICEGatheringStateChange(func(webrtc.ICEGathererState))
}

// WaitForGathering resolves GatherComplete immediately if gathering already
// finished, otherwise races a gathering-complete observer against a timer
// and resolves GatherTimeout if the timer wins. Timing out is not an error:
// the descriptor proceeds with whatever candidates exist (the remote
// endpoint accepts trickle-style descriptors).
func WaitForGathering(ctx context.Context, pc ICEGatherer, timeout time.Duration) GatherResult {
	if pc.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		return GatherComplete
	}
	if timeout <= 0 {
		timeout = DefaultGatherTimeout
	}

	done := make(chan struct{})
	var once sync.Once
	pc.OnICEGatheringStateChange(func(s webrtc.ICEGathererState) {
		if s == webrtc.ICEGathererStateComplete {
			once.Do(func() { close(done) })
		}
	})
	// The state may have flipped between the check and handler install.
	if pc.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		return GatherComplete
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return GatherComplete
	case <-timer.C:
		return GatherTimeout
	case <-ctx.Done():
		return GatherTimeout
	}
}

// ClosePeerConnection closes pc, tolerating nil and already-closed
// connections.
func ClosePeerConnection(pc *webrtc.PeerConnection) {
	if pc == nil {
		return
	}
	_ = pc.Close()
}
