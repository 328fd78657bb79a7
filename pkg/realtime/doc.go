// Package realtime implements the client side of a realtime voice session:
// transport negotiation over a peer connection, the control side channel
// carrying protocol events, the turn-taking state machine, and short-lived
// credential provisioning.
//
// The usual flow is NewEngine + Connect: the engine fetches an ephemeral
// token, negotiates the transport with a bounded candidate-gathering wait,
// wires the control channel, and classifies inbound events into turns that
// are appended to conversation memory. A WebSocket control connection
// (DialWS) is available for environments where the peer transport cannot be
// established.
package realtime
