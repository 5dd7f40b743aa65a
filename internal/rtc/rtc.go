// Package rtc negotiates the WebRTC media path for one live-avatar
// activation.
//
// A [Session] turns a remote SDP offer into a live inbound media stream:
// it applies the offer to a peer connection, answers, delivers the answer
// over a signaling WebSocket, and forwards ICE candidates received on that
// channel into the peer connection for the channel's lifetime. The first
// inbound media track is the sole success signal — there is no separate
// handshake-complete message.
//
// Peer connection handling is abstracted behind the [PeerTransport]
// interface so tests can run without pion; [NewPionTransport] is the
// production implementation.
//
// Sessions are not reused: one activation, one Session, torn down via
// [Session.Close] on every exit path.
package rtc

// Status is the externally visible connection status of a [Session].
type Status string

const (
	// StatusIdle means negotiation has not started.
	StatusIdle Status = "idle"

	// StatusConnecting means the offer/answer exchange is under way and no
	// media has arrived yet.
	StatusConnecting Status = "connecting"

	// StatusConnected means at least one inbound media track has arrived.
	StatusConnected Status = "connected"

	// StatusFailed means the peer connection reached a terminal failed
	// state. There is no automatic retry at this layer.
	StatusFailed Status = "failed"
)

// String returns the status as a plain string.
func (s Status) String() string { return string(s) }

// PeerState is the transport-level connection-state vocabulary reported by
// a [PeerTransport].
type PeerState int

const (
	PeerStateNew PeerState = iota
	PeerStateConnecting
	PeerStateConnected
	PeerStateDisconnected
	PeerStateFailed
	PeerStateClosed
)

// String returns the human-readable name of the state.
func (s PeerState) String() string {
	switch s {
	case PeerStateNew:
		return "new"
	case PeerStateConnecting:
		return "connecting"
	case PeerStateConnected:
		return "connected"
	case PeerStateDisconnected:
		return "disconnected"
	case PeerStateFailed:
		return "failed"
	case PeerStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Track describes a single inbound media track.
type Track struct {
	// ID is the track identifier.
	ID string

	// StreamID groups tracks belonging to the same media stream.
	StreamID string

	// Kind is "audio" or "video".
	Kind string
}

// MediaStream is the inbound audio/video stream bound to the video sink
// once the live avatar is up.
type MediaStream struct {
	// ID is the stream identifier (the StreamID of its tracks).
	ID string

	// Tracks lists the tracks received so far.
	Tracks []Track
}

// DefaultSTUNServers is the ICE fallback used when no servers are
// configured.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}
