package rtc

import (
	"context"
	"encoding/json"
)

// PeerTransport abstracts the WebRTC peer connection. It decouples session
// logic from the pion/webrtc dependency so tests can script negotiation
// and track arrival. [NewPionTransport] is the production implementation.
//
// Callbacks must be registered before ApplyRemoteOffer; implementations
// may invoke them from internal goroutines.
type PeerTransport interface {
	// OnTrack registers the callback invoked for each inbound media track.
	OnTrack(fn func(Track))

	// OnStateChange registers the callback invoked on every transport
	// connection-state transition.
	OnStateChange(fn func(PeerState))

	// ApplyRemoteOffer applies the remote SDP offer as the remote
	// description.
	ApplyRemoteOffer(ctx context.Context, sdp string) error

	// CreateAnswer generates a local SDP answer and applies it as the
	// local description.
	CreateAnswer(ctx context.Context) (sdp string, err error)

	// AddICECandidate feeds a remote ICE candidate into the peer
	// connection. raw is either a bare candidate string or a JSON object
	// with candidate/sdpMid/sdpMLineIndex fields.
	AddICECandidate(raw json.RawMessage) error

	// Close tears down the peer connection and stops all media tracks.
	// Safe to call more than once.
	Close() error
}
