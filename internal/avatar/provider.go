// Package avatar manages the process-wide live-avatar connection.
//
// The connection is expensive, so the package enforces a hard singleton:
// at most one provider session exists per process, concurrent requests for
// it collapse into a single creation, and every consumer shares the same
// handle. The provider API (session creation, speech tasks, teardown) is
// abstracted behind [Provider]; the heygen subpackage is the production
// implementation.
package avatar

import (
	"context"
	"errors"
)

// Provider errors that consumers branch on. Provider implementations must
// wrap the matching sentinel so [Manager.Speak] can decide whether a
// reset-and-retry is worth attempting.
var (
	// ErrSessionClosed means the provider session no longer exists; the
	// provider closed or expired it server-side.
	ErrSessionClosed = errors.New("avatar: session closed")

	// ErrWrongState means the provider session exists but cannot accept
	// the operation in its current state.
	ErrWrongState = errors.New("avatar: session in wrong state")

	// ErrQuotaExceeded means the provider refused to create a session due
	// to a concurrency or usage limit. Not retryable by resetting.
	ErrQuotaExceeded = errors.New("avatar: provider quota exceeded")
)

// SessionInfo is everything a provider returns for a freshly created
// session: the identity, the WebRTC offer to answer, and where to send the
// answer.
type SessionInfo struct {
	// SessionID identifies the session for Speak and CloseSession calls.
	SessionID string

	// SDPOffer is the remote SDP offer to apply to the peer connection.
	SDPOffer string

	// SignalingURL is the WebSocket endpoint for the SDP answer and ICE
	// candidate exchange.
	SignalingURL string

	// ICEServers are provider-supplied STUN/TURN URLs. May be empty, in
	// which case locally configured servers are used.
	ICEServers []string
}

// Provider is the streaming-avatar service API surface the manager needs.
// Implementations must be safe for concurrent use.
type Provider interface {
	// CreateSession provisions a new live-avatar session.
	CreateSession(ctx context.Context) (SessionInfo, error)

	// Speak submits text for the avatar to voice on an existing session.
	Speak(ctx context.Context, sessionID, text string) error

	// CloseSession tears the provider session down. Closing an already
	// closed session is not an error.
	CloseSession(ctx context.Context, sessionID string) error
}
