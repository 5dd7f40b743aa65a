package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// pionTransport is the production [PeerTransport] backed by pion/webrtc.
type pionTransport struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	trackCb func(Track)
	stateCb func(PeerState)
	closed  bool
}

var _ PeerTransport = (*pionTransport)(nil)

// NewPionTransport creates a peer connection configured with the given
// STUN/TURN server URLs. An empty slice falls back to
// [DefaultSTUNServers].
func NewPionTransport(iceServers []string) (PeerTransport, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultSTUNServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("rtc: create peer connection: %w", err)
	}

	t := &pionTransport{pc: pc}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// The RTP stream must be drained or pion's interceptor pipeline
		// stalls; packet payloads are consumed downstream by the sink.
		go drainTrack(remote)

		t.mu.Lock()
		cb := t.trackCb
		t.mu.Unlock()
		if cb != nil {
			cb(Track{
				ID:       remote.ID(),
				StreamID: remote.StreamID(),
				Kind:     remote.Kind().String(),
			})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.mu.Lock()
		cb := t.stateCb
		t.mu.Unlock()
		if cb != nil {
			cb(mapPeerState(s))
		}
	})

	return t, nil
}

func (t *pionTransport) OnTrack(fn func(Track)) {
	t.mu.Lock()
	t.trackCb = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnStateChange(fn func(PeerState)) {
	t.mu.Lock()
	t.stateCb = fn
	t.mu.Unlock()
}

func (t *pionTransport) ApplyRemoteOffer(_ context.Context, sdp string) error {
	err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("rtc: set remote offer: %w", err)
	}
	return nil
}

func (t *pionTransport) CreateAnswer(_ context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("rtc: set local description: %w", err)
	}
	return answer.SDP, nil
}

func (t *pionTransport) AddICECandidate(raw json.RawMessage) error {
	init, err := parseCandidate(raw)
	if err != nil {
		return err
	}
	if init.Candidate == "" {
		// End-of-candidates marker.
		return nil
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("rtc: add ice candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

// parseCandidate accepts either a bare candidate string or the standard
// JSON object with candidate/sdpMid/sdpMLineIndex fields.
func parseCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err == nil {
		return init, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("rtc: malformed ice candidate: %w", err)
	}
	return webrtc.ICECandidateInit{Candidate: s}, nil
}

func drainTrack(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

func mapPeerState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return PeerStateNew
	case webrtc.PeerConnectionStateConnecting:
		return PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerStateFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerStateClosed
	default:
		return PeerStateNew
	}
}
