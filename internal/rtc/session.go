package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hospiq/careloop/internal/observe"
)

// ErrPeerFailed is the stored session error when the peer connection
// reaches a terminal failed state.
var ErrPeerFailed = errors.New("rtc: peer connection failed")

// SessionConfig carries everything needed to negotiate one media session.
type SessionConfig struct {
	// SessionID labels log records; it is not sent to the remote side.
	SessionID string

	// Offer is the remote SDP offer received from the avatar provider.
	Offer string

	// SignalingURL is the provider's WebSocket endpoint for the answer and
	// trickled ICE candidates.
	SignalingURL string

	// ICEServers are STUN/TURN URLs for the peer connection. Empty falls
	// back to [DefaultSTUNServers]. Ignored when Transport is set.
	ICEServers []string

	// Transport overrides the peer connection implementation. Nil selects
	// [NewPionTransport]. Used in tests.
	Transport PeerTransport

	// OnStream is invoked once, when the first inbound media track arrives.
	// Optional.
	OnStream func(MediaStream)

	// OnFailure is invoked once if the peer connection fails after Dial
	// returned. Optional.
	OnFailure func(error)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// signalMessage is the wire envelope on the signaling channel.
type signalMessage struct {
	Type      string          `json:"type"`
	Data      string          `json:"data,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Session is one negotiated WebRTC media session. Create it with [Dial];
// it is safe for concurrent use.
type Session struct {
	log       *slog.Logger
	metrics   *observe.Metrics
	transport PeerTransport
	onStream  func(MediaStream)
	onFailure func(error)
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	status  Status
	stream  MediaStream
	failErr error
	ws      *websocket.Conn

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Dial negotiates a media session from cfg.Offer: it applies the offer,
// answers, delivers the answer over the signaling channel, and starts
// forwarding inbound ICE candidates. It returns once the answer is sent;
// media arrival is reported asynchronously via cfg.OnStream and the
// session status. ctx bounds the handshake only.
func Dial(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Offer == "" {
		return nil, errors.New("rtc: offer must not be empty")
	}
	if cfg.SignalingURL == "" {
		return nil, errors.New("rtc: signaling URL must not be empty")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("session_id", cfg.SessionID))
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	transport := cfg.Transport
	if transport == nil {
		var err error
		if transport, err = NewPionTransport(cfg.ICEServers); err != nil {
			return nil, err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:       log,
		metrics:   metrics,
		transport: transport,
		onStream:  cfg.OnStream,
		onFailure: cfg.OnFailure,
		startedAt: time.Now(),
		ctx:       loopCtx,
		cancel:    cancel,
		status:    StatusConnecting,
		done:      make(chan struct{}),
	}

	// Callbacks must be in place before the offer is applied; tracks can
	// arrive as soon as negotiation completes.
	transport.OnTrack(s.handleTrack)
	transport.OnStateChange(s.handleStateChange)

	if err := transport.ApplyRemoteOffer(ctx, cfg.Offer); err != nil {
		_ = s.Close()
		return nil, err
	}
	answer, err := transport.CreateAnswer(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	ws, _, err := websocket.Dial(ctx, cfg.SignalingURL, nil)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("rtc: dial signaling channel: %w", err)
	}
	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()

	payload, err := json.Marshal(signalMessage{Type: "answer", Data: answer})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("rtc: marshal answer: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("rtc: send answer: %w", err)
	}
	log.Debug("answer sent, awaiting media")

	go s.readLoop(ws)
	return s, nil
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stream returns the inbound media stream and whether any media has
// arrived yet. It never blocks.
func (s *Session) Stream() (MediaStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream, len(s.stream.Tracks) > 0
}

// Err returns the failure cause, or nil while the session is healthy.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down: the signaling channel, then the peer
// connection. Safe to call from any goroutine, any number of times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()

		s.mu.Lock()
		ws := s.ws
		s.ws = nil
		s.mu.Unlock()

		if ws != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}

// readLoop forwards inbound ICE candidates until the signaling channel
// closes. Channel loss is not fatal: media success is signalled by track
// arrival, and an established peer connection survives its signaling
// channel.
func (s *Session) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					s.log.Debug("signaling channel closed by remote")
				} else {
					s.log.Warn("signaling channel lost", slog.Any("error", err))
				}
			}
			return
		}

		var msg signalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("malformed signaling message", slog.Any("error", err))
			continue
		}

		switch msg.Type {
		case "ice-candidate":
			if err := s.transport.AddICECandidate(msg.Candidate); err != nil {
				s.log.Warn("ice candidate rejected", slog.Any("error", err))
			}
		default:
			s.log.Debug("ignoring signaling message", slog.String("type", msg.Type))
		}
	}
}

// handleTrack records an inbound track. The first one marks the session
// connected and publishes the stream.
func (s *Session) handleTrack(tr Track) {
	s.mu.Lock()
	if s.status == StatusFailed {
		s.mu.Unlock()
		return
	}
	first := len(s.stream.Tracks) == 0
	if first {
		s.stream.ID = tr.StreamID
		s.status = StatusConnected
	}
	s.stream.Tracks = append(s.stream.Tracks, tr)
	stream := s.stream
	s.mu.Unlock()

	s.log.Info("media track received",
		slog.String("track_id", tr.ID),
		slog.String("kind", tr.Kind),
	)
	if first {
		s.metrics.SignalingDuration.Record(s.ctx, time.Since(s.startedAt).Seconds())
		if s.onStream != nil {
			s.onStream(stream)
		}
	}
}

// handleStateChange fails the session on terminal peer states. Transient
// disconnects are left to ICE to recover.
func (s *Session) handleStateChange(state PeerState) {
	s.log.Debug("peer state change", slog.String("state", state.String()))
	if state != PeerStateFailed {
		return
	}

	s.mu.Lock()
	if s.failErr != nil {
		s.mu.Unlock()
		return
	}
	s.failErr = ErrPeerFailed
	s.status = StatusFailed
	s.mu.Unlock()

	s.log.Error("peer connection failed")
	if s.onFailure != nil {
		s.onFailure(ErrPeerFailed)
	}
	_ = s.Close()
}
