package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeTransport scripts peer connection behaviour for session tests.
type fakeTransport struct {
	answer   string
	applyErr error

	mu         sync.Mutex
	trackCb    func(Track)
	stateCb    func(PeerState)
	offer      string
	candidates []json.RawMessage
	closed     int
}

var _ PeerTransport = (*fakeTransport)(nil)

func (f *fakeTransport) OnTrack(fn func(Track)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackCb = fn
}

func (f *fakeTransport) OnStateChange(fn func(PeerState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCb = fn
}

func (f *fakeTransport) ApplyRemoteOffer(_ context.Context, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offer = sdp
	return f.applyErr
}

func (f *fakeTransport) CreateAnswer(context.Context) (string, error) {
	return f.answer, nil
}

func (f *fakeTransport) AddICECandidate(raw json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, raw)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) emitTrack(tr Track) {
	f.mu.Lock()
	cb := f.trackCb
	f.mu.Unlock()
	cb(tr)
}

func (f *fakeTransport) emitState(s PeerState) {
	f.mu.Lock()
	cb := f.stateCb
	f.mu.Unlock()
	cb(s)
}

func (f *fakeTransport) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// signalingServer is a scripted remote end of the signaling channel.
type signalingServer struct {
	url      string
	received chan signalMessage
	outbound chan signalMessage
}

func newSignalingServer(t *testing.T) *signalingServer {
	t.Helper()
	s := &signalingServer{
		received: make(chan signalMessage, 4),
		outbound: make(chan signalMessage, 4),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go func() {
			defer cancel()
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var msg signalMessage
				if err := json.Unmarshal(data, &msg); err == nil {
					s.received <- msg
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.outbound:
				data, err := json.Marshal(msg)
				if err != nil {
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDialSendsAnswerAndForwardsCandidates(t *testing.T) {
	t.Parallel()

	srv := newSignalingServer(t)
	ft := &fakeTransport{answer: "v=0 answer"}

	sess, err := Dial(context.Background(), SessionConfig{
		SessionID:    "sess-1",
		Offer:        "v=0 offer",
		SignalingURL: srv.url,
		Transport:    ft,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-srv.received:
		if msg.Type != "answer" {
			t.Errorf("first message type = %q, want %q", msg.Type, "answer")
		}
		if msg.Data != "v=0 answer" {
			t.Errorf("answer data = %q, want %q", msg.Data, "v=0 answer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the answer")
	}
	if ft.offer != "v=0 offer" {
		t.Errorf("transport offer = %q, want %q", ft.offer, "v=0 offer")
	}
	if got := sess.Status(); got != StatusConnecting {
		t.Errorf("Status() = %q before media, want %q", got, StatusConnecting)
	}

	srv.outbound <- signalMessage{Type: "ice-candidate", Candidate: json.RawMessage(`"candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host"`)}
	srv.outbound <- signalMessage{Type: "ice-candidate", Candidate: json.RawMessage(`{"candidate":"candidate:2 1 udp 1694498815 198.51.100.1 54322 typ srflx","sdpMid":"0"}`)}

	waitFor(t, "candidates to reach the transport", func() bool {
		return ft.candidateCount() == 2
	})
}

func TestDialOfferRejected(t *testing.T) {
	t.Parallel()

	srv := newSignalingServer(t)
	ft := &fakeTransport{applyErr: errors.New("bad sdp")}

	_, err := Dial(context.Background(), SessionConfig{
		Offer:        "v=0 offer",
		SignalingURL: srv.url,
		Transport:    ft,
	})
	if err == nil {
		t.Fatal("Dial() error = nil, want offer rejection")
	}
	if ft.closeCount() == 0 {
		t.Error("transport not closed after failed negotiation")
	}
}

func TestFirstTrackConnectsAndPublishesStream(t *testing.T) {
	t.Parallel()

	srv := newSignalingServer(t)
	ft := &fakeTransport{answer: "v=0 answer"}

	var (
		mu        sync.Mutex
		published []MediaStream
	)
	sess, err := Dial(context.Background(), SessionConfig{
		Offer:        "v=0 offer",
		SignalingURL: srv.url,
		Transport:    ft,
		OnStream: func(ms MediaStream) {
			mu.Lock()
			published = append(published, ms)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sess.Close()

	if _, ok := sess.Stream(); ok {
		t.Fatal("Stream() reported media before any track arrived")
	}

	ft.emitTrack(Track{ID: "vid-1", StreamID: "stream-a", Kind: "video"})
	ft.emitTrack(Track{ID: "aud-1", StreamID: "stream-a", Kind: "audio"})

	if got := sess.Status(); got != StatusConnected {
		t.Errorf("Status() = %q, want %q", got, StatusConnected)
	}
	stream, ok := sess.Stream()
	if !ok {
		t.Fatal("Stream() reported no media after tracks arrived")
	}
	if stream.ID != "stream-a" {
		t.Errorf("stream ID = %q, want %q", stream.ID, "stream-a")
	}
	if len(stream.Tracks) != 2 {
		t.Errorf("len(Tracks) = %d, want 2", len(stream.Tracks))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("OnStream invoked %d times, want exactly once", len(published))
	}
	if published[0].ID != "stream-a" {
		t.Errorf("published stream ID = %q, want %q", published[0].ID, "stream-a")
	}
}

func TestPeerFailureIsTerminal(t *testing.T) {
	t.Parallel()

	srv := newSignalingServer(t)
	ft := &fakeTransport{answer: "v=0 answer"}

	failures := make(chan error, 2)
	sess, err := Dial(context.Background(), SessionConfig{
		Offer:        "v=0 offer",
		SignalingURL: srv.url,
		Transport:    ft,
		OnFailure:    func(err error) { failures <- err },
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sess.Close()

	ft.emitState(PeerStateConnecting)
	ft.emitState(PeerStateDisconnected) // transient, must not fail the session
	if got := sess.Status(); got != StatusConnecting {
		t.Fatalf("Status() after disconnect = %q, want %q", got, StatusConnecting)
	}

	ft.emitState(PeerStateFailed)

	select {
	case err := <-failures:
		if !errors.Is(err, ErrPeerFailed) {
			t.Errorf("failure cause = %v, want ErrPeerFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure never invoked")
	}
	if got := sess.Status(); got != StatusFailed {
		t.Errorf("Status() = %q, want %q", got, StatusFailed)
	}
	if !errors.Is(sess.Err(), ErrPeerFailed) {
		t.Errorf("Err() = %v, want ErrPeerFailed", sess.Err())
	}
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down after peer failure")
	}

	// A late track must not resurrect a failed session.
	ft.emitTrack(Track{ID: "vid-1", StreamID: "stream-a", Kind: "video"})
	if got := sess.Status(); got != StatusFailed {
		t.Errorf("Status() after late track = %q, want %q", got, StatusFailed)
	}

	ft.emitState(PeerStateFailed)
	if n := len(failures); n != 0 {
		t.Errorf("OnFailure invoked again on repeat failure, %d extra calls", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := newSignalingServer(t)
	ft := &fakeTransport{answer: "v=0 answer"}

	sess, err := Dial(context.Background(), SessionConfig{
		Offer:        "v=0 offer",
		SignalingURL: srv.url,
		Transport:    ft,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	for range 3 {
		if err := sess.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
	if got := ft.closeCount(); got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}
}

func TestParseCandidate(t *testing.T) {
	t.Parallel()

	t.Run("object form", func(t *testing.T) {
		t.Parallel()
		init, err := parseCandidate(json.RawMessage(`{"candidate":"candidate:1 1 udp 1 192.0.2.1 1 typ host","sdpMid":"0"}`))
		if err != nil {
			t.Fatalf("parseCandidate() error = %v", err)
		}
		if init.SDPMid == nil || *init.SDPMid != "0" {
			t.Errorf("SDPMid = %v, want \"0\"", init.SDPMid)
		}
	})

	t.Run("bare string form", func(t *testing.T) {
		t.Parallel()
		init, err := parseCandidate(json.RawMessage(`"candidate:1 1 udp 1 192.0.2.1 1 typ host"`))
		if err != nil {
			t.Fatalf("parseCandidate() error = %v", err)
		}
		if init.Candidate == "" {
			t.Error("candidate string lost in parsing")
		}
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		if _, err := parseCandidate(json.RawMessage(`42`)); err == nil {
			t.Error("parseCandidate() accepted a number")
		}
	})
}
