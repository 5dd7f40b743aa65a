// Package mock provides scriptable stt.Provider and stt.SessionHandle
// implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/hospiq/careloop/pkg/stt"
)

// Provider is a mock stt.Provider. Each StartStream call returns a fresh
// [Session] (or StartErr when set) and records the session for inspection.
//
// Safe for concurrent use.
type Provider struct {
	// StartErr, when non-nil, is returned by every StartStream call.
	StartErr error

	mu       sync.Mutex
	sessions []*Session
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns all sessions handed out so far, in creation order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// StartCount reports how many sessions StartStream has created.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Session is a scriptable stt.SessionHandle. Tests drive it with
// EmitPartial, EmitFinal, and End.
type Session struct {
	partials chan stt.Transcript
	finals   chan stt.Transcript
	ended    chan struct{}

	mu       sync.Mutex
	err      error
	closed   bool
	endOnce  sync.Once
	received [][]byte
}

// NewSession creates an open mock session.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
		ended:    make(chan struct{}),
	}
}

// EmitPartial delivers an interim transcript to the session's consumer.
func (s *Session) EmitPartial(text string) {
	s.partials <- stt.Transcript{Text: text}
}

// EmitFinal delivers a final transcript to the session's consumer.
func (s *Session) EmitFinal(text string) {
	s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1.0}
}

// End simulates the engine stopping on its own with the given cause.
// A nil cause models a benign self-stop (silence timeout).
func (s *Session) End(cause error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.partials)
		close(s.finals)
		close(s.ended)
	})
}

// SendAudio implements stt.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.ended:
		return stt.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	s.received = append(s.received, chunk)
	s.mu.Unlock()
	return nil
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Ended implements stt.SessionHandle.
func (s *Session) Ended() <-chan struct{} { return s.ended }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements stt.SessionHandle. It records the explicit close and
// ends the session with no error.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// Received returns the audio chunks sent so far.
func (s *Session) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// Closed reports whether Close was called explicitly.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stt.Provider = (*Provider)(nil)
var _ stt.SessionHandle = (*Session)(nil)
