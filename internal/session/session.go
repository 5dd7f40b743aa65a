// Package session ties one patient conversation together: the player
// mode state machine, the speech capture loop, and the process-wide
// avatar connection.
//
// The [Manager] owns session lifecycle. Starting a session builds its
// player and speech loop, subscribes it to the interaction bus, and asks
// the coordinator for the starting player state. Stopping runs the
// teardown steps in reverse start order, so nothing publishes into a
// component that is already gone.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hospiq/careloop/internal/avatar"
	"github.com/hospiq/careloop/internal/bus"
	"github.com/hospiq/careloop/internal/player"
	"github.com/hospiq/careloop/internal/rtc"
)

// AvatarManager is the avatar surface a session needs. Satisfied by
// [*avatar.Manager].
type AvatarManager interface {
	GetOrCreate(ctx context.Context) (*avatar.Handle, error)
	Reset(ctx context.Context) error
	Speak(ctx context.Context, text string) error
	MediaStream() (stream rtc.MediaStream, ok bool)
}

var _ AvatarManager = (*avatar.Manager)(nil)

// captureLoop is the speech capture surface a session needs. Satisfied by
// [*speech.Loop]; faked in tests.
type captureLoop interface {
	Start(ctx context.Context) error
	Stop() error
	WriteAudio(chunk []byte) error
	Pending() string
	Recording() bool
}

// Session is one running patient conversation.
type Session struct {
	id        string
	startedAt time.Time
	player    *player.Player
	capture   captureLoop
	avatar    AvatarManager
	log       *slog.Logger

	mu      sync.Mutex
	stopped bool
	closers []func() error // run in reverse on Stop
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// StartedAt returns when the session was started.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Player returns the session's mode state machine.
func (s *Session) Player() *player.Player { return s.player }

// Speak voices assistant text through the live avatar, bringing the
// session to live mode first if needed.
func (s *Session) Speak(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("session: speak text must not be empty")
	}
	if err := s.player.SwitchToLive(ctx); err != nil {
		return fmt.Errorf("session: go live for speak: %w", err)
	}
	return s.avatar.Speak(ctx, text)
}

// WriteAudio feeds captured audio into the speech loop.
func (s *Session) WriteAudio(chunk []byte) error {
	return s.capture.WriteAudio(chunk)
}

// PendingTranscript returns the in-flight utterance text.
func (s *Session) PendingTranscript() string { return s.capture.Pending() }

// Capturing reports whether voice capture is live.
func (s *Session) Capturing() bool { return s.capture.Recording() }

// Snapshot returns the player's current state.
func (s *Session) Snapshot() player.Snapshot { return s.player.Snapshot() }

// MediaStream returns the avatar media stream, if one is up.
func (s *Session) MediaStream() (rtc.MediaStream, bool) {
	return s.avatar.MediaStream()
}

// handleInteraction is the bus subscription target. Bus handlers must not
// block, so the player call runs on its own goroutine.
func (s *Session) handleInteraction(ev bus.Interaction) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.player.RecordInteraction(ctx, ev.Source); err != nil &&
			!errors.Is(err, player.ErrEnded) {
			s.log.Warn("interaction handling failed",
				slog.String("source", string(ev.Source)),
				slog.Any("error", err),
			)
		}
	}()
}

// stop runs the session's teardown steps in reverse order.
func (s *Session) stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onClose registers a teardown step. Steps run in reverse registration
// order.
func (s *Session) onClose(fn func() error) {
	s.mu.Lock()
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
}
