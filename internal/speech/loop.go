// Package speech runs the self-healing capture loop feeding voice input
// into a conversation session.
//
// Streaming recognition engines stop on their own: silence timeouts,
// server-side session limits, transport hiccups. The [Loop] reconciles
// the user's intent (capture wanted or not) with the engine's actual
// state: while capture is wanted, an engine stop triggers a restart
// appropriate to its cause; a deliberate stop triggers nothing. Restarts
// are single-flight, so overlapping stop events never stack sessions.
//
// Cause handling:
//   - clean stop or no-speech timeout: restart after a short delay
//   - aborted mid-utterance: restart immediately
//   - permission denied: terminal, capture stays off until re-enabled
//     by a new Loop
//   - anything else: surfaced through OnError, no automatic restart
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hospiq/careloop/internal/bus"
	"github.com/hospiq/careloop/internal/observe"
	"github.com/hospiq/careloop/pkg/stt"
)

// Restart cause labels for metrics.
const (
	causeEnded    = "ended"
	causeNoSpeech = "no_speech"
	causeAborted  = "aborted"
	causeRetry    = "retry"
)

const defaultRestartDelay = 300 * time.Millisecond

// Config configures a [Loop]. Provider and Bus are required.
type Config struct {
	// SessionID is the conversation session transcripts belong to.
	SessionID string

	// Provider is the streaming recognition backend.
	Provider stt.Provider

	// Stream is the recognition stream configuration. Zero-value fields
	// get capture defaults (16kHz mono, en-US, interim, continuous).
	Stream stt.StreamConfig

	// Bus receives an interaction for every final transcript.
	Bus *bus.Bus

	// RestartDelay is the pause before restarting after a benign stop.
	RestartDelay time.Duration

	// OnPartial receives the in-flight utterance text as it changes.
	// Optional.
	OnPartial func(text string)

	// OnFinal receives each completed utterance. Optional; finals are
	// published to the bus regardless.
	OnFinal func(tr stt.Transcript)

	// OnError receives terminal and unexpected engine errors. Optional.
	OnError func(err error)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Loop supervises one recognition engine session at a time, restarting it
// when it stops while capture is still wanted. Safe for concurrent use.
type Loop struct {
	sessionID    string
	provider     stt.Provider
	stream       stt.StreamConfig
	bus          *bus.Bus
	restartDelay time.Duration
	onPartial    func(string)
	onFinal      func(stt.Transcript)
	onError      func(error)
	log          *slog.Logger
	metrics      *observe.Metrics

	mu             sync.Mutex
	wanted         bool
	handle         stt.SessionHandle
	gen            int // bumped on every session change; stale end events are ignored
	restartPending bool
	pending        string
	terminal       error
	ctx            context.Context
	cancel         context.CancelFunc
}

// New creates a Loop. Capture does not start until [Loop.Start].
func New(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, errors.New("speech: provider must not be nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("speech: bus must not be nil")
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = 16000
	}
	if cfg.Stream.Channels == 0 {
		cfg.Stream.Channels = 1
	}
	if cfg.Stream.Language == "" {
		cfg.Stream.Language = "en-US"
	}
	cfg.Stream.Interim = true
	cfg.Stream.Continuous = true
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Loop{
		sessionID:    cfg.SessionID,
		provider:     cfg.Provider,
		stream:       cfg.Stream,
		bus:          cfg.Bus,
		restartDelay: cfg.RestartDelay,
		onPartial:    cfg.OnPartial,
		onFinal:      cfg.OnFinal,
		onError:      cfg.OnError,
		log: cfg.Logger.With(
			slog.String("component", "speech"),
			slog.String("session_id", cfg.SessionID),
		),
		metrics: cfg.Metrics,
	}, nil
}

// Start begins capture. It is a no-op if capture is already wanted, and
// returns the stored terminal error if recognition permission was denied
// earlier.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.terminal != nil {
		err := l.terminal
		l.mu.Unlock()
		return err
	}
	if l.wanted {
		l.mu.Unlock()
		return nil
	}
	l.wanted = true
	// The loop outlives the caller's request context; restarts need a
	// lifetime of their own.
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx := l.ctx
	l.mu.Unlock()

	return l.startSession(loopCtx)
}

// Stop ends capture. The engine stop this causes does not trigger a
// restart.
func (l *Loop) Stop() error {
	l.mu.Lock()
	l.wanted = false
	l.gen++
	h := l.handle
	l.handle = nil
	l.pending = ""
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h != nil {
		return h.Close()
	}
	return nil
}

// WriteAudio forwards a capture chunk to the engine. Chunks arriving
// between engine sessions are dropped; the next session picks up from
// live audio.
func (l *Loop) WriteAudio(chunk []byte) error {
	l.mu.Lock()
	h := l.handle
	l.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.SendAudio(chunk); err != nil {
		if errors.Is(err, stt.ErrSessionClosed) {
			// Raced an engine stop; the restart path owns recovery.
			return nil
		}
		return err
	}
	return nil
}

// Pending returns the in-flight utterance text, empty when none.
func (l *Loop) Pending() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Recording reports whether an engine session is currently live.
func (l *Loop) Recording() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle != nil
}

// Err returns the terminal error, if capture has been shut down by one.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminal
}

// startSession opens one engine session and hands it to a consumer
// goroutine.
func (l *Loop) startSession(ctx context.Context) error {
	h, err := l.provider.StartStream(ctx, l.stream)
	if err != nil {
		if errors.Is(err, stt.ErrPermissionDenied) {
			l.latchTerminal(ctx, err)
			return err
		}
		return err
	}

	l.mu.Lock()
	if !l.wanted {
		// Stopped while the stream was being set up.
		l.mu.Unlock()
		return h.Close()
	}
	l.gen++
	gen := l.gen
	l.handle = h
	l.pending = ""
	l.mu.Unlock()

	go l.consume(ctx, gen, h)
	l.log.Info("speech capture started")
	return nil
}

// consume pumps one engine session's transcripts until it ends.
func (l *Loop) consume(ctx context.Context, gen int, h stt.SessionHandle) {
	partials, finals := h.Partials(), h.Finals()
	for {
		select {
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			l.setPending(gen, tr.Text)
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			l.deliverFinal(gen, tr)
		case <-h.Ended():
			// Drain finals buffered before the stop.
			if finals != nil {
				for tr := range finals {
					l.deliverFinal(gen, tr)
				}
			}
			l.handleEnd(ctx, gen, h.Err())
			return
		}
	}
}

func (l *Loop) setPending(gen int, text string) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.pending = text
	l.mu.Unlock()
	if l.onPartial != nil {
		l.onPartial(text)
	}
}

func (l *Loop) deliverFinal(gen int, tr stt.Transcript) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	// The completed utterance stays visible until the next batch of
	// partials replaces it.
	l.pending = tr.Text
	l.mu.Unlock()

	l.log.Debug("utterance complete", slog.String("text", tr.Text))
	l.bus.Publish(bus.Interaction{
		SessionID: l.sessionID,
		Source:    bus.SourceTranscript,
		Text:      tr.Text,
	})
	if l.onFinal != nil {
		l.onFinal(tr)
	}
}

// handleEnd decides what an engine stop means. Stale generations (the
// session was already replaced or deliberately closed) are ignored.
func (l *Loop) handleEnd(ctx context.Context, gen int, cause error) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.handle = nil
	l.pending = ""
	if !l.wanted {
		l.mu.Unlock()
		return
	}

	switch {
	case cause == nil:
		l.scheduleRestartLocked(ctx, l.restartDelay, causeEnded)
		l.mu.Unlock()
		l.log.Debug("engine stopped cleanly, restarting")

	case errors.Is(cause, stt.ErrNoSpeech):
		l.scheduleRestartLocked(ctx, l.restartDelay, causeNoSpeech)
		l.mu.Unlock()
		l.log.Debug("no speech detected, restarting")

	case errors.Is(cause, stt.ErrAborted):
		l.scheduleRestartLocked(ctx, 0, causeAborted)
		l.mu.Unlock()
		l.log.Warn("engine aborted mid-capture, restarting")

	case errors.Is(cause, stt.ErrPermissionDenied):
		l.mu.Unlock()
		l.latchTerminal(ctx, cause)

	default:
		l.wanted = false
		l.mu.Unlock()
		l.recordError(ctx, "engine")
		l.log.Error("engine stopped with unexpected error", slog.Any("error", cause))
		if l.onError != nil {
			l.onError(cause)
		}
	}
}

// scheduleRestartLocked arms a single restart. Callers hold l.mu.
func (l *Loop) scheduleRestartLocked(ctx context.Context, delay time.Duration, cause string) {
	if l.restartPending {
		return
	}
	l.restartPending = true

	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}

		l.mu.Lock()
		l.restartPending = false
		if !l.wanted || l.handle != nil || l.terminal != nil || ctx.Err() != nil {
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		l.metrics.RecordSpeechRestart(ctx, cause)
		if err := l.startSession(ctx); err != nil {
			l.log.Error("speech restart failed", slog.Any("error", err))
			l.mu.Lock()
			if l.wanted && l.terminal == nil {
				l.scheduleRestartLocked(ctx, l.restartDelay, causeRetry)
			}
			l.mu.Unlock()
		}
	}()
}

// latchTerminal shuts capture down permanently for this loop.
func (l *Loop) latchTerminal(ctx context.Context, err error) {
	l.mu.Lock()
	l.terminal = err
	l.wanted = false
	l.mu.Unlock()

	l.recordError(ctx, "permission")
	l.log.Error("speech capture disabled", slog.Any("error", err))
	if l.onError != nil {
		l.onError(err)
	}
}

func (l *Loop) recordError(ctx context.Context, kind string) {
	l.metrics.SpeechErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
