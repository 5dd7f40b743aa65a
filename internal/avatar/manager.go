package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hospiq/careloop/internal/observe"
	"github.com/hospiq/careloop/internal/resilience"
	"github.com/hospiq/careloop/internal/rtc"
)

// ErrManagerClosed is returned by operations on a closed [Manager].
var ErrManagerClosed = errors.New("avatar: manager closed")

// MediaSession is the negotiated media side of an avatar connection.
// Satisfied by [*rtc.Session]; faked in tests.
type MediaSession interface {
	Status() rtc.Status
	Stream() (rtc.MediaStream, bool)
	Err() error
	Done() <-chan struct{}
	Close() error
}

var _ MediaSession = (*rtc.Session)(nil)

// Handle is a live avatar connection: the provider session plus its
// negotiated media session. Handles are shared; do not close them
// directly, use [Manager.Reset].
type Handle struct {
	info  SessionInfo
	media MediaSession
}

// SessionID returns the provider session identifier.
func (h *Handle) SessionID() string { return h.info.SessionID }

// Stream returns the inbound media stream and whether media has arrived.
func (h *Handle) Stream() (rtc.MediaStream, bool) { return h.media.Stream() }

// Status returns the media connection status.
func (h *Handle) Status() rtc.Status { return h.media.Status() }

// healthy reports whether the handle is still usable.
func (h *Handle) healthy() bool {
	return h.media.Err() == nil && h.media.Status() != rtc.StatusFailed
}

// ManagerConfig configures a [Manager]. Provider is required; the rest
// default sensibly.
type ManagerConfig struct {
	Provider Provider

	// ICEServers are fallback STUN/TURN URLs when the provider supplies
	// none.
	ICEServers []string

	// Breaker guards session creation. Nil creates a default breaker.
	Breaker *resilience.CircuitBreaker

	// OnStream is invoked when a new connection's first media track
	// arrives. Optional.
	OnStream func(rtc.MediaStream)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Manager owns the process-wide avatar connection.
//
// All methods are safe for concurrent use. Concurrent GetOrCreate calls
// while no connection exists collapse into one provider request; every
// caller receives the same handle.
type Manager struct {
	provider   Provider
	breaker    *resilience.CircuitBreaker
	iceServers []string
	onStream   func(rtc.MediaStream)
	log        *slog.Logger
	metrics    *observe.Metrics

	// dial is rtc.Dial behind an interface result; replaced in tests.
	dial func(ctx context.Context, cfg rtc.SessionConfig) (MediaSession, error)

	group singleflight.Group

	mu      sync.Mutex
	current *Handle
	closed  bool

	// speakMu serialises Speak so a reset-and-retry cannot interleave
	// with another speak attempt on a half-torn-down session.
	speakMu sync.Mutex
}

// NewManager creates a Manager around the given provider.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("avatar: provider must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "avatar-create",
		})
	}
	return &Manager{
		provider:   cfg.Provider,
		breaker:    cfg.Breaker,
		iceServers: cfg.ICEServers,
		onStream:   cfg.OnStream,
		log:        cfg.Logger.With(slog.String("component", "avatar")),
		metrics:    cfg.Metrics,
		dial: func(ctx context.Context, c rtc.SessionConfig) (MediaSession, error) {
			return rtc.Dial(ctx, c)
		},
	}, nil
}

// GetOrCreate returns the current connection, creating it if none exists
// or the existing one has failed. Concurrent callers share one creation.
func (m *Manager) GetOrCreate(ctx context.Context) (*Handle, error) {
	if h := m.healthyCurrent(); h != nil {
		return h, nil
	}

	v, err, _ := m.group.Do("connection", func() (any, error) {
		// A racer may have created the connection between the fast path
		// and entering the group.
		if h := m.healthyCurrent(); h != nil {
			return h, nil
		}
		return m.create(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Current returns the existing connection without creating one, or nil.
func (m *Manager) Current() *Handle {
	return m.healthyCurrent()
}

// MediaStream returns the current connection's stream without blocking.
// ok is false when there is no connection or no media yet.
func (m *Manager) MediaStream() (stream rtc.MediaStream, ok bool) {
	h := m.healthyCurrent()
	if h == nil {
		return rtc.MediaStream{}, false
	}
	return h.Stream()
}

// Speak voices text through the avatar, creating the connection on demand.
// If the provider reports the session closed or in the wrong state, the
// connection is reset and the speak retried exactly once; any further
// failure is returned.
func (m *Manager) Speak(ctx context.Context, text string) error {
	m.speakMu.Lock()
	defer m.speakMu.Unlock()

	h, err := m.GetOrCreate(ctx)
	if err != nil {
		return err
	}

	err = m.provider.Speak(ctx, h.SessionID(), text)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrSessionClosed) && !errors.Is(err, ErrWrongState) {
		return err
	}

	m.log.Warn("stale avatar session, resetting before retry",
		slog.String("avatar_session_id", h.SessionID()),
		slog.Any("error", err),
	)
	m.metrics.SpeakRetries.Add(ctx, 1)

	if err := m.Reset(ctx); err != nil {
		m.log.Warn("avatar reset failed", slog.Any("error", err))
	}
	h, err = m.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	if err := m.provider.Speak(ctx, h.SessionID(), text); err != nil {
		return fmt.Errorf("avatar: speak after reset: %w", err)
	}
	return nil
}

// Reset tears down the current connection, if any. The next GetOrCreate
// starts fresh.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	h := m.current
	m.current = nil
	m.mu.Unlock()
	if h == nil {
		return nil
	}

	m.metrics.AvatarResets.Add(ctx, 1)
	return m.teardown(ctx, h)
}

// Close tears down the connection and rejects further use.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h := m.current
	m.current = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	return m.teardown(ctx, h)
}

func (m *Manager) healthyCurrent() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.healthy() {
		return m.current
	}
	return nil
}

// create provisions one provider session and negotiates its media path.
// Runs inside the single-flight group.
func (m *Manager) create(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	stale := m.current
	m.current = nil
	m.mu.Unlock()
	if stale != nil {
		// Replacing a failed connection; drop the husk first.
		if err := m.teardown(ctx, stale); err != nil {
			m.log.Warn("failed connection teardown", slog.Any("error", err))
		}
	}

	start := time.Now()

	var info SessionInfo
	err := m.breaker.Execute(func() error {
		var cerr error
		info, cerr = m.provider.CreateSession(ctx)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	h := &Handle{info: info}
	ice := info.ICEServers
	if len(ice) == 0 {
		ice = m.iceServers
	}
	media, err := m.dial(ctx, rtc.SessionConfig{
		SessionID:    info.SessionID,
		Offer:        info.SDPOffer,
		SignalingURL: info.SignalingURL,
		ICEServers:   ice,
		OnStream:     m.onStream,
		OnFailure: func(err error) {
			m.log.Error("avatar media connection failed",
				slog.String("avatar_session_id", info.SessionID),
				slog.Any("error", err),
			)
		},
		Logger:  m.log,
		Metrics: m.metrics,
	})
	if err != nil {
		if cerr := m.provider.CloseSession(ctx, info.SessionID); cerr != nil {
			m.log.Warn("orphaned provider session close failed", slog.Any("error", cerr))
		}
		return nil, err
	}
	h.media = media

	m.mu.Lock()
	m.current = h
	m.mu.Unlock()

	m.metrics.AvatarCreateDuration.Record(ctx, time.Since(start).Seconds())
	m.metrics.ActiveAvatarConnections.Add(ctx, 1)
	m.log.Info("avatar connection created",
		slog.String("avatar_session_id", info.SessionID),
		slog.Duration("took", time.Since(start)),
	)
	return h, nil
}

// teardown closes both halves of a handle. The provider side is closed
// first so it stops producing media into a dying peer connection.
func (m *Manager) teardown(ctx context.Context, h *Handle) error {
	var errs []error
	if err := m.provider.CloseSession(ctx, h.SessionID()); err != nil {
		errs = append(errs, err)
	}
	if err := h.media.Close(); err != nil {
		errs = append(errs, err)
	}
	m.metrics.ActiveAvatarConnections.Add(ctx, -1)
	m.log.Info("avatar connection closed", slog.String("avatar_session_id", h.SessionID()))
	return errors.Join(errs...)
}
