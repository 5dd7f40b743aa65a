package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hospiq/careloop/internal/bus"
	"github.com/hospiq/careloop/internal/observe"
	"github.com/hospiq/careloop/internal/player"
	"github.com/hospiq/careloop/internal/speech"
	"github.com/hospiq/careloop/pkg/stt"
)

var (
	// ErrSessionExists is returned when starting an ID that is already
	// running.
	ErrSessionExists = errors.New("session: already running")

	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrManagerClosed is returned once the manager has shut down.
	ErrManagerClosed = errors.New("session: manager closed")
)

// ManagerConfig configures a [Manager]. Coordinator, Avatar, STT and Bus
// are required.
type ManagerConfig struct {
	Coordinator player.Coordinator
	Avatar      AvatarManager
	STT         stt.Provider
	Bus         *bus.Bus

	// KeepWarm keeps the avatar connection open across inactivity
	// reverts.
	KeepWarm bool

	// PollInterval is the player's inactivity check cadence.
	PollInterval time.Duration

	// SpeechStream configures the recognition stream for each session.
	SpeechStream stt.StreamConfig

	// SpeechRestartDelay is the capture loop's benign-stop restart pause.
	SpeechRestartDelay time.Duration

	// OnState receives every applied player state change. Optional; must
	// not block.
	OnState func(sessionID string, snap player.Snapshot)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Manager starts, tracks, and stops conversation sessions. Safe for
// concurrent use.
type Manager struct {
	cfg     ManagerConfig
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	starting map[string]struct{}
	closed   bool
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Coordinator == nil:
		return nil, errors.New("session: coordinator must not be nil")
	case cfg.Avatar == nil:
		return nil, errors.New("session: avatar manager must not be nil")
	case cfg.STT == nil:
		return nil, errors.New("session: stt provider must not be nil")
	case cfg.Bus == nil:
		return nil, errors.New("session: bus must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With(slog.String("component", "session")),
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
		starting: make(map[string]struct{}),
	}, nil
}

// Start brings up a session: player, speech capture, bus subscription,
// and the coordinator's initial player state. Voice capture failure is
// not fatal; the session continues text-only.
func (m *Manager) Start(ctx context.Context, sessionID, videoID string) (*Session, error) {
	if sessionID == "" {
		return nil, errors.New("session: ID must not be empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	if _, ok := m.starting[sessionID]; ok {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	m.starting[sessionID] = struct{}{}
	cfg := m.cfg // snapshot; tunables may change under the lock
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, sessionID)
		m.mu.Unlock()
	}()

	log := m.log.With(slog.String("session_id", sessionID))
	s := &Session{
		id:        sessionID,
		startedAt: time.Now(),
		avatar:    cfg.Avatar,
		log:       log,
	}

	pl, err := player.New(player.Config{
		SessionID:    sessionID,
		VideoID:      videoID,
		Coordinator:  cfg.Coordinator,
		Avatar:       cfg.Avatar,
		KeepWarm:     cfg.KeepWarm,
		PollInterval: cfg.PollInterval,
		OnUpdate: func(snap player.Snapshot) {
			if cfg.OnState != nil {
				cfg.OnState(sessionID, snap)
			}
		},
		Logger:  cfg.Logger,
		Metrics: m.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.player = pl
	s.onClose(func() error {
		pl.End()
		return nil
	})

	loop, err := speech.New(speech.Config{
		SessionID:    sessionID,
		Provider:     cfg.STT,
		Stream:       cfg.SpeechStream,
		Bus:          cfg.Bus,
		RestartDelay: cfg.SpeechRestartDelay,
		OnError: func(err error) {
			log.Warn("voice capture unavailable", slog.Any("error", err))
		},
		Logger:  cfg.Logger,
		Metrics: m.metrics,
	})
	if err != nil {
		_ = s.stop()
		return nil, err
	}
	s.capture = loop
	s.onClose(loop.Stop)

	unsubscribe := cfg.Bus.Subscribe(sessionID, s.handleInteraction)
	s.onClose(func() error {
		unsubscribe()
		return nil
	})

	if err := pl.Initialize(ctx); err != nil {
		_ = s.stop()
		return nil, err
	}
	if err := loop.Start(ctx); err != nil {
		// Text interaction still works; the patient just cannot talk.
		log.Warn("starting without voice capture", slog.Any("error", err))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.stop()
		return nil, ErrManagerClosed
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("session started", slog.String("video_id", videoID))
	return s, nil
}

// Get returns a running session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Stop tears a session down. When it was the last one, the avatar
// connection is released too; keep-warm only spans reverts within a
// conversation, not conversations themselves.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	err := s.stop()
	m.metrics.ActiveSessions.Add(ctx, -1)
	if remaining == 0 {
		if rerr := m.cfg.Avatar.Reset(ctx); rerr != nil {
			m.log.Warn("avatar release failed", slog.Any("error", rerr))
		}
	}
	s.log.Info("session stopped", slog.Duration("lifetime", time.Since(s.startedAt)))
	return err
}

// StopAll stops every running session and closes the manager.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateTunables applies hot-reloadable player settings. Running sessions
// keep their current values; new sessions pick the updated ones up.
func (m *Manager) UpdateTunables(keepWarm bool, pollInterval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.KeepWarm = keepWarm
	if pollInterval > 0 {
		m.cfg.PollInterval = pollInterval
	}
}

// Count returns the number of running sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
