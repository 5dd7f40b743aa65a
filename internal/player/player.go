// Package player implements the per-session video player state machine.
//
// The player decides nothing about modes on its own: every transition is a
// request to the coordinator service, whose response is the authoritative
// state. The player keeps a local cache of the last applied response and
// overwrites it wholesale; it never merges. Requests carry a sequence
// token, and a response is applied only if no newer request was issued in
// the meantime, so slow responses cannot clobber fresher state.
//
// While the player sits in live mode it polls the coordinator's
// inactivity check; when the coordinator reverts the session to the loop
// clip, the player follows and either keeps the avatar connection warm
// for the next interaction or tears it down, per configuration.
package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hospiq/careloop/internal/avatar"
	"github.com/hospiq/careloop/internal/bus"
	"github.com/hospiq/careloop/internal/coordinator"
	"github.com/hospiq/careloop/internal/observe"
)

// ErrEnded is returned by operations on a player whose session is over.
var ErrEnded = errors.New("player: session ended")

const defaultPollInterval = 10 * time.Second

// Coordinator is the slice of the coordinator client the player uses.
type Coordinator interface {
	InitPlayer(ctx context.Context, sessionID, videoID string) (coordinator.InitResult, error)
	SwitchHeygen(ctx context.Context, sessionID string) (coordinator.SwitchResult, error)
	SwitchLoop(ctx context.Context, sessionID string) (coordinator.SwitchResult, error)
	CheckInactivity(ctx context.Context, sessionID string) (coordinator.InactivityResult, error)
	RecordInteraction(ctx context.Context, sessionID string) error
}

var _ Coordinator = (*coordinator.Client)(nil)

// AvatarManager is the slice of the avatar connection manager the player
// drives: warm-up before going live, teardown after a revert.
type AvatarManager interface {
	GetOrCreate(ctx context.Context) (*avatar.Handle, error)
	Reset(ctx context.Context) error
}

var _ AvatarManager = (*avatar.Manager)(nil)

// Snapshot is the player's externally visible state, delivered to OnUpdate
// subscribers and state reads.
type Snapshot struct {
	State    coordinator.PlayerState
	VideoURL string
}

// Config configures a [Player]. SessionID, Coordinator and Avatar are
// required.
type Config struct {
	// SessionID is the conversation session this player belongs to.
	SessionID string

	// VideoID selects the loop clip at initialisation.
	VideoID string

	Coordinator Coordinator
	Avatar      AvatarManager

	// KeepWarm keeps the avatar connection open across inactivity reverts.
	KeepWarm bool

	// PollInterval is the inactivity check cadence while in live mode.
	PollInterval time.Duration

	// OnUpdate is invoked after every applied state change. Optional; must
	// not block.
	OnUpdate func(Snapshot)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Player is the mode state machine for one session. Safe for concurrent
// use.
type Player struct {
	sessionID    string
	videoID      string
	coord        Coordinator
	avatar       AvatarManager
	keepWarm     bool
	pollInterval time.Duration
	onUpdate     func(Snapshot)
	log          *slog.Logger
	metrics      *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    coordinator.PlayerState
	videoURL string
	issued   uint64 // latest request sequence token handed out
	ended    bool
	pollStop chan struct{} // non-nil while the inactivity poll runs
}

// New creates a Player in idle mode. Call [Player.Initialize] to fetch the
// server-assigned starting state.
func New(cfg Config) (*Player, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("player: session ID must not be empty")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("player: coordinator must not be nil")
	}
	if cfg.Avatar == nil {
		return nil, errors.New("player: avatar manager must not be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Player{
		sessionID:    cfg.SessionID,
		videoID:      cfg.VideoID,
		coord:        cfg.Coordinator,
		avatar:       cfg.Avatar,
		keepWarm:     cfg.KeepWarm,
		pollInterval: cfg.PollInterval,
		onUpdate:     cfg.OnUpdate,
		log: cfg.Logger.With(
			slog.String("component", "player"),
			slog.String("session_id", cfg.SessionID),
		),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		state:   coordinator.PlayerState{Mode: coordinator.ModeIdle},
	}, nil
}

// Initialize asks the coordinator for the session's starting state.
func (p *Player) Initialize(ctx context.Context) error {
	seq, err := p.nextSeq()
	if err != nil {
		return err
	}
	res, err := p.coord.InitPlayer(ctx, p.sessionID, p.videoID)
	if err != nil {
		return err
	}
	p.apply(seq, res.State, res.VideoURL)
	return nil
}

// SwitchToLive moves the session to the live avatar. The avatar connection
// is established first; if it cannot be, the mode is left untouched and
// the error returned.
func (p *Player) SwitchToLive(ctx context.Context) error {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return ErrEnded
	}
	if p.state.Mode == coordinator.ModeHeygen {
		p.mu.Unlock()
		return nil
	}
	from := p.state.Mode
	seq := p.nextSeqLocked()
	p.mu.Unlock()

	// Media first: if the avatar cannot come up there is nothing to show
	// in live mode, so the cheap clip keeps playing.
	if _, err := p.avatar.GetOrCreate(ctx); err != nil {
		p.log.Error("avatar unavailable, staying in current mode", slog.Any("error", err))
		return err
	}

	res, err := p.coord.SwitchHeygen(ctx, p.sessionID)
	if err != nil {
		p.log.Warn("live switch rejected", slog.Any("error", err))
		return err
	}
	if p.apply(seq, res.State, "") {
		p.metrics.RecordModeSwitch(ctx, from.String(), res.State.Mode.String())
	}
	return nil
}

// SwitchToLoop moves the session back to the loop clip.
func (p *Player) SwitchToLoop(ctx context.Context) error {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return ErrEnded
	}
	if p.state.Mode == coordinator.ModeLoop {
		p.mu.Unlock()
		return nil
	}
	from := p.state.Mode
	seq := p.nextSeqLocked()
	p.mu.Unlock()

	res, err := p.coord.SwitchLoop(ctx, p.sessionID)
	if err != nil {
		p.log.Warn("loop switch rejected", slog.Any("error", err))
		return err
	}
	if p.apply(seq, res.State, res.VideoURL) {
		p.metrics.RecordModeSwitch(ctx, from.String(), res.State.Mode.String())
		p.releaseAvatarUnlessWarm(ctx, from)
	}
	return nil
}

// RecordInteraction reports user activity. The coordinator call is
// fire-and-forget; an interaction arriving in any mode but live
// escalates the session to live mode.
func (p *Player) RecordInteraction(ctx context.Context, source bus.Source) error {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return ErrEnded
	}
	mode := p.state.Mode
	p.state.LastInteraction = time.Now()
	p.mu.Unlock()

	p.metrics.RecordInteraction(ctx, string(source))

	go func() {
		rctx, rcancel := context.WithTimeout(p.ctx, 10*time.Second)
		defer rcancel()
		if err := p.coord.RecordInteraction(rctx, p.sessionID); err != nil {
			p.log.Warn("interaction report failed", slog.Any("error", err))
		}
	}()

	if mode != coordinator.ModeHeygen {
		return p.SwitchToLive(ctx)
	}
	return nil
}

// ClipEnded records a completed loop clip playback. The clip restarts from
// the beginning, so the local loop count advances without a coordinator
// round trip.
func (p *Player) ClipEnded() {
	p.mu.Lock()
	if p.ended || p.state.Mode != coordinator.ModeLoop {
		p.mu.Unlock()
		return
	}
	p.state.LoopCount++
	p.state.IsPlaying = true
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.notify(snap)
}

// Snapshot returns the current cached state.
func (p *Player) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// End shuts the player down. Further operations return [ErrEnded].
func (p *Player) End() {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	p.stopPollLocked()
	p.mu.Unlock()
	p.cancel()
}

// nextSeq issues a sequence token for an outbound request.
func (p *Player) nextSeq() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return 0, ErrEnded
	}
	return p.nextSeqLocked(), nil
}

func (p *Player) nextSeqLocked() uint64 {
	p.issued++
	return p.issued
}

// apply installs a coordinator response as the new state. It reports false
// when the response was stale (a newer request was issued after this one)
// and discarded. An empty videoURL keeps the cached one.
func (p *Player) apply(seq uint64, state coordinator.PlayerState, videoURL string) bool {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return false
	}
	if seq != p.issued {
		latest := p.issued
		p.mu.Unlock()
		p.log.Debug("discarding superseded response",
			slog.Uint64("seq", seq),
			slog.Uint64("latest", latest),
		)
		return false
	}

	p.state = state
	if videoURL != "" {
		p.videoURL = videoURL
	}
	if state.Mode == coordinator.ModeHeygen {
		p.startPollLocked()
	} else {
		p.stopPollLocked()
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.notify(snap)
	return true
}

func (p *Player) snapshotLocked() Snapshot {
	return Snapshot{State: p.state, VideoURL: p.videoURL}
}

func (p *Player) notify(snap Snapshot) {
	if p.onUpdate != nil {
		p.onUpdate(snap)
	}
}

// startPollLocked arms the inactivity poll. Callers hold p.mu.
func (p *Player) startPollLocked() {
	if p.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	p.pollStop = stop
	go p.poll(stop)
}

// stopPollLocked disarms the inactivity poll. Callers hold p.mu.
func (p *Player) stopPollLocked() {
	if p.pollStop != nil {
		close(p.pollStop)
		p.pollStop = nil
	}
}

// poll drives the coordinator's inactivity check while live mode lasts.
func (p *Player) poll(stop <-chan struct{}) {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-p.ctx.Done():
			return
		case <-t.C:
			p.checkInactivity()
		}
	}
}

func (p *Player) checkInactivity() {
	p.mu.Lock()
	if p.ended || p.state.Mode != coordinator.ModeHeygen {
		p.mu.Unlock()
		return
	}
	seq := p.nextSeqLocked()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.pollInterval)
	defer cancel()

	res, err := p.coord.CheckInactivity(ctx, p.sessionID)
	if err != nil {
		// Keep the current state; the next tick tries again.
		p.log.Warn("inactivity check failed", slog.Any("error", err))
		return
	}
	if !p.apply(seq, res.State, res.VideoURL) {
		return
	}
	if res.Switched {
		p.metrics.InactivityReverts.Add(ctx, 1)
		p.metrics.RecordModeSwitch(ctx, coordinator.ModeHeygen.String(), res.State.Mode.String())
		p.log.Info("reverted to loop after inactivity")
		p.releaseAvatarUnlessWarm(ctx, coordinator.ModeHeygen)
	}
}

// releaseAvatarUnlessWarm tears the avatar connection down after a
// live→loop transition when keep-warm is disabled.
func (p *Player) releaseAvatarUnlessWarm(ctx context.Context, from coordinator.Mode) {
	if from != coordinator.ModeHeygen {
		return
	}
	if p.keepWarm {
		p.log.Debug("keeping avatar connection warm")
		return
	}
	if err := p.avatar.Reset(ctx); err != nil {
		p.log.Warn("avatar teardown failed", slog.Any("error", err))
	}
}
