// Package server exposes the orchestrator's HTTP API.
//
// Sessions are created and destroyed under /sessions; per-session routes
// feed interactions in (messages, touches), stream microphone audio over a
// WebSocket, voice assistant output out (speak), and expose the player
// state for UI polling. Operational
// endpoints (/healthz, /readyz, /metrics) sit on the same mux behind the
// telemetry middleware.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hospiq/careloop/internal/bus"
	"github.com/hospiq/careloop/internal/health"
	"github.com/hospiq/careloop/internal/observe"
	"github.com/hospiq/careloop/internal/session"
)

const maxBodyBytes = 64 << 10

// Config configures a [Server]. Sessions and Bus are required.
type Config struct {
	Sessions *session.Manager
	Bus      *bus.Bus

	// Health registers /healthz and /readyz when set.
	Health *health.Handler

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Server is the HTTP API. Obtain the handler via [Server.Handler] and
// mount it on an http.Server.
type Server struct {
	sessions *session.Manager
	bus      *bus.Bus
	log      *slog.Logger
	handler  http.Handler
}

// New builds the routed, instrumented handler.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("server: session manager must not be nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("server: bus must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		sessions: cfg.Sessions,
		bus:      cfg.Bus,
		log:      cfg.Logger.With(slog.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("DELETE /sessions/{sessionID}", s.handleStopSession)
	mux.HandleFunc("GET /sessions/{sessionID}/state", s.handleState)
	mux.HandleFunc("POST /sessions/{sessionID}/messages", s.handleMessage)
	mux.HandleFunc("POST /sessions/{sessionID}/touch", s.handleTouch)
	mux.HandleFunc("POST /sessions/{sessionID}/speak", s.handleSpeak)
	mux.HandleFunc("POST /sessions/{sessionID}/clip-ended", s.handleClipEnded)
	mux.HandleFunc("GET /sessions/{sessionID}/audio", s.handleAudio)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s, nil
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

type startRequest struct {
	SessionID string `json:"sessionId"`
	VideoID   string `json:"videoId"`
}

type textRequest struct {
	Text string `json:"text"`
}

type stateResponse struct {
	SessionID         string `json:"sessionId"`
	Mode              string `json:"mode"`
	IsPlaying         bool   `json:"isPlaying"`
	LoopCount         int    `json:"loopCount"`
	VideoURL          string `json:"videoUrl,omitempty"`
	PendingTranscript string `json:"pendingTranscript,omitempty"`
	Capturing         bool   `json:"capturing"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	sess, err := s.sessions.Start(r.Context(), req.SessionID, req.VideoID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionExists):
			s.writeError(w, http.StatusConflict, "session already running")
		case errors.Is(err, session.ErrManagerClosed):
			s.writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			s.log.Error("session start failed", slog.Any("error", err))
			s.writeError(w, http.StatusBadGateway, "session start failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, s.stateOf(sess))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionID")
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "no such session")
			return
		}
		// The session is gone either way; report teardown trouble but
		// do not fail the request.
		s.log.Warn("session teardown reported errors", slog.Any("error", err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no such session")
		return
	}
	writeJSON(w, http.StatusOK, s.stateOf(sess))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no such session")
		return
	}
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	s.bus.Publish(bus.Interaction{
		SessionID: sess.ID(),
		Source:    bus.SourceMessage,
		Text:      req.Text,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no such session")
		return
	}
	s.bus.Publish(bus.Interaction{
		SessionID: sess.ID(),
		Source:    bus.SourceTouch,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no such session")
		return
	}
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := sess.Speak(r.Context(), req.Text); err != nil {
		s.log.Error("speak failed", slog.Any("error", err))
		s.writeError(w, http.StatusBadGateway, "avatar speak failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleAudio upgrades to a WebSocket and feeds binary microphone chunks
// into the session's capture loop. Text frames are ignored. The stream
// lives until the client closes it or the session ends.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no such session")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("audio upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := sess.WriteAudio(data); err != nil {
			s.log.Warn("audio chunk dropped", slog.Any("error", err))
			conn.Close(websocket.StatusInternalError, "capture unavailable")
			return
		}
	}
}

func (s *Server) handleClipEnded(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no such session")
		return
	}
	sess.Player().ClipEnded()
	writeJSON(w, http.StatusOK, s.stateOf(sess))
}

func (s *Server) stateOf(sess *session.Session) stateResponse {
	snap := sess.Snapshot()
	return stateResponse{
		SessionID:         sess.ID(),
		Mode:              snap.State.Mode.String(),
		IsPlaying:         snap.State.IsPlaying,
		LoopCount:         snap.State.LoopCount,
		VideoURL:          snap.VideoURL,
		PendingTranscript: sess.PendingTranscript(),
		Capturing:         sess.Capturing(),
	}
}

// decode parses a JSON request body. It writes the error response itself
// and reports whether parsing succeeded.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
