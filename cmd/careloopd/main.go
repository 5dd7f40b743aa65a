// Command careloopd is the main entry point for the careloop avatar
// session orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hospiq/careloop/internal/avatar"
	"github.com/hospiq/careloop/internal/avatar/heygen"
	"github.com/hospiq/careloop/internal/bus"
	"github.com/hospiq/careloop/internal/config"
	"github.com/hospiq/careloop/internal/coordinator"
	"github.com/hospiq/careloop/internal/health"
	"github.com/hospiq/careloop/internal/observe"
	"github.com/hospiq/careloop/internal/server"
	"github.com/hospiq/careloop/internal/session"
	"github.com/hospiq/careloop/pkg/stt"
	"github.com/hospiq/careloop/pkg/stt/deepgram"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "careloopd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "careloopd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("careloopd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "careloop",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Coordinator client ────────────────────────────────────────────────────
	coord, err := coordinator.New(cfg.Coordinator.BaseURL,
		coordinator.WithTimeout(cfg.Coordinator.Timeout.Std()),
		coordinator.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to build coordinator client", "err", err)
		return 1
	}

	// ── Avatar provider and connection manager ────────────────────────────────
	heygenOpts := []heygen.Option{
		heygen.WithQuality(cfg.Avatar.Quality),
		heygen.WithLogger(logger),
	}
	if cfg.Avatar.BaseURL != "" {
		heygenOpts = append(heygenOpts, heygen.WithBaseURL(cfg.Avatar.BaseURL))
	}
	if cfg.Avatar.AvatarID != "" {
		heygenOpts = append(heygenOpts, heygen.WithAvatarID(cfg.Avatar.AvatarID))
	}
	provider, err := heygen.New(cfg.Avatar.APIKey, heygenOpts...)
	if err != nil {
		slog.Error("failed to build avatar provider", "err", err)
		return 1
	}

	avatarMgr, err := avatar.NewManager(avatar.ManagerConfig{
		Provider:   provider,
		ICEServers: cfg.WebRTC.STUNServers,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		slog.Error("failed to build avatar manager", "err", err)
		return 1
	}

	// ── Speech recognition ────────────────────────────────────────────────────
	recognizer, err := deepgram.New(cfg.Speech.APIKey,
		deepgram.WithLanguage(cfg.Speech.Language),
	)
	if err != nil {
		slog.Error("failed to build speech recognizer", "err", err)
		return 1
	}

	// ── Sessions ──────────────────────────────────────────────────────────────
	interactions := bus.New()
	sessions, err := session.NewManager(session.ManagerConfig{
		Coordinator:  coord,
		Avatar:       avatarMgr,
		STT:          recognizer,
		Bus:          interactions,
		KeepWarm:     cfg.Avatar.KeepWarmEnabled(),
		PollInterval: cfg.Player.PollInterval.Std(),
		SpeechStream: stt.StreamConfig{
			SampleRate: cfg.Speech.SampleRate,
			Channels:   1,
			Language:   cfg.Speech.Language,
			Interim:    true,
			Continuous: true,
		},
		SpeechRestartDelay: cfg.Speech.RestartDelay.Std(),
		Logger:             logger,
		Metrics:            metrics,
	})
	if err != nil {
		slog.Error("failed to build session manager", "err", err)
		return 1
	}

	// ── HTTP API ──────────────────────────────────────────────────────────────
	checks := health.New(
		health.Checker{Name: "coordinator", Check: coord.Ping},
		health.Checker{Name: "avatar-provider", Check: provider.Ping},
	)
	srv, err := server.New(server.Config{
		Sessions: sessions,
		Bus:      interactions,
		Health:   checks,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Only the player tunables apply live; everything else needs a restart.
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		sessions.UpdateTunables(next.Avatar.KeepWarmEnabled(), next.Player.PollInterval.Std())
		slog.Info("applied reloaded player tunables",
			"keep_warm", next.Avatar.KeepWarmEnabled(),
			"poll_interval", next.Player.PollInterval.Std(),
		)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	serveErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			serveErr <- httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		serveErr <- httpSrv.ListenAndServe()
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	code := 0
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
		code = 1
	}
	if err := sessions.StopAll(shutdownCtx); err != nil {
		slog.Warn("session teardown error", "err", err)
		code = 1
	}
	if err := avatarMgr.Close(shutdownCtx); err != nil {
		slog.Warn("avatar manager close error", "err", err)
		code = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        careloop — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Coordinator     : %-19s║\n", trimTo(cfg.Coordinator.BaseURL, 19))
	fmt.Printf("║  Avatar quality  : %-19s║\n", cfg.Avatar.Quality)
	fmt.Printf("║  Keep warm       : %-19t║\n", cfg.Avatar.KeepWarmEnabled())
	fmt.Printf("║  Speech language : %-19s║\n", cfg.Speech.Language)
	fmt.Printf("║  Poll interval   : %-19s║\n", cfg.Player.PollInterval.Std())
	fmt.Printf("║  Listen addr     : %-19s║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func trimTo(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
