package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/hospiq/careloop/internal/config"
)

const minimalYAML = `
coordinator:
  base_url: "http://assistant-api:3000"
`

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if got := cfg.Coordinator.Timeout.Std(); got != 10*time.Second {
		t.Errorf("coordinator.timeout: got %s, want 10s", got)
	}
	if cfg.Avatar.Quality != "high" {
		t.Errorf("avatar.quality: got %q, want high", cfg.Avatar.Quality)
	}
	if got := cfg.Player.InactivityWindow.Std(); got != 90*time.Second {
		t.Errorf("player.inactivity_window: got %s, want 90s", got)
	}
	if got := cfg.Player.PollInterval.Std(); got != 10*time.Second {
		t.Errorf("player.poll_interval: got %s, want 10s", got)
	}
	if cfg.Speech.Language != "en-US" {
		t.Errorf("speech.language: got %q, want en-US", cfg.Speech.Language)
	}
	if cfg.Speech.SampleRate != 16000 {
		t.Errorf("speech.sample_rate: got %d, want 16000", cfg.Speech.SampleRate)
	}
	if got := cfg.Speech.RestartDelay.Std(); got != 300*time.Millisecond {
		t.Errorf("speech.restart_delay: got %s, want 300ms", got)
	}
	if !cfg.Avatar.KeepWarmEnabled() {
		t.Error("avatar.keep_warm should default to true")
	}
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
coordinator:
  base_url: "http://assistant-api:3000/"
  timeout: 5s
avatar:
  api_key: "hg-key"
  avatar_id: "presenter-1"
  quality: medium
  keep_warm: false
player:
  inactivity_window: 2m
  poll_interval: 15s
speech:
  api_key: "dg-key"
  language: de-DE
  sample_rate: 48000
  restart_delay: 1s
webrtc:
  stun_servers:
    - "stun:stun.example.com:3478"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Avatar.KeepWarmEnabled() {
		t.Error("keep_warm: explicit false was not honoured")
	}
	if got := cfg.Player.InactivityWindow.Std(); got != 2*time.Minute {
		t.Errorf("inactivity_window: got %s, want 2m", got)
	}
	if cfg.Speech.Language != "de-DE" {
		t.Errorf("language: got %q, want de-DE", cfg.Speech.Language)
	}
	if len(cfg.WebRTC.STUNServers) != 1 || cfg.WebRTC.STUNServers[0] != "stun:stun.example.com:3478" {
		t.Errorf("stun_servers: got %v", cfg.WebRTC.STUNServers)
	}
}

func TestLoadMissingCoordinatorURL(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`server: {listen_addr: ":8080"}`))
	if err == nil {
		t.Fatal("expected error for missing coordinator.base_url, got nil")
	}
	if !strings.Contains(err.Error(), "coordinator.base_url") {
		t.Errorf("error should mention coordinator.base_url, got: %v", err)
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	t.Parallel()

	yaml := minimalYAML + `
server:
  log_level: bananas
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestLoadInvalidQuality(t *testing.T) {
	t.Parallel()

	yaml := minimalYAML + `
avatar:
  quality: ultra
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid quality, got nil")
	}
	if !strings.Contains(err.Error(), "quality") {
		t.Errorf("error should mention quality, got: %v", err)
	}
}

func TestLoadTLSRequiresBothFiles(t *testing.T) {
	t.Parallel()

	yaml := minimalYAML + `
server:
  tls:
    cert_file: /etc/careloop/server.crt
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key_file, got nil")
	}
	if !strings.Contains(err.Error(), "tls") {
		t.Errorf("error should mention tls, got: %v", err)
	}
}

func TestLoadPollIntervalExceedsWindow(t *testing.T) {
	t.Parallel()

	yaml := minimalYAML + `
player:
  inactivity_window: 10s
  poll_interval: 30s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for poll_interval > inactivity_window, got nil")
	}
	if !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("error should mention poll_interval, got: %v", err)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Parallel()

	yaml := minimalYAML + `
speech:
  restart_delay: soon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "duration") {
		t.Errorf("error should mention duration, got: %v", err)
	}
}
