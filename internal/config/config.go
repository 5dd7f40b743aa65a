// Package config provides the configuration schema, loader, and file
// watcher for the careloop avatar orchestrator.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the careloop server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration so YAML values like "90s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for careloop.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Avatar      AvatarConfig      `yaml:"avatar"`
	Player      PlayerConfig      `yaml:"player"`
	Speech      SpeechConfig      `yaml:"speech"`
	WebRTC      WebRTCConfig      `yaml:"webrtc"`
}

// ServerConfig holds network and logging settings for the careloop server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// CoordinatorConfig points at the coordinating assistant backend that owns
// the authoritative player state.
type CoordinatorConfig struct {
	// BaseURL is the root URL of the coordinator REST API
	// (e.g., "http://assistant-api:3000").
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each coordinator request. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`
}

// AvatarConfig configures the live-avatar streaming provider.
type AvatarConfig struct {
	// APIKey authenticates against the streaming-avatar service.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// AvatarID selects the rendered presenter.
	AvatarID string `yaml:"avatar_id"`

	// Quality selects the stream quality profile ("low", "medium", "high").
	Quality string `yaml:"quality"`

	// KeepWarm keeps the live connection open when the player reverts to
	// loop mode on inactivity, so the next interaction resumes without a
	// fresh session handshake. When false the connection is torn down on
	// every revert. Defaults to true.
	KeepWarm *bool `yaml:"keep_warm"`
}

// KeepWarmEnabled resolves the KeepWarm pointer with its default (true).
func (a AvatarConfig) KeepWarmEnabled() bool {
	if a.KeepWarm == nil {
		return true
	}
	return *a.KeepWarm
}

// PlayerConfig tunes the mode state machine.
type PlayerConfig struct {
	// InactivityWindow is how long the player may sit in live mode with no
	// interaction before reverting to the loop clip. Defaults to 90s.
	InactivityWindow Duration `yaml:"inactivity_window"`

	// PollInterval is how often inactivity is evaluated while in live
	// mode. Defaults to 10s.
	PollInterval Duration `yaml:"poll_interval"`
}

// SpeechConfig configures the continuous speech capture loop.
type SpeechConfig struct {
	// APIKey authenticates against the streaming recognition service.
	APIKey string `yaml:"api_key"`

	// Language is the fixed BCP-47 recognition language. Defaults to "en-US".
	Language string `yaml:"language"`

	// SampleRate is the capture sample rate in Hz. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// RestartDelay is the pause before restarting the engine after a
	// benign no-speech stop. Defaults to 300ms.
	RestartDelay Duration `yaml:"restart_delay"`
}

// WebRTCConfig holds ICE settings for the peer connection.
type WebRTCConfig struct {
	// STUNServers lists STUN server URLs for ICE negotiation. When empty,
	// a single public Google STUN server is used.
	STUNServers []string `yaml:"stun_servers"`
}
