package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the corresponding field is absent.
const (
	defaultListenAddr       = ":8080"
	defaultCoordTimeout     = 10 * time.Second
	defaultInactivityWindow = 90 * time.Second
	defaultPollInterval     = 10 * time.Second
	defaultLanguage         = "en-US"
	defaultSampleRate       = 16000
	defaultRestartDelay     = 300 * time.Millisecond
	defaultQuality          = "high"
)

// Load reads, parses, validates, and defaults the YAML config at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses a YAML config from r, applies defaults, and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in zero-valued fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Coordinator.Timeout <= 0 {
		cfg.Coordinator.Timeout = Duration(defaultCoordTimeout)
	}
	if cfg.Avatar.Quality == "" {
		cfg.Avatar.Quality = defaultQuality
	}
	if cfg.Player.InactivityWindow <= 0 {
		cfg.Player.InactivityWindow = Duration(defaultInactivityWindow)
	}
	if cfg.Player.PollInterval <= 0 {
		cfg.Player.PollInterval = Duration(defaultPollInterval)
	}
	if cfg.Speech.Language == "" {
		cfg.Speech.Language = defaultLanguage
	}
	if cfg.Speech.SampleRate <= 0 {
		cfg.Speech.SampleRate = defaultSampleRate
	}
	if cfg.Speech.RestartDelay <= 0 {
		cfg.Speech.RestartDelay = Duration(defaultRestartDelay)
	}
}

// Validate checks cfg for structural problems. It returns the first error
// found; warnings are not modelled — anything questionable enough to flag
// is an error here.
func Validate(cfg *Config) error {
	if !cfg.Server.LogLevel.IsValid() {
		return fmt.Errorf("config: server.log_level %q is not one of debug|info|warn|error", cfg.Server.LogLevel)
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("config: server.tls requires both cert_file and key_file")
		}
	}
	if cfg.Coordinator.BaseURL == "" {
		return fmt.Errorf("config: coordinator.base_url is required")
	}
	switch cfg.Avatar.Quality {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("config: avatar.quality %q is not one of low|medium|high", cfg.Avatar.Quality)
	}
	if cfg.Player.PollInterval.Std() > cfg.Player.InactivityWindow.Std() {
		return fmt.Errorf("config: player.poll_interval (%s) exceeds player.inactivity_window (%s)",
			cfg.Player.PollInterval.Std(), cfg.Player.InactivityWindow.Std())
	}
	return nil
}
