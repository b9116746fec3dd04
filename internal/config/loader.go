package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays it on the
// defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must not be empty"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Apps.WebhookAttempts < 1 {
		errs = append(errs, fmt.Errorf("apps.webhook_attempts must be at least 1, got %d", cfg.Apps.WebhookAttempts))
	}
	if cfg.RTMP.MaxMissedAcks < 1 {
		errs = append(errs, fmt.Errorf("rtmp.max_missed_acks must be at least 1, got %d", cfg.RTMP.MaxMissedAcks))
	}
	if cfg.Audio.OrderedQueueSize < 1 {
		errs = append(errs, fmt.Errorf("audio.ordered_queue_size must be at least 1, got %d", cfg.Audio.OrderedQueueSize))
	}
	for name, d := range map[string]Duration{
		"session.device_heartbeat_interval": cfg.Session.DeviceHeartbeatInterval,
		"session.app_heartbeat_interval":    cfg.Session.AppHeartbeatInterval,
		"session.device_grace":              cfg.Session.DeviceGrace,
		"apps.start_deadline":               cfg.Apps.StartDeadline,
		"apps.webhook_attempt_timeout":      cfg.Apps.WebhookAttemptTimeout,
		"apps.reconnect_grace":              cfg.Apps.ReconnectGrace,
		"microphone.debounce":               cfg.Mic.Debounce,
		"microphone.keep_alive":             cfg.Mic.KeepAlive,
		"rtmp.keep_alive":                   cfg.RTMP.KeepAlive,
		"rtmp.ack_deadline":                 cfg.RTMP.AckDeadline,
		"rtmp.stream_timeout":               cfg.RTMP.StreamTimeout,
		"photo.deadline":                    cfg.Photo.Deadline,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d.Std()))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %w", errors.Join(errs...))
	}
	return nil
}
