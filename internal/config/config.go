// Package config provides the configuration schema and loader for the
// lenshub session hub.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the hub.
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

// Duration wraps time.Duration so durations can be written as "10s" or
// "100ms" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for lenshub.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Apps     AppsConfig     `yaml:"apps"`
	Mic      MicConfig      `yaml:"microphone"`
	Audio    AudioConfig    `yaml:"audio"`
	RTMP     RTMPConfig     `yaml:"rtmp"`
	Photo    PhotoConfig    `yaml:"photo"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicHostName is the externally reachable host name, used to build
	// the cloud websocket URL handed to Apps in session webhooks.
	PublicHostName string `yaml:"public_host_name"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DatabaseConfig selects the user store backend. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// SessionConfig holds session lifecycle and heartbeat tunables.
type SessionConfig struct {
	// DeviceHeartbeatInterval is the device liveness probe period.
	DeviceHeartbeatInterval Duration `yaml:"device_heartbeat_interval"`

	// AppHeartbeatInterval is the App liveness probe period.
	AppHeartbeatInterval Duration `yaml:"app_heartbeat_interval"`

	// PongTimeoutEnabled turns on transport closure when a device misses
	// its pong deadline. Disabled by default.
	PongTimeoutEnabled bool `yaml:"pong_timeout_enabled"`

	// PongTimeout is the pong deadline when enforcement is enabled.
	PongTimeout Duration `yaml:"pong_timeout"`

	// DeviceGrace is how long a session survives after its device
	// disconnects before it is disposed.
	DeviceGrace Duration `yaml:"device_grace"`

	// SubscriptionReconnectGrace is the window after an App reconnect
	// during which empty subscription updates are discarded.
	SubscriptionReconnectGrace Duration `yaml:"subscription_reconnect_grace"`

	// SubscriptionDebounce coalesces subscription-change bursts before the
	// microphone state is re-evaluated.
	SubscriptionDebounce Duration `yaml:"subscription_debounce"`
}

// AppsConfig holds App lifecycle tunables.
type AppsConfig struct {
	// StartDeadline is the total deadline for an App start attempt.
	StartDeadline Duration `yaml:"start_deadline"`

	// WebhookAttempts is how many times the session webhook is tried.
	WebhookAttempts int `yaml:"webhook_attempts"`

	// WebhookAttemptTimeout bounds a single webhook POST.
	WebhookAttemptTimeout Duration `yaml:"webhook_attempt_timeout"`

	// ReconnectGrace is how long a vanished App transport may reconnect
	// before resurrection starts.
	ReconnectGrace Duration `yaml:"reconnect_grace"`
}

// MicConfig holds microphone state-machine tunables.
type MicConfig struct {
	// Debounce is the microphone state coalescing window.
	Debounce Duration `yaml:"debounce"`

	// OffHolddown delays a media-gone mic-off so brief unsubscribes do not
	// flap the hardware.
	OffHolddown Duration `yaml:"off_holddown"`

	// UnauthorizedAudioDebounce suppresses repeated force-off sends after
	// unauthorized audio is detected.
	UnauthorizedAudioDebounce Duration `yaml:"unauthorized_audio_debounce"`

	// KeepAlive is the period of microphone-state keep-alive resends.
	KeepAlive Duration `yaml:"keep_alive"`
}

// AudioConfig holds audio pipeline tunables.
type AudioConfig struct {
	// Ordered enables the sequence-number reorder buffer.
	Ordered bool `yaml:"ordered"`

	// OrderedQueueSize bounds the reorder buffer, in frames.
	OrderedQueueSize int `yaml:"ordered_queue_size"`

	// OrderedTick is the reorder buffer drain period.
	OrderedTick Duration `yaml:"ordered_tick"`
}

// RTMPConfig holds RTMP stream tracking tunables.
type RTMPConfig struct {
	// KeepAlive is the keep-alive probe period for active streams.
	KeepAlive Duration `yaml:"keep_alive"`

	// AckDeadline is how long a keep-alive ACK may take before it counts
	// as missed.
	AckDeadline Duration `yaml:"ack_deadline"`

	// StreamTimeout is the inactivity window after which a stream with
	// enough missed ACKs times out.
	StreamTimeout Duration `yaml:"stream_timeout"`

	// MaxMissedAcks is the missed-ACK threshold for the timeout policy.
	MaxMissedAcks int `yaml:"max_missed_acks"`
}

// PhotoConfig holds photo request tunables.
type PhotoConfig struct {
	// Deadline is how long a pending photo request is tracked.
	Deadline Duration `yaml:"deadline"`
}

// Default returns a Config populated with the production defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Session: SessionConfig{
			DeviceHeartbeatInterval:    Duration(10 * time.Second),
			AppHeartbeatInterval:       Duration(10 * time.Second),
			PongTimeoutEnabled:         false,
			PongTimeout:                Duration(30 * time.Second),
			DeviceGrace:                Duration(60 * time.Second),
			SubscriptionReconnectGrace: Duration(8 * time.Second),
			SubscriptionDebounce:       Duration(100 * time.Millisecond),
		},
		Apps: AppsConfig{
			StartDeadline:         Duration(5 * time.Second),
			WebhookAttempts:       2,
			WebhookAttemptTimeout: Duration(10 * time.Second),
			ReconnectGrace:        Duration(5 * time.Second),
		},
		Mic: MicConfig{
			Debounce:                  Duration(time.Second),
			OffHolddown:               Duration(3 * time.Second),
			UnauthorizedAudioDebounce: Duration(5 * time.Second),
			KeepAlive:                 Duration(10 * time.Second),
		},
		Audio: AudioConfig{
			Ordered:          false,
			OrderedQueueSize: 100,
			OrderedTick:      Duration(100 * time.Millisecond),
		},
		RTMP: RTMPConfig{
			KeepAlive:     Duration(15 * time.Second),
			AckDeadline:   Duration(10 * time.Second),
			StreamTimeout: Duration(60 * time.Second),
			MaxMissedAcks: 3,
		},
		Photo: PhotoConfig{
			Deadline: Duration(30 * time.Second),
		},
	}
}
