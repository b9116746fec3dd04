// Package settings bridges user settings between the REST surface, the
// persisted store, and Apps subscribed to individual setting changes.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/pkg/message"
)

// Setting keys as they appear in the persisted settings document.
const (
	KeyDefaultWearable     = "default_wearable"
	KeyMetricSystemEnabled = "metric_system_enabled"
)

// Store is the bridge's view of user settings persistence.
type Store interface {
	GetSettings(ctx context.Context, userID string) (map[string]any, error)
	UpdateSettings(ctx context.Context, userID string, patch map[string]any) error
}

// Subscriptions resolves which Apps listen to a given setting.
type Subscriptions interface {
	AppsForSetting(setting string) []string
}

// Apps delivers setting updates to a single App.
type Apps interface {
	SendToApp(ctx context.Context, packageName string, msg any) error
}

// Capabilities reacts to the default wearable changing.
type Capabilities interface {
	SetCurrentModel(ctx context.Context, model string)
}

// Config holds the dependencies of a [Bridge].
type Config struct {
	Clock clockwork.Clock
	Store Store
	Subs  Subscriptions
	Apps  Apps
	Caps  Capabilities

	SessionID string
	UserID    string
}

// Bridge owns the settings flow for one session.
// All methods are safe for concurrent use.
type Bridge struct {
	clock clockwork.Clock
	store Store
	subs  Subscriptions
	apps  Apps
	caps  Capabilities

	sessionID string
	userID    string

	mu       sync.Mutex
	settings map[string]any
}

// New creates a Bridge with an empty cache; call [Bridge.Load] to populate.
func New(cfg Config) *Bridge {
	b := &Bridge{
		clock:     cfg.Clock,
		store:     cfg.Store,
		subs:      cfg.Subs,
		apps:      cfg.Apps,
		caps:      cfg.Caps,
		sessionID: cfg.SessionID,
		userID:    cfg.UserID,
		settings:  map[string]any{},
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	return b
}

// Load reads the persisted settings into the cache and applies the default
// wearable to the capability profile.
func (b *Bridge) Load(ctx context.Context) error {
	settings, err := b.store.GetSettings(ctx, b.userID)
	if err != nil {
		return fmt.Errorf("settings: load: %w", err)
	}
	b.mu.Lock()
	b.settings = settings
	b.mu.Unlock()

	if model, ok := settings[KeyDefaultWearable].(string); ok && model != "" && b.caps != nil {
		b.caps.SetCurrentModel(ctx, model)
	}
	return nil
}

// Get returns one cached setting value.
func (b *Bridge) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.settings[key]
	return v, ok
}

// Snapshot returns a copy of the cached settings, for connection ACKs.
func (b *Bridge) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any, len(b.settings))
	for k, v := range b.settings {
		out[k] = v
	}
	return out
}

// OnSettingsUpdatedViaRest persists a REST settings patch, refreshes the
// cache, and fans changed keys out to Apps subscribed to them. A changed
// default wearable also retargets the capability profile.
func (b *Bridge) OnSettingsUpdatedViaRest(ctx context.Context, patch map[string]any) error {
	if err := b.store.UpdateSettings(ctx, b.userID, patch); err != nil {
		return fmt.Errorf("settings: persist update: %w", err)
	}
	b.mu.Lock()
	prev := make(map[string]any, len(b.settings))
	for k, v := range b.settings {
		prev[k] = v
	}
	for k, v := range patch {
		b.settings[k] = v
	}
	b.mu.Unlock()

	for key, value := range patch {
		if old, ok := prev[key]; ok && reflect.DeepEqual(old, value) {
			continue
		}
		switch key {
		case KeyDefaultWearable:
			if model, ok := value.(string); ok && b.caps != nil {
				b.caps.SetCurrentModel(ctx, model)
			}
		case KeyMetricSystemEnabled:
			b.notify(ctx, legacyName(key), coerceBool(value))
		default:
			b.notify(ctx, legacyName(key), value)
		}
	}
	return nil
}

// notify sends a legacy settings update carrying one changed setting to
// every App subscribed to it.
func (b *Bridge) notify(ctx context.Context, setting string, value any) {
	subscribers := b.subs.AppsForSetting(setting)
	if len(subscribers) == 0 {
		return
	}
	msg := message.SettingsUpdate{
		Type:      message.TypeSettingsUpdate,
		SessionID: b.sessionID,
		Settings:  map[string]any{setting: value},
		Timestamp: message.Now(b.clock.Now()),
	}
	for _, pkg := range subscribers {
		if err := b.apps.SendToApp(ctx, pkg, msg); err != nil {
			slog.Warn("settings: update send failed",
				"package", pkg, "setting", setting, "err", err)
		}
	}
}

// legacyName converts a snake_case setting key to the camelCase name Apps
// subscribe to ("metric_system_enabled" → "metricSystemEnabled").
func legacyName(key string) string {
	parts := strings.Split(key, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

// coerceBool normalizes a persisted boolean that older clients stored as a
// "true"/"false" string.
func coerceBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true")
	}
	return false
}
