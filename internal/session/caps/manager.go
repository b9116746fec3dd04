// Package caps tracks the connected device model's hardware profile for one
// session, notifies Apps when it changes, and stops Apps whose required
// hardware the new device lacks.
package caps

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/capability"
	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/pkg/message"
)

// Apps is the manager's view of the App connection manager.
type Apps interface {
	RunningApps() []string
	Broadcast(ctx context.Context, msg any)
	StopApp(ctx context.Context, packageName string) error
}

// Lookup resolves installed App descriptors for compatibility checks.
type Lookup interface {
	GetApp(ctx context.Context, userID, packageName string) (store.App, error)
}

// Config holds the dependencies of a [Manager].
type Config struct {
	Clock  clockwork.Clock
	Apps   Apps
	Lookup Lookup

	SessionID string
	UserID    string
}

// Manager owns the current hardware profile for one session.
// All methods are safe for concurrent use.
type Manager struct {
	clock  clockwork.Clock
	apps   Apps
	lookup Lookup

	sessionID string
	userID    string

	mu      sync.Mutex
	model   string
	profile capability.Profile
}

// New creates a Manager with the fallback profile.
func New(cfg Config) *Manager {
	m := &Manager{
		clock:     cfg.Clock,
		apps:      cfg.Apps,
		lookup:    cfg.Lookup,
		sessionID: cfg.SessionID,
		userID:    cfg.UserID,
		model:     capability.FallbackModel,
		profile:   capability.Default(),
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	return m
}

// SetCurrentModel retargets the session to a device model. Unknown models
// fall back to the default profile. A change broadcasts a capabilities
// update to every connected App and stops running Apps whose required
// hardware the new profile lacks.
func (m *Manager) SetCurrentModel(ctx context.Context, model string) {
	profile, known := capability.ForModel(model)
	if !known {
		slog.Warn("caps: unknown device model, using fallback profile",
			"model", model, "fallback", capability.FallbackModel)
		profile = capability.Default()
	}

	m.mu.Lock()
	if m.model == model {
		m.mu.Unlock()
		return
	}
	m.model = model
	m.profile = profile
	m.mu.Unlock()

	raw, err := json.Marshal(profile)
	if err != nil {
		slog.Error("caps: marshal profile", "err", err)
		raw = []byte("{}")
	}
	if m.apps != nil {
		m.apps.Broadcast(ctx, message.CapabilitiesUpdate{
			Type:         message.TypeCapabilitiesUpdate,
			SessionID:    m.sessionID,
			ModelName:    model,
			Capabilities: raw,
			Timestamp:    message.Now(m.clock.Now()),
		})
	}
	m.stopIncompatible(ctx, profile)
}

// stopIncompatible stops every running App whose required hardware the
// profile does not provide.
func (m *Manager) stopIncompatible(ctx context.Context, profile capability.Profile) {
	if m.apps == nil || m.lookup == nil {
		return
	}
	for _, pkg := range m.apps.RunningApps() {
		app, err := m.lookup.GetApp(ctx, m.userID, pkg)
		if err != nil {
			slog.Warn("caps: resolve running app", "package", pkg, "err", err)
			continue
		}
		missing := capability.Missing(profile, app.HardwareRequirements)
		if len(missing) == 0 {
			continue
		}
		slog.Info("caps: stopping app incompatible with device",
			"package", pkg, "missing", missing)
		if err := m.apps.StopApp(ctx, pkg); err != nil {
			slog.Warn("caps: stop incompatible app", "package", pkg, "err", err)
		}
	}
}

// Check reports whether an App's hardware requirements are satisfied by the
// current profile.
func (m *Manager) Check(app store.App) error {
	m.mu.Lock()
	profile := m.profile
	model := m.model
	m.mu.Unlock()
	missing := capability.Missing(profile, app.HardwareRequirements)
	if len(missing) == 0 {
		return nil
	}
	return &capability.IncompatibleError{
		PackageName: app.PackageName,
		ModelName:   model,
		Missing:     missing,
	}
}

// Model returns the current device model name.
func (m *Manager) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// Profile returns the current hardware profile.
func (m *Manager) Profile() capability.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// ProfileJSON returns the current profile serialized for connection ACKs.
func (m *Manager) ProfileJSON() json.RawMessage {
	m.mu.Lock()
	profile := m.profile
	m.mu.Unlock()
	raw, err := json.Marshal(profile)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
