// Package store defines the persistent user/app metadata contract the hub
// consumes, together with the record types it exchanges.
//
// Sessions are ephemeral; the store holds what must survive them: the user's
// settings snapshot, the installed-app catalogue, the last persisted
// running-app list, and the last known location (used to seed a cold
// location cache on session construction).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openglass/lenshub/internal/capability"
)

// ErrNotFound is returned when a user or app record does not exist.
var ErrNotFound = errors.New("store: not found")

// AppType distinguishes foreground ("standard") Apps, of which at most one
// runs at a time, from background Apps.
type AppType string

const (
	AppTypeStandard   AppType = "standard"
	AppTypeBackground AppType = "background"
)

// App is the descriptor of an installed App.
type App struct {
	PackageName          string
	Name                 string
	PublicURL            string
	Type                 AppType
	APIKey               string
	Permissions          []string
	HardwareRequirements []capability.Requirement
}

// WebhookURL returns the App's session webhook endpoint.
func (a App) WebhookURL() string { return a.PublicURL + "/webhook" }

// PhotoUploadURL returns the App's default photo upload endpoint.
func (a App) PhotoUploadURL() string { return a.PublicURL + "/photo-upload" }

// Location is a persisted location fix.
type Location struct {
	Lat       float64
	Lng       float64
	Accuracy  *float64
	Timestamp time.Time
}

// UserStore is the persistent user/app metadata contract.
//
// Implementations must be safe for concurrent use. The hub treats every
// store error as scoped: it logs, falls back to defaults, and never lets a
// store failure take a session down.
type UserStore interface {
	// GetSettings returns the user's settings snapshot.
	GetSettings(ctx context.Context, userID string) (map[string]any, error)

	// UpdateSettings merges partial into the user's settings snapshot.
	UpdateSettings(ctx context.Context, userID string, partial map[string]any) error

	// GetInstalledApps returns the user's installed-app catalogue.
	GetInstalledApps(ctx context.Context, userID string) ([]App, error)

	// GetApp returns one installed App by package name.
	// Returns [ErrNotFound] when the App is not installed.
	GetApp(ctx context.Context, userID, packageName string) (App, error)

	// SetRunningApps persists the user's running-app list.
	SetRunningApps(ctx context.Context, userID string, packages []string) error

	// GetRunningApps returns the last persisted running-app list.
	GetRunningApps(ctx context.Context, userID string) ([]string, error)

	// SaveLastLocation persists the user's most recent location fix.
	SaveLastLocation(ctx context.Context, userID string, loc Location) error

	// GetLastLocation returns the user's persisted location fix.
	// Returns [ErrNotFound] when none was ever saved.
	GetLastLocation(ctx context.Context, userID string) (Location, error)
}
