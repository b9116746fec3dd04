// Package memstore provides an in-memory [store.UserStore] for tests and
// single-node development deployments.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/openglass/lenshub/internal/store"
)

// Store is an in-memory implementation of [store.UserStore].
// Safe for concurrent use. The zero value is not usable; construct with [New].
type Store struct {
	mu        sync.RWMutex
	settings  map[string]map[string]any
	apps      map[string]map[string]store.App // userID → packageName → app
	running   map[string][]string
	locations map[string]store.Location
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		settings:  make(map[string]map[string]any),
		apps:      make(map[string]map[string]store.App),
		running:   make(map[string][]string),
		locations: make(map[string]store.Location),
	}
}

// InstallApp adds an App to a user's catalogue. Test seeding helper.
func (s *Store) InstallApp(userID string, app store.App) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.apps[userID] == nil {
		s.apps[userID] = make(map[string]store.App)
	}
	s.apps[userID][app.PackageName] = app
}

// SeedSettings replaces a user's settings snapshot. Test seeding helper.
func (s *Store) SeedSettings(userID string, settings map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[userID] = maps.Clone(settings)
}

// GetSettings implements [store.UserStore].
func (s *Store) GetSettings(_ context.Context, userID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings[userID] == nil {
		return map[string]any{}, nil
	}
	return maps.Clone(s.settings[userID]), nil
}

// UpdateSettings implements [store.UserStore].
func (s *Store) UpdateSettings(_ context.Context, userID string, partial map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings[userID] == nil {
		s.settings[userID] = make(map[string]any)
	}
	maps.Copy(s.settings[userID], partial)
	return nil
}

// GetInstalledApps implements [store.UserStore].
func (s *Store) GetInstalledApps(_ context.Context, userID string) ([]store.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apps := slices.Collect(maps.Values(s.apps[userID]))
	slices.SortFunc(apps, func(a, b store.App) int {
		if a.PackageName < b.PackageName {
			return -1
		}
		if a.PackageName > b.PackageName {
			return 1
		}
		return 0
	})
	return apps, nil
}

// GetApp implements [store.UserStore].
func (s *Store) GetApp(_ context.Context, userID, packageName string) (store.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[userID][packageName]
	if !ok {
		return store.App{}, store.ErrNotFound
	}
	return app, nil
}

// SetRunningApps implements [store.UserStore].
func (s *Store) SetRunningApps(_ context.Context, userID string, packages []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[userID] = slices.Clone(packages)
	return nil
}

// GetRunningApps implements [store.UserStore].
func (s *Store) GetRunningApps(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.running[userID]), nil
}

// SaveLastLocation implements [store.UserStore].
func (s *Store) SaveLastLocation(_ context.Context, userID string, loc store.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[userID] = loc
	return nil
}

// GetLastLocation implements [store.UserStore].
func (s *Store) GetLastLocation(_ context.Context, userID string) (store.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[userID]
	if !ok {
		return store.Location{}, store.ErrNotFound
	}
	return loc, nil
}
