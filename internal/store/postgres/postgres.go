// Package postgres provides a PostgreSQL-backed [store.UserStore] built on
// pgx connection pooling.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openglass/lenshub/internal/store"
)

// Compile-time interface check.
var _ store.UserStore = (*Store)(nil)

// Store is a PostgreSQL-backed user store holding a single [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the database at dsn,
// and runs [Migrate] to ensure all required tables exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the user store tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS user_settings (
		    user_id  TEXT PRIMARY KEY,
		    settings JSONB NOT NULL DEFAULT '{}'::jsonb
		);
		CREATE TABLE IF NOT EXISTS installed_apps (
		    user_id      TEXT NOT NULL,
		    package_name TEXT NOT NULL,
		    descriptor   JSONB NOT NULL,
		    PRIMARY KEY (user_id, package_name)
		);
		CREATE TABLE IF NOT EXISTS running_apps (
		    user_id  TEXT PRIMARY KEY,
		    packages TEXT[] NOT NULL DEFAULT '{}'
		);
		CREATE TABLE IF NOT EXISTS last_locations (
		    user_id   TEXT PRIMARY KEY,
		    lat       DOUBLE PRECISION NOT NULL,
		    lng       DOUBLE PRECISION NOT NULL,
		    accuracy  DOUBLE PRECISION,
		    fixed_at  TIMESTAMPTZ NOT NULL
		);`

	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres store: create schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping probes the database, for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// GetSettings implements [store.UserStore]. Unknown users get an empty
// snapshot rather than an error.
func (s *Store) GetSettings(ctx context.Context, userID string) (map[string]any, error) {
	const q = `SELECT settings FROM user_settings WHERE user_id = $1`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user store: get settings: %w", err)
	}

	settings := make(map[string]any)
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("user store: decode settings: %w", err)
	}
	return settings, nil
}

// UpdateSettings implements [store.UserStore]. The partial snapshot is
// merged server-side so concurrent updates to different keys do not clobber
// each other.
func (s *Store) UpdateSettings(ctx context.Context, userID string, partial map[string]any) error {
	raw, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("user store: encode settings: %w", err)
	}

	const q = `
		INSERT INTO user_settings (user_id, settings) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET settings = user_settings.settings || EXCLUDED.settings`

	if _, err := s.pool.Exec(ctx, q, userID, raw); err != nil {
		return fmt.Errorf("user store: update settings: %w", err)
	}
	return nil
}

// GetInstalledApps implements [store.UserStore].
func (s *Store) GetInstalledApps(ctx context.Context, userID string) ([]store.App, error) {
	const q = `SELECT descriptor FROM installed_apps WHERE user_id = $1 ORDER BY package_name`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("user store: list apps: %w", err)
	}
	defer rows.Close()

	var apps []store.App
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("user store: scan app: %w", err)
		}
		var app store.App
		if err := json.Unmarshal(raw, &app); err != nil {
			return nil, fmt.Errorf("user store: decode app: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// GetApp implements [store.UserStore].
func (s *Store) GetApp(ctx context.Context, userID, packageName string) (store.App, error) {
	const q = `SELECT descriptor FROM installed_apps WHERE user_id = $1 AND package_name = $2`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, userID, packageName).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.App{}, store.ErrNotFound
	}
	if err != nil {
		return store.App{}, fmt.Errorf("user store: get app: %w", err)
	}

	var app store.App
	if err := json.Unmarshal(raw, &app); err != nil {
		return store.App{}, fmt.Errorf("user store: decode app: %w", err)
	}
	return app, nil
}

// InstallApp upserts an App descriptor into a user's catalogue.
func (s *Store) InstallApp(ctx context.Context, userID string, app store.App) error {
	raw, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("user store: encode app: %w", err)
	}

	const q = `
		INSERT INTO installed_apps (user_id, package_name, descriptor) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, package_name) DO UPDATE SET descriptor = EXCLUDED.descriptor`

	if _, err := s.pool.Exec(ctx, q, userID, app.PackageName, raw); err != nil {
		return fmt.Errorf("user store: install app: %w", err)
	}
	return nil
}

// SetRunningApps implements [store.UserStore].
func (s *Store) SetRunningApps(ctx context.Context, userID string, packages []string) error {
	const q = `
		INSERT INTO running_apps (user_id, packages) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET packages = EXCLUDED.packages`

	if _, err := s.pool.Exec(ctx, q, userID, packages); err != nil {
		return fmt.Errorf("user store: set running apps: %w", err)
	}
	return nil
}

// GetRunningApps implements [store.UserStore].
func (s *Store) GetRunningApps(ctx context.Context, userID string) ([]string, error) {
	const q = `SELECT packages FROM running_apps WHERE user_id = $1`

	var packages []string
	err := s.pool.QueryRow(ctx, q, userID).Scan(&packages)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user store: get running apps: %w", err)
	}
	return packages, nil
}

// SaveLastLocation implements [store.UserStore].
func (s *Store) SaveLastLocation(ctx context.Context, userID string, loc store.Location) error {
	const q = `
		INSERT INTO last_locations (user_id, lat, lng, accuracy, fixed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
		    lat = EXCLUDED.lat, lng = EXCLUDED.lng,
		    accuracy = EXCLUDED.accuracy, fixed_at = EXCLUDED.fixed_at`

	if _, err := s.pool.Exec(ctx, q, userID, loc.Lat, loc.Lng, loc.Accuracy, loc.Timestamp); err != nil {
		return fmt.Errorf("user store: save location: %w", err)
	}
	return nil
}

// GetLastLocation implements [store.UserStore].
func (s *Store) GetLastLocation(ctx context.Context, userID string) (store.Location, error) {
	const q = `SELECT lat, lng, accuracy, fixed_at FROM last_locations WHERE user_id = $1`

	var loc store.Location
	err := s.pool.QueryRow(ctx, q, userID).Scan(&loc.Lat, &loc.Lng, &loc.Accuracy, &loc.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Location{}, store.ErrNotFound
	}
	if err != nil {
		return store.Location{}, fmt.Errorf("user store: get location: %w", err)
	}
	return loc, nil
}
