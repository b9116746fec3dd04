package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openglass/lenshub/internal/store"
)

func TestSettings(t *testing.T) {
	ctx := context.Background()
	s := New()

	got, err := s.GetSettings(ctx, "alice")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unknown user should get empty settings, got %v", got)
	}

	if err := s.UpdateSettings(ctx, "alice", map[string]any{"metric_system_enabled": true}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if err := s.UpdateSettings(ctx, "alice", map[string]any{"default_wearable": "Mentra Live"}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	got, err = s.GetSettings(ctx, "alice")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	want := map[string]any{"metric_system_enabled": true, "default_wearable": "Mentra Live"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged settings mismatch (-want +got):\n%s", diff)
	}

	// Returned snapshot is a copy.
	got["metric_system_enabled"] = false
	again, _ := s.GetSettings(ctx, "alice")
	if again["metric_system_enabled"] != true {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestApps(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.InstallApp("alice", store.App{PackageName: "com.example.b", PublicURL: "https://b.example"})
	s.InstallApp("alice", store.App{PackageName: "com.example.a"})

	apps, err := s.GetInstalledApps(ctx, "alice")
	if err != nil {
		t.Fatalf("GetInstalledApps: %v", err)
	}
	if len(apps) != 2 || apps[0].PackageName != "com.example.a" {
		t.Errorf("apps not sorted by package name: %+v", apps)
	}

	app, err := s.GetApp(ctx, "alice", "com.example.b")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if got := app.WebhookURL(); got != "https://b.example/webhook" {
		t.Errorf("webhook url = %q", got)
	}

	if _, err := s.GetApp(ctx, "alice", "com.example.ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing app err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetApp(ctx, "bob", "com.example.a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown user err = %v, want ErrNotFound", err)
	}
}

func TestRunningApps(t *testing.T) {
	ctx := context.Background()
	s := New()

	got, err := s.GetRunningApps(ctx, "alice")
	if err != nil || got != nil {
		t.Fatalf("GetRunningApps = (%v, %v), want (nil, nil)", got, err)
	}

	pkgs := []string{"com.example.a", "com.example.b"}
	if err := s.SetRunningApps(ctx, "alice", pkgs); err != nil {
		t.Fatalf("SetRunningApps: %v", err)
	}
	pkgs[0] = "mutated"

	got, _ = s.GetRunningApps(ctx, "alice")
	if diff := cmp.Diff([]string{"com.example.a", "com.example.b"}, got); diff != "" {
		t.Errorf("running apps mismatch (-want +got):\n%s", diff)
	}
}

func TestLastLocation(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.GetLastLocation(ctx, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	acc := 12.0
	loc := store.Location{Lat: 52.52, Lng: 13.405, Accuracy: &acc, Timestamp: time.Now().UTC()}
	if err := s.SaveLastLocation(ctx, "alice", loc); err != nil {
		t.Fatalf("SaveLastLocation: %v", err)
	}
	got, err := s.GetLastLocation(ctx, "alice")
	if err != nil {
		t.Fatalf("GetLastLocation: %v", err)
	}
	if got != loc {
		t.Errorf("got %+v, want %+v", got, loc)
	}
}
