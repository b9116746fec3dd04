package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/streamkey"
)

func entries(keys ...streamkey.Key) []message.SubscriptionEntry {
	out := make([]message.SubscriptionEntry, len(keys))
	for i, k := range keys {
		out[i] = message.SubscriptionEntry{Stream: k}
	}
	return out
}

func TestUpdateSubscriptions(t *testing.T) {
	ctx := context.Background()
	e := New(Config{Clock: clockwork.NewFakeClock()})

	if err := e.UpdateSubscriptions(ctx, "com.example.a", entries(streamkey.AudioChunk, "transcription:en-US")); err != nil {
		t.Fatalf("UpdateSubscriptions: %v", err)
	}

	got := e.Subscriptions("com.example.a")
	want := []streamkey.Key{streamkey.AudioChunk, "transcription:en-US"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("set mismatch (-want +got):\n%s", diff)
	}
	if !e.HasPCM() || !e.HasTranscription() || !e.HasMedia() {
		t.Error("aggregates not updated for pcm + transcription set")
	}

	// Replace with a media-free set.
	if err := e.UpdateSubscriptions(ctx, "com.example.a", entries(streamkey.CalendarEvent)); err != nil {
		t.Fatalf("UpdateSubscriptions: %v", err)
	}
	if e.HasPCM() || e.HasTranscription() || e.HasMedia() {
		t.Error("aggregates not cleared after replacement")
	}
}

func TestUpdateDropsInvalidAndDuplicateKeys(t *testing.T) {
	ctx := context.Background()
	e := New(Config{Clock: clockwork.NewFakeClock()})

	in := []message.SubscriptionEntry{
		{Stream: streamkey.VAD},
		{Stream: "translation:en-US-to-en-US"}, // same source and target
		{Stream: streamkey.VAD},               // duplicate
		{Stream: streamkey.CalendarEvent},
	}
	if err := e.UpdateSubscriptions(ctx, "com.example.a", in); err != nil {
		t.Fatalf("UpdateSubscriptions: %v", err)
	}
	want := []streamkey.Key{streamkey.VAD, streamkey.CalendarEvent}
	if diff := cmp.Diff(want, e.Subscriptions("com.example.a")); diff != "" {
		t.Errorf("set mismatch (-want +got):\n%s", diff)
	}
}

func TestReconnectGrace(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	e := New(Config{Clock: clock, ReconnectGrace: 8 * time.Second})

	if err := e.UpdateSubscriptions(ctx, "com.example.a", entries(streamkey.VAD)); err != nil {
		t.Fatalf("UpdateSubscriptions: %v", err)
	}

	t.Run("empty update inside grace discarded", func(t *testing.T) {
		e.MarkAppReconnected("com.example.a")
		clock.Advance(3 * time.Second)
		if err := e.UpdateSubscriptions(ctx, "com.example.a", nil); err != nil {
			t.Fatalf("UpdateSubscriptions: %v", err)
		}
		if len(e.Subscriptions("com.example.a")) != 1 {
			t.Error("empty update inside the grace window was applied")
		}
	})

	t.Run("explicit removal bypasses grace", func(t *testing.T) {
		e.MarkAppReconnected("com.example.a")
		if err := e.RemoveSubscriptions(ctx, "com.example.a"); err != nil {
			t.Fatalf("RemoveSubscriptions: %v", err)
		}
		if len(e.Subscriptions("com.example.a")) != 0 {
			t.Error("explicit removal was discarded")
		}
	})

	t.Run("empty update after grace applies", func(t *testing.T) {
		if err := e.UpdateSubscriptions(ctx, "com.example.a", entries(streamkey.VAD)); err != nil {
			t.Fatalf("UpdateSubscriptions: %v", err)
		}
		e.MarkAppReconnected("com.example.a")
		clock.Advance(9 * time.Second)
		if err := e.UpdateSubscriptions(ctx, "com.example.a", nil); err != nil {
			t.Fatalf("UpdateSubscriptions: %v", err)
		}
		if len(e.Subscriptions("com.example.a")) != 0 {
			t.Error("empty update after the grace window was discarded")
		}
	})
}

// denyPCM rejects raw-audio subscriptions for apps without the mic-ok
// marker in their descriptor.
type denyPCM struct{}

func (denyPCM) Check(app store.App, key streamkey.Key) *message.PermissionDetail {
	if key == streamkey.AudioChunk && app.APIKey != "mic-ok" {
		return &message.PermissionDetail{Stream: key, RequiredPermission: "MICROPHONE"}
	}
	return nil
}

func TestPermissionFiltering(t *testing.T) {
	ctx := context.Background()
	var gotPerm *message.PermissionError

	e := New(Config{
		Clock:       clockwork.NewFakeClock(),
		Permissions: denyPCM{},
		LookupApp: func(_ context.Context, pkg string) (store.App, error) {
			if pkg == "com.example.broken" {
				return store.App{}, errors.New("store down")
			}
			return store.App{PackageName: pkg}, nil
		},
		OnPermissionError: func(_ context.Context, _ string, perr message.PermissionError) {
			gotPerm = &perr
		},
	})

	if err := e.UpdateSubscriptions(ctx, "com.example.a", entries(streamkey.AudioChunk, streamkey.VAD)); err != nil {
		t.Fatalf("UpdateSubscriptions: %v", err)
	}
	if diff := cmp.Diff([]streamkey.Key{streamkey.VAD}, e.Subscriptions("com.example.a")); diff != "" {
		t.Errorf("rejected key kept (-want +got):\n%s", diff)
	}
	if gotPerm == nil || len(gotPerm.Details) != 1 || gotPerm.Details[0].RequiredPermission != "MICROPHONE" {
		t.Errorf("permission error not delivered: %+v", gotPerm)
	}

	t.Run("lookup failure keeps previous set", func(t *testing.T) {
		if err := e.UpdateSubscriptions(ctx, "com.example.broken", entries(streamkey.VAD)); err == nil {
			t.Fatal("expected an error when the app lookup fails")
		}
		if len(e.Subscriptions("com.example.broken")) != 0 {
			t.Error("failed update left a partial set behind")
		}
	})
}

func TestOnApplyDelta(t *testing.T) {
	ctx := context.Background()
	var added, removed []streamkey.Key
	e := New(Config{
		Clock: clockwork.NewFakeClock(),
		OnApply: func(_ context.Context, _ string, a, r []streamkey.Key) {
			added, removed = a, r
		},
	})

	if err := e.UpdateSubscriptions(ctx, "com.example.a", entries(streamkey.VAD, streamkey.CalendarEvent)); err != nil {
		t.Fatal(err)
	}
	if err := e.UpdateSubscriptions(ctx, "com.example.a", entries(streamkey.CalendarEvent, streamkey.LocationStream)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]streamkey.Key{streamkey.LocationStream}, added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]streamkey.Key{streamkey.VAD}, removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	e := New(Config{Clock: clockwork.NewFakeClock()})

	mustUpdate := func(pkg string, keys ...streamkey.Key) {
		t.Helper()
		if err := e.UpdateSubscriptions(ctx, pkg, entries(keys...)); err != nil {
			t.Fatalf("UpdateSubscriptions(%s): %v", pkg, err)
		}
	}
	mustUpdate("com.example.b", streamkey.Wildcard)
	mustUpdate("com.example.a", streamkey.VAD, streamkey.AudioChunk, "transcription:en-US")
	mustUpdate("com.example.c", streamkey.LocationUpdate, streamkey.SettingKey("metricSystemEnabled"), "translation:es-ES-to-en-US")

	t.Run("AppsFor", func(t *testing.T) {
		got := e.AppsFor(streamkey.VAD)
		if diff := cmp.Diff([]string{"com.example.a", "com.example.b"}, got); diff != "" {
			t.Errorf("AppsFor(vad) (-want +got):\n%s", diff)
		}
		// Legacy location-update subscribers receive location-stream data.
		got = e.AppsFor(streamkey.LocationStream)
		if diff := cmp.Diff([]string{"com.example.b", "com.example.c"}, got); diff != "" {
			t.Errorf("AppsFor(location-stream) (-want +got):\n%s", diff)
		}
	})

	t.Run("AppsForSetting", func(t *testing.T) {
		got := e.AppsForSetting("metricSystemEnabled")
		if diff := cmp.Diff([]string{"com.example.c"}, got); diff != "" {
			t.Errorf("AppsForSetting (-want +got):\n%s", diff)
		}
	})

	t.Run("HasSubscription", func(t *testing.T) {
		if !e.HasSubscription("com.example.a", streamkey.VAD) {
			t.Error("direct subscription not found")
		}
		if !e.HasSubscription("com.example.b", streamkey.CalendarEvent) {
			t.Error("wildcard subscription does not cover calendar-event")
		}
		if e.HasSubscription("com.example.c", streamkey.VAD) {
			t.Error("unrelated subscription matched")
		}
	})

	t.Run("PCMApps", func(t *testing.T) {
		if diff := cmp.Diff([]string{"com.example.a"}, e.PCMApps()); diff != "" {
			t.Errorf("PCMApps (-want +got):\n%s", diff)
		}
	})

	t.Run("MinimalLanguageSet", func(t *testing.T) {
		want := []streamkey.Key{"transcription:en-US", "translation:es-ES-to-en-US"}
		if diff := cmp.Diff(want, e.MinimalLanguageSet()); diff != "" {
			t.Errorf("MinimalLanguageSet (-want +got):\n%s", diff)
		}
	})

	t.Run("LocationKeys", func(t *testing.T) {
		got := e.LocationKeys()
		if len(got) != 1 || got[0] != streamkey.LocationUpdate {
			t.Errorf("LocationKeys = %v", got)
		}
	})

	t.Run("Forget", func(t *testing.T) {
		e.Forget("com.example.a")
		if len(e.Subscriptions("com.example.a")) != 0 {
			t.Error("set survived Forget")
		}
		if e.HasPCM() {
			t.Error("pcm aggregate survived Forget")
		}
		want := []streamkey.Key{"translation:es-ES-to-en-US"}
		if diff := cmp.Diff(want, e.MinimalLanguageSet()); diff != "" {
			t.Errorf("language counts after Forget (-want +got):\n%s", diff)
		}
	})
}
