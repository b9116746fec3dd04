package location

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/internal/store/memstore"
	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/streamkey"
)

type fakeDevice struct {
	mu   sync.Mutex
	open bool
	msgs []any
}

func (d *fakeDevice) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDevice) Send(_ context.Context, msg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *fakeDevice) tiers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, m := range d.msgs {
		if set, ok := m.(message.SetLocationTier); ok {
			out = append(out, set.Tier)
		}
	}
	return out
}

func (d *fakeDevice) singleRequests() []message.RequestSingleLocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []message.RequestSingleLocation
	for _, m := range d.msgs {
		if req, ok := m.(message.RequestSingleLocation); ok {
			out = append(out, req)
		}
	}
	return out
}

type fakeApps struct {
	mu   sync.Mutex
	msgs map[string][]message.LocationUpdateMsg
}

func newFakeApps() *fakeApps {
	return &fakeApps{msgs: make(map[string][]message.LocationUpdateMsg)}
}

func (a *fakeApps) SendToApp(_ context.Context, pkg string, msg any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if upd, ok := msg.(message.LocationUpdateMsg); ok {
		a.msgs[pkg] = append(a.msgs[pkg], upd)
	}
	return nil
}

func (a *fakeApps) fixes(pkg string) []message.LocationUpdateMsg {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msgs[pkg]
}

type fakeRelay struct {
	mu sync.Mutex
	n  int
}

func (r *fakeRelay) RelayToSubscribers(_ context.Context, _ streamkey.Key, _ any, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

type fakeSubs struct {
	mu   sync.Mutex
	keys []streamkey.Key
	pkgs []string
}

func (s *fakeSubs) set(keys []streamkey.Key, pkgs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys, s.pkgs = keys, pkgs
}

func (s *fakeSubs) LocationKeys() []streamkey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys
}

func (s *fakeSubs) AppsFor(streamkey.Key) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkgs
}

const pkg = "com.example.maps"

func TestParseTier(t *testing.T) {
	if got := ParseTier("realtime"); got != TierRealtime {
		t.Errorf("ParseTier(realtime) = %q", got)
	}
	if got := ParseTier("somewhere"); got != TierStandard {
		t.Errorf("unknown accuracy parsed to %q, want standard", got)
	}
	if got := ParseTier(""); got != TierStandard {
		t.Errorf("empty accuracy parsed to %q, want standard", got)
	}
}

func TestUpdateFromAPIShapes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		raw  string
		lat  float64
	}{
		{"lat lng", `{"lat":52.5,"lng":13.4}`, 52.5},
		{"latitude longitude", `{"latitude":48.8,"longitude":2.3}`, 48.8},
		{"nested coords", `{"coords":{"latitude":51.5,"longitude":-0.1,"accuracy":8}}`, 51.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(ctx, Config{
				Clock:  clockwork.NewFakeClock(),
				Device: &fakeDevice{},
				Apps:   newFakeApps(),
				Subs:   &fakeSubs{},
				UserID: "user@example.com",
			})
			if err := c.UpdateFromAPI(ctx, []byte(tt.raw)); err != nil {
				t.Fatalf("UpdateFromAPI: %v", err)
			}
			loc, ok := c.LastFix()
			if !ok || loc.Lat != tt.lat {
				t.Errorf("LastFix = (%+v, %v)", loc, ok)
			}
		})
	}

	t.Run("no coordinates", func(t *testing.T) {
		c := New(ctx, Config{Clock: clockwork.NewFakeClock(), Device: &fakeDevice{}, Apps: newFakeApps(), Subs: &fakeSubs{}})
		if err := c.UpdateFromAPI(ctx, []byte(`{"speed":3}`)); err == nil {
			t.Error("expected an error for a payload without coordinates")
		}
	})
}

func TestPollFreshCache(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	apps := newFakeApps()
	c := New(ctx, Config{Clock: clock, Device: dev, Apps: apps, Subs: &fakeSubs{}, UserID: "u"})

	c.UpdateFromDevice(ctx, message.LocationUpdateMsg{Lat: 52.5, Lng: 13.4})
	clock.Advance(20 * time.Second)

	// 20s old: fresh enough for standard, too stale for realtime.
	if err := c.HandlePollRequest(ctx, pkg, "standard", "corr-1"); err != nil {
		t.Fatalf("HandlePollRequest: %v", err)
	}
	fixes := apps.fixes(pkg)
	if len(fixes) != 1 || fixes[0].Lat != 52.5 || fixes[0].CorrelationID != "corr-1" {
		t.Fatalf("cached answer mismatch: %+v", fixes)
	}
	if len(dev.singleRequests()) != 0 {
		t.Error("fresh cache still woke the device")
	}
}

func TestPollStaleCacheAsksDevice(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	apps := newFakeApps()
	c := New(ctx, Config{Clock: clock, Device: dev, Apps: apps, Subs: &fakeSubs{}, UserID: "u"})

	c.UpdateFromDevice(ctx, message.LocationUpdateMsg{Lat: 52.5, Lng: 13.4})
	clock.Advance(20 * time.Second)

	if err := c.HandlePollRequest(ctx, pkg, "realtime", "corr-2"); err != nil {
		t.Fatalf("HandlePollRequest: %v", err)
	}
	reqs := dev.singleRequests()
	if len(reqs) != 1 || reqs[0].CorrelationID != "corr-2" || reqs[0].Accuracy != "realtime" {
		t.Fatalf("device request mismatch: %+v", reqs)
	}
	if len(apps.fixes(pkg)) != 0 {
		t.Fatal("stale cache answered the poll early")
	}

	// A correlated fix resolves exactly this poll.
	c.UpdateFromDevice(ctx, message.LocationUpdateMsg{Lat: 52.6, Lng: 13.5, CorrelationID: "corr-2"})
	fixes := apps.fixes(pkg)
	if len(fixes) != 1 || fixes[0].Lat != 52.6 || fixes[0].CorrelationID != "corr-2" {
		t.Errorf("poll resolution mismatch: %+v", fixes)
	}
}

func TestPollParkedWhileDeviceOffline(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: false}
	apps := newFakeApps()
	relay := &fakeRelay{}
	c := New(ctx, Config{Clock: clock, Device: dev, Apps: apps, Relay: relay, Subs: &fakeSubs{}, UserID: "u"})

	if err := c.HandlePollRequest(ctx, pkg, "standard", "corr-3"); err != nil {
		t.Fatalf("HandlePollRequest: %v", err)
	}
	if len(dev.singleRequests()) != 0 {
		t.Fatal("offline device was asked for a fix")
	}

	// An untargeted fix (e.g. posted over REST) satisfies the parked poll
	// and is broadcast to stream subscribers.
	if err := c.UpdateFromAPI(ctx, []byte(`{"lat":40.7,"lng":-74.0}`)); err != nil {
		t.Fatal(err)
	}
	fixes := apps.fixes(pkg)
	if len(fixes) != 1 || fixes[0].Lat != 40.7 || fixes[0].CorrelationID != "corr-3" {
		t.Errorf("parked poll resolution mismatch: %+v", fixes)
	}
	if relay.count() != 1 {
		t.Errorf("broadcasts = %d, want 1", relay.count())
	}
}

func TestEffectiveTier(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	subs := &fakeSubs{}
	c := New(ctx, Config{Clock: clock, Device: dev, Apps: newFakeApps(), Subs: subs, UserID: "u"})

	// Bare location keys count as standard; the rated key wins.
	subs.set([]streamkey.Key{streamkey.LocationStream, streamkey.WithLocationRate("high")}, nil)
	c.OnSubscriptionChange(ctx)
	if got := c.EffectiveTier(); got != TierHigh {
		t.Errorf("effective tier = %q, want high", got)
	}
	if got := dev.tiers(); len(got) != 1 || got[0] != "high" {
		t.Fatalf("device tiers = %v", got)
	}

	// Unchanged subscriptions resend nothing.
	c.OnSubscriptionChange(ctx)
	if got := dev.tiers(); len(got) != 1 {
		t.Errorf("unchanged tier was resent: %v", got)
	}

	// Dropping the rated key lowers the tier and pushes the change.
	subs.set([]streamkey.Key{streamkey.LocationStream}, nil)
	c.OnSubscriptionChange(ctx)
	if got := dev.tiers(); len(got) != 2 || got[1] != "standard" {
		t.Errorf("device tiers = %v, want trailing standard", got)
	}

	// No location interest at all falls back to reduced.
	subs.set(nil, nil)
	c.OnSubscriptionChange(ctx)
	if got := c.EffectiveTier(); got != TierReduced {
		t.Errorf("effective tier = %q, want reduced", got)
	}
}

func TestCachedFixReplayedOncePerSubscriber(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	apps := newFakeApps()
	subs := &fakeSubs{}
	c := New(ctx, Config{Clock: clock, Device: dev, Apps: apps, Subs: subs, UserID: "u"})

	c.UpdateFromDevice(ctx, message.LocationUpdateMsg{Lat: 52.5, Lng: 13.4})

	subs.set([]streamkey.Key{streamkey.LocationStream}, []string{pkg})
	c.OnSubscriptionChange(ctx)
	c.OnSubscriptionChange(ctx)

	if got := len(apps.fixes(pkg)); got != 1 {
		t.Errorf("replays = %d, want exactly 1", got)
	}
}

func TestStoreSeedAndPersist(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	st := memstore.New()
	seed := store.Location{Lat: 52.5, Lng: 13.4, Timestamp: clock.Now().Add(-time.Minute)}
	if err := st.SaveLastLocation(ctx, "u", seed); err != nil {
		t.Fatal(err)
	}

	c := New(ctx, Config{Clock: clock, Device: &fakeDevice{}, Apps: newFakeApps(), Subs: &fakeSubs{}, Store: st, UserID: "u"})
	if loc, ok := c.LastFix(); !ok || loc.Lat != 52.5 {
		t.Errorf("cache not seeded from the store: (%+v, %v)", loc, ok)
	}

	c.UpdateFromDevice(ctx, message.LocationUpdateMsg{Lat: 48.8, Lng: 2.3})
	c.Dispose(ctx)

	saved, err := st.GetLastLocation(ctx, "u")
	if err != nil {
		t.Fatalf("GetLastLocation: %v", err)
	}
	if saved.Lat != 48.8 {
		t.Errorf("persisted fix = %+v, want the latest one", saved)
	}
}
