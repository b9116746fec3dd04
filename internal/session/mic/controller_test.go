package mic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

type micSend struct {
	enabled      bool
	requiredData []string
	bypassVAD    bool
}

type fakeDevice struct {
	mu    sync.Mutex
	open  bool
	sends []micSend
}

func (d *fakeDevice) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDevice) SendMicrophoneState(_ context.Context, enabled bool, requiredData []string, bypassVAD bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends = append(d.sends, micSend{enabled, requiredData, bypassVAD})
	return nil
}

func (d *fakeDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sends)
}

func (d *fakeDevice) last() micSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sends[len(d.sends)-1]
}

type fakeAggs struct {
	mu                      sync.Mutex
	pcm, transcription, med bool
}

func (a *fakeAggs) set(pcm, transcription, media bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pcm, a.transcription, a.med = pcm, transcription, media
}

func (a *fakeAggs) HasPCM() bool           { a.mu.Lock(); defer a.mu.Unlock(); return a.pcm }
func (a *fakeAggs) HasTranscription() bool { a.mu.Lock(); defer a.mu.Unlock(); return a.transcription }
func (a *fakeAggs) HasMedia() bool         { a.mu.Lock(); defer a.mu.Unlock(); return a.med }

func newController(t *testing.T, clock clockwork.Clock, dev *fakeDevice, aggs *fakeAggs) *Controller {
	t.Helper()
	c := New(Config{
		Clock:                clock,
		Device:               dev,
		Aggregates:           aggs,
		Debounce:             time.Second,
		OffHolddown:          3 * time.Second,
		UnauthorizedDebounce: 5 * time.Second,
		KeepAlive:            10 * time.Second,
		SubscriptionDebounce: 100 * time.Millisecond,
	})
	t.Cleanup(c.Dispose)
	return c
}

// waitSends polls until the device has seen n sends or the deadline passes.
// The keep-alive loop delivers ticks on its own goroutine, so assertions
// after a clock advance need a small real-time wait.
func waitSends(t *testing.T, dev *fakeDevice, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for dev.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sends, have %d", n, dev.count())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEvaluateSendsDesiredState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	aggs := &fakeAggs{}
	c := newController(t, clock, dev, aggs)
	clock.BlockUntil(1) // keep-alive ticker registered

	aggs.set(true, false, true)
	c.Evaluate()

	if dev.count() != 1 {
		t.Fatalf("sends = %d, want 1", dev.count())
	}
	got := dev.last()
	want := micSend{enabled: true, requiredData: []string{"pcm"}, bypassVAD: true}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(micSend{})); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestTranscriptionOnlyKeepsVAD(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	aggs := &fakeAggs{}
	c := newController(t, clock, dev, aggs)
	clock.BlockUntil(1)

	aggs.set(false, true, true)
	c.Evaluate()

	got := dev.last()
	if !got.enabled || got.bypassVAD {
		t.Errorf("transcription-only state = %+v, want enabled without VAD bypass", got)
	}
	if diff := cmp.Diff([]string{"pcm"}, got.requiredData); diff != "" {
		t.Errorf("requiredData (-want +got):\n%s", diff)
	}
}

func TestDebounceCoalesces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	aggs := &fakeAggs{}
	c := newController(t, clock, dev, aggs)
	clock.BlockUntil(1)

	aggs.set(false, true, true)
	c.Evaluate() // immediate: first change in a silent window
	if dev.count() != 1 {
		t.Fatalf("sends = %d, want 1", dev.count())
	}

	// A burst inside the window coalesces into one trailing send.
	aggs.set(true, true, true)
	c.Evaluate()
	aggs.set(true, false, true)
	c.Evaluate()
	if dev.count() != 1 {
		t.Fatalf("burst leaked through the debounce: %d sends", dev.count())
	}

	clock.Advance(time.Second)
	waitSends(t, dev, 2)
	if got := dev.last(); !got.bypassVAD {
		t.Errorf("trailing send did not carry the latest target: %+v", got)
	}
}

func TestDebounceSkipsRedundantFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	aggs := &fakeAggs{}
	c := newController(t, clock, dev, aggs)
	clock.BlockUntil(1)

	aggs.set(true, false, true)
	c.Evaluate()
	// Same state again inside the window: pending equals last sent.
	c.Evaluate()
	clock.Advance(2 * time.Second)

	time.Sleep(10 * time.Millisecond)
	if dev.count() != 1 {
		t.Errorf("redundant flush sent a duplicate state: %d sends", dev.count())
	}
}

func TestOffHolddown(t *testing.T) {
	t.Run("media gone long enough turns mic off", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		dev := &fakeDevice{open: true}
		aggs := &fakeAggs{}
		c := newController(t, clock, dev, aggs)
		clock.BlockUntil(1)

		aggs.set(true, false, true)
		c.Evaluate()
		waitSends(t, dev, 1)

		aggs.set(false, false, false)
		c.Evaluate()
		if dev.count() != 1 {
			t.Fatal("mic-off sent without waiting out the holddown")
		}

		clock.Advance(3 * time.Second)
		waitSends(t, dev, 2)
		if got := dev.last(); got.enabled {
			t.Errorf("holddown expiry sent %+v, want mic off", got)
		}
	})

	t.Run("media returning cancels the off", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		dev := &fakeDevice{open: true}
		aggs := &fakeAggs{}
		c := newController(t, clock, dev, aggs)
		clock.BlockUntil(1)

		aggs.set(true, false, true)
		c.Evaluate()

		aggs.set(false, false, false)
		c.Evaluate()

		clock.Advance(time.Second)
		aggs.set(true, false, true)
		c.Evaluate()

		clock.Advance(5 * time.Second)
		time.Sleep(10 * time.Millisecond)
		for _, s := range dev.sends {
			if !s.enabled {
				t.Fatal("mic turned off despite media interest returning inside the holddown")
			}
		}
	})
}

func TestUnauthorizedAudioGuard(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	aggs := &fakeAggs{}
	c := newController(t, clock, dev, aggs)
	clock.BlockUntil(1)

	// No media interest anywhere, yet audio arrives.
	c.OnAudioReceived()
	waitSends(t, dev, 1)
	if got := dev.last(); got.enabled {
		t.Errorf("guard sent %+v, want force-off", got)
	}

	// Repeated audio inside the window is ignored.
	c.OnAudioReceived()
	c.OnAudioReceived()
	if dev.count() != 1 {
		t.Errorf("guard re-fired inside its window: %d sends", dev.count())
	}

	// After the window the guard arms again.
	clock.Advance(6 * time.Second)
	c.OnAudioReceived()
	waitSends(t, dev, 2)
}

func TestUnauthorizedAudioIgnoredWhileAuthorized(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	aggs := &fakeAggs{}
	c := newController(t, clock, dev, aggs)
	clock.BlockUntil(1)

	aggs.set(true, false, true)
	c.Evaluate()
	waitSends(t, dev, 1)

	c.OnAudioReceived()
	if dev.count() != 1 {
		t.Error("guard fired while the mic was legitimately on")
	}
}

func TestKeepAliveResends(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	aggs := &fakeAggs{}
	c := newController(t, clock, dev, aggs)
	clock.BlockUntil(1)

	aggs.set(true, false, true)
	c.Evaluate()
	waitSends(t, dev, 1)

	clock.Advance(10 * time.Second)
	waitSends(t, dev, 2)
	if got := dev.last(); !got.enabled {
		t.Errorf("keep-alive resent %+v, want the enabled state", got)
	}
}

func TestKeepAliveSilentWhileOff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: true}
	aggs := &fakeAggs{}
	newController(t, clock, dev, aggs)
	clock.BlockUntil(1)

	clock.Advance(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if dev.count() != 0 {
		t.Errorf("keep-alive sent %d states with the mic never turned on", dev.count())
	}
}

func TestClosedDeviceSuppressesSend(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := &fakeDevice{open: false}
	aggs := &fakeAggs{}
	c := newController(t, clock, dev, aggs)
	clock.BlockUntil(1)

	aggs.set(true, false, true)
	c.Evaluate()

	if dev.count() != 0 {
		t.Error("state pushed to a closed transport")
	}
	// The state is still recorded for post-reconnect keep-alives.
	enabled, _, ok := c.LastSent()
	if !ok || !enabled {
		t.Errorf("LastSent = (%v, %v), want recorded enabled state", enabled, ok)
	}
}
