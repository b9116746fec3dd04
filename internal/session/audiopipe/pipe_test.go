package audiopipe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

type recordFeeder struct {
	mu     sync.Mutex
	name   string
	frames [][]byte
	order  *[]string
}

func (f *recordFeeder) Feed(_ context.Context, pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.frames = append(f.frames, cp)
	if f.order != nil {
		*f.order = append(*f.order, f.name)
	}
}

func (f *recordFeeder) all() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

type recordRelay struct {
	mu     sync.Mutex
	frames [][]byte
	order  *[]string
}

func (r *recordRelay) RelayAudio(_ context.Context, pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.frames = append(r.frames, cp)
	if r.order != nil {
		*r.order = append(*r.order, "relay")
	}
}

func (r *recordRelay) all() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

type countObserver struct{ n int }

func (o *countObserver) OnAudioReceived() { o.n++ }

func TestIngressAlignment(t *testing.T) {
	ctx := context.Background()
	feeder := &recordFeeder{}
	p := New(Config{Clock: clockwork.NewFakeClock(), Transcription: feeder})
	t.Cleanup(p.Dispose)

	// Odd frame: last byte carried, even prefix delivered.
	p.Ingress(ctx, []byte{1, 2, 3})
	// Next frame starts with the carried byte.
	p.Ingress(ctx, []byte{4, 5, 6})

	want := [][]byte{{1, 2}, {3, 4, 5, 6}}
	if diff := cmp.Diff(want, feeder.all()); diff != "" {
		t.Errorf("aligned frames (-want +got):\n%s", diff)
	}
}

func TestIngressSingleByteHeld(t *testing.T) {
	ctx := context.Background()
	feeder := &recordFeeder{}
	p := New(Config{Clock: clockwork.NewFakeClock(), Transcription: feeder})
	t.Cleanup(p.Dispose)

	p.Ingress(ctx, []byte{9})
	if len(feeder.all()) != 0 {
		t.Fatal("single carried byte was delivered")
	}
	p.Ingress(ctx, []byte{10})
	if diff := cmp.Diff([][]byte{{9, 10}}, feeder.all()); diff != "" {
		t.Errorf("carry join (-want +got):\n%s", diff)
	}
}

func TestFanOutOrder(t *testing.T) {
	ctx := context.Background()
	var order []string
	transcription := &recordFeeder{name: "transcription", order: &order}
	translation := &recordFeeder{name: "translation", order: &order}
	relay := &recordRelay{order: &order}
	obs := &countObserver{}
	p := New(Config{
		Clock:         clockwork.NewFakeClock(),
		Transcription: transcription,
		Translation:   translation,
		Relay:         relay,
		Observer:      obs,
	})
	t.Cleanup(p.Dispose)

	p.Ingress(ctx, []byte{1, 2})

	if diff := cmp.Diff([]string{"transcription", "translation", "relay"}, order); diff != "" {
		t.Errorf("fan-out order (-want +got):\n%s", diff)
	}
	if obs.n != 1 {
		t.Errorf("observer notified %d times, want 1", obs.n)
	}
}

func TestObserverSeesUnalignedFrames(t *testing.T) {
	obs := &countObserver{}
	p := New(Config{Clock: clockwork.NewFakeClock(), Observer: obs})
	t.Cleanup(p.Dispose)

	p.Ingress(context.Background(), []byte{1})
	if obs.n != 1 {
		t.Error("observer not notified for a frame that aligned to nothing")
	}
}

func TestOrderedDrain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	feeder := &recordFeeder{}
	p := New(Config{
		Clock:         clock,
		Transcription: feeder,
		Ordered:       true,
		QueueSize:     10,
		Tick:          100 * time.Millisecond,
	})
	t.Cleanup(p.Dispose)
	clock.BlockUntil(1) // drain ticker registered

	// Out-of-order arrival.
	p.IngressSequenced(SequencedFrame{SequenceNumber: 7, Payload: []byte{7, 7}})
	p.IngressSequenced(SequencedFrame{SequenceNumber: 5, Payload: []byte{5, 5}})
	p.IngressSequenced(SequencedFrame{SequenceNumber: 6, Payload: []byte{6, 6}})
	p.IngressSequenced(SequencedFrame{SequenceNumber: 5, Payload: []byte{0, 0}}) // duplicate, skipped

	clock.Advance(100 * time.Millisecond)
	waitFrames(t, feeder, 3)

	want := [][]byte{{5, 5}, {6, 6}, {7, 7}}
	if diff := cmp.Diff(want, feeder.all()); diff != "" {
		t.Errorf("ordered delivery (-want +got):\n%s", diff)
	}
}

func TestOrderedGapBlocksDelivery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	feeder := &recordFeeder{}
	p := New(Config{
		Clock:         clock,
		Transcription: feeder,
		Ordered:       true,
		Tick:          100 * time.Millisecond,
	})
	t.Cleanup(p.Dispose)
	clock.BlockUntil(1)

	p.IngressSequenced(SequencedFrame{SequenceNumber: 1, Payload: []byte{1, 1}})
	p.IngressSequenced(SequencedFrame{SequenceNumber: 3, Payload: []byte{3, 3}})

	clock.Advance(100 * time.Millisecond)
	waitFrames(t, feeder, 1)
	if p.PendingOrdered() != 1 {
		t.Errorf("pending = %d, want frame 3 held back", p.PendingOrdered())
	}

	// The gap fills; the next tick drains the rest.
	p.IngressSequenced(SequencedFrame{SequenceNumber: 2, Payload: []byte{2, 2}})
	clock.Advance(100 * time.Millisecond)
	waitFrames(t, feeder, 3)

	want := [][]byte{{1, 1}, {2, 2}, {3, 3}}
	if diff := cmp.Diff(want, feeder.all()); diff != "" {
		t.Errorf("gap-filled delivery (-want +got):\n%s", diff)
	}
}

func TestSequencedPassthroughWhenUnordered(t *testing.T) {
	feeder := &recordFeeder{}
	p := New(Config{Clock: clockwork.NewFakeClock(), Transcription: feeder})
	t.Cleanup(p.Dispose)

	// Without the ordered path, sequenced frames deliver immediately in
	// arrival order.
	p.IngressSequenced(SequencedFrame{SequenceNumber: 3, Payload: []byte{3, 3}})
	p.IngressSequenced(SequencedFrame{SequenceNumber: 1, Payload: []byte{1, 1}})

	want := [][]byte{{3, 3}, {1, 1}}
	if diff := cmp.Diff(want, feeder.all()); diff != "" {
		t.Errorf("passthrough frames (-want +got):\n%s", diff)
	}
	if p.PendingOrdered() != 0 {
		t.Error("unordered pipe queued sequenced frames")
	}
}

func TestOrderedGapSkippedAfterLoss(t *testing.T) {
	clock := clockwork.NewFakeClock()
	feeder := &recordFeeder{}
	p := New(Config{
		Clock:         clock,
		Transcription: feeder,
		Ordered:       true,
		Tick:          100 * time.Millisecond,
	})
	t.Cleanup(p.Dispose)
	clock.BlockUntil(1)

	// Frame 3 is lost in transit.
	for _, seq := range []int64{1, 2, 4, 5} {
		p.IngressSequenced(SequencedFrame{SequenceNumber: seq, Payload: []byte{byte(seq), byte(seq)}})
	}

	clock.Advance(100 * time.Millisecond)
	waitFrames(t, feeder, 2)

	// Once the gap has aged out, delivery resumes at the next buffered frame.
	clock.Advance(300 * time.Millisecond)
	waitFrames(t, feeder, 4)

	want := [][]byte{{1, 1}, {2, 2}, {4, 4}, {5, 5}}
	if diff := cmp.Diff(want, feeder.all()); diff != "" {
		t.Errorf("delivery after loss (-want +got):\n%s", diff)
	}
}

func TestOrderedQueueEviction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(Config{
		Clock:     clock,
		Ordered:   true,
		QueueSize: 3,
	})
	t.Cleanup(p.Dispose)
	clock.BlockUntil(1)

	for seq := int64(1); seq <= 4; seq++ {
		p.IngressSequenced(SequencedFrame{SequenceNumber: seq, Payload: []byte{byte(seq), 0}})
	}
	if got := p.PendingOrdered(); got != 3 {
		t.Errorf("queue depth = %d, want eviction down to 3", got)
	}
}

func TestStaleSequenceSkipped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	feeder := &recordFeeder{}
	p := New(Config{
		Clock:         clock,
		Transcription: feeder,
		Ordered:       true,
		Tick:          100 * time.Millisecond,
	})
	t.Cleanup(p.Dispose)
	clock.BlockUntil(1)

	p.IngressSequenced(SequencedFrame{SequenceNumber: 5, Payload: []byte{5, 5}})
	clock.Advance(100 * time.Millisecond)
	waitFrames(t, feeder, 1)

	// A replay of a delivered sequence number must not queue.
	p.IngressSequenced(SequencedFrame{SequenceNumber: 5, Payload: []byte{5, 5}})
	if p.PendingOrdered() != 0 {
		t.Error("already-delivered sequence number was queued again")
	}
}

// waitFrames polls until the feeder has seen n frames; the drain loop runs on
// its own goroutine.
func waitFrames(t *testing.T, f *recordFeeder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(f.all()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, have %d", n, len(f.all()))
		}
		time.Sleep(time.Millisecond)
	}
}
