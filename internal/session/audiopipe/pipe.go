// Package audiopipe normalizes inbound device audio and fans it out to the
// speech workers and PCM-subscribed Apps.
//
// Frames are PCM16: the pipe keeps a one-byte carry between frames so every
// emitted buffer has an even length and no byte is ever dropped. Fan-out
// order within a frame is fixed: transcription worker, then translation
// worker, then PCM subscribers.
//
// An optional ordered path accepts sequence-numbered frames, buffers them in
// a bounded queue, and drains strictly in sequence on a periodic tick.
package audiopipe

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/observe"
)

// Defaults for the ordered path.
const (
	defaultQueueSize = 100
	defaultTick      = 100 * time.Millisecond
)

// Feeder consumes normalized PCM on behalf of a speech worker.
// The transcription and translation workers are external collaborators; the
// pipe only knows this contract.
type Feeder interface {
	Feed(ctx context.Context, pcm []byte)
}

// Relay fans a normalized frame out to PCM-subscribed Apps.
type Relay interface {
	RelayAudio(ctx context.Context, pcm []byte)
}

// AudioObserver is notified of raw audio arrival, before alignment.
// The microphone controller's unauthorized-audio guard hangs off this.
type AudioObserver interface {
	OnAudioReceived()
}

// SequencedFrame is one frame of the ordered path.
type SequencedFrame struct {
	SequenceNumber int64
	Timestamp      time.Time
	Payload        []byte
	IsLC3          bool
	ReceivedAt     time.Time
}

// Config holds the dependencies of a [Pipe].
type Config struct {
	Clock         clockwork.Clock
	Transcription Feeder        // may be nil
	Translation   Feeder        // may be nil
	Relay         Relay         // may be nil
	Observer      AudioObserver // may be nil
	Metrics       *observe.Metrics

	// Ordered enables the sequence-number reorder path.
	Ordered bool

	// QueueSize bounds the reorder buffer. Defaults to 100 frames.
	QueueSize int

	// Tick is the reorder drain period. Defaults to 100ms.
	Tick time.Duration
}

// Pipe is the per-session audio ingress path.
// All methods are safe for concurrent use.
type Pipe struct {
	clock         clockwork.Clock
	transcription Feeder
	translation   Feeder
	relay         Relay
	observer      AudioObserver
	metrics       *observe.Metrics

	mu          sync.Mutex
	carry       []byte // ≤1 byte of PCM16 remainder
	lastAudioAt time.Time

	// Ordered path.
	ordered    bool
	gapWait    time.Duration
	queueSize  int
	queue      []SequencedFrame
	nextSeq    int64
	processing bool
	ticker     clockwork.Ticker
	done       chan struct{}
	disposed   bool
}

// New creates a Pipe. When cfg.Ordered is set, a drain loop starts
// immediately and runs until [Pipe.Dispose].
func New(cfg Config) *Pipe {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &Pipe{
		clock:         clock,
		transcription: cfg.Transcription,
		translation:   cfg.Translation,
		relay:         cfg.Relay,
		observer:      cfg.Observer,
		metrics:       cfg.Metrics,
		queueSize:     cfg.QueueSize,
		done:          make(chan struct{}),
	}
	if p.queueSize <= 0 {
		p.queueSize = defaultQueueSize
	}
	if cfg.Ordered {
		tick := cfg.Tick
		if tick <= 0 {
			tick = defaultTick
		}
		p.ordered = true
		p.gapWait = 3 * tick
		p.ticker = clock.NewTicker(tick)
		go p.drainLoop()
	}
	return p
}

// Ingress processes one raw binary audio frame: records arrival, notifies
// the audio observer, aligns to PCM16, and fans out. Frames that align to
// nothing (a single carried byte) are held until the next frame.
func (p *Pipe) Ingress(ctx context.Context, data []byte) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.lastAudioAt = p.clock.Now()
	aligned := p.alignLocked(data)
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.OnAudioReceived()
	}
	if p.metrics != nil {
		p.metrics.AudioBytes.Add(ctx, int64(len(data)))
	}
	if len(aligned) == 0 {
		return
	}
	p.fanOut(ctx, aligned)
}

// alignLocked prepends the carried remainder and splits off a new one so
// the returned buffer has even length. Caller holds p.mu.
func (p *Pipe) alignLocked(data []byte) []byte {
	buf := data
	if len(p.carry) > 0 {
		buf = append(append(make([]byte, 0, len(p.carry)+len(data)), p.carry...), data...)
		p.carry = nil
	}
	if len(buf)%2 != 0 {
		p.carry = []byte{buf[len(buf)-1]}
		buf = buf[:len(buf)-1]
	}
	return buf
}

// fanOut delivers one aligned frame in fixed order.
func (p *Pipe) fanOut(ctx context.Context, pcm []byte) {
	if p.transcription != nil {
		p.transcription.Feed(ctx, pcm)
	}
	if p.translation != nil {
		p.translation.Feed(ctx, pcm)
	}
	if p.relay != nil {
		p.relay.RelayAudio(ctx, pcm)
	}
}

// LastAudioAt returns the arrival time of the most recent frame.
func (p *Pipe) LastAudioAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAudioAt
}

// ── Ordered path ─────────────────────────────────────────────────────────────

// IngressSequenced feeds one sequence-numbered frame. With the ordered path
// enabled the frame is queued for strictly-in-sequence delivery; duplicates
// of already-delivered or already-queued sequence numbers are skipped, and
// when the queue is full the oldest frame is evicted so memory stays
// bounded. With the ordered path disabled the frame goes straight through
// [Pipe.Ingress].
func (p *Pipe) IngressSequenced(frame SequencedFrame) {
	if !p.ordered {
		p.Ingress(context.Background(), frame.Payload)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	if frame.SequenceNumber < p.nextSeq {
		return
	}
	if slices.ContainsFunc(p.queue, func(f SequencedFrame) bool {
		return f.SequenceNumber == frame.SequenceNumber
	}) {
		return
	}
	frame.ReceivedAt = p.clock.Now()
	p.queue = append(p.queue, frame)
	if len(p.queue) > p.queueSize {
		slog.Warn("audiopipe: ordered queue full, evicting oldest frame",
			"queue_size", p.queueSize)
		oldest := 0
		for i, f := range p.queue {
			if f.SequenceNumber < p.queue[oldest].SequenceNumber {
				oldest = i
			}
		}
		p.queue = slices.Delete(p.queue, oldest, oldest+1)
	}
}

// drainLoop processes the ordered queue on each tick.
func (p *Pipe) drainLoop() {
	defer p.ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.Chan():
			p.drainOnce()
		}
	}
}

// drainOnce sorts the queue and delivers frames strictly in sequence.
// A single pass runs at a time; ticks during processing are skipped.
func (p *Pipe) drainOnce() {
	p.mu.Lock()
	if p.disposed || p.processing || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	p.processing = true

	slices.SortFunc(p.queue, func(a, b SequencedFrame) int {
		switch {
		case a.SequenceNumber < b.SequenceNumber:
			return -1
		case a.SequenceNumber > b.SequenceNumber:
			return 1
		}
		return 0
	})

	if p.nextSeq == 0 && len(p.queue) > 0 {
		// First drain adopts the lowest buffered sequence number.
		p.nextSeq = p.queue[0].SequenceNumber
	}

	// A frame lost in transit would stall delivery forever; once the oldest
	// buffered frame has waited past the gap window, resume from it.
	if p.queue[0].SequenceNumber > p.nextSeq &&
		p.clock.Since(p.queue[0].ReceivedAt) >= p.gapWait {
		slog.Warn("audiopipe: sequence gap aged out, skipping ahead",
			"expected", p.nextSeq, "resuming_at", p.queue[0].SequenceNumber)
		p.nextSeq = p.queue[0].SequenceNumber
	}

	var deliver [][]byte
	i := 0
	for ; i < len(p.queue); i++ {
		f := p.queue[i]
		if f.SequenceNumber != p.nextSeq {
			break
		}
		p.nextSeq++
		if buf := p.alignLocked(f.Payload); len(buf) > 0 {
			deliver = append(deliver, buf)
		}
	}
	p.queue = slices.Delete(p.queue, 0, i)
	p.mu.Unlock()

	for _, buf := range deliver {
		p.fanOut(context.Background(), buf)
	}

	p.mu.Lock()
	p.processing = false
	p.mu.Unlock()
}

// PendingOrdered returns the ordered-queue depth, for diagnostics.
func (p *Pipe) PendingOrdered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dispose stops the drain loop. Idempotent.
func (p *Pipe) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true
	close(p.done)
	p.queue = nil
}
