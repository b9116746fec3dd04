// Package mic implements the per-session microphone controller.
//
// The controller derives the desired device microphone state from the
// subscription aggregates and pushes it to the glasses with debouncing, a
// mic-off holddown, a periodic keep-alive (firmware drops the mic without
// one), and an unauthorized-audio guard that forces the mic off when audio
// arrives while nothing may consume it.
package mic

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/observe"
	"github.com/openglass/lenshub/pkg/message"
)

// Default tunables.
const (
	defaultDebounce             = time.Second
	defaultOffHolddown          = 3 * time.Second
	defaultUnauthorizedDebounce = 5 * time.Second
	defaultKeepAlive            = 10 * time.Second
	defaultSubscriptionDebounce = 100 * time.Millisecond
)

// Device is the controller's view of the device transport.
type Device interface {
	// Open reports whether the device transport can send.
	Open() bool

	// SendMicrophoneState pushes a microphone_state_change to the glasses.
	SendMicrophoneState(ctx context.Context, enabled bool, requiredData []string, bypassVAD bool) error
}

// Aggregates is the controller's view of the subscription engine's cached
// aggregates.
type Aggregates interface {
	HasPCM() bool
	HasTranscription() bool
	HasMedia() bool
}

// Config holds the dependencies of a [Controller].
type Config struct {
	Clock      clockwork.Clock
	Device     Device
	Aggregates Aggregates
	Metrics    *observe.Metrics

	// Debounce is the state coalescing window. Defaults to 1s.
	Debounce time.Duration

	// OffHolddown delays a media-gone mic-off. Defaults to 3s.
	OffHolddown time.Duration

	// UnauthorizedDebounce suppresses repeated force-off sends. Defaults to 5s.
	UnauthorizedDebounce time.Duration

	// KeepAlive is the state resend period. Defaults to 10s.
	KeepAlive time.Duration

	// SubscriptionDebounce coalesces subscription-change bursts. Defaults
	// to 100ms.
	SubscriptionDebounce time.Duration
}

// target is one desired microphone state.
type target struct {
	enabled      bool
	requiredData []string
	bypassVAD    bool
}

func (t target) equal(other target) bool {
	return t.enabled == other.enabled &&
		t.bypassVAD == other.bypassVAD &&
		slices.Equal(t.requiredData, other.requiredData)
}

// Controller owns the microphone state machine for one session.
// All methods are safe for concurrent use.
type Controller struct {
	clock   clockwork.Clock
	device  Device
	aggs    Aggregates
	metrics *observe.Metrics

	debounce      time.Duration
	offHolddown   time.Duration
	unauthWindow  time.Duration
	keepAlive     time.Duration
	subDebounce   time.Duration

	mu         sync.Mutex
	disposed   bool
	lastSent   *target
	lastSentAt time.Time
	pending    *target

	// Cached aggregates, refreshed on evaluation and at the end of the
	// unauthorized-audio window.
	hasPCM, hasTranscription, hasMedia bool

	debounceTimer clockwork.Timer
	holddownTimer clockwork.Timer
	subTimer      clockwork.Timer
	unauthTimer   clockwork.Timer
	unauthUntil   time.Time

	done chan struct{}
}

// New creates a Controller and starts its keep-alive loop.
func New(cfg Config) *Controller {
	c := &Controller{
		clock:        orReal(cfg.Clock),
		device:       cfg.Device,
		aggs:         cfg.Aggregates,
		metrics:      cfg.Metrics,
		debounce:     orDefault(cfg.Debounce, defaultDebounce),
		offHolddown:  orDefault(cfg.OffHolddown, defaultOffHolddown),
		unauthWindow: orDefault(cfg.UnauthorizedDebounce, defaultUnauthorizedDebounce),
		keepAlive:    orDefault(cfg.KeepAlive, defaultKeepAlive),
		subDebounce:  orDefault(cfg.SubscriptionDebounce, defaultSubscriptionDebounce),
		done:         make(chan struct{}),
	}
	c.refreshAggregatesLocked()
	go c.keepAliveLoop()
	return c
}

func orReal(clock clockwork.Clock) clockwork.Clock {
	if clock == nil {
		return clockwork.NewRealClock()
	}
	return clock
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// OnSubscriptionChange schedules a state re-evaluation. Bursts of changes
// within the subscription debounce window collapse into one evaluation.
func (c *Controller) OnSubscriptionChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.subTimer != nil {
		return
	}
	c.subTimer = c.clock.AfterFunc(c.subDebounce, func() {
		c.mu.Lock()
		c.subTimer = nil
		c.mu.Unlock()
		c.Evaluate()
	})
}

// Evaluate recomputes the desired microphone state from the aggregates and
// pushes it through the debouncer. A has-media true→false transition is held
// down: the off is delayed and cancelled if media interest returns in time.
func (c *Controller) Evaluate() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	hadMedia := c.hasMedia
	c.refreshAggregatesLocked()

	tgt := c.desiredLocked()

	if hadMedia && !c.hasMedia {
		// Mic-off holddown: delay the off, cancel on media return.
		if c.holddownTimer == nil {
			c.holddownTimer = c.clock.AfterFunc(c.offHolddown, c.holddownExpired)
		}
		c.mu.Unlock()
		return
	}
	if c.hasMedia && c.holddownTimer != nil {
		c.holddownTimer.Stop()
		c.holddownTimer = nil
	}
	c.updateStateLocked(tgt)
	c.mu.Unlock()
}

// holddownExpired fires when the mic-off holddown elapses without media
// interest returning.
func (c *Controller) holddownExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holddownTimer = nil
	if c.disposed {
		return
	}
	c.refreshAggregatesLocked()
	if c.hasMedia {
		return
	}
	c.updateStateLocked(c.desiredLocked())
}

// desiredLocked derives the target state from the cached aggregates.
// Caller holds c.mu.
func (c *Controller) desiredLocked() target {
	tgt := target{
		enabled:   c.hasMedia,
		bypassVAD: c.hasPCM,
	}
	if c.hasPCM || c.hasTranscription {
		tgt.requiredData = []string{message.RequiredDataPCM}
	}
	return tgt
}

// refreshAggregatesLocked re-reads the aggregate booleans. Caller holds c.mu.
func (c *Controller) refreshAggregatesLocked() {
	c.hasPCM = c.aggs.HasPCM()
	c.hasTranscription = c.aggs.HasTranscription()
	c.hasMedia = c.aggs.HasMedia()
}

// updateStateLocked runs the debouncer for one target. The first change in a
// silent window sends immediately; later changes coalesce and fire once the
// window closes, if the pending target still differs from the last sent
// state. Caller holds c.mu.
func (c *Controller) updateStateLocked(tgt target) {
	if c.lastSent != nil && c.lastSent.equal(tgt) && c.pending == nil {
		return
	}

	silent := c.debounceTimer == nil &&
		(c.lastSent == nil || c.clock.Since(c.lastSentAt) >= c.debounce)
	if silent {
		c.sendLocked(tgt)
		return
	}

	c.pending = &tgt
	if c.debounceTimer == nil {
		c.debounceTimer = c.clock.AfterFunc(c.debounce, c.debounceExpired)
	}
}

// debounceExpired flushes the pending target when the window closes.
func (c *Controller) debounceExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debounceTimer = nil
	if c.disposed || c.pending == nil {
		return
	}
	tgt := *c.pending
	c.pending = nil
	if c.lastSent != nil && c.lastSent.equal(tgt) {
		return
	}
	c.sendLocked(tgt)
}

// sendLocked pushes a state to the device and records it as last sent.
// Sends while the device transport is closed are suppressed; the state is
// still recorded so a keep-alive after reconnect carries it. Caller holds
// c.mu.
func (c *Controller) sendLocked(tgt target) {
	c.lastSent = &tgt
	c.lastSentAt = c.clock.Now()
	if !c.device.Open() {
		return
	}
	if err := c.device.SendMicrophoneState(context.Background(), tgt.enabled, tgt.requiredData, tgt.bypassVAD); err != nil {
		slog.Warn("mic: send state failed", "err", err)
		return
	}
	if c.metrics != nil {
		c.metrics.MicStateSends.Add(context.Background(), 1)
	}
}

// OnAudioReceived handles an inbound audio frame for the unauthorized-audio
// guard: when audio arrives while the mic should be off or nothing may
// consume it, the off state is force-sent once and further audio events are
// ignored for the unauthorized-audio window. The cached aggregates are
// refreshed when the window closes, before detection resumes.
func (c *Controller) OnAudioReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	now := c.clock.Now()
	if now.Before(c.unauthUntil) {
		return
	}
	enabled := c.lastSent != nil && c.lastSent.enabled
	if enabled && c.hasMedia {
		return
	}

	slog.Warn("mic: unauthorized audio received, forcing microphone off",
		"enabled", enabled, "has_media", c.hasMedia)
	c.sendLocked(target{enabled: false})
	c.unauthUntil = now.Add(c.unauthWindow)
	c.unauthTimer = c.clock.AfterFunc(c.unauthWindow, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.unauthTimer = nil
		if !c.disposed {
			c.refreshAggregatesLocked()
		}
	})
}

// keepAliveLoop periodically resends the last state while the mic is on,
// media interest persists, and the device transport is open.
func (c *Controller) keepAliveLoop() {
	ticker := c.clock.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			c.mu.Lock()
			if c.disposed {
				c.mu.Unlock()
				return
			}
			if c.lastSent != nil && c.lastSent.enabled && c.hasMedia && c.device.Open() {
				c.sendLocked(*c.lastSent)
			}
			c.mu.Unlock()
		}
	}
}

// LastSent returns the most recently pushed state, for diagnostics.
// The second return is false before the first send.
func (c *Controller) LastSent() (enabled bool, requiredData []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSent == nil {
		return false, nil, false
	}
	return c.lastSent.enabled, slices.Clone(c.lastSent.requiredData), true
}

// Dispose stops all timers. Idempotent.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true
	close(c.done)
	for _, t := range []clockwork.Timer{c.debounceTimer, c.holddownTimer, c.subTimer, c.unauthTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.debounceTimer, c.holddownTimer, c.subTimer, c.unauthTimer = nil, nil, nil, nil
}
