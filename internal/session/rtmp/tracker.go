// Package rtmp tracks device RTMP streams for one session: start/stop
// commands, the keep-alive/ACK loop firmware requires to keep a stream up,
// and the timeout policy for streams that stop responding.
package rtmp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/observe"
	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/streamkey"
)

// Status is the internal state of a tracked stream.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusTimeout      Status = "timeout"
)

// Default tunables.
const (
	defaultKeepAlive     = 15 * time.Second
	defaultAckDeadline   = 10 * time.Second
	defaultStreamTimeout = 60 * time.Second
	defaultMaxMissedAcks = 3
)

// Device is the tracker's view of the device transport.
type Device interface {
	Open() bool
	Send(ctx context.Context, msg any) error
}

// Apps is the tracker's view of the App connection manager.
type Apps interface {
	IsRunning(packageName string) bool
	SendToApp(ctx context.Context, packageName string, msg any) error
}

// Relay fans a status update out to rtmp-stream-status subscribers other
// than the owning App.
type Relay interface {
	RelayToSubscribers(ctx context.Context, key streamkey.Key, data any, excludePackage string)
}

// Config holds the dependencies of a [Tracker].
type Config struct {
	Clock   clockwork.Clock
	Device  Device
	Apps    Apps
	Relay   Relay
	Metrics *observe.Metrics

	SessionID string

	KeepAlive     time.Duration
	AckDeadline   time.Duration
	StreamTimeout time.Duration
	MaxMissedAcks int
}

// stream is one tracked RTMP stream.
type stream struct {
	id           string
	packageName  string
	url          string
	status       Status
	startTime    time.Time
	lastActivity time.Time
	missedAcks   int
	pendingAcks  map[string]clockwork.Timer // ackID → deadline timer
	keepAlive    clockwork.Timer
	errorDetails string
}

// Tracker owns RTMP stream state for one session.
// All methods are safe for concurrent use.
type Tracker struct {
	clock   clockwork.Clock
	device  Device
	apps    Apps
	relay   Relay
	metrics *observe.Metrics

	sessionID     string
	keepAlivePer  time.Duration
	ackDeadline   time.Duration
	streamTimeout time.Duration
	maxMissedAcks int

	mu       sync.Mutex
	streams  map[string]*stream
	disposed bool
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	t := &Tracker{
		clock:         cfg.Clock,
		device:        cfg.Device,
		apps:          cfg.Apps,
		relay:         cfg.Relay,
		metrics:       cfg.Metrics,
		sessionID:     cfg.SessionID,
		keepAlivePer:  cfg.KeepAlive,
		ackDeadline:   cfg.AckDeadline,
		streamTimeout: cfg.StreamTimeout,
		maxMissedAcks: cfg.MaxMissedAcks,
		streams:       make(map[string]*stream),
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	if t.keepAlivePer <= 0 {
		t.keepAlivePer = defaultKeepAlive
	}
	if t.ackDeadline <= 0 {
		t.ackDeadline = defaultAckDeadline
	}
	if t.streamTimeout <= 0 {
		t.streamTimeout = defaultStreamTimeout
	}
	if t.maxMissedAcks <= 0 {
		t.maxMissedAcks = defaultMaxMissedAcks
	}
	return t
}

// StartStream validates and starts an RTMP push for an App. Any stream
// already tracked for this session is stopped first. Returns the new
// stream ID.
func (t *Tracker) StartStream(ctx context.Context, req message.RTMPStreamRequest) (string, error) {
	if !t.apps.IsRunning(req.PackageName) {
		return "", fmt.Errorf("rtmp: app %s is not running", req.PackageName)
	}
	if !strings.HasPrefix(req.RTMPURL, "rtmp://") && !strings.HasPrefix(req.RTMPURL, "rtmps://") {
		return "", fmt.Errorf("rtmp: invalid url %q: must start with rtmp:// or rtmps://", req.RTMPURL)
	}
	if !t.device.Open() {
		return "", fmt.Errorf("rtmp: device transport is not connected")
	}

	// One stream per user: stop whatever is currently tracked.
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return "", fmt.Errorf("rtmp: tracker disposed")
	}
	existing := make([]*stream, 0, len(t.streams))
	for _, s := range t.streams {
		existing = append(existing, s)
	}
	t.mu.Unlock()
	for _, s := range existing {
		if err := t.StopStream(ctx, s.packageName, s.id); err != nil {
			slog.Warn("rtmp: stopping previous stream failed", "stream_id", s.id, "err", err)
		}
	}

	now := t.clock.Now()
	s := &stream{
		id:           compactID(),
		packageName:  req.PackageName,
		url:          req.RTMPURL,
		status:       StatusInitializing,
		startTime:    now,
		lastActivity: now,
		pendingAcks:  make(map[string]clockwork.Timer),
	}

	start := message.StartRTMPStream{
		Type:      message.TypeStartRTMPStream,
		SessionID: t.sessionID,
		RTMPURL:   req.RTMPURL,
		AppID:     req.PackageName,
		StreamID:  s.id,
		Video:     req.Video,
		Audio:     req.Audio,
		Stream:    req.Stream,
		Timestamp: message.Now(now),
	}
	if err := t.device.Send(ctx, start); err != nil {
		return "", fmt.Errorf("rtmp: send start command: %w", err)
	}

	t.mu.Lock()
	t.streams[s.id] = s
	s.keepAlive = t.clock.AfterFunc(t.keepAlivePer, func() { t.keepAliveTick(s.id) })
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveRTMPStreams.Add(ctx, 1)
	}
	t.notifyStatus(ctx, s.id, s.packageName, StatusInitializing, "")
	return s.id, nil
}

// compactID returns a short stream identifier suitable for firmware frames.
func compactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// keepAliveTick sends one keep-alive probe and schedules the next.
func (t *Tracker) keepAliveTick(streamID string) {
	t.mu.Lock()
	s, ok := t.streams[streamID]
	if !ok || t.disposed {
		t.mu.Unlock()
		return
	}
	if s.status != StatusInitializing && s.status != StatusActive {
		t.stopTrackingLocked(s)
		t.mu.Unlock()
		return
	}
	// Device offline: skip this tick, keep the schedule.
	if !t.device.Open() {
		s.keepAlive = t.clock.AfterFunc(t.keepAlivePer, func() { t.keepAliveTick(streamID) })
		t.mu.Unlock()
		return
	}

	ackID := compactID()[:8]
	s.pendingAcks[ackID] = t.clock.AfterFunc(t.ackDeadline, func() { t.ackDeadlineMissed(streamID, ackID) })
	s.keepAlive = t.clock.AfterFunc(t.keepAlivePer, func() { t.keepAliveTick(streamID) })
	probe := message.KeepRTMPStreamAlive{
		Type:     message.TypeKeepRTMPStreamAlive,
		StreamID: streamID,
		AckID:    ackID,
	}
	t.mu.Unlock()

	if err := t.device.Send(context.Background(), probe); err != nil {
		slog.Warn("rtmp: keep-alive send failed", "stream_id", streamID, "err", err)
		t.transition(context.Background(), streamID, StatusStopped, "keep-alive send failed")
	}
}

// ackDeadlineMissed fires when a keep-alive ACK does not arrive in time.
func (t *Tracker) ackDeadlineMissed(streamID, ackID string) {
	t.mu.Lock()
	s, ok := t.streams[streamID]
	if !ok || t.disposed {
		t.mu.Unlock()
		return
	}
	if _, pending := s.pendingAcks[ackID]; !pending {
		t.mu.Unlock()
		return
	}
	delete(s.pendingAcks, ackID)

	// A miss while the device is offline is transient; count nothing.
	if !t.device.Open() {
		t.mu.Unlock()
		return
	}

	s.missedAcks++
	missed := s.missedAcks
	inactive := t.clock.Since(s.lastActivity)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RTMPAckTimeouts.Add(context.Background(), 1)
	}
	slog.Warn("rtmp: keep-alive ack missed",
		"stream_id", streamID, "ack_id", ackID, "missed", missed)

	if inactive > t.streamTimeout && missed >= t.maxMissedAcks {
		t.transition(context.Background(), streamID, StatusTimeout, "stream timed out")
	}
}

// HandleKeepAliveAck clears a pending ACK, resets the miss counter, and
// refreshes activity. Unknown ACKs are logged and discarded.
func (t *Tracker) HandleKeepAliveAck(ack message.KeepAliveAck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[ack.StreamID]
	if !ok {
		slog.Warn("rtmp: ack for unknown stream", "stream_id", ack.StreamID, "ack_id", ack.AckID)
		return
	}
	timer, pending := s.pendingAcks[ack.AckID]
	if !pending {
		slog.Warn("rtmp: unknown ack", "stream_id", ack.StreamID, "ack_id", ack.AckID)
		return
	}
	timer.Stop()
	delete(s.pendingAcks, ack.AckID)
	s.missedAcks = 0
	s.lastActivity = t.clock.Now()
}

// HandleDeviceStatus applies a glasses status report to the tracked stream
// and relays it to the owning App and other subscribers.
func (t *Tracker) HandleDeviceStatus(ctx context.Context, msg message.RTMPStreamStatusMsg) {
	status, ok := mapDeviceStatus(msg.Status)
	if !ok {
		slog.Debug("rtmp: ignoring unknown device status", "status", msg.Status)
		return
	}
	if strings.EqualFold(msg.Status, "error") {
		slog.Warn("rtmp: device reported stream error",
			"stream_id", msg.StreamID, "details", msg.ErrorDetails)
	}

	t.mu.Lock()
	s, exists := t.streams[msg.StreamID]
	if !exists {
		t.mu.Unlock()
		slog.Debug("rtmp: status for untracked stream", "stream_id", msg.StreamID)
		return
	}
	s.lastActivity = t.clock.Now()
	t.mu.Unlock()

	t.transition(ctx, msg.StreamID, status, msg.ErrorDetails)
}

// mapDeviceStatus converts a glasses status string to the internal state.
// The second return is false for unknown statuses, which are ignored.
func mapDeviceStatus(s string) (Status, bool) {
	switch strings.ToLower(s) {
	case "initializing", "connecting":
		return StatusInitializing, true
	case "active", "streaming":
		return StatusActive, true
	case "stopping":
		return StatusStopping, true
	case "stopped", "error":
		return StatusStopped, true
	case "timeout":
		return StatusTimeout, true
	}
	return "", false
}

// StopStream stops a stream on behalf of an App. Only the owning package may
// stop a specific stream. An empty streamID stops the package's stream.
func (t *Tracker) StopStream(ctx context.Context, packageName, streamID string) error {
	t.mu.Lock()
	var s *stream
	if streamID != "" {
		s = t.streams[streamID]
	} else {
		for _, cand := range t.streams {
			if cand.packageName == packageName {
				s = cand
				break
			}
		}
	}
	if s == nil {
		t.mu.Unlock()
		return fmt.Errorf("rtmp: no tracked stream for %s", packageName)
	}
	if s.packageName != packageName {
		t.mu.Unlock()
		return fmt.Errorf("rtmp: stream %s is not owned by %s", s.id, packageName)
	}
	id := s.id
	stop := message.StopRTMPStream{
		Type:      message.TypeStopRTMPStream,
		SessionID: t.sessionID,
		AppID:     packageName,
		StreamID:  id,
		Timestamp: message.Now(t.clock.Now()),
	}
	t.mu.Unlock()

	if t.device.Open() {
		if err := t.device.Send(ctx, stop); err != nil {
			slog.Warn("rtmp: stop command send failed", "stream_id", id, "err", err)
		}
	}
	t.transition(ctx, id, StatusStopped, "")
	return nil
}

// transition applies a status change, notifies the owner and subscribers,
// and releases tracking for terminal states.
func (t *Tracker) transition(ctx context.Context, streamID string, status Status, errorDetails string) {
	t.mu.Lock()
	s, ok := t.streams[streamID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if s.status == status {
		t.mu.Unlock()
		return
	}
	s.status = status
	s.errorDetails = errorDetails
	owner := s.packageName
	if status == StatusStopped || status == StatusTimeout {
		t.stopTrackingLocked(s)
	}
	t.mu.Unlock()

	t.notifyStatus(ctx, streamID, owner, status, errorDetails)
}

// stopTrackingLocked cancels every timer for s and removes it from the
// tracked set. Caller holds t.mu.
func (t *Tracker) stopTrackingLocked(s *stream) {
	if s.keepAlive != nil {
		s.keepAlive.Stop()
		s.keepAlive = nil
	}
	for id, timer := range s.pendingAcks {
		timer.Stop()
		delete(s.pendingAcks, id)
	}
	if _, tracked := t.streams[s.id]; tracked {
		delete(t.streams, s.id)
		if t.metrics != nil {
			t.metrics.ActiveRTMPStreams.Add(context.Background(), -1)
		}
	}
}

// notifyStatus sends the status to the owning App (through the resurrecting
// send path) and relays it to other rtmp-stream-status subscribers.
func (t *Tracker) notifyStatus(ctx context.Context, streamID, owner string, status Status, errorDetails string) {
	msg := message.RTMPStreamStatusMsg{
		Type:         message.TypeRTMPStreamStatus,
		StreamID:     streamID,
		Status:       string(status),
		ErrorDetails: errorDetails,
		AppID:        owner,
		Timestamp:    message.Now(t.clock.Now()),
	}
	if owner != "" {
		if err := t.apps.SendToApp(ctx, owner, msg); err != nil {
			slog.Warn("rtmp: status send to owner failed",
				"stream_id", streamID, "package", owner, "err", err)
		}
	}
	if t.relay != nil {
		t.relay.RelayToSubscribers(ctx, streamkey.RTMPStreamStatus, msg, owner)
	}
}

// ActiveStream returns the tracked stream ID for a package, if any.
func (t *Tracker) ActiveStream(packageName string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.streams {
		if s.packageName == packageName {
			return s.id, true
		}
	}
	return "", false
}

// Status returns the current status of a tracked stream.
func (t *Tracker) Status(streamID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamID]
	if !ok {
		return "", false
	}
	return s.status, true
}

// Dispose cancels every timer and releases all streams. Idempotent.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.disposed = true
	for _, s := range t.streams {
		t.stopTrackingLocked(s)
	}
}
