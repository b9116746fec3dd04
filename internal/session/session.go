// Package session implements the per-user session: one device transport,
// any number of App connections, and the managers that mediate between them
// (subscriptions, microphone state, audio fan-out, RTMP streams, photos,
// location, calendar, settings, capabilities).
//
// A session is identified by the user it serves. It outlives individual
// socket connections: a device reconnect replaces the transport in place,
// and only a grace period without any device connection disposes the
// session.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/config"
	"github.com/openglass/lenshub/internal/observe"
	"github.com/openglass/lenshub/internal/session/appconn"
	"github.com/openglass/lenshub/internal/session/audiopipe"
	"github.com/openglass/lenshub/internal/session/calendar"
	"github.com/openglass/lenshub/internal/session/caps"
	"github.com/openglass/lenshub/internal/session/location"
	"github.com/openglass/lenshub/internal/session/mic"
	"github.com/openglass/lenshub/internal/session/photo"
	"github.com/openglass/lenshub/internal/session/rtmp"
	"github.com/openglass/lenshub/internal/session/settings"
	"github.com/openglass/lenshub/internal/session/subscription"
	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/streamkey"
	"github.com/openglass/lenshub/pkg/transport"
)

// Feeder consumes normalized PCM on behalf of an external speech worker.
type Feeder = audiopipe.Feeder

// Config holds the dependencies of a [Session].
type Config struct {
	Clock      clockwork.Clock
	Store      store.UserStore
	Metrics    *observe.Metrics
	HTTPClient *http.Client
	Conf       *config.Config

	UserID string

	// WebsocketURL is the public App websocket endpoint advertised in
	// session webhooks.
	WebsocketURL string

	// Transcription and Translation receive normalized PCM. May be nil.
	Transcription Feeder
	Translation   Feeder

	// OnDisposed runs once after the session fully shuts down.
	OnDisposed func(userID string)
}

// Session is the per-user hub aggregate.
// All methods are safe for concurrent use.
type Session struct {
	clock   clockwork.Clock
	store   store.UserStore
	metrics *observe.Metrics
	conf    *config.Config

	userID     string
	onDisposed func(userID string)

	subs     *subscription.Engine
	caps     *caps.Manager
	settings *settings.Bridge
	apps     *appconn.Manager
	mic      *mic.Controller
	pipe     *audiopipe.Pipe
	rtmp     *rtmp.Tracker
	photo    *photo.Router
	location *location.Controller
	calendar *calendar.Cache

	mu         sync.Mutex
	device     transport.Handle
	hbStop     chan struct{}
	graceTimer clockwork.Timer
	restored   bool
	disposed   bool

	// audio_play correlation: requestId → requesting package.
	audioPlay map[string]string
}

// New creates a Session with all managers wired. The returned session has no
// device transport yet; call [Session.AttachDevice] when the glasses connect.
func New(ctx context.Context, cfg Config) *Session {
	conf := cfg.Conf
	if conf == nil {
		def := config.Default()
		conf = &def
	}
	s := &Session{
		clock:      cfg.Clock,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		conf:       conf,
		userID:     cfg.UserID,
		onDisposed: cfg.OnDisposed,
		audioPlay:  make(map[string]string),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}

	s.subs = subscription.New(subscription.Config{
		Clock:          s.clock,
		ReconnectGrace: conf.Session.SubscriptionReconnectGrace.Std(),
		Permissions:    subscription.DeclaredPermissions{},
		LookupApp: func(ctx context.Context, packageName string) (store.App, error) {
			return s.store.GetApp(ctx, s.userID, packageName)
		},
		OnPermissionError: s.sendPermissionError,
		OnApply:           s.onSubscriptionApplied,
	})
	s.caps = caps.New(caps.Config{
		Clock:     s.clock,
		Apps:      &capsApps{s: s},
		Lookup:    s.store,
		SessionID: s.userID,
		UserID:    s.userID,
	})
	s.settings = settings.New(settings.Config{
		Clock:     s.clock,
		Store:     s.store,
		Subs:      s.subs,
		Apps:      &appSender{s: s},
		Caps:      s.caps,
		SessionID: s.userID,
		UserID:    s.userID,
	})
	s.apps = appconn.New(appconn.Config{
		Clock:             s.clock,
		Store:             s.store,
		Subs:              s.subs,
		Caps:              s.caps,
		Settings:          s.settings,
		Observer:          s,
		Metrics:           s.metrics,
		HTTPClient:        cfg.HTTPClient,
		SessionID:         s.userID,
		UserID:            s.userID,
		WebsocketURL:      cfg.WebsocketURL,
		StartDeadline:     conf.Apps.StartDeadline.Std(),
		WebhookAttempts:   conf.Apps.WebhookAttempts,
		WebhookTimeout:    conf.Apps.WebhookAttemptTimeout.Std(),
		ReconnectGrace:    conf.Apps.ReconnectGrace.Std(),
		HeartbeatInterval: conf.Session.AppHeartbeatInterval.Std(),
	})
	s.mic = mic.New(mic.Config{
		Clock:                s.clock,
		Device:               &micDevice{s: s},
		Aggregates:           s.subs,
		Metrics:              s.metrics,
		Debounce:             conf.Mic.Debounce.Std(),
		OffHolddown:          conf.Mic.OffHolddown.Std(),
		UnauthorizedDebounce: conf.Mic.UnauthorizedAudioDebounce.Std(),
		KeepAlive:            conf.Mic.KeepAlive.Std(),
		SubscriptionDebounce: conf.Session.SubscriptionDebounce.Std(),
	})
	s.pipe = audiopipe.New(audiopipe.Config{
		Clock:         s.clock,
		Transcription: cfg.Transcription,
		Translation:   cfg.Translation,
		Relay:         &audioRelay{s: s},
		Observer:      s.mic,
		Metrics:       s.metrics,
		Ordered:       conf.Audio.Ordered,
		QueueSize:     conf.Audio.OrderedQueueSize,
		Tick:          conf.Audio.OrderedTick.Std(),
	})
	s.rtmp = rtmp.New(rtmp.Config{
		Clock:         s.clock,
		Device:        &deviceSender{s: s},
		Apps:          s.apps,
		Relay:         &subRelay{s: s},
		Metrics:       s.metrics,
		SessionID:     s.userID,
		KeepAlive:     conf.RTMP.KeepAlive.Std(),
		AckDeadline:   conf.RTMP.AckDeadline.Std(),
		StreamTimeout: conf.RTMP.StreamTimeout.Std(),
		MaxMissedAcks: conf.RTMP.MaxMissedAcks,
	})
	s.photo = photo.New(photo.Config{
		Clock:     s.clock,
		Device:    &deviceSender{s: s},
		Apps:      s.apps,
		Lookup:    s.store,
		Metrics:   s.metrics,
		SessionID: s.userID,
		UserID:    s.userID,
		Deadline:  conf.Photo.Deadline.Std(),
	})
	s.location = location.New(ctx, location.Config{
		Clock:  s.clock,
		Device: &deviceSender{s: s},
		Apps:   &appSender{s: s},
		Relay:  &subRelay{s: s},
		Subs:   s.subs,
		Store:  s.store,
		UserID: s.userID,
	})
	s.calendar = calendar.New(s.clock, &appSender{s: s}, &subRelay{s: s})

	if err := s.settings.Load(ctx); err != nil {
		slog.Warn("session: settings load failed", "user", s.userID, "err", err)
	}
	return s
}

// UserID returns the user this session serves.
func (s *Session) UserID() string { return s.userID }

// Apps exposes the App connection manager, for the gateway and REST surface.
func (s *Session) Apps() *appconn.Manager { return s.apps }

// Subscriptions exposes the subscription engine.
func (s *Session) Subscriptions() *subscription.Engine { return s.subs }

// Location exposes the location controller, for the REST surface.
func (s *Session) Location() *location.Controller { return s.location }

// Settings exposes the settings bridge, for the REST surface.
func (s *Session) Settings() *settings.Bridge { return s.settings }

// ── Device lifecycle ─────────────────────────────────────────────────────────

// AttachDevice installs the device transport. A still-open previous
// transport is closed and replaced; a pending dispose grace timer is
// cancelled. The first attach also restores Apps persisted as running.
func (s *Session) AttachDevice(ctx context.Context, handle transport.Handle, init message.ConnectionInit) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		handle.Close(transport.CloseNormal, "session ended")
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if prev := s.device; prev != nil && prev.Open() {
		prev.Close(transport.CloseNormal, "replaced by a new connection")
	}
	if s.hbStop != nil {
		close(s.hbStop)
	}
	s.device = handle
	s.hbStop = make(chan struct{})
	go s.deviceHeartbeat(handle, s.hbStop)
	first := !s.restored
	s.restored = true
	s.mu.Unlock()

	handle.OnClose(func(code int, reason string) { s.onDeviceClose(handle) })

	settingsJSON, _ := json.Marshal(s.settings.Snapshot())
	ack, _ := json.Marshal(message.ConnectionAck{
		Type:              message.TypeConnectionAck,
		SessionID:         s.userID,
		Settings:          settingsJSON,
		AugmentOSSettings: settingsJSON,
		Capabilities:      s.caps.ProfileJSON(),
		Timestamp:         message.Now(s.clock.Now()),
	})
	if err := handle.SendText(ctx, ack); err != nil {
		slog.Warn("session: device ack send failed", "user", s.userID, "err", err)
	}

	// The device came (back) up: re-assert mic state and location tier.
	s.mic.Evaluate()
	s.location.OnSubscriptionChange(ctx)
	s.OnRunningAppsChanged(ctx, s.apps.RunningApps())

	if first {
		go s.apps.RestorePersisted(context.Background())
	}
	slog.Info("session: device attached", "user", s.userID)
}

// deviceHeartbeat pings the device on the configured interval. With pong
// timeouts enabled, a failed ping closes the transport.
func (s *Session) deviceHeartbeat(handle transport.Handle, stop chan struct{}) {
	ticker := s.clock.NewTicker(s.conf.Session.DeviceHeartbeatInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !handle.Open() {
				return
			}
			pingCtx, cancel := context.WithTimeout(context.Background(), s.conf.Session.PongTimeout.Std())
			err := handle.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if s.conf.Session.PongTimeoutEnabled {
				slog.Warn("session: device pong timeout, closing", "user", s.userID)
				handle.Close(transport.ClosePingTimeout, "ping timeout")
				return
			}
			slog.Debug("session: device ping failed", "user", s.userID, "err", err)
		}
	}
}

// onDeviceClose starts the dispose grace period when the active device
// transport drops. A reconnect within the grace keeps the session alive.
func (s *Session) onDeviceClose(handle transport.Handle) {
	s.mu.Lock()
	if s.device != handle || s.disposed {
		s.mu.Unlock()
		return
	}
	s.device = nil
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	s.graceTimer = s.clock.AfterFunc(s.conf.Session.DeviceGrace.Std(), func() {
		s.mu.Lock()
		expired := s.device == nil && !s.disposed
		s.mu.Unlock()
		if expired {
			slog.Info("session: device grace expired, disposing", "user", s.userID)
			s.Dispose(context.Background())
		}
	})
	s.mu.Unlock()
	slog.Info("session: device detached", "user", s.userID)
}

// DeviceOpen reports whether a device transport is attached and usable.
func (s *Session) DeviceOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device != nil && s.device.Open()
}

// sendToDevice marshals and sends one message to the device transport.
func (s *Session) sendToDevice(ctx context.Context, msg any) error {
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()
	if device == nil || !device.Open() {
		return fmt.Errorf("session: no device transport")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal device message: %w", err)
	}
	return device.SendText(ctx, payload)
}

// SendErrorToDevice pushes a best-effort connection_error to the device.
func (s *Session) SendErrorToDevice(ctx context.Context, code, text string) {
	err := s.sendToDevice(ctx, message.ConnectionError{
		Type:      message.TypeConnectionError,
		Code:      code,
		Message:   text,
		Timestamp: message.Now(s.clock.Now()),
	})
	if err != nil {
		slog.Debug("session: error notification undeliverable", "user", s.userID, "code", code)
	}
}

// ── Inbound device traffic ───────────────────────────────────────────────────

// HandleDeviceText routes one text frame from the glasses.
func (s *Session) HandleDeviceText(ctx context.Context, raw []byte) {
	env, err := message.Decode(raw)
	if err != nil {
		slog.Warn("session: undecodable device frame", "user", s.userID, "err", err)
		return
	}
	switch env.Type {
	case message.TypeGlassesConnectionState:
		msg, err := message.As[message.GlassesConnectionState](env)
		if err != nil {
			break
		}
		if msg.Status == message.GlassesConnected && msg.ModelName != "" {
			s.caps.SetCurrentModel(ctx, msg.ModelName)
		}
		s.RelayToSubscribers(ctx, streamkey.Key(env.Type), json.RawMessage(env.Raw), "")

	case message.TypeCalendarEvent:
		if msg, err := message.As[message.CalendarEventMsg](env); err == nil {
			s.calendar.AddFromDevice(ctx, msg)
		}

	case message.TypeLocationUpdate:
		if msg, err := message.As[message.LocationUpdateMsg](env); err == nil {
			s.location.UpdateFromDevice(ctx, msg)
		}

	case message.TypePhotoResponse:
		if msg, err := message.As[message.PhotoResponseMsg](env); err == nil {
			s.photo.HandleResponse(ctx, msg)
		}

	case message.TypeRTMPStreamStatus:
		if msg, err := message.As[message.RTMPStreamStatusMsg](env); err == nil {
			s.rtmp.HandleDeviceStatus(ctx, msg)
		}

	case message.TypeKeepAliveAck:
		if msg, err := message.As[message.KeepAliveAck](env); err == nil {
			s.rtmp.HandleKeepAliveAck(msg)
		}

	case message.TypeAudioChunk:
		if msg, err := message.As[message.SequencedAudioChunk](env); err == nil {
			s.pipe.IngressSequenced(audiopipe.SequencedFrame{
				SequenceNumber: msg.SequenceNumber,
				Timestamp:      msg.Timestamp.Time,
				Payload:        msg.Payload,
				IsLC3:          msg.IsLC3,
			})
		}

	case message.TypeAudioPlayResponse:
		s.routeAudioPlayResponse(ctx, env)

	case message.TypeVAD:
		s.RelayToSubscribers(ctx, streamkey.VAD, json.RawMessage(env.Raw), "")

	default:
		// Button presses, head position, battery, notifications: relay to
		// whoever subscribed to the stream named like the message type.
		s.RelayToSubscribers(ctx, streamkey.Key(env.Type), json.RawMessage(env.Raw), "")
	}
}

// HandleDeviceBinary routes one binary (audio) frame from the glasses.
func (s *Session) HandleDeviceBinary(ctx context.Context, data []byte) {
	s.pipe.Ingress(ctx, data)
}

// routeAudioPlayResponse correlates a device playback result back to the
// requesting App.
func (s *Session) routeAudioPlayResponse(ctx context.Context, env message.Envelope) {
	msg, err := message.As[message.AudioPlayResponse](env)
	if err != nil {
		return
	}
	s.mu.Lock()
	pkg, ok := s.audioPlay[msg.RequestID]
	if ok {
		delete(s.audioPlay, msg.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		slog.Debug("session: audio play response for unknown request",
			"user", s.userID, "request_id", msg.RequestID)
		return
	}
	if err := s.apps.SendToApp(ctx, pkg, json.RawMessage(env.Raw)); err != nil {
		slog.Warn("session: audio play response send failed",
			"user", s.userID, "package", pkg, "err", err)
	}
}

// ── Inbound App traffic ──────────────────────────────────────────────────────

// HandleAppText routes one text frame from a connected App.
func (s *Session) HandleAppText(ctx context.Context, packageName string, raw []byte) {
	env, err := message.Decode(raw)
	if err != nil {
		slog.Warn("session: undecodable app frame",
			"user", s.userID, "package", packageName, "err", err)
		return
	}
	switch env.Type {
	case message.TypeSubscriptionUpdate:
		msg, err := message.As[message.SubscriptionUpdate](env)
		if err != nil {
			break
		}
		if err := s.subs.UpdateSubscriptions(ctx, packageName, msg.Subscriptions); err != nil {
			slog.Warn("session: subscription update failed",
				"user", s.userID, "package", packageName, "err", err)
		}

	case message.TypePhotoRequest:
		msg, err := message.As[message.PhotoRequestFromApp](env)
		if err != nil {
			break
		}
		msg.PackageName = packageName
		if err := s.photo.Request(ctx, msg); err != nil {
			s.sendAppError(ctx, packageName, message.ErrCodeInternalError, err.Error())
		}

	case message.TypeRTMPStreamRequest:
		msg, err := message.As[message.RTMPStreamRequest](env)
		if err != nil {
			break
		}
		msg.PackageName = packageName
		if _, err := s.rtmp.StartStream(ctx, msg); err != nil {
			s.sendAppError(ctx, packageName, message.ErrCodeInternalError, err.Error())
		}

	case message.TypeRTMPStreamStopRequest, message.TypeManagedStreamStop:
		msg, err := message.As[message.RTMPStreamStopRequest](env)
		if err != nil {
			break
		}
		if err := s.rtmp.StopStream(ctx, packageName, msg.StreamID); err != nil {
			s.sendAppError(ctx, packageName, message.ErrCodeInternalError, err.Error())
		}

	case message.TypeAudioPlayRequest:
		msg, err := message.As[message.AudioPlayRequest](env)
		if err != nil {
			break
		}
		s.mu.Lock()
		s.audioPlay[msg.RequestID] = packageName
		s.mu.Unlock()
		if err := s.sendToDevice(ctx, json.RawMessage(env.Raw)); err != nil {
			s.mu.Lock()
			delete(s.audioPlay, msg.RequestID)
			s.mu.Unlock()
			s.sendAppError(ctx, packageName, message.ErrCodeInternalError, "device not connected")
		}

	default:
		// Display events and other device-bound commands pass through.
		if err := s.sendToDevice(ctx, json.RawMessage(env.Raw)); err != nil {
			slog.Debug("session: passthrough to device failed",
				"user", s.userID, "package", packageName, "type", env.Type)
		}
	}
}

// sendAppError pushes a best-effort connection_error to one App.
func (s *Session) sendAppError(ctx context.Context, packageName, code, text string) {
	err := s.apps.SendToApp(ctx, packageName, message.ConnectionError{
		Type:      message.TypeConnectionError,
		Code:      code,
		Message:   text,
		Timestamp: message.Now(s.clock.Now()),
	})
	if err != nil {
		slog.Debug("session: app error notification undeliverable",
			"user", s.userID, "package", packageName, "code", code)
	}
}

// sendPermissionError delivers rejected subscription entries to an App.
func (s *Session) sendPermissionError(ctx context.Context, packageName string, perr message.PermissionError) {
	perr.Type = message.TypePermissionError
	perr.Timestamp = message.Now(s.clock.Now())
	if err := s.apps.SendToApp(ctx, packageName, perr); err != nil {
		slog.Debug("session: permission error undeliverable",
			"user", s.userID, "package", packageName)
	}
}

// ── Fan-out ──────────────────────────────────────────────────────────────────

// RelayToSubscribers wraps data in a data_stream envelope and delivers it to
// every App subscribed to the stream, except excludePackage.
func (s *Session) RelayToSubscribers(ctx context.Context, key streamkey.Key, data any, excludePackage string) {
	subscribers := s.subs.AppsFor(key)
	if len(subscribers) == 0 {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("session: marshal relay payload", "user", s.userID, "stream", key, "err", err)
		return
	}
	msg := message.DataStream{
		Type:       message.TypeDataStream,
		SessionID:  s.userID,
		StreamType: key,
		Data:       payload,
		Timestamp:  message.Now(s.clock.Now()),
	}
	for _, pkg := range subscribers {
		if pkg == excludePackage {
			continue
		}
		if err := s.apps.SendToApp(ctx, pkg, msg); err != nil {
			slog.Warn("session: relay send failed",
				"user", s.userID, "package", pkg, "stream", key, "err", err)
		}
	}
}

// RelayAudio fans one PCM frame out to the Apps subscribed to raw audio.
func (s *Session) RelayAudio(ctx context.Context, pcm []byte) {
	for _, pkg := range s.subs.PCMApps() {
		if err := s.apps.SendBinary(ctx, pkg, pcm); err != nil {
			slog.Debug("session: audio relay dropped", "user", s.userID, "package", pkg)
		}
	}
}

// ── Callbacks ────────────────────────────────────────────────────────────────

// onSubscriptionApplied runs after every successful subscription apply.
func (s *Session) onSubscriptionApplied(ctx context.Context, packageName string, added, removed []streamkey.Key) {
	s.mic.OnSubscriptionChange()
	s.location.OnSubscriptionChange(ctx)
	for _, k := range added {
		if k.Matches(streamkey.CalendarEvent) {
			s.calendar.HandleSubscriptionUpdate(ctx, s.subs.AppsFor(streamkey.CalendarEvent))
			break
		}
	}
	for _, k := range removed {
		if k == streamkey.CalendarEvent {
			s.calendar.HandleUnsubscribe(packageName)
		}
	}
}

// OnRunningAppsChanged implements [appconn.StateObserver]: the device learns
// about every running-set change.
func (s *Session) OnRunningAppsChanged(ctx context.Context, running []string) {
	err := s.sendToDevice(ctx, message.AppStateChange{
		Type:        message.TypeAppStateChange,
		UserID:      s.userID,
		RunningApps: running,
		Timestamp:   message.Now(s.clock.Now()),
	})
	if err != nil {
		slog.Debug("session: app state change undeliverable", "user", s.userID)
	}
}

// ── Shutdown ─────────────────────────────────────────────────────────────────

// Dispose shuts the session down: managers first, then the device
// transport. Idempotent.
func (s *Session) Dispose(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	device := s.device
	s.device = nil
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()

	s.mic.Dispose()
	s.pipe.Dispose()
	s.rtmp.Dispose()
	s.photo.Dispose()
	s.location.Dispose(ctx)
	s.apps.Dispose(ctx)

	if device != nil && device.Open() {
		device.Close(transport.CloseNormal, "session ended")
	}
	if s.onDisposed != nil {
		s.onDisposed(s.userID)
	}
	slog.Info("session: disposed", "user", s.userID)
}

// ── Manager adapters ─────────────────────────────────────────────────────────

// deviceSender adapts the session's device send path to the narrow Device
// interfaces the managers declare.
type deviceSender struct{ s *Session }

func (d *deviceSender) Open() bool { return d.s.DeviceOpen() }
func (d *deviceSender) Send(ctx context.Context, msg any) error {
	return d.s.sendToDevice(ctx, msg)
}

// micDevice adapts the device path to the microphone controller's contract.
type micDevice struct{ s *Session }

func (d *micDevice) Open() bool { return d.s.DeviceOpen() }
func (d *micDevice) SendMicrophoneState(ctx context.Context, enabled bool, requiredData []string, bypassVAD bool) error {
	return d.s.sendToDevice(ctx, message.MicrophoneStateChange{
		Type:                message.TypeMicrophoneStateChange,
		SessionID:           d.s.userID,
		IsMicrophoneEnabled: enabled,
		RequiredData:        requiredData,
		BypassVAD:           bypassVAD,
		Timestamp:           message.Now(d.s.clock.Now()),
	})
}

// appSender adapts the App manager's delivery path for targeted sends.
type appSender struct{ s *Session }

func (a *appSender) SendToApp(ctx context.Context, packageName string, msg any) error {
	return a.s.apps.SendToApp(ctx, packageName, msg)
}

// subRelay adapts the session fan-out for the managers that broadcast.
type subRelay struct{ s *Session }

func (r *subRelay) RelayToSubscribers(ctx context.Context, key streamkey.Key, data any, excludePackage string) {
	r.s.RelayToSubscribers(ctx, key, data, excludePackage)
}

// audioRelay adapts binary fan-out for the audio pipe.
type audioRelay struct{ s *Session }

func (r *audioRelay) RelayAudio(ctx context.Context, pcm []byte) {
	r.s.RelayAudio(ctx, pcm)
}

// capsApps adapts the App manager for the capability manager, which needs
// broadcast plus stop.
type capsApps struct{ s *Session }

func (c *capsApps) RunningApps() []string { return c.s.apps.RunningApps() }
func (c *capsApps) Broadcast(ctx context.Context, msg any) {
	c.s.apps.Broadcast(ctx, msg)
}
func (c *capsApps) StopApp(ctx context.Context, packageName string) error {
	return c.s.apps.StopApp(ctx, packageName)
}
