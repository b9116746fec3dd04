// Package appconn manages App websocket connections for one session: the
// start webhook handshake, API-key validation, heartbeats, the
// reconnect-grace and resurrection lifecycle, and message delivery.
package appconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"

	"github.com/openglass/lenshub/internal/observe"
	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/transport"
)

// State is the lifecycle state of one App connection.
type State string

const (
	StateRunning      State = "running"
	StateGracePeriod  State = "grace_period"
	StateResurrecting State = "resurrecting"
	StateStopping     State = "stopping"
	StateDisconnected State = "disconnected"
)

// Default tunables.
const (
	defaultStartDeadline     = 5 * time.Second
	defaultWebhookAttempts   = 2
	defaultWebhookTimeout    = 10 * time.Second
	defaultReconnectGrace    = 5 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
)

// Errors returned by [Manager.StartApp].
var (
	ErrAppNotInstalled = errors.New("appconn: app is not installed")
	ErrStartTimeout    = errors.New("appconn: app did not connect before the start deadline")
)

// Subscriptions is the manager's view of the subscription engine.
type Subscriptions interface {
	MarkAppReconnected(packageName string)
	RemoveSubscriptions(ctx context.Context, packageName string) error
	Forget(packageName string)
}

// Store is the manager's view of user/app persistence.
type Store interface {
	GetApp(ctx context.Context, userID, packageName string) (store.App, error)
	SetRunningApps(ctx context.Context, userID string, packages []string) error
	GetRunningApps(ctx context.Context, userID string) ([]string, error)
}

// Capabilities gates App starts on device hardware and feeds the ACK.
type Capabilities interface {
	Check(app store.App) error
	ProfileJSON() json.RawMessage
}

// Settings feeds the connection ACK's settings snapshot.
type Settings interface {
	Snapshot() map[string]any
}

// StateObserver is notified whenever the running-app set changes, so the
// session can push app_state_change to the device.
type StateObserver interface {
	OnRunningAppsChanged(ctx context.Context, running []string)
}

// Config holds the dependencies of a [Manager].
type Config struct {
	Clock      clockwork.Clock
	Store      Store
	Subs       Subscriptions
	Caps       Capabilities
	Settings   Settings
	Observer   StateObserver
	Metrics    *observe.Metrics
	HTTPClient *http.Client

	SessionID string
	UserID    string

	// WebsocketURL is the public App endpoint advertised in webhooks.
	WebsocketURL string

	StartDeadline     time.Duration
	WebhookAttempts   int
	WebhookTimeout    time.Duration
	ReconnectGrace    time.Duration
	HeartbeatInterval time.Duration
}

// appConn is one connected (or recently connected) App.
type appConn struct {
	packageName string
	app         store.App
	state       State
	handle      transport.Handle
	graceTimer  clockwork.Timer
	hbStop      chan struct{}
}

// startWait coalesces concurrent StartApp calls for one package.
type startWait struct {
	done chan struct{}
	err  error
}

// Manager owns App connections for one session.
// All methods are safe for concurrent use.
type Manager struct {
	clock    clockwork.Clock
	store    Store
	subs     Subscriptions
	caps     Capabilities
	settings Settings
	observer StateObserver
	metrics  *observe.Metrics
	http     *http.Client

	sessionID    string
	userID       string
	websocketURL string

	startDeadline   time.Duration
	webhookAttempts int
	webhookTimeout  time.Duration
	reconnectGrace  time.Duration
	heartbeat       time.Duration

	mu       sync.Mutex
	conns    map[string]*appConn
	running  map[string]struct{} // intended-running set, survives disconnects
	pending  map[string]*startWait
	disposed bool
}

// New creates a Manager.
func New(cfg Config) *Manager {
	m := &Manager{
		clock:           cfg.Clock,
		store:           cfg.Store,
		subs:            cfg.Subs,
		caps:            cfg.Caps,
		settings:        cfg.Settings,
		observer:        cfg.Observer,
		metrics:         cfg.Metrics,
		http:            cfg.HTTPClient,
		sessionID:       cfg.SessionID,
		userID:          cfg.UserID,
		websocketURL:    cfg.WebsocketURL,
		startDeadline:   cfg.StartDeadline,
		webhookAttempts: cfg.WebhookAttempts,
		webhookTimeout:  cfg.WebhookTimeout,
		reconnectGrace:  cfg.ReconnectGrace,
		heartbeat:       cfg.HeartbeatInterval,
		conns:           make(map[string]*appConn),
		running:         make(map[string]struct{}),
		pending:         make(map[string]*startWait),
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.http == nil {
		m.http = &http.Client{}
	}
	if m.startDeadline <= 0 {
		m.startDeadline = defaultStartDeadline
	}
	if m.webhookAttempts <= 0 {
		m.webhookAttempts = defaultWebhookAttempts
	}
	if m.webhookTimeout <= 0 {
		m.webhookTimeout = defaultWebhookTimeout
	}
	if m.reconnectGrace <= 0 {
		m.reconnectGrace = defaultReconnectGrace
	}
	if m.heartbeat <= 0 {
		m.heartbeat = defaultHeartbeatInterval
	}
	return m
}

// ── Start ────────────────────────────────────────────────────────────────────

// StartApp launches an App: capability check, at most one foreground App,
// session-request webhook, then a bounded wait for the App to connect.
// Concurrent starts of the same package coalesce onto one attempt.
func (m *Manager) StartApp(ctx context.Context, packageName string) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return fmt.Errorf("appconn: manager disposed")
	}
	if c, ok := m.conns[packageName]; ok && c.state == StateRunning {
		m.mu.Unlock()
		return nil
	}
	if w, ok := m.pending[packageName]; ok {
		m.mu.Unlock()
		select {
		case <-w.done:
			return w.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w := &startWait{done: make(chan struct{})}
	m.pending[packageName] = w
	m.mu.Unlock()

	err := m.startApp(ctx, packageName)

	m.mu.Lock()
	// HandleAppInit resolves the wait on success; resolve here on failure.
	if m.pending[packageName] == w {
		delete(m.pending, packageName)
		w.err = err
		close(w.done)
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) startApp(ctx context.Context, packageName string) error {
	started := m.clock.Now()

	app, err := m.store.GetApp(ctx, m.userID, packageName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAppNotInstalled, packageName)
		}
		return fmt.Errorf("appconn: resolve app %s: %w", packageName, err)
	}
	if err := m.caps.Check(app); err != nil {
		return fmt.Errorf("appconn: start %s: %w", packageName, err)
	}

	// Foreground exclusivity: starting a standard App stops the current one.
	if app.Type == store.AppTypeStandard {
		for _, other := range m.runningOfType(store.AppTypeStandard) {
			if other == packageName {
				continue
			}
			if err := m.StopApp(ctx, other); err != nil {
				slog.Warn("appconn: stopping foreground app failed",
					"package", other, "err", err)
			}
		}
	}

	m.mu.Lock()
	m.running[packageName] = struct{}{}
	w := m.pending[packageName]
	m.mu.Unlock()

	if err := m.sendWebhook(ctx, app, "session-request"); err != nil {
		m.mu.Lock()
		delete(m.running, packageName)
		m.mu.Unlock()
		return fmt.Errorf("appconn: webhook for %s: %w", packageName, err)
	}

	// Wait for the App to connect and authenticate.
	deadline := m.clock.NewTimer(m.startDeadline)
	defer deadline.Stop()
	var waitErr error
	select {
	case <-w.done:
		waitErr = w.err
	case <-deadline.Chan():
		waitErr = fmt.Errorf("%w: %s", ErrStartTimeout, packageName)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if waitErr != nil {
		m.mu.Lock()
		delete(m.running, packageName)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordAppEvent(ctx, "start_failed", packageName)
		}
		return waitErr
	}
	if m.metrics != nil {
		m.metrics.AppStartDuration.Record(ctx, m.clock.Since(started).Seconds(),
			metric.WithAttributes(observe.Attr("package", packageName)))
		m.metrics.RecordAppEvent(ctx, "started", packageName)
	}
	return nil
}

// runningOfType returns the intended-running packages of the given type.
func (m *Manager) runningOfType(t store.AppType) []string {
	m.mu.Lock()
	pkgs := make([]string, 0, len(m.running))
	for pkg := range m.running {
		pkgs = append(pkgs, pkg)
	}
	m.mu.Unlock()

	var out []string
	for _, pkg := range pkgs {
		app, err := m.store.GetApp(context.Background(), m.userID, pkg)
		if err == nil && app.Type == t {
			out = append(out, pkg)
		}
	}
	return out
}

// webhookPayload is the session-request body POSTed to an App's webhook.
type webhookPayload struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	Timestamp    string `json:"timestamp"`
	WebsocketURL string `json:"augmentOSWebsocketUrl"`
}

// sendWebhook POSTs the webhook with bounded retries. Any 2xx wins.
func (m *Manager) sendWebhook(ctx context.Context, app store.App, kind string) error {
	payload, err := json.Marshal(webhookPayload{
		Type:         kind,
		SessionID:    m.sessionID,
		UserID:       m.userID,
		Timestamp:    m.clock.Now().UTC().Format(time.RFC3339),
		WebsocketURL: m.websocketURL,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= m.webhookAttempts; attempt++ {
		start := m.clock.Now()
		lastErr = m.postOnce(ctx, app.WebhookURL(), payload)
		if m.metrics != nil {
			status := "ok"
			if lastErr != nil {
				status = "error"
			}
			m.metrics.RecordWebhookAttempt(ctx, kind, status)
			m.metrics.WebhookDuration.Record(ctx, m.clock.Since(start).Seconds(),
				metric.WithAttributes(observe.Attr("package", app.PackageName)))
		}
		if lastErr == nil {
			return nil
		}
		slog.Warn("appconn: webhook attempt failed",
			"package", app.PackageName, "attempt", attempt, "err", lastErr)
		if attempt < m.webhookAttempts {
			select {
			case <-m.clock.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (m *Manager) postOnce(ctx context.Context, url string, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// ── Connect ──────────────────────────────────────────────────────────────────

// HandleAppInit authenticates an App's first frame and installs its
// transport. A bad API key closes the socket with a policy violation. A
// second connection for the same package replaces the first.
func (m *Manager) HandleAppInit(ctx context.Context, handle transport.Handle, init message.AppConnectionInit) error {
	app, err := m.store.GetApp(ctx, m.userID, init.PackageName)
	if err != nil || app.APIKey == "" || app.APIKey != init.APIKey {
		msg, _ := json.Marshal(message.ConnectionError{
			Type:      message.TypeConnectionError,
			Code:      message.ErrCodeInvalidAPIKey,
			Message:   "invalid package name or api key",
			Timestamp: message.Now(m.clock.Now()),
		})
		_ = handle.SendText(ctx, msg)
		handle.Close(transport.ClosePolicy, "invalid api key")
		return fmt.Errorf("appconn: invalid credentials for %s", init.PackageName)
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		handle.Close(transport.CloseNormal, "session ended")
		return fmt.Errorf("appconn: manager disposed")
	}
	prev := m.conns[init.PackageName]
	if prev != nil {
		m.stopConnLocked(prev)
	}
	c := &appConn{
		packageName: init.PackageName,
		app:         app,
		state:       StateRunning,
		handle:      handle,
		hbStop:      make(chan struct{}),
	}
	m.conns[init.PackageName] = c
	m.running[init.PackageName] = struct{}{}
	if w, ok := m.pending[init.PackageName]; ok {
		delete(m.pending, init.PackageName)
		close(w.done)
	}
	m.mu.Unlock()

	if prev != nil && prev.handle != nil && prev.handle.Open() {
		prev.handle.Close(transport.CloseNormal, "replaced by a new connection")
	}

	handle.OnClose(func(code int, reason string) { m.onTransportClose(init.PackageName, handle, code) })
	go m.heartbeatLoop(c)
	m.subs.MarkAppReconnected(init.PackageName)

	settings, _ := json.Marshal(m.settings.Snapshot())
	ack, _ := json.Marshal(message.ConnectionAck{
		Type:         message.TypeConnectionAck,
		SessionID:    m.sessionID,
		Settings:     settings,
		Capabilities: m.caps.ProfileJSON(),
		Timestamp:    message.Now(m.clock.Now()),
	})
	if err := handle.SendText(ctx, ack); err != nil {
		slog.Warn("appconn: connection ack send failed",
			"package", init.PackageName, "err", err)
	}

	m.persistAndNotify(ctx)
	if m.metrics != nil {
		m.metrics.ActiveApps.Add(ctx, 1)
		m.metrics.RecordAppEvent(ctx, "connected", init.PackageName)
	}
	slog.Info("appconn: app connected", "package", init.PackageName)
	return nil
}

// heartbeatLoop pings an App connection until it stops.
func (m *Manager) heartbeatLoop(c *appConn) {
	ticker := m.clock.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.hbStop:
			return
		case <-ticker.Chan():
			if !c.handle.Open() {
				return
			}
			pingCtx, cancel := context.WithTimeout(context.Background(), m.heartbeat)
			err := c.handle.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("appconn: ping failed", "package", c.packageName, "err", err)
				return
			}
		}
	}
}

// ── Delivery ─────────────────────────────────────────────────────────────────

// SendResult reports how a message reached (or failed to reach) an App.
type SendResult struct {
	Sent        bool
	Resurrected bool
}

// SendToApp delivers one message to an App. When the App is disconnected but
// still intended to run, a resurrection is attempted before giving up.
func (m *Manager) SendToApp(ctx context.Context, packageName string, msg any) error {
	res, err := m.Send(ctx, packageName, msg)
	_ = res
	return err
}

// Send is [Manager.SendToApp] with delivery detail. A connection already in
// its grace period, resurrecting, or stopping drops the message rather than
// racing the reconnect with another webhook.
func (m *Manager) Send(ctx context.Context, packageName string, msg any) (SendResult, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("appconn: marshal message for %s: %w", packageName, err)
	}

	m.mu.Lock()
	c, ok := m.conns[packageName]
	_, intended := m.running[packageName]
	var state State
	if ok {
		state = c.state
	}
	m.mu.Unlock()

	if ok {
		if state != StateRunning {
			return SendResult{}, fmt.Errorf("appconn: app %s is %s, message dropped", packageName, state)
		}
		if c.handle.Open() {
			if err := c.handle.SendText(ctx, payload); err != nil {
				// A failed write means the socket just died; run the close
				// path and let it reconnect.
				m.onTransportClose(packageName, c.handle, transport.CloseInternal)
				return SendResult{}, fmt.Errorf("appconn: send to %s: %w", packageName, err)
			}
			if m.metrics != nil {
				m.metrics.RelayedMessages.Add(ctx, 1,
					metric.WithAttributes(observe.Attr("package", packageName)))
			}
			return SendResult{Sent: true}, nil
		}
		// Running with a dead socket whose close callback has not fired yet:
		// take the not-available close path, which skips the grace wait.
		slog.Info("appconn: socket gone, resurrecting app", "package", packageName)
		if m.metrics != nil {
			m.metrics.RecordAppEvent(ctx, "resurrected", packageName)
		}
		m.onTransportClose(packageName, c.handle, transport.CloseNotAvailable)
		return SendResult{Resurrected: true}, nil
	}
	if !intended {
		return SendResult{}, fmt.Errorf("appconn: app %s is not running", packageName)
	}

	// Intended to run but no connection record: resurrect and retry once.
	slog.Info("appconn: resurrecting app for delivery", "package", packageName)
	if m.metrics != nil {
		m.metrics.RecordAppEvent(ctx, "resurrected", packageName)
	}
	if err := m.StartApp(ctx, packageName); err != nil {
		return SendResult{}, fmt.Errorf("appconn: resurrect %s: %w", packageName, err)
	}
	m.mu.Lock()
	c, ok = m.conns[packageName]
	m.mu.Unlock()
	if !ok || !c.handle.Open() {
		return SendResult{Resurrected: true}, fmt.Errorf("appconn: %s reconnected without a usable socket", packageName)
	}
	if err := c.handle.SendText(ctx, payload); err != nil {
		return SendResult{Resurrected: true}, fmt.Errorf("appconn: send to %s after resurrection: %w", packageName, err)
	}
	return SendResult{Sent: true, Resurrected: true}, nil
}

// SendBinary delivers a binary frame to a connected App. Unlike
// [Manager.Send] it never resurrects: audio frames are droppable and a
// webhook round-trip would arrive far too late to matter.
func (m *Manager) SendBinary(ctx context.Context, packageName string, data []byte) error {
	m.mu.Lock()
	c, ok := m.conns[packageName]
	m.mu.Unlock()
	if !ok || c.state != StateRunning || !c.handle.Open() {
		return fmt.Errorf("appconn: app %s has no live connection", packageName)
	}
	return c.handle.SendBinary(ctx, data)
}

// Broadcast sends one message to every connected App, best effort.
func (m *Manager) Broadcast(ctx context.Context, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("appconn: marshal broadcast", "err", err)
		return
	}
	m.mu.Lock()
	handles := make(map[string]transport.Handle, len(m.conns))
	for pkg, c := range m.conns {
		if c.state == StateRunning && c.handle.Open() {
			handles[pkg] = c.handle
		}
	}
	m.mu.Unlock()
	for pkg, h := range handles {
		if err := h.SendText(ctx, payload); err != nil {
			slog.Warn("appconn: broadcast send failed", "package", pkg, "err", err)
		}
	}
}

// ── Disconnect and resurrection ──────────────────────────────────────────────

// onTransportClose runs when an App socket closes. An intentional stop
// cleans up; a "not available" close (1069) resurrects immediately;
// anything else enters the reconnect grace period first.
func (m *Manager) onTransportClose(packageName string, handle transport.Handle, code int) {
	m.mu.Lock()
	c, ok := m.conns[packageName]
	if !ok || c.handle != handle || c.state == StateGracePeriod || c.state == StateResurrecting {
		// A replacement connection already took over, or this close was
		// already handled.
		m.mu.Unlock()
		return
	}
	if m.metrics != nil {
		m.metrics.ActiveApps.Add(context.Background(), -1)
	}
	if c.state == StateStopping || m.disposed {
		m.removeConnLocked(c)
		m.mu.Unlock()
		return
	}
	c.state = StateGracePeriod
	grace := m.reconnectGrace
	if code == transport.CloseNotAvailable {
		grace = 0
	}
	c.graceTimer = m.clock.AfterFunc(grace, func() { m.graceExpired(packageName, handle) })
	m.mu.Unlock()

	slog.Info("appconn: app disconnected, grace period started",
		"package", packageName, "code", code)
	if m.metrics != nil {
		m.metrics.RecordAppEvent(context.Background(), "grace_period", packageName)
	}
}

// graceExpired attempts resurrection after the reconnect grace lapses.
func (m *Manager) graceExpired(packageName string, handle transport.Handle) {
	m.mu.Lock()
	c, ok := m.conns[packageName]
	if !ok || c.handle != handle || c.state != StateGracePeriod || m.disposed {
		m.mu.Unlock()
		return
	}
	c.state = StateResurrecting
	m.removeConnLocked(c)
	m.mu.Unlock()

	slog.Info("appconn: grace period expired, resurrecting", "package", packageName)
	if m.metrics != nil {
		m.metrics.RecordAppEvent(context.Background(), "resurrecting", packageName)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.startDeadline+m.webhookTimeout)
	defer cancel()
	if err := m.StartApp(ctx, packageName); err != nil {
		slog.Warn("appconn: resurrection failed", "package", packageName, "err", err)
		m.mu.Lock()
		delete(m.running, packageName)
		m.mu.Unlock()
		m.persistAndNotify(context.Background())
		if m.metrics != nil {
			m.metrics.RecordAppEvent(context.Background(), "disconnected", packageName)
		}
	}
}

// ── Stop ─────────────────────────────────────────────────────────────────────

// StopApp stops an App: stop webhook (best effort), subscription removal,
// a final app_stopped frame, then a normal socket close.
func (m *Manager) StopApp(ctx context.Context, packageName string) error {
	m.mu.Lock()
	c, ok := m.conns[packageName]
	_, intended := m.running[packageName]
	if !ok && !intended {
		m.mu.Unlock()
		return fmt.Errorf("appconn: app %s is not running", packageName)
	}
	delete(m.running, packageName)
	if ok {
		c.state = StateStopping
	}
	m.mu.Unlock()

	if app, err := m.store.GetApp(ctx, m.userID, packageName); err == nil {
		if err := m.sendWebhook(ctx, app, "stop-request"); err != nil {
			slog.Debug("appconn: stop webhook failed", "package", packageName, "err", err)
		}
	}
	if err := m.subs.RemoveSubscriptions(ctx, packageName); err != nil {
		slog.Warn("appconn: subscription removal failed", "package", packageName, "err", err)
	}
	m.subs.Forget(packageName)

	if ok && c.handle.Open() {
		stopped, _ := json.Marshal(message.AppStopped{
			Type:      message.TypeAppStopped,
			Timestamp: message.Now(m.clock.Now()),
		})
		_ = c.handle.SendText(ctx, stopped)
		c.handle.Close(transport.CloseNormal, "app stopped")
	}
	m.mu.Lock()
	if ok {
		m.removeConnLocked(c)
	}
	m.mu.Unlock()

	m.persistAndNotify(ctx)
	if m.metrics != nil {
		m.metrics.RecordAppEvent(ctx, "stopped", packageName)
	}
	slog.Info("appconn: app stopped", "package", packageName)
	return nil
}

// stopConnLocked halts a connection's timers and heartbeat. Caller holds m.mu.
func (m *Manager) stopConnLocked(c *appConn) {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	select {
	case <-c.hbStop:
	default:
		close(c.hbStop)
	}
}

// removeConnLocked drops a connection from the map. Caller holds m.mu.
func (m *Manager) removeConnLocked(c *appConn) {
	m.stopConnLocked(c)
	if cur, ok := m.conns[c.packageName]; ok && cur == c {
		delete(m.conns, c.packageName)
	}
}

// persistAndNotify writes the running-app list and tells the observer.
func (m *Manager) persistAndNotify(ctx context.Context) {
	running := m.RunningApps()
	if err := m.store.SetRunningApps(ctx, m.userID, running); err != nil {
		slog.Warn("appconn: persist running apps failed", "err", err)
	}
	if m.observer != nil {
		m.observer.OnRunningAppsChanged(ctx, running)
	}
}

// ── Queries ──────────────────────────────────────────────────────────────────

// IsRunning reports whether the App is intended to run, even if its socket
// is momentarily down.
func (m *Manager) IsRunning(packageName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[packageName]
	return ok
}

// RunningApps returns the intended-running packages, sorted.
func (m *Manager) RunningApps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkgs := make([]string, 0, len(m.running))
	for pkg := range m.running {
		pkgs = append(pkgs, pkg)
	}
	slices.Sort(pkgs)
	return pkgs
}

// ConnState returns the lifecycle state of a package's connection.
func (m *Manager) ConnState(packageName string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[packageName]
	if !ok {
		if _, intended := m.running[packageName]; intended {
			return StateDisconnected, true
		}
		return "", false
	}
	return c.state, true
}

// RestorePersisted restarts the Apps recorded as running in a previous
// session, best effort.
func (m *Manager) RestorePersisted(ctx context.Context) {
	pkgs, err := m.store.GetRunningApps(ctx, m.userID)
	if err != nil {
		slog.Warn("appconn: load persisted running apps failed", "err", err)
		return
	}
	for _, pkg := range pkgs {
		if err := m.StartApp(ctx, pkg); err != nil {
			slog.Warn("appconn: restore app failed", "package", pkg, "err", err)
		}
	}
}

// Dispose stops every App connection and timer. Idempotent.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	conns := make([]*appConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
		m.stopConnLocked(c)
	}
	m.conns = map[string]*appConn{}
	for w := range m.pending {
		wait := m.pending[w]
		wait.err = fmt.Errorf("appconn: manager disposed")
		close(wait.done)
	}
	m.pending = map[string]*startWait{}
	m.mu.Unlock()

	for _, c := range conns {
		if c.handle.Open() {
			c.handle.Close(transport.CloseNormal, "session ended")
		}
		if m.metrics != nil {
			m.metrics.ActiveApps.Add(ctx, -1)
		}
	}
}
