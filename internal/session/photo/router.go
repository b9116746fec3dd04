// Package photo routes App photo requests to the glasses and device photo
// responses back to the requesting App.
package photo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/observe"
	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/pkg/message"
)

const defaultDeadline = 30 * time.Second

// Device is the router's view of the device transport.
type Device interface {
	Open() bool
	Send(ctx context.Context, msg any) error
}

// Apps is the router's view of the App connection manager.
type Apps interface {
	IsRunning(packageName string) bool
	SendToApp(ctx context.Context, packageName string, msg any) error
}

// AppLookup resolves an installed App descriptor, for upload URLs.
type AppLookup interface {
	GetApp(ctx context.Context, userID, packageName string) (store.App, error)
}

// Config holds the dependencies of a [Router].
type Config struct {
	Clock   clockwork.Clock
	Device  Device
	Apps    Apps
	Lookup  AppLookup
	Metrics *observe.Metrics

	SessionID string
	UserID    string

	// Deadline bounds how long a pending request waits for the device.
	// Defaults to 30s.
	Deadline time.Duration
}

// pending is one in-flight photo request awaiting a device response.
type pending struct {
	requestID   string
	packageName string
	timer       clockwork.Timer
}

// Router owns photo request/response correlation for one session.
// All methods are safe for concurrent use.
type Router struct {
	clock   clockwork.Clock
	device  Device
	apps    Apps
	lookup  AppLookup
	metrics *observe.Metrics

	sessionID string
	userID    string
	deadline  time.Duration

	mu       sync.Mutex
	pending  map[string]*pending // requestID → request
	disposed bool
}

// New creates a Router.
func New(cfg Config) *Router {
	r := &Router{
		clock:     cfg.Clock,
		device:    cfg.Device,
		apps:      cfg.Apps,
		lookup:    cfg.Lookup,
		metrics:   cfg.Metrics,
		sessionID: cfg.SessionID,
		userID:    cfg.UserID,
		deadline:  cfg.Deadline,
		pending:   make(map[string]*pending),
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.deadline <= 0 {
		r.deadline = defaultDeadline
	}
	return r
}

// Request forwards an App's photo request to the glasses. When the App
// provided a custom webhook URL the device uploads there directly and the
// App gets an immediate synthetic result; otherwise the response is
// correlated back through [Router.HandleResponse].
func (r *Router) Request(ctx context.Context, req message.PhotoRequestFromApp) error {
	if !r.apps.IsRunning(req.PackageName) {
		return fmt.Errorf("photo: app %s is not running", req.PackageName)
	}
	if !r.device.Open() {
		return fmt.Errorf("photo: device transport is not connected")
	}
	if req.RequestID == "" {
		return fmt.Errorf("photo: request is missing a requestId")
	}

	webhookURL := req.CustomWebhookURL
	custom := webhookURL != ""
	if !custom {
		app, err := r.lookup.GetApp(ctx, r.userID, req.PackageName)
		if err != nil {
			return fmt.Errorf("photo: resolve app %s: %w", req.PackageName, err)
		}
		webhookURL = app.PhotoUploadURL()
	}

	toDevice := message.PhotoRequestToDevice{
		Type:       message.TypePhotoRequest,
		SessionID:  r.sessionID,
		RequestID:  req.RequestID,
		AppID:      req.PackageName,
		WebhookURL: webhookURL,
		AuthToken:  req.AuthToken,
		Size:       req.Size,
		Timestamp:  message.Now(r.clock.Now()),
	}
	if err := r.device.Send(ctx, toDevice); err != nil {
		return fmt.Errorf("photo: send request to device: %w", err)
	}
	if r.metrics != nil {
		r.metrics.PhotoRequests.Add(ctx, 1)
	}

	if custom {
		// The device uploads to the App's own endpoint; nothing to correlate.
		// The synthetic result points at where the photo will land.
		result := message.PhotoResult{
			Type:      message.TypePhotoResult,
			RequestID: req.RequestID,
			Success:   true,
			PhotoURL:  webhookURL,
			Timestamp: message.Now(r.clock.Now()),
		}
		if err := r.apps.SendToApp(ctx, req.PackageName, result); err != nil {
			slog.Warn("photo: synthetic result send failed",
				"package", req.PackageName, "request_id", req.RequestID, "err", err)
		}
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return fmt.Errorf("photo: router disposed")
	}
	p := &pending{requestID: req.RequestID, packageName: req.PackageName}
	p.timer = r.clock.AfterFunc(r.deadline, func() { r.expire(req.RequestID) })
	r.pending[req.RequestID] = p
	return nil
}

// HandleResponse correlates a device photo response with its pending request
// and delivers the result to the requesting App. Responses for unknown
// request IDs are logged and dropped.
func (r *Router) HandleResponse(ctx context.Context, resp message.PhotoResponseMsg) {
	r.mu.Lock()
	p, ok := r.pending[resp.RequestID]
	if !ok {
		r.mu.Unlock()
		slog.Warn("photo: response for unknown request", "request_id", resp.RequestID)
		return
	}
	p.timer.Stop()
	delete(r.pending, resp.RequestID)
	r.mu.Unlock()

	result := message.PhotoResult{
		Type:           message.TypePhotoResult,
		RequestID:      resp.RequestID,
		Success:        resp.PhotoURL != "",
		PhotoURL:       resp.PhotoURL,
		SavedToGallery: resp.SavedToGallery,
		Timestamp:      message.Now(r.clock.Now()),
	}
	if err := r.apps.SendToApp(ctx, p.packageName, result); err != nil {
		slog.Warn("photo: result send failed",
			"package", p.packageName, "request_id", resp.RequestID, "err", err)
	}
}

// expire drops a request that never got a device response.
func (r *Router) expire(requestID string) {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	slog.Debug("photo: request expired without a response",
		"request_id", requestID, "package", p.packageName)
}

// PendingCount returns the number of in-flight requests, for diagnostics.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dispose cancels every pending request timer. Idempotent.
func (r *Router) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
}
