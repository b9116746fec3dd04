// Package location manages the device location tier, the per-session last
// known fix, and poll-request correlation between Apps and the glasses.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/streamkey"
)

// Tier is a device location accuracy/frequency class.
type Tier string

// Tiers in ascending order of accuracy and power cost.
const (
	TierReduced         Tier = "reduced"
	TierThreeKilometers Tier = "threeKilometers"
	TierKilometer       Tier = "kilometer"
	TierHundredMeters   Tier = "hundredMeters"
	TierTenMeters       Tier = "tenMeters"
	TierStandard        Tier = "standard"
	TierHigh            Tier = "high"
	TierRealtime        Tier = "realtime"
)

// tierRank orders tiers: a higher rank wins when computing the effective
// tier across subscriptions.
var tierRank = map[Tier]int{
	TierReduced:         0,
	TierThreeKilometers: 1,
	TierKilometer:       2,
	TierHundredMeters:   3,
	TierTenMeters:       4,
	TierStandard:        5,
	TierHigh:            6,
	TierRealtime:        7,
}

// freshness is how old a cached fix may be and still satisfy a poll at the
// given accuracy without waking the device.
var freshness = map[Tier]time.Duration{
	TierRealtime:        1 * time.Second,
	TierHigh:            10 * time.Second,
	TierStandard:        30 * time.Second,
	TierTenMeters:       30 * time.Second,
	TierHundredMeters:   60 * time.Second,
	TierKilometer:       5 * time.Minute,
	TierThreeKilometers: 15 * time.Minute,
	TierReduced:         15 * time.Minute,
}

// ParseTier maps an accuracy string to a Tier, defaulting to standard for
// unknown or empty values.
func ParseTier(s string) Tier {
	t := Tier(s)
	if _, ok := tierRank[t]; ok {
		return t
	}
	return TierStandard
}

// Device is the controller's view of the device transport.
type Device interface {
	Open() bool
	Send(ctx context.Context, msg any) error
}

// Apps delivers targeted poll responses to a single App.
type Apps interface {
	SendToApp(ctx context.Context, packageName string, msg any) error
}

// Relay fans a location update out to subscribed Apps.
type Relay interface {
	RelayToSubscribers(ctx context.Context, key streamkey.Key, data any, excludePackage string)
}

// Subscriptions is the controller's view of the subscription engine.
type Subscriptions interface {
	LocationKeys() []streamkey.Key
	AppsFor(target streamkey.Key) []string
}

// Store persists the last known fix across sessions.
type Store interface {
	SaveLastLocation(ctx context.Context, userID string, loc store.Location) error
	GetLastLocation(ctx context.Context, userID string) (store.Location, error)
}

// Config holds the dependencies of a [Controller].
type Config struct {
	Clock clockwork.Clock
	Device Device
	Apps   Apps
	Relay  Relay
	Subs   Subscriptions
	Store  Store

	UserID string
}

// poll is one App poll awaiting a device fix.
type poll struct {
	packageName   string
	correlationID string
	tier          Tier
}

// Controller owns location state for one session.
// All methods are safe for concurrent use.
type Controller struct {
	clock  clockwork.Clock
	device Device
	apps   Apps
	relay  Relay
	subs   Subscriptions
	store  Store
	userID string

	mu          sync.Mutex
	last        *store.Location
	lastAt      time.Time
	currentTier Tier
	tierSent    bool
	pending     map[string]*poll    // correlationID → poll
	replayed    map[string]struct{} // packages already given the cached fix
	disposed    bool
}

// New creates a Controller and seeds the cache from the store, so a fresh
// session can answer coarse polls before the device reports anything.
func New(ctx context.Context, cfg Config) *Controller {
	c := &Controller{
		clock:       cfg.Clock,
		device:      cfg.Device,
		apps:        cfg.Apps,
		relay:       cfg.Relay,
		subs:        cfg.Subs,
		store:       cfg.Store,
		userID:      cfg.UserID,
		currentTier: TierReduced,
		pending:     make(map[string]*poll),
		replayed:    make(map[string]struct{}),
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.store != nil {
		if loc, err := c.store.GetLastLocation(ctx, c.userID); err == nil {
			c.last = &loc
			c.lastAt = loc.Timestamp
		}
	}
	return c
}

// fix is the permissive wire shape of an inbound location payload. The
// phone client sends {lat,lng}; Expo-based clients send
// {latitude,longitude} or nest everything under "coords".
type fix struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Coords    *struct {
		Latitude  float64  `json:"latitude"`
		Longitude float64  `json:"longitude"`
		Accuracy  *float64 `json:"accuracy"`
	} `json:"coords"`
	CorrelationID string `json:"correlationId"`
}

// parseFix normalizes any accepted payload shape into a store.Location.
func parseFix(raw []byte, now time.Time) (store.Location, string, error) {
	var f fix
	if err := json.Unmarshal(raw, &f); err != nil {
		return store.Location{}, "", fmt.Errorf("location: parse update: %w", err)
	}
	loc := store.Location{Timestamp: now}
	switch {
	case f.Lat != nil && f.Lng != nil:
		loc.Lat, loc.Lng, loc.Accuracy = *f.Lat, *f.Lng, f.Accuracy
	case f.Latitude != nil && f.Longitude != nil:
		loc.Lat, loc.Lng, loc.Accuracy = *f.Latitude, *f.Longitude, f.Accuracy
	case f.Coords != nil:
		loc.Lat, loc.Lng, loc.Accuracy = f.Coords.Latitude, f.Coords.Longitude, f.Coords.Accuracy
	default:
		return store.Location{}, "", fmt.Errorf("location: update carries no coordinates")
	}
	return loc, f.CorrelationID, nil
}

// UpdateFromAPI ingests a location payload delivered over REST (the phone
// posts fixes out-of-band when no socket is up). A correlation ID resolves
// the matching poll; otherwise the fix is broadcast.
func (c *Controller) UpdateFromAPI(ctx context.Context, raw []byte) error {
	loc, correlationID, err := parseFix(raw, c.clock.Now())
	if err != nil {
		return err
	}
	c.ingest(ctx, loc, correlationID)
	return nil
}

// UpdateFromDevice ingests a location_update from the glasses socket.
func (c *Controller) UpdateFromDevice(ctx context.Context, msg message.LocationUpdateMsg) {
	loc := store.Location{
		Lat:       msg.Lat,
		Lng:       msg.Lng,
		Accuracy:  msg.Accuracy,
		Timestamp: c.clock.Now(),
	}
	c.ingest(ctx, loc, msg.CorrelationID)
}

// ingest caches the fix, resolves polls, and broadcasts untargeted updates.
func (c *Controller) ingest(ctx context.Context, loc store.Location, correlationID string) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.last = &loc
	c.lastAt = loc.Timestamp

	if correlationID != "" {
		p, ok := c.pending[correlationID]
		if ok {
			delete(c.pending, correlationID)
		}
		c.mu.Unlock()
		if !ok {
			slog.Debug("location: fix for unknown correlation id",
				"correlation_id", correlationID)
			return
		}
		c.sendFix(ctx, p.packageName, loc, correlationID)
		return
	}

	// Untargeted fixes also satisfy whatever polls are waiting.
	waiting := make([]*poll, 0, len(c.pending))
	for id, p := range c.pending {
		waiting = append(waiting, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range waiting {
		c.sendFix(ctx, p.packageName, loc, p.correlationID)
	}
	if c.relay != nil {
		c.relay.RelayToSubscribers(ctx, streamkey.LocationStream, c.updateMsg(loc, ""), "")
	}
}

// HandlePollRequest answers an App's one-shot location poll. A cached fix
// fresh enough for the requested accuracy is returned immediately; otherwise
// the poll is parked and the device is asked for a fix when connected.
func (c *Controller) HandlePollRequest(ctx context.Context, packageName, accuracy, correlationID string) error {
	tier := ParseTier(accuracy)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("location: controller disposed")
	}
	if c.last != nil && c.clock.Since(c.lastAt) <= freshness[tier] {
		loc := *c.last
		c.mu.Unlock()
		c.sendFix(ctx, packageName, loc, correlationID)
		return nil
	}
	c.pending[correlationID] = &poll{
		packageName:   packageName,
		correlationID: correlationID,
		tier:          tier,
	}
	deviceUp := c.device.Open()
	c.mu.Unlock()

	if !deviceUp {
		// Parked until the next REST fix or device reconnect.
		return nil
	}
	req := message.RequestSingleLocation{
		Type:          message.TypeRequestSingleLocation,
		Accuracy:      string(tier),
		CorrelationID: correlationID,
		Timestamp:     message.Now(c.clock.Now()),
	}
	if err := c.device.Send(ctx, req); err != nil {
		return fmt.Errorf("location: request fix from device: %w", err)
	}
	return nil
}

// OnSubscriptionChange recomputes the effective tier from all location
// subscriptions, pushes it to the device when it changed, and replays the
// cached fix to newly subscribed Apps.
func (c *Controller) OnSubscriptionChange(ctx context.Context) {
	keys := c.subs.LocationKeys()
	effective := TierReduced
	for _, k := range keys {
		t := TierStandard
		if rate := k.LocationRate(); rate != "" {
			t = ParseTier(rate)
		}
		if tierRank[t] > tierRank[effective] {
			effective = t
		}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	changed := effective != c.currentTier || !c.tierSent
	c.currentTier = effective
	var last *store.Location
	if c.last != nil {
		loc := *c.last
		last = &loc
	}
	c.mu.Unlock()

	if changed && c.device.Open() {
		msg := message.SetLocationTier{
			Type:      message.TypeSetLocationTier,
			Tier:      string(effective),
			Timestamp: message.Now(c.clock.Now()),
		}
		if err := c.device.Send(ctx, msg); err != nil {
			slog.Warn("location: set tier failed", "tier", effective, "err", err)
		} else {
			c.mu.Lock()
			c.tierSent = true
			c.mu.Unlock()
		}
	}

	if last == nil {
		return
	}
	// Replay the cached fix once per newly subscribed package.
	for _, pkg := range c.subs.AppsFor(streamkey.LocationStream) {
		c.mu.Lock()
		_, seen := c.replayed[pkg]
		if !seen {
			c.replayed[pkg] = struct{}{}
		}
		disposed := c.disposed
		c.mu.Unlock()
		if seen || disposed {
			continue
		}
		c.sendFix(ctx, pkg, *last, "")
	}
}

// EffectiveTier returns the tier most recently computed from subscriptions.
func (c *Controller) EffectiveTier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTier
}

// LastFix returns the cached fix, if any.
func (c *Controller) LastFix() (store.Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return store.Location{}, false
	}
	return *c.last, true
}

// sendFix delivers one fix to one App.
func (c *Controller) sendFix(ctx context.Context, packageName string, loc store.Location, correlationID string) {
	if err := c.apps.SendToApp(ctx, packageName, c.updateMsg(loc, correlationID)); err != nil {
		slog.Warn("location: fix send failed", "package", packageName, "err", err)
	}
}

func (c *Controller) updateMsg(loc store.Location, correlationID string) message.LocationUpdateMsg {
	return message.LocationUpdateMsg{
		Type:          message.TypeLocationUpdate,
		Lat:           loc.Lat,
		Lng:           loc.Lng,
		Accuracy:      loc.Accuracy,
		CorrelationID: correlationID,
		Timestamp:     message.Now(loc.Timestamp),
	}
}

// Dispose persists the cached fix and drops pending polls. Idempotent.
func (c *Controller) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	last := c.last
	c.pending = map[string]*poll{}
	c.mu.Unlock()

	if last != nil && c.store != nil {
		if err := c.store.SaveLastLocation(ctx, c.userID, *last); err != nil {
			slog.Warn("location: persist last fix failed", "err", err)
		}
	}
}
