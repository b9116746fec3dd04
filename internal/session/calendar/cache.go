// Package calendar caches the device's calendar events for one session and
// replays them to Apps that subscribe after the events arrived.
package calendar

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/streamkey"
)

// maxEvents bounds the cache. When full, the least relevant event is
// evicted: the furthest-past one first, then the furthest-future one.
const maxEvents = 100

// Apps delivers replayed events to a single App.
type Apps interface {
	SendToApp(ctx context.Context, packageName string, msg any) error
}

// Relay fans a fresh event out to calendar subscribers.
type Relay interface {
	RelayToSubscribers(ctx context.Context, key streamkey.Key, data any, excludePackage string)
}

// Cache holds calendar events for one session.
// All methods are safe for concurrent use.
type Cache struct {
	clock clockwork.Clock
	apps  Apps
	relay Relay

	mu       sync.Mutex
	events   []message.CalendarEventMsg
	replayed map[string]struct{} // packages already given the cached events
}

// New creates a Cache.
func New(clock clockwork.Clock, apps Apps, relay Relay) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		clock:    clock,
		apps:     apps,
		relay:    relay,
		replayed: make(map[string]struct{}),
	}
}

// AddFromDevice ingests one event from the glasses, deduplicating on
// (eventId, dtStart), and broadcasts it to calendar subscribers.
func (c *Cache) AddFromDevice(ctx context.Context, ev message.CalendarEventMsg) {
	if ev.EventID == "" {
		slog.Debug("calendar: dropping event without an id", "title", ev.Title)
		return
	}
	ev.Type = message.TypeCalendarEvent

	c.mu.Lock()
	idx := slices.IndexFunc(c.events, func(e message.CalendarEventMsg) bool {
		return e.EventID == ev.EventID && e.DTStart == ev.DTStart
	})
	if idx >= 0 {
		// A resend replaces the cached copy; titles and end times change.
		c.events[idx] = ev
	} else {
		c.events = append(c.events, ev)
		c.sortLocked()
		if len(c.events) > maxEvents {
			c.events = c.events[:maxEvents]
		}
	}
	c.mu.Unlock()

	if c.relay != nil {
		c.relay.RelayToSubscribers(ctx, streamkey.CalendarEvent, ev, "")
	}
}

// sortLocked orders events by relevance: present and future ascending by
// start, then past descending (most recently ended first). Unparseable
// starts sort last. Caller holds c.mu.
func (c *Cache) sortLocked() {
	now := c.clock.Now()
	slices.SortStableFunc(c.events, func(a, b message.CalendarEventMsg) int {
		ta, aok := parseStart(a.DTStart)
		tb, bok := parseStart(b.DTStart)
		switch {
		case !aok && !bok:
			return 0
		case !aok:
			return 1
		case !bok:
			return -1
		}
		aFuture := !ta.Before(now)
		bFuture := !tb.Before(now)
		switch {
		case aFuture && !bFuture:
			return -1
		case !aFuture && bFuture:
			return 1
		case aFuture:
			return ta.Compare(tb)
		default:
			return tb.Compare(ta)
		}
	})
}

// parseStart reads a dtStart in RFC 3339 or the date-only form devices send
// for all-day events.
func parseStart(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// HandleSubscriptionUpdate replays the cached events to any calendar
// subscriber that has not received them yet.
func (c *Cache) HandleSubscriptionUpdate(ctx context.Context, subscribers []string) {
	c.mu.Lock()
	events := slices.Clone(c.events)
	var fresh []string
	for _, pkg := range subscribers {
		if _, seen := c.replayed[pkg]; !seen {
			c.replayed[pkg] = struct{}{}
			fresh = append(fresh, pkg)
		}
	}
	c.mu.Unlock()

	if len(events) == 0 {
		return
	}
	for _, pkg := range fresh {
		for _, ev := range events {
			if err := c.apps.SendToApp(ctx, pkg, ev); err != nil {
				slog.Warn("calendar: replay failed", "package", pkg, "err", err)
				break
			}
		}
	}
}

// HandleUnsubscribe forgets a package so a future resubscribe replays again.
func (c *Cache) HandleUnsubscribe(packageName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.replayed, packageName)
}

// Events returns the cached events in relevance order.
func (c *Cache) Events() []message.CalendarEventMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

// Len returns the cache depth.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}
