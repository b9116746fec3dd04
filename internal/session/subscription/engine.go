// Package subscription implements the per-session subscription engine: each
// App holds an ordered set of stream keys, and the engine maintains cached
// aggregates (which Apps need PCM, which need a speech pipeline, which
// language streams are in demand) atomically with every set change.
//
// Updates for a given package are strictly FIFO: concurrent calls queue and
// execute in arrival order, and every caller observes the outcome of its own
// update. An empty update arriving shortly after the App reconnected is
// discarded, because freshly reconnected Apps tend to push an empty set
// before restoring their real subscriptions.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/streamkey"
)

// defaultReconnectGrace is the window after a reconnect during which empty
// updates are discarded.
const defaultReconnectGrace = 8 * time.Second

// PermissionChecker decides whether an App may subscribe to a stream.
// A nil detail means the subscription is allowed.
type PermissionChecker interface {
	Check(app store.App, key streamkey.Key) *message.PermissionDetail
}

// Config holds the dependencies of an [Engine].
type Config struct {
	// Clock provides time for the reconnect-grace window.
	// Defaults to the real clock.
	Clock clockwork.Clock

	// ReconnectGrace overrides the empty-update discard window.
	ReconnectGrace time.Duration

	// Permissions filters subscription requests. When nil, everything is
	// allowed.
	Permissions PermissionChecker

	// LookupApp resolves an App descriptor for the permission filter.
	// When nil, permission checks are skipped.
	LookupApp func(ctx context.Context, packageName string) (store.App, error)

	// OnPermissionError delivers rejected entries to the offending App.
	// May be nil.
	OnPermissionError func(ctx context.Context, packageName string, perr message.PermissionError)

	// OnApply runs after each successful set apply, outside the aggregate
	// critical section, with the delta of that apply. May be nil.
	OnApply func(ctx context.Context, packageName string, added, removed []streamkey.Key)
}

// Engine is the per-session subscription engine. All methods are safe for
// concurrent use.
type Engine struct {
	clock          clockwork.Clock
	reconnectGrace time.Duration
	permissions    PermissionChecker
	lookupApp      func(ctx context.Context, packageName string) (store.App, error)
	onPermError    func(ctx context.Context, packageName string, perr message.PermissionError)
	onApply        func(ctx context.Context, packageName string, added, removed []streamkey.Key)

	mu            sync.Mutex
	sets          map[string][]streamkey.Key // package → ordered set
	pcmApps       map[string]struct{}
	mediaApps     map[string]struct{} // transcription-like
	langCounts    map[streamkey.Key]int
	reconnectedAt map[string]time.Time

	// queues serializes applies per package, FIFO.
	queues map[string][]*applyJob
	active map[string]bool
}

type applyJob struct {
	entries  []message.SubscriptionEntry
	explicit bool // removeSubscriptions bypasses the empty-update grace
	done     chan struct{}
	err      error
}

// New creates an Engine.
func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	grace := cfg.ReconnectGrace
	if grace <= 0 {
		grace = defaultReconnectGrace
	}
	return &Engine{
		clock:          clock,
		reconnectGrace: grace,
		permissions:    cfg.Permissions,
		lookupApp:      cfg.LookupApp,
		onPermError:    cfg.OnPermissionError,
		onApply:        cfg.OnApply,
		sets:           make(map[string][]streamkey.Key),
		pcmApps:        make(map[string]struct{}),
		mediaApps:      make(map[string]struct{}),
		langCounts:     make(map[streamkey.Key]int),
		reconnectedAt:  make(map[string]time.Time),
		queues:         make(map[string][]*applyJob),
		active:         make(map[string]bool),
	}
}

// UpdateSubscriptions replaces the subscription set of packageName with the
// requested entries. Updates for the same package are applied strictly in
// arrival order; the call returns once this update (and every earlier one)
// has been applied.
func (e *Engine) UpdateSubscriptions(ctx context.Context, packageName string, entries []message.SubscriptionEntry) error {
	return e.enqueue(ctx, packageName, &applyJob{
		entries: entries,
		done:    make(chan struct{}),
	})
}

// RemoveSubscriptions clears the subscription set of packageName. Unlike an
// empty [Engine.UpdateSubscriptions], removal always applies, regardless of
// the reconnect grace.
func (e *Engine) RemoveSubscriptions(ctx context.Context, packageName string) error {
	return e.enqueue(ctx, packageName, &applyJob{
		explicit: true,
		done:     make(chan struct{}),
	})
}

// enqueue adds a job to the package's FIFO queue. The first caller becomes
// the queue runner and drains jobs in order; later callers wait for their
// own job to complete.
func (e *Engine) enqueue(ctx context.Context, packageName string, job *applyJob) error {
	e.mu.Lock()
	e.queues[packageName] = append(e.queues[packageName], job)
	if e.active[packageName] {
		e.mu.Unlock()
		<-job.done
		return job.err
	}
	e.active[packageName] = true
	e.mu.Unlock()

	for {
		e.mu.Lock()
		queue := e.queues[packageName]
		if len(queue) == 0 {
			e.active[packageName] = false
			e.mu.Unlock()
			return job.err
		}
		next := queue[0]
		e.queues[packageName] = queue[1:]
		e.mu.Unlock()

		next.err = e.apply(ctx, packageName, next)
		close(next.done)
	}
}

// apply performs one queued set replacement.
func (e *Engine) apply(ctx context.Context, packageName string, job *applyJob) error {
	// Reconnect grace: discard empty non-explicit updates shortly after a
	// reconnect.
	if len(job.entries) == 0 && !job.explicit {
		e.mu.Lock()
		at, ok := e.reconnectedAt[packageName]
		e.mu.Unlock()
		if ok && e.clock.Since(at) < e.reconnectGrace {
			slog.Debug("subscription: discarding empty update within reconnect grace",
				"package", packageName)
			return nil
		}
	}

	newSet, perr, err := e.filter(ctx, packageName, job.entries)
	if err != nil {
		return err
	}
	if perr != nil && e.onPermError != nil {
		e.onPermError(ctx, packageName, *perr)
	}

	e.mu.Lock()
	oldSet := e.sets[packageName]
	if len(newSet) == 0 {
		delete(e.sets, packageName)
	} else {
		e.sets[packageName] = newSet
	}
	e.applyAggregatesLocked(packageName, oldSet, newSet)
	e.mu.Unlock()

	added, removed := diff(oldSet, newSet)
	if e.onApply != nil {
		e.onApply(ctx, packageName, added, removed)
	}
	return nil
}

// filter validates and permission-checks the requested entries, returning
// the new ordered set and an optional permission error for the App.
func (e *Engine) filter(ctx context.Context, packageName string, entries []message.SubscriptionEntry) ([]streamkey.Key, *message.PermissionError, error) {
	var app store.App
	var haveApp bool
	if e.permissions != nil && e.lookupApp != nil {
		var err error
		app, err = e.lookupApp(ctx, packageName)
		if err != nil {
			// Store failure: keep the previous set intact.
			return nil, nil, fmt.Errorf("subscription: lookup app %s: %w", packageName, err)
		}
		haveApp = true
	}

	var newSet []streamkey.Key
	var details []message.PermissionDetail
	seen := make(map[streamkey.Key]struct{})

	for _, entry := range entries {
		key := entry.Key()
		if err := key.Validate(); err != nil {
			slog.Warn("subscription: dropping invalid stream key",
				"package", packageName, "key", key, "err", err)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if haveApp && e.permissions != nil {
			if d := e.permissions.Check(app, key); d != nil {
				details = append(details, *d)
				continue
			}
		}
		seen[key] = struct{}{}
		newSet = append(newSet, key)
	}

	var perr *message.PermissionError
	if len(details) > 0 {
		perr = &message.PermissionError{
			Type:    message.TypePermissionError,
			Message: "some subscriptions were rejected due to missing permissions",
			Details: details,
		}
	}
	return newSet, perr, nil
}

// applyAggregatesLocked delta-updates the cached aggregates for one
// package's set change. Caller holds e.mu.
func (e *Engine) applyAggregatesLocked(packageName string, oldSet, newSet []streamkey.Key) {
	for _, key := range oldSet {
		if lang := languageKey(key); lang != "" {
			if e.langCounts[lang] > 1 {
				e.langCounts[lang]--
			} else {
				delete(e.langCounts, lang)
			}
		}
	}
	for _, key := range newSet {
		if lang := languageKey(key); lang != "" {
			e.langCounts[lang]++
		}
	}

	if slices.Contains(newSet, streamkey.AudioChunk) {
		e.pcmApps[packageName] = struct{}{}
	} else {
		delete(e.pcmApps, packageName)
	}

	if slices.ContainsFunc(newSet, streamkey.Key.IsTranscriptionLike) {
		e.mediaApps[packageName] = struct{}{}
	} else {
		delete(e.mediaApps, packageName)
	}
}

// languageKey returns key itself when it is a language-qualified
// transcription or translation stream, "" otherwise.
func languageKey(key streamkey.Key) streamkey.Key {
	if _, ok := key.TranscriptionLanguage(); ok {
		return key
	}
	if _, _, ok := key.TranslationPair(); ok {
		return key
	}
	return ""
}

// diff returns the keys added and removed between two ordered sets.
func diff(oldSet, newSet []streamkey.Key) (added, removed []streamkey.Key) {
	for _, k := range newSet {
		if !slices.Contains(oldSet, k) {
			added = append(added, k)
		}
	}
	for _, k := range oldSet {
		if !slices.Contains(newSet, k) {
			removed = append(removed, k)
		}
	}
	return added, removed
}

// MarkAppReconnected records that packageName just reconnected, opening the
// empty-update discard window.
func (e *Engine) MarkAppReconnected(packageName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconnectedAt[packageName] = e.clock.Now()
}

// Forget drops all state for packageName, including its reconnect mark.
// Used on terminal App cleanup, bypassing the queue (callers must not race
// with in-flight updates for the same package).
func (e *Engine) Forget(packageName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	oldSet := e.sets[packageName]
	delete(e.sets, packageName)
	e.applyAggregatesLocked(packageName, oldSet, nil)
	delete(e.reconnectedAt, packageName)
}

// ── Queries ──────────────────────────────────────────────────────────────────

// AppsFor returns the packages whose set covers the target stream, in
// deterministic (sorted) order. Wildcard subscriptions match everything, and
// legacy "location-update" subscribers match "location-stream" targets.
func (e *Engine) AppsFor(target streamkey.Key) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var apps []string
	for pkg, set := range e.sets {
		if slices.ContainsFunc(set, func(k streamkey.Key) bool { return k.Matches(target) }) {
			apps = append(apps, pkg)
		}
	}
	slices.Sort(apps)
	return apps
}

// AppsForSetting returns the packages subscribed to changes of the named
// user setting.
func (e *Engine) AppsForSetting(setting string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var apps []string
	for pkg, set := range e.sets {
		if slices.ContainsFunc(set, func(k streamkey.Key) bool { return k.MatchesSetting(setting) }) {
			apps = append(apps, pkg)
		}
	}
	slices.Sort(apps)
	return apps
}

// Subscriptions returns packageName's current ordered set.
func (e *Engine) Subscriptions(packageName string) []streamkey.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.sets[packageName])
}

// HasSubscription reports whether packageName's set covers the stream.
func (e *Engine) HasSubscription(packageName string, target streamkey.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.ContainsFunc(e.sets[packageName], func(k streamkey.Key) bool { return k.Matches(target) })
}

// HasPCM reports whether any App needs raw PCM audio.
func (e *Engine) HasPCM() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pcmApps) > 0
}

// HasTranscription reports whether any App needs a speech pipeline.
func (e *Engine) HasTranscription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mediaApps) > 0
}

// HasMedia reports whether any App needs audio in any form.
func (e *Engine) HasMedia() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pcmApps) > 0 || len(e.mediaApps) > 0
}

// PCMApps returns the packages needing raw PCM, sorted.
func (e *Engine) PCMApps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	apps := make([]string, 0, len(e.pcmApps))
	for pkg := range e.pcmApps {
		apps = append(apps, pkg)
	}
	slices.Sort(apps)
	return apps
}

// MinimalLanguageSet returns the language-qualified streams with at least
// one subscriber, sorted.
func (e *Engine) MinimalLanguageSet() []streamkey.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]streamkey.Key, 0, len(e.langCounts))
	for k, n := range e.langCounts {
		if n > 0 {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// LocationKeys returns every location subscription key currently held by any
// App, for effective-tier computation.
func (e *Engine) LocationKeys() []streamkey.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	var keys []streamkey.Key
	for _, set := range e.sets {
		for _, k := range set {
			if k.IsLocation() {
				keys = append(keys, k)
			}
		}
	}
	return keys
}
