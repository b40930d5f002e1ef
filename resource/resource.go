// Package resource implements the Resource entity from spec.md §3: an
// interned, concurrently-observed handle for a single (url, version)
// artifact moving through the connect/download state machine.
package resource

import (
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/tweag/resourcetracker/integrity"
)

// UpdatePolicy governs whether a cached copy may be used without
// revalidation. Variants match spec.md §6.
type UpdatePolicy int

const (
	PolicySession UpdatePolicy = iota
	PolicyAlways
	PolicyForce
	PolicyNever
)

// Identity is the interning key: two resources are the same iff their
// URL strings and versions match exactly. The URL is compared as given;
// no normalization is applied before interning.
type Identity struct {
	URL     string
	Version string
}

// Watcher is notified of every state transition on a Resource. Tracker
// implements this; Resource must not import tracker, so the interface
// lives here instead.
type Watcher interface {
	ResourceChanged(r *Resource, newState State)
}

// Resource is the mutable per-artifact handle described in spec.md §3.
// All mutable fields are guarded by mu except size/transferred, which
// are updated frequently from the download hot loop and are therefore
// plain atomics.
type Resource struct {
	Identity Identity

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	downloadLocation   *url.URL
	localFile          string
	updatePolicy       UpdatePolicy
	expectedIntegrity  integrity.Integrity

	size        atomic.Int64
	transferred atomic.Int64

	watchers map[Watcher]struct{}
}

// New creates a Resource for the given identity. Callers should obtain
// Resources exclusively through Table.Intern; New is exported for
// tests that don't need interning.
func New(id Identity) *Resource {
	r := &Resource{
		Identity: id,
		watchers: make(map[Watcher]struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	r.size.Store(-1)
	return r
}

// AttachWatcher registers t to be notified of state transitions.
func (r *Resource) AttachWatcher(w Watcher) {
	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()
}

// DetachWatcher removes a previously attached watcher.
func (r *Resource) DetachWatcher(w Watcher) {
	r.mu.Lock()
	delete(r.watchers, w)
	r.mu.Unlock()
}

// State returns the current state bitset.
func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cond exposes the resource's monitor condition so a Scheduler or
// Tracker can Wait on it directly (e.g. to implement wait_for's
// deadline loop) without reaching into private fields.
func (r *Resource) Cond() *sync.Cond { return r.cond }

// Lock/Unlock expose the monitor for callers (Scheduler.SelectNext,
// Downloader) that need to read-then-write several fields atomically.
func (r *Resource) Lock()   { r.mu.Lock() }
func (r *Resource) Unlock() { r.mu.Unlock() }

// lockedTryTransition is spec.md §9's single mutating primitive: it
// requires that every bit in requiredAll is set, that no bit in
// forbidAny is set, and then flips the state from remove to add
// atomically. It must be called with the monitor held (see
// TryTransition for the common case of acquiring the lock too).
func (r *Resource) lockedTryTransition(requiredAll, forbidAny, add, remove State) bool {
	if !r.state.Has(requiredAll) {
		return false
	}
	if r.state.HasAny(forbidAny) {
		return false
	}
	r.state = (r.state &^ remove) | add
	r.cond.Broadcast()
	return true
}

// TryTransition acquires the monitor, attempts the transition, and -
// only on success - fans the new state out to every attached watcher
// outside the lock, per spec.md §4.5 and §9's "snapshot then iterate
// outside every lock" mandate. Use this form when the caller holds no
// other lock; if the caller holds a higher-ranked lock (e.g. the
// Scheduler lock), use TryTransitionDeferred instead so the dispatch
// happens after that lock is released too.
func (r *Resource) TryTransition(requiredAll, forbidAny, add, remove State) bool {
	ok, fire := r.TryTransitionDeferred(requiredAll, forbidAny, add, remove)
	fire()
	return ok
}

// TryTransitionDeferred performs the same mutation as TryTransition but
// returns the watcher dispatch as a closure instead of invoking it
// immediately, so a caller holding another lock can release it first.
// fire is always safe to call (a no-op on failure).
func (r *Resource) TryTransitionDeferred(requiredAll, forbidAny, add, remove State) (ok bool, fire func()) {
	r.mu.Lock()
	ok = r.lockedTryTransition(requiredAll, forbidAny, add, remove)
	if !ok {
		r.mu.Unlock()
		return false, func() {}
	}
	newState := r.state
	watchers := make([]Watcher, 0, len(r.watchers))
	for w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()
	return true, func() {
		for _, w := range watchers {
			w.ResourceChanged(r, newState)
		}
	}
}

// ForceState unconditionally sets the state (used by the Tracker's
// check_cache path to send a terminal resource back through the
// connect phase under ALWAYS/FORCE) and notifies watchers.
func (r *Resource) ForceState(s State) {
	r.mu.Lock()
	r.state = s
	r.cond.Broadcast()
	watchers := make([]Watcher, 0, len(r.watchers))
	for w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()
	for _, w := range watchers {
		w.ResourceChanged(r, s)
	}
}

// SetDownloadLocation records the URL resolved by the connect phase.
func (r *Resource) SetDownloadLocation(u *url.URL) {
	r.mu.Lock()
	r.downloadLocation = u
	r.mu.Unlock()
}

func (r *Resource) DownloadLocation() *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloadLocation
}

// SetLocalFile records the resolved cache path once known.
func (r *Resource) SetLocalFile(path string) {
	r.mu.Lock()
	r.localFile = path
	r.mu.Unlock()
}

func (r *Resource) LocalFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localFile
}

func (r *Resource) SetUpdatePolicy(p UpdatePolicy) {
	r.mu.Lock()
	r.updatePolicy = p
	r.mu.Unlock()
}

func (r *Resource) UpdatePolicy() UpdatePolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatePolicy
}

// SetExpectedIntegrity records a checksum the downloaded artifact must
// match, supplied by the caller out of band (e.g. parsed from a
// manifest). A zero Integrity disables verification.
func (r *Resource) SetExpectedIntegrity(i integrity.Integrity) {
	r.mu.Lock()
	r.expectedIntegrity = i
	r.mu.Unlock()
}

func (r *Resource) ExpectedIntegrity() integrity.Integrity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expectedIntegrity
}

// SetSize and AddTransferred are the hot-path counters read by
// Tracker.AmountRead/TotalSize. transferred must never exceed size
// once size is known, per spec.md §3's invariant.
func (r *Resource) SetSize(n int64) { r.size.Store(n) }
func (r *Resource) Size() int64     { return r.size.Load() }

func (r *Resource) SetTransferred(n int64) { r.transferred.Store(n) }
func (r *Resource) AddTransferred(n int64) { r.transferred.Add(n) }
func (r *Resource) Transferred() int64     { return r.transferred.Load() }
