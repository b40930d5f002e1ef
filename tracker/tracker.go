// Package tracker implements the Tracker facade from spec.md §4.1: the
// per-caller view over a shared pool of Resources, responsible for
// starting work, answering wait_for, and reporting progress.
package tracker

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tweag/resourcetracker/errs"
	"github.com/tweag/resourcetracker/internal/clock"
	"github.com/tweag/resourcetracker/resource"
	"github.com/tweag/resourcetracker/scheduler"
)

// Tracker is the caller-facing handle described in spec.md §3/§4.1. A
// process typically creates one Tracker per top-level "job" (e.g. one
// per launched application) and shares a single Scheduler and
// resource.Table across every Tracker.
type Tracker struct {
	table     *resource.Table
	scheduler *scheduler.Scheduler
	clock     clock.Clock

	prefetch   bool
	prefetchID int

	mu        sync.Mutex // guards resources; ranked below scheduler/prefetch, above Resource's own monitor
	resources map[resource.Identity]*resource.Resource

	listenersMu sync.Mutex // ranked below Resource's monitor
	listeners   map[DownloadListener]struct{}
}

// Option configures a Tracker at construction time.
type Option func(*Tracker)

// WithPrefetch registers the Tracker as a speculative prefetch source
// with the Scheduler, per spec.md §4.1's "prefetch=true" mode.
func WithPrefetch() Option {
	return func(t *Tracker) { t.prefetch = true }
}

// WithClock overrides the Tracker's time source, used by tests to drive
// wait_for's boundary behavior deterministically.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// New creates a Tracker bound to the given Scheduler and identity
// table.
func New(sched *scheduler.Scheduler, table *resource.Table, opts ...Option) *Tracker {
	t := &Tracker{
		table:     table,
		scheduler: sched,
		clock:     clock.Real{},
		resources: make(map[resource.Identity]*resource.Resource),
		listeners: make(map[DownloadListener]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.prefetch {
		t.prefetchID = sched.RegisterPrefetchSource(t)
	}
	return t
}

// Close detaches every Resource this Tracker added and unregisters it
// from prefetch scanning. It does not cancel any in-flight download;
// other Trackers or the interning table's refcount may still need it.
func (t *Tracker) Close() {
	if t.prefetch {
		t.scheduler.UnregisterPrefetchSource(t.prefetchID)
	}
	t.mu.Lock()
	ids := make([]resource.Identity, 0, len(t.resources))
	for id := range t.resources {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.RemoveResource(id)
	}
}

// AddResource interns the identity, attaches this Tracker as a
// watcher, and starts whatever work is still needed (spec.md §4.1's
// add_resource / check_cache). If prefetch is enabled, it also wakes a
// worker so prefetch scanning can pick the resource up even though it
// wasn't enqueued on the demand path.
func (t *Tracker) AddResource(id resource.Identity, policy resource.UpdatePolicy) *resource.Resource {
	r := t.table.Intern(id)
	r.SetUpdatePolicy(policy)
	r.AttachWatcher(t)

	t.mu.Lock()
	t.resources[id] = r
	t.mu.Unlock()

	t.startResource(r)
	if t.prefetch {
		t.scheduler.EnsurePrefetchWorker()
	}
	return r
}

// startResource implements spec.md §4.1's check_cache decision table:
// a terminal resource is reused unless the policy demands
// revalidation; anything else is enqueued for whichever phase its
// current state still needs.
func (t *Tracker) startResource(r *resource.Resource) {
	st := r.State()
	if st.Terminal() {
		if checkCache(r.UpdatePolicy()) == decisionUseCache {
			return
		}
		// FORCE/ALWAYS on an already-terminal resource: reset it and
		// run the connect phase again. Safe without a transition check
		// because nothing else races a terminal, non-PROCESSING
		// resource back into flight.
		r.ForceState(resource.StatePreconnect | resource.StateProcessing)
		t.scheduler.Enqueue(r)
		return
	}

	switch {
	case st == 0:
		if ok := r.TryTransition(0, 0, resource.StatePreconnect|resource.StateProcessing, 0); ok {
			t.scheduler.Enqueue(r)
		}
	case st.Has(resource.StateConnected) &&
		!st.HasAny(resource.StateError|resource.StateDownloading|resource.StatePredownload|resource.StateProcessing):
		ok := r.TryTransition(
			resource.StateConnected,
			resource.StateError|resource.StateDownloading|resource.StatePredownload|resource.StateProcessing,
			resource.StatePredownload|resource.StateProcessing, 0,
		)
		if ok {
			t.scheduler.Enqueue(r)
		}
	default:
		// Already in flight (PROCESSING) or will be found by prefetch
		// scanning; nothing to do.
	}
}

// RemoveResource detaches this Tracker's interest in id. The
// underlying Resource survives until its last Tracker detaches and it
// has reached a terminal state (resource.Table.Release).
func (t *Tracker) RemoveResource(id resource.Identity) {
	t.mu.Lock()
	r, ok := t.resources[id]
	if ok {
		delete(t.resources, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	r.DetachWatcher(t)
	t.table.Release(id)
}

func (t *Tracker) lookup(id resource.Identity) (*resource.Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.resources[id]
	return r, ok
}

// WaitFor blocks until every named resource reaches a terminal state,
// the context is cancelled, or timeout elapses (timeout<=0 means
// "check once, don't block", matching spec.md §8's boundary case).
// It returns true iff every resource is terminal when it returns.
func (t *Tracker) WaitFor(ctx context.Context, ids []resource.Identity, timeout time.Duration) (bool, error) {
	resources := make([]*resource.Resource, 0, len(ids))
	for _, id := range ids {
		r, ok := t.lookup(id)
		if !ok {
			return false, fmt.Errorf("waiting for %s: %w", id.URL, errs.ErrInvalidDescriptor)
		}
		resources = append(resources, r)
	}

	cond := t.scheduler.CompletionCond()

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	context.AfterFunc(waitCtx, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})

	var timedOut atomic.Bool
	if timeout <= 0 {
		timedOut.Store(true)
	} else {
		timer := t.clock.NewTimer(timeout)
		defer timer.Stop()
		go func() {
			select {
			case <-timer.C():
				timedOut.Store(true)
				cond.L.Lock()
				cond.Broadcast()
				cond.L.Unlock()
			case <-waitCtx.Done():
			}
		}()
	}

	cond.L.Lock()
	defer cond.L.Unlock()
	for {
		allTerminal := true
		for _, r := range resources {
			if !r.State().Terminal() {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, fmt.Errorf("waiting: %w", errs.ErrCancelled)
		}
		if timedOut.Load() {
			return false, nil
		}
		cond.Wait()
	}
}

// GetCacheFile returns the on-disk path for a fully downloaded
// resource. It errors if the resource isn't known or hasn't reached a
// successful terminal state yet.
func (t *Tracker) GetCacheFile(id resource.Identity) (string, error) {
	r, ok := t.lookup(id)
	if !ok {
		return "", fmt.Errorf("getting cache file for %s: %w", id.URL, errs.ErrInvalidDescriptor)
	}
	st := r.State()
	if !st.Terminal() {
		return "", fmt.Errorf("getting cache file for %s: not yet downloaded", id.URL)
	}
	if st.Has(resource.StateError) {
		return "", fmt.Errorf("getting cache file for %s: download failed", id.URL)
	}
	return r.LocalFile(), nil
}

// GetCacheURL is GetCacheFile wrapped as a file:// URL, for callers
// that want a uniform URL type regardless of scheme.
func (t *Tracker) GetCacheURL(id resource.Identity) (*url.URL, error) {
	path, err := t.GetCacheFile(id)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: "file", Path: path}, nil
}

// AmountRead and TotalSize back a progress bar: bytes transferred so
// far, and the expected final size (-1 if not yet known).
func (t *Tracker) AmountRead(id resource.Identity) (int64, error) {
	r, ok := t.lookup(id)
	if !ok {
		return 0, fmt.Errorf("reading progress for %s: %w", id.URL, errs.ErrInvalidDescriptor)
	}
	return r.Transferred(), nil
}

func (t *Tracker) TotalSize(id resource.Identity) (int64, error) {
	r, ok := t.lookup(id)
	if !ok {
		return 0, fmt.Errorf("reading size for %s: %w", id.URL, errs.ErrInvalidDescriptor)
	}
	return r.Size(), nil
}

// PrefetchResources implements scheduler.PrefetchSource.
func (t *Tracker) PrefetchResources() []*resource.Resource {
	if !t.prefetch {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*resource.Resource, 0, len(t.resources))
	for _, r := range t.resources {
		out = append(out, r)
	}
	return out
}

type cacheDecision int

const (
	decisionUseCache cacheDecision = iota
	decisionReconnect
)

// checkCache implements spec.md §4.1's decision table for a resource
// that has already reached a terminal state: SESSION and NEVER both
// keep the existing result; ALWAYS and FORCE send it back through the
// connect phase to revalidate (the connect phase's own currency check
// distinguishes ALWAYS's conditional refetch from FORCE's unconditional
// one).
func checkCache(policy resource.UpdatePolicy) cacheDecision {
	switch policy {
	case resource.PolicyAlways, resource.PolicyForce:
		return decisionReconnect
	default:
		return decisionUseCache
	}
}
