// Package scheduler implements the process-wide Scheduler from spec.md
// §4.2: a demand queue, a prefetch registry, and select_next's
// tie-break between connect work, download work, and speculative
// prefetch.
//
// The worker pool is grounded on the teacher's generic
// service/prefetcher/workqueue.go, but generalized from a fixed-size
// channel pool to the elastic, demand-driven pool spec.md requires:
// a worker is spawned on every Enqueue (deduplicated against the
// number already running) and idle workers exit once SelectNext
// yields nil.
package scheduler

import (
	"container/list"
	"context"
	"sync"

	"github.com/tweag/resourcetracker/internal/logging"
	"github.com/tweag/resourcetracker/resource"
)

// PrefetchSource is implemented by Tracker. The Scheduler keys each
// registered source by an int id and keeps a live reference to it until
// UnregisterPrefetchSource is called with that id; registrations are
// never swept automatically, so a registered Tracker stays reachable
// until it is unregistered (Tracker.Close does this).
type PrefetchSource interface {
	// PrefetchResources returns a snapshot of the resources this
	// tracker knows about, for prefetch scanning only. Returning nil
	// or empty means this source currently has nothing to offer; it is
	// not removed from the registry (the caller does that explicitly
	// via Unregister).
	PrefetchResources() []*resource.Resource
}

// Work is the function a worker runs once SelectNext hands it a
// Resource: drive it through whichever phase its current state calls
// for (connect or download). It is supplied by the caller (normally
// downloader.Downloader.Process) so this package stays free of any
// network or filesystem dependency.
type Work func(ctx context.Context, r *resource.Resource)

// Scheduler is the process-wide singleton described in spec.md §4.2.
// Construct one per process (or one per test) and share it between
// every Tracker.
type Scheduler struct {
	mu   sync.Mutex // outermost lock in the hierarchy; never acquired while holding prefetchMu or any Tracker/Resource lock
	cond *sync.Cond

	demand *list.List // of *resource.Resource

	prefetchMu  sync.Mutex // ranked below mu, above every Tracker/Resource lock
	prefetch    map[int]PrefetchSource
	nextSweepID int

	work       Work
	maxWorkers int
	workers    int
	ctx        context.Context
}

// New creates a Scheduler. maxWorkers bounds how many download workers
// may run concurrently; ctx governs their lifetime.
func New(ctx context.Context, work Work, maxWorkers int) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	s := &Scheduler{
		demand:     list.New(),
		prefetch:   make(map[int]PrefetchSource),
		work:       work,
		maxWorkers: maxWorkers,
		ctx:        ctx,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// CompletionCond is the shared condition callers block on in
// Tracker.WaitFor, broadcast whenever any resource transitions.
func (s *Scheduler) CompletionCond() *sync.Cond { return s.cond }

// RegisterPrefetchSource adds t to the prefetch registry and returns an
// id to later Unregister it with.
func (s *Scheduler) RegisterPrefetchSource(t PrefetchSource) int {
	s.prefetchMu.Lock()
	defer s.prefetchMu.Unlock()
	id := s.nextSweepID
	s.nextSweepID++
	s.prefetch[id] = t
	return id
}

// UnregisterPrefetchSource removes a previously registered source.
func (s *Scheduler) UnregisterPrefetchSource(id int) {
	s.prefetchMu.Lock()
	defer s.prefetchMu.Unlock()
	delete(s.prefetch, id)
}

// Enqueue requires the resource be in PRECONNECT or PREDOWNLOAD,
// appends it to the demand queue, and ensures at least one worker is
// alive to service it.
func (s *Scheduler) Enqueue(r *resource.Resource) {
	st := r.State()
	if !st.HasAny(resource.StatePreconnect | resource.StatePredownload) {
		return
	}
	s.mu.Lock()
	s.demand.PushBack(r)
	s.ensureWorkerLocked()
	s.mu.Unlock()
}

// EnsurePrefetchWorker is called by a prefetch-enabled Tracker after it
// adds a resource, so speculative work can start even though nothing
// was pushed onto the demand queue.
func (s *Scheduler) EnsurePrefetchWorker() {
	s.mu.Lock()
	s.ensureWorkerLocked()
	s.mu.Unlock()
}

func (s *Scheduler) ensureWorkerLocked() {
	if s.workers >= s.maxWorkers {
		return
	}
	s.workers++
	go s.runWorker()
}

func (s *Scheduler) runWorker() {
	defer func() {
		s.mu.Lock()
		s.workers--
		s.mu.Unlock()
	}()
	for {
		r := s.SelectNext()
		if r == nil {
			return
		}
		s.work(s.ctx, r)
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// SelectNext implements spec.md §4.2's four-step algorithm. It returns
// nil when there is nothing left to do, signaling the calling worker
// to terminate.
func (s *Scheduler) SelectNext() *resource.Resource {
	s.mu.Lock()
	r, fire := s.selectNextLocked()
	s.mu.Unlock()
	if fire != nil {
		fire()
	}
	return r
}

func (s *Scheduler) selectNextLocked() (*resource.Resource, func()) {
	// Step 1: demand queue, PRECONNECT without ERROR. Items already
	// carry PROCESSING (set when the caller pushed them here), so this
	// transition only flips PRECONNECT -> CONNECTING.
	if elem := s.findDemand(func(r *resource.Resource) bool {
		st := r.State()
		return st.Has(resource.StatePreconnect) && !st.HasAny(resource.StateError)
	}); elem != nil {
		r := s.popDemand(elem)
		ok, fire := r.TryTransitionDeferred(
			resource.StatePreconnect, resource.StateError,
			resource.StateConnecting, resource.StatePreconnect,
		)
		if ok {
			return r, fire
		}
		// Lost a race (e.g. it errored between the scan and the
		// transition); try again from the top.
		return s.selectNextLocked()
	}

	// Step 2: demand queue, PREDOWNLOAD without {ERROR, PRECONNECT, CONNECTING}.
	if elem := s.findDemand(func(r *resource.Resource) bool {
		st := r.State()
		return st.Has(resource.StatePredownload) &&
			!st.HasAny(resource.StateError|resource.StatePreconnect|resource.StateConnecting)
	}); elem != nil {
		r := s.popDemand(elem)
		ok, fire := r.TryTransitionDeferred(
			resource.StatePredownload,
			resource.StateError|resource.StatePreconnect|resource.StateConnecting,
			resource.StateDownloading, resource.StatePredownload,
		)
		if ok {
			return r, fire
		}
		return s.selectNextLocked()
	}

	// Step 3: prefetch.
	return s.pickPrefetchLocked()
}

func (s *Scheduler) findDemand(match func(*resource.Resource) bool) *list.Element {
	for e := s.demand.Front(); e != nil; e = e.Next() {
		if match(e.Value.(*resource.Resource)) {
			return e
		}
	}
	return nil
}

func (s *Scheduler) popDemand(e *list.Element) *resource.Resource {
	s.demand.Remove(e)
	return e.Value.(*resource.Resource)
}

func (s *Scheduler) pickPrefetchLocked() (*resource.Resource, func()) {
	s.prefetchMu.Lock()
	sources := make([]PrefetchSource, 0, len(s.prefetch))
	for _, src := range s.prefetch {
		sources = append(sources, src)
	}
	s.prefetchMu.Unlock()

	// First pass: an uninitialized resource (no flags at all) goes
	// through the connect phase, same as a fresh demand arrival.
	for _, src := range sources {
		for _, r := range src.PrefetchResources() {
			st := r.State()
			if st == 0 {
				ok, fire := r.TryTransitionDeferred(
					0, resource.StateError,
					resource.StateConnecting|resource.StateProcessing, 0,
				)
				if ok {
					logging.Debugf("prefetch: connecting %s", r.Identity.URL)
					return r, fire
				}
			}
		}
	}

	// Second pass: an already-connected resource drives its download.
	for _, src := range sources {
		for _, r := range src.PrefetchResources() {
			st := r.State()
			if st.Has(resource.StateConnected) &&
				!st.HasAny(resource.StateError|resource.StateDownloaded|resource.StateDownloading|resource.StatePredownload) {
				ok, fire := r.TryTransitionDeferred(
					resource.StateConnected,
					resource.StateError|resource.StateDownloaded|resource.StateDownloading|resource.StatePredownload,
					resource.StateDownloading|resource.StateProcessing, 0,
				)
				if ok {
					logging.Debugf("prefetch: downloading %s", r.Identity.URL)
					return r, fire
				}
			}
		}
	}

	return nil, nil
}
