package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tweag/resourcetracker/resource"
)

// blockingWork lets a test control exactly when a worker "finishes"
// processing a resource, so SelectNext's tie-breaks can be observed
// deterministically instead of racing real I/O.
func blockingWork(t *testing.T, advance func(ctx context.Context, r *resource.Resource)) (Work, *sync.WaitGroup) {
	var wg sync.WaitGroup
	return func(ctx context.Context, r *resource.Resource) {
		defer wg.Done()
		advance(ctx, r)
	}, &wg
}

func newPreconnect() *resource.Resource {
	r := resource.New(resource.Identity{URL: "https://example.com/a.jar"})
	r.TryTransition(0, 0, resource.StatePreconnect|resource.StateProcessing, 0)
	return r
}

func TestSelectNextPrefersDemandConnectOverPrefetch(t *testing.T) {
	s := New(context.Background(), func(context.Context, *resource.Resource) {}, 4)

	demand := newPreconnect()
	s.mu.Lock()
	s.demand.PushBack(demand)
	s.mu.Unlock()

	prefetched := resource.New(resource.Identity{URL: "https://example.com/b.jar"})
	src := stubSource{[]*resource.Resource{prefetched}}
	s.RegisterPrefetchSource(src)

	got := s.SelectNext()
	if got != demand {
		t.Fatalf("SelectNext should prefer the demand queue's PRECONNECT resource over prefetch")
	}
	if !got.State().Has(resource.StateConnecting) {
		t.Fatalf("state = %v, want CONNECTING", got.State())
	}
}

func TestSelectNextStepsTwoPrecedesPrefetch(t *testing.T) {
	s := New(context.Background(), func(context.Context, *resource.Resource) {}, 4)

	predownload := resource.New(resource.Identity{URL: "https://example.com/a.jar"})
	predownload.TryTransition(0, 0, resource.StateConnected|resource.StatePredownload|resource.StateProcessing, 0)
	s.mu.Lock()
	s.demand.PushBack(predownload)
	s.mu.Unlock()

	prefetched := resource.New(resource.Identity{URL: "https://example.com/b.jar"})
	s.RegisterPrefetchSource(stubSource{[]*resource.Resource{prefetched}})

	got := s.SelectNext()
	if got != predownload {
		t.Fatal("SelectNext should service the demand queue's PREDOWNLOAD entry before scanning prefetch")
	}
	if !got.State().Has(resource.StateDownloading) {
		t.Fatalf("state = %v, want DOWNLOADING", got.State())
	}
}

func TestPickPrefetchConnectsUninitializedThenDownloadsConnected(t *testing.T) {
	s := New(context.Background(), func(context.Context, *resource.Resource) {}, 4)

	fresh := resource.New(resource.Identity{URL: "https://example.com/fresh.jar"})
	connected := resource.New(resource.Identity{URL: "https://example.com/connected.jar"})
	connected.ForceState(resource.StateConnected)

	s.RegisterPrefetchSource(stubSource{[]*resource.Resource{fresh, connected}})

	first := s.SelectNext()
	if first != fresh {
		t.Fatal("prefetch pass one should pick the uninitialized resource")
	}
	if !first.State().Has(resource.StateConnecting | resource.StateProcessing) {
		t.Fatalf("state = %v, want CONNECTING|PROCESSING", first.State())
	}

	second := s.SelectNext()
	if second != connected {
		t.Fatal("prefetch pass two should pick the already-connected resource")
	}
	if !second.State().Has(resource.StateDownloading | resource.StateProcessing) {
		t.Fatalf("state = %v, want DOWNLOADING|PROCESSING", second.State())
	}
}

func TestSelectNextReturnsNilWhenNothingToDo(t *testing.T) {
	s := New(context.Background(), func(context.Context, *resource.Resource) {}, 4)
	if got := s.SelectNext(); got != nil {
		t.Fatalf("SelectNext() = %v, want nil", got)
	}
}

func TestEnqueueSpawnsWorkerAndDrainsDemandQueue(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	work, wg := blockingWork(t, func(ctx context.Context, r *resource.Resource) {
		mu.Lock()
		processed = append(processed, r.Identity.URL)
		mu.Unlock()
		r.TryTransition(resource.StateConnecting, 0, resource.StateConnected, resource.StateConnecting|resource.StateProcessing)
	})
	s := New(context.Background(), work, 2)

	r := newPreconnect()
	wg.Add(1)
	s.Enqueue(r)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 1 || processed[0] != r.Identity.URL {
		t.Fatalf("processed = %v, want exactly one entry for %s", processed, r.Identity.URL)
	}
}

func TestEnqueueIgnoresResourceNotInPreconnectOrPredownload(t *testing.T) {
	s := New(context.Background(), func(context.Context, *resource.Resource) {}, 2)
	r := resource.New(resource.Identity{URL: "https://example.com/a.jar"})
	r.ForceState(resource.StateConnected)

	s.Enqueue(r)

	s.mu.Lock()
	n := s.demand.Len()
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("demand queue length = %d, want 0: a CONNECTED resource is not queueable", n)
	}
}

func TestWorkerExitsOnceQueueIsDry(t *testing.T) {
	s := New(context.Background(), func(ctx context.Context, r *resource.Resource) {
		r.TryTransition(resource.StateConnecting, 0, resource.StateConnected, resource.StateConnecting|resource.StateProcessing)
	}, 1)

	r := newPreconnect()
	s.Enqueue(r)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		workers := s.workers
		s.mu.Unlock()
		if workers == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("worker did not exit after SelectNext ran dry")
}

type stubSource struct {
	resources []*resource.Resource
}

func (s stubSource) PrefetchResources() []*resource.Resource { return s.resources }
