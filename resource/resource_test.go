package resource

import (
	"sync"
	"testing"
)

type recordingWatcher struct {
	mu    sync.Mutex
	seen  []State
}

func (w *recordingWatcher) ResourceChanged(r *Resource, newState State) {
	w.mu.Lock()
	w.seen = append(w.seen, newState)
	w.mu.Unlock()
}

func TestTryTransitionRequiresAllAndForbidsAny(t *testing.T) {
	r := New(Identity{URL: "https://example.com/a.jar"})

	if ok := r.TryTransition(StatePreconnect, 0, StateConnecting, StatePreconnect); ok {
		t.Fatal("transition should fail: resource doesn't have StatePreconnect yet")
	}

	r.ForceState(StatePreconnect | StateError)
	if ok := r.TryTransition(StatePreconnect, StateError, StateConnecting, StatePreconnect); ok {
		t.Fatal("transition should fail: forbidAny bit StateError is set")
	}

	r.ForceState(StatePreconnect)
	if ok := r.TryTransition(StatePreconnect, StateError, StateConnecting, StatePreconnect); !ok {
		t.Fatal("transition should succeed")
	}
	if got := r.State(); got != StateConnecting {
		t.Fatalf("state = %v, want CONNECTING", got)
	}
}

func TestTryTransitionDispatchesWatchersOnSuccessOnly(t *testing.T) {
	r := New(Identity{URL: "https://example.com/a.jar"})
	w := &recordingWatcher{}
	r.AttachWatcher(w)

	r.TryTransition(StatePreconnect, 0, StateConnecting, StatePreconnect) // fails, no flags set
	r.ForceState(StatePreconnect)
	w.mu.Lock()
	w.seen = nil // ForceState also notifies; reset to isolate TryTransition's own dispatch
	w.mu.Unlock()

	ok := r.TryTransition(StatePreconnect, StateError, StateConnecting, StatePreconnect)
	if !ok {
		t.Fatal("expected transition to succeed")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.seen) != 1 || w.seen[0] != StateConnecting {
		t.Fatalf("watcher saw %v, want exactly one dispatch of CONNECTING", w.seen)
	}
}

func TestTerminal(t *testing.T) {
	cases := []struct {
		state State
		want  bool
	}{
		{0, false},
		{StatePreconnect, false},
		{StateConnecting | StateProcessing, false},
		{StateDownloaded, true},
		{StateError, true},
		{StateDownloaded | StateError, true},
	}
	for _, c := range cases {
		if got := c.state.Terminal(); got != c.want {
			t.Errorf("State(%v).Terminal() = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestTableInterningAndRefCounting(t *testing.T) {
	table := NewTable()
	id := Identity{URL: "https://example.com/a.jar"}

	r1 := table.Intern(id)
	r2 := table.Intern(id)
	if r1 != r2 {
		t.Fatal("Intern should return the same Resource for the same identity")
	}

	table.Release(id)
	if table.Lookup(id) == nil {
		t.Fatal("resource should still be interned: ref count was 1, not 0, and it isn't terminal")
	}

	r1.ForceState(StateDownloaded)
	table.Release(id)
	if table.Lookup(id) != nil {
		t.Fatal("a terminal resource with no remaining references should be dropped from the table")
	}
}

func TestTableReinternAfterReleaseStartsFresh(t *testing.T) {
	table := NewTable()
	id := Identity{URL: "https://example.com/a.jar"}

	r1 := table.Intern(id)
	r1.ForceState(StateDownloaded)
	table.Release(id)

	r2 := table.Intern(id)
	if r2 == r1 {
		t.Fatal("expected a fresh Resource after the prior one was released and dropped")
	}
	if r2.State() != 0 {
		t.Fatalf("fresh resource should start uninitialized, got %v", r2.State())
	}
}

func TestStateString(t *testing.T) {
	if got := State(0).String(); got != "uninitialized" {
		t.Fatalf("String() = %q, want %q", got, "uninitialized")
	}
	got := (StatePreconnect | StateProcessing).String()
	if got != "PRECONNECT|PROCESSING" {
		t.Fatalf("String() = %q, want %q", got, "PRECONNECT|PROCESSING")
	}
}
