package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tweag/resourcetracker/errs"
	"github.com/tweag/resourcetracker/internal/clock"
	"github.com/tweag/resourcetracker/resource"
	"github.com/tweag/resourcetracker/scheduler"
)

type fakeTimer struct {
	c chan time.Time
}

func (f *fakeTimer) C() <-chan time.Time { return f.c }
func (f *fakeTimer) Stop() bool          { return true }

type fakeClock struct {
	timers chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{timers: make(chan *fakeTimer, 1)}
}

func (f *fakeClock) Now() time.Time { return time.Time{} }

func (f *fakeClock) NewTimer(time.Duration) clock.Timer {
	t := &fakeTimer{c: make(chan time.Time, 1)}
	f.timers <- t
	return t
}

func newScheduler(work scheduler.Work) *scheduler.Scheduler {
	return scheduler.New(context.Background(), work, 2)
}

func TestWaitForReturnsTrueOnceEveryResourceIsTerminal(t *testing.T) {
	sched := newScheduler(func(ctx context.Context, r *resource.Resource) {
		r.ForceState(resource.StateDownloaded)
	})
	tr := New(sched, resource.NewTable())
	defer tr.Close()

	id := resource.Identity{URL: "https://example.com/a.jar"}
	tr.AddResource(id, resource.PolicySession)

	done, err := tr.WaitFor(context.Background(), []resource.Identity{id}, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if !done {
		t.Fatal("WaitFor should report true once the resource reaches DOWNLOADED")
	}
}

func TestWaitForReturnsFalseOnTimeout(t *testing.T) {
	fc := newFakeClock()
	sched := newScheduler(func(ctx context.Context, r *resource.Resource) {
		// leaves the resource in CONNECTING; it never becomes terminal
	})
	tr := New(sched, resource.NewTable(), WithClock(fc))
	defer tr.Close()

	id := resource.Identity{URL: "https://example.com/stuck.jar"}
	tr.AddResource(id, resource.PolicySession)

	type result struct {
		done bool
		err  error
	}
	results := make(chan result, 1)
	go func() {
		done, err := tr.WaitFor(context.Background(), []resource.Identity{id}, time.Hour)
		results <- result{done, err}
	}()

	timer := <-fc.timers
	timer.c <- time.Time{}

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("WaitFor: %v", res.err)
		}
		if res.done {
			t.Fatal("WaitFor should report false once the timer fires with work still pending")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return after the fake timer fired")
	}
}

func TestWaitForRespectsContextCancellation(t *testing.T) {
	sched := newScheduler(func(ctx context.Context, r *resource.Resource) {})
	tr := New(sched, resource.NewTable())
	defer tr.Close()

	id := resource.Identity{URL: "https://example.com/stuck.jar"}
	tr.AddResource(id, resource.PolicySession)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		done bool
		err  error
	}
	results := make(chan result, 1)
	go func() {
		done, err := tr.WaitFor(ctx, []resource.Identity{id}, time.Hour)
		results <- result{done, err}
	}()

	cancel()
	select {
	case res := <-results:
		if !errors.Is(res.err, errs.ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", res.err)
		}
		if res.done {
			t.Fatal("WaitFor should not report done when cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return after context cancellation")
	}
}

func TestWaitForUnknownIdentityReturnsInvalidDescriptor(t *testing.T) {
	sched := newScheduler(func(context.Context, *resource.Resource) {})
	tr := New(sched, resource.NewTable())
	defer tr.Close()

	_, err := tr.WaitFor(context.Background(), []resource.Identity{{URL: "https://example.com/unknown.jar"}}, time.Second)
	if !errors.Is(err, errs.ErrInvalidDescriptor) {
		t.Fatalf("err = %v, want ErrInvalidDescriptor", err)
	}
}

func TestWaitForZeroTimeoutChecksOnceWithoutBlocking(t *testing.T) {
	sched := newScheduler(func(context.Context, *resource.Resource) {})
	tr := New(sched, resource.NewTable())
	defer tr.Close()

	id := resource.Identity{URL: "https://example.com/stuck.jar"}
	tr.AddResource(id, resource.PolicySession)

	done, err := tr.WaitFor(context.Background(), []resource.Identity{id}, 0)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if done {
		t.Fatal("WaitFor(timeout<=0) on a non-terminal resource should report false immediately")
	}
}

func TestCheckCacheDecisionTable(t *testing.T) {
	cases := []struct {
		policy resource.UpdatePolicy
		want   cacheDecision
	}{
		{resource.PolicySession, decisionUseCache},
		{resource.PolicyNever, decisionUseCache},
		{resource.PolicyAlways, decisionReconnect},
		{resource.PolicyForce, decisionReconnect},
	}
	for _, c := range cases {
		if got := checkCache(c.policy); got != c.want {
			t.Errorf("checkCache(%v) = %v, want %v", c.policy, got, c.want)
		}
	}
}

func TestAddResourceOnTerminalSessionPolicyReusesCache(t *testing.T) {
	var enqueued int
	sched := newScheduler(func(ctx context.Context, r *resource.Resource) {
		enqueued++
		r.ForceState(resource.StateDownloaded)
	})
	table := resource.NewTable()
	tr := New(sched, table)
	defer tr.Close()

	id := resource.Identity{URL: "https://example.com/a.jar"}
	tr.AddResource(id, resource.PolicySession)
	tr.WaitFor(context.Background(), []resource.Identity{id}, 2*time.Second)

	// Re-adding with SESSION policy on an already-terminal resource must
	// not trigger another round of work.
	tr.AddResource(id, resource.PolicySession)
	time.Sleep(50 * time.Millisecond)
	if enqueued != 1 {
		t.Fatalf("work ran %d times, want exactly 1: SESSION policy should reuse the terminal resource", enqueued)
	}
}

func TestAddResourceForcePolicyReconnectsTerminalResource(t *testing.T) {
	var enqueued int
	sched := newScheduler(func(ctx context.Context, r *resource.Resource) {
		enqueued++
		r.ForceState(resource.StateDownloaded)
	})
	table := resource.NewTable()
	tr := New(sched, table)
	defer tr.Close()

	id := resource.Identity{URL: "https://example.com/a.jar"}
	tr.AddResource(id, resource.PolicySession)
	tr.WaitFor(context.Background(), []resource.Identity{id}, 2*time.Second)

	tr.AddResource(id, resource.PolicyForce)
	tr.WaitFor(context.Background(), []resource.Identity{id}, 2*time.Second)
	if enqueued != 2 {
		t.Fatalf("work ran %d times, want exactly 2: FORCE policy should reconnect a terminal resource", enqueued)
	}
}
