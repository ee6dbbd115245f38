package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/docflow/document"
)

// memorySource is an in-memory PolicySource; failing toggles unreachability.
type memorySource struct {
	mu      sync.Mutex
	policy  document.ConcurrencyPolicy
	failing bool
}

func (m *memorySource) Get(ctx context.Context) (document.ConcurrencyPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return document.ConcurrencyPolicy{}, errors.New("source down")
	}
	return m.policy, nil
}

func (m *memorySource) Set(ctx context.Context, maxRuns int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("source down")
	}
	m.policy = document.ConcurrencyPolicy{Enabled: true, MaxRuns: maxRuns}
	return nil
}

func newTestController(t *testing.T, maxRuns int) (*Controller, *memorySource) {
	t.Helper()
	src := &memorySource{policy: document.ConcurrencyPolicy{Enabled: true, MaxRuns: maxRuns}}
	return New(context.Background(), src, 4, nil), src
}

func TestBoundNeverExceeded(t *testing.T) {
	// WHAT: With max_runs=2 and 5 concurrent workers, at most 2 hold a
	// slot at any sampled instant, and all 5 eventually run.
	// WHY: The admission bound is the core shared-resource invariant.
	c, _ := newTestController(t, 2)
	ctx := context.Background()

	var active, peak, done atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Acquire(ctx); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer c.Release()

			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			done.Add(1)
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("observed %d concurrent holders, bound is 2", p)
	}
	if done.Load() != 5 {
		t.Errorf("only %d of 5 workers completed", done.Load())
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	c, _ := newTestController(t, 1)
	ctx := context.Background()

	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := c.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the slot is held")
	case <-time.After(30 * time.Millisecond):
	}

	c.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	c, _ := newTestController(t, 1)
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Acquire(ctx)
	if err == nil {
		t.Fatal("expected context error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestRaiseWakesWaiters(t *testing.T) {
	// WHAT: Growing the bound immediately unblocks queued waiters.
	c, _ := newTestController(t, 1)
	ctx := context.Background()

	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := c.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()
	time.Sleep(20 * time.Millisecond)

	if err := c.SetMaxRuns(ctx, 2); err != nil {
		t.Fatal(err)
	}
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by raised bound")
	}
}

func TestLowerDrainsByAttrition(t *testing.T) {
	// WHAT: Shrinking below the current in-flight count evicts nothing;
	// new acquires wait until enough slots drain.
	c, _ := newTestController(t, 3)
	ctx := context.Background()

	for range 3 {
		if err := c.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.SetMaxRuns(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if got := c.InFlight(); got != 3 {
		t.Errorf("in-flight after shrink: got %d, want 3 (no eviction)", got)
	}

	acquired := make(chan struct{})
	go func() {
		if err := c.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	c.Release() // 2 in flight, still above the new bound of 1
	select {
	case <-acquired:
		t.Fatal("acquire must stay blocked above the lowered bound")
	case <-time.After(30 * time.Millisecond):
	}

	c.Release() // 1 in flight
	c.Release() // 0 in flight, waiter fits
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after drain")
	}
}

func TestDegradedSourceFallsBackToDefault(t *testing.T) {
	// WHAT: An unreachable policy source yields enabled=false and the
	// local default bound, not a closed gate.
	src := &memorySource{failing: true}
	c := New(context.Background(), src, 4, nil)

	pol := c.Policy()
	if pol.Enabled {
		t.Error("degraded controller must report enabled=false")
	}
	if pol.MaxRuns != 4 {
		t.Errorf("degraded bound: got %d, want default 4", pol.MaxRuns)
	}

	// Processing still admitted under the default bound.
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("degraded controller must not fail closed: %v", err)
	}
	c.Release()
}

func TestRefreshRecoversFromDegraded(t *testing.T) {
	src := &memorySource{failing: true}
	c := New(context.Background(), src, 4, nil)
	if c.Policy().Enabled {
		t.Fatal("expected degraded start")
	}

	src.mu.Lock()
	src.failing = false
	src.policy = document.ConcurrencyPolicy{Enabled: true, MaxRuns: 8}
	src.mu.Unlock()

	c.Refresh(context.Background())
	pol := c.Policy()
	if !pol.Enabled || pol.MaxRuns != 8 {
		t.Errorf("after recovery: got %+v, want enabled max=8", pol)
	}
}

func TestSetMaxRunsPersists(t *testing.T) {
	c, src := newTestController(t, 2)
	if err := c.SetMaxRuns(context.Background(), 6); err != nil {
		t.Fatal(err)
	}
	pol, err := src.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pol.MaxRuns != 6 {
		t.Errorf("persisted max_runs: got %d, want 6", pol.MaxRuns)
	}
	if got := c.Policy().MaxRuns; got != 6 {
		t.Errorf("local max_runs: got %d, want 6", got)
	}
}

func TestSetMaxRunsRejectsNonPositive(t *testing.T) {
	c, _ := newTestController(t, 2)
	if err := c.SetMaxRuns(context.Background(), 0); err == nil {
		t.Error("zero bound must be rejected")
	}
}
