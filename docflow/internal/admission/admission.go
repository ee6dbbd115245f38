// Package admission bounds the number of documents processed
// simultaneously. It is the only cross-document shared mutable resource in
// the pipeline core.
//
// The controller is a counting semaphore whose bound can be resized at
// runtime: raising the bound immediately wakes queued waiters, lowering it
// takes effect as slots drain naturally; in-flight runs are never evicted.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/docflow/document"
)

// ErrPolicyUnavailable signals that the authoritative policy source could
// not be reached. The controller degrades to its local default bound
// instead of failing closed.
var ErrPolicyUnavailable = errors.New("admission: concurrency policy unavailable")

// PolicySource is the durable home of the concurrency policy.
type PolicySource interface {
	Get(ctx context.Context) (document.ConcurrencyPolicy, error)
	Set(ctx context.Context, maxRuns int) error
}

// Controller is the admission gate. Safe for concurrent
// Acquire/Release/SetMaxRuns from any number of goroutines.
type Controller struct {
	source     PolicySource
	defaultMax int
	logger     *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	max      int
	inFlight int
	enabled  bool
}

// New creates a Controller and loads the initial policy from source. When
// the source is unreachable the controller starts degraded: enabled=false,
// bound=defaultMax.
func New(ctx context.Context, source PolicySource, defaultMax int, logger *slog.Logger) *Controller {
	if defaultMax < 1 {
		defaultMax = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		source:     source,
		defaultMax: defaultMax,
		logger:     logger,
		max:        defaultMax,
	}
	c.cond = sync.NewCond(&c.mu)
	c.Refresh(ctx)
	return c
}

// Refresh re-reads the policy from the source. Source failure is degraded,
// never fatal: the local default bound stays in effect and the policy
// reports enabled=false until a later refresh succeeds.
func (c *Controller) Refresh(ctx context.Context) {
	pol, err := c.source.Get(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.enabled = false
		c.max = c.defaultMax
		c.logger.Warn("admission: policy source unreachable, using local default",
			"default_max_runs", c.defaultMax, "error", err)
		c.cond.Broadcast()
		return
	}
	c.enabled = pol.Enabled
	if pol.MaxRuns >= 1 {
		c.max = pol.MaxRuns
	} else {
		c.max = c.defaultMax
	}
	c.cond.Broadcast()
}

// Acquire blocks until a slot is free or ctx ends. Callers must pair every
// successful Acquire with exactly one Release, on all paths.
func (c *Controller) Acquire(ctx context.Context) error {
	// Wake this waiter when ctx ends so the cond wait can observe it.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inFlight >= c.max {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("admission: acquire: %w", err)
		}
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("admission: acquire: %w", err)
	}
	c.inFlight++
	return nil
}

// Release returns a slot. It never blocks and is safe on failure paths;
// releasing into a lowered bound simply lets the bound drain by attrition.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// SetMaxRuns resizes the bound. The new bound applies immediately to
// waiters. Persisting to the policy source is best-effort: a persist
// failure degrades (enabled=false) but does not undo the resize.
func (c *Controller) SetMaxRuns(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("admission: max_runs must be >= 1, got %d", n)
	}

	c.mu.Lock()
	c.max = n
	c.cond.Broadcast()
	c.mu.Unlock()

	if err := c.source.Set(ctx, n); err != nil {
		c.mu.Lock()
		c.enabled = false
		c.mu.Unlock()
		c.logger.Warn("admission: persist policy failed, running degraded",
			"max_runs", n, "error", err)
		return nil
	}

	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

// Policy returns the current policy for introspection.
func (c *Controller) Policy() document.ConcurrencyPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return document.ConcurrencyPolicy{Enabled: c.enabled, MaxRuns: c.max}
}

// InFlight returns the number of slots currently held.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}
