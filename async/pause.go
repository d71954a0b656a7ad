package async

import (
	"context"
	"sync"

	"github.com/cloudrive/drivesdk"
)

// Controller gates long-running pipelines with pause/resume. Workers call
// Wait at their checkpoint; Wait returns immediately while running and blocks
// while paused, honoring cancellation.
type Controller struct {
	mu     sync.Mutex
	paused bool
	gate   chan struct{}
}

// NewController creates a running (not paused) controller.
func NewController() *Controller {
	return &Controller{}
}

// Pause blocks subsequent Wait calls until Resume. Idempotent.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.gate = make(chan struct{})
}

// Resume releases every blocked Wait. Idempotent.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	close(c.gate)
	c.gate = nil
}

// IsPaused reports the current state.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Wait blocks while the controller is paused. On cancellation it returns an
// AbortError.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return &drivesdk.AbortError{Err: ctx.Err()}
	}
}
