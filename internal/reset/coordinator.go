// Package reset decides when mmpmon's cumulative counters may be reset.
// A reset is armed only after points carrying those counters were accepted
// downstream; after a failed delivery the counters keep accumulating into the
// next cycle.
package reset

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// State is the coordinator's state.
type State int

const (
	Idle State = iota
	PendingReset
)

func (s State) String() string {
	if s == PendingReset {
		return "pending-reset"
	}
	return "idle"
}

// Resetter issues the reset command to the counter source.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Decision is the outcome of Cycle.
type Decision struct {
	Reset bool
}

// Coordinator tracks whether a reset is owed.
type Coordinator struct {
	mu     sync.Mutex
	state  State
	logger *zap.Logger
}

// NewCoordinator creates a coordinator in the Idle state.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{logger: logger.Named("reset")}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Observe records the outcome of a delivery. Only a successful delivery of
// points derived from cumulative counters arms a reset.
func (c *Coordinator) Observe(delivered, cumulative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delivered && cumulative {
		c.state = PendingReset
	}
}

// Cycle reports whether a reset should fire now.
func (c *Coordinator) Cycle() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Decision{Reset: c.state == PendingReset}
}

// Fire calls r when a reset is pending and returns to Idle. The state goes
// back to Idle even if r fails: the counters will then simply cover a longer
// interval next time.
func (c *Coordinator) Fire(ctx context.Context, r Resetter) error {
	if !c.Cycle().Reset {
		return nil
	}

	err := r.Reset(ctx)

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Counter reset failed", zap.Error(err))
		return err
	}
	c.logger.Debug("Counters reset")
	return nil
}
