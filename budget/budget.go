package budget

import (
	"errors"
	"fmt"
	"sync/atomic"

	"bmc/metrics"
)

// ErrExhausted is returned when an admission request would exceed the budget.
// Callers treat this as backpressure, not a fault.
var ErrExhausted = errors.New("order budget exhausted")

// Controller bounds how many algorithmic orders may be in flight at once
// across all strategies. It is the single cross-strategy shared counter, so
// every mutation goes through compare-and-swap.
type Controller struct {
	limit    atomic.Int64
	inFlight atomic.Int64
	total    atomic.Int64
	denied   atomic.Int64
}

// Status is a point-in-time view of the budget counters.
type Status struct {
	Limit     int64 `json:"order_budget"`
	InFlight  int64 `json:"active_orders"`
	Submitted int64 `json:"total_algo_orders"`
	Denied    int64 `json:"denied_admissions"`
}

// New constructs a controller with the given initial budget.
func New(limit int64) *Controller {
	c := &Controller{}
	if limit < 0 {
		limit = 0
	}
	c.limit.Store(limit)
	return c
}

// TryAcquire admits one order submission, or returns ErrExhausted when the
// in-flight count has reached the budget. Denials are counted, never silent.
func (c *Controller) TryAcquire() error {
	for {
		cur := c.inFlight.Load()
		if cur >= c.limit.Load() {
			c.denied.Add(1)
			metrics.IncAdmissionDenials()
			return ErrExhausted
		}
		if c.inFlight.CompareAndSwap(cur, cur+1) {
			c.total.Add(1)
			return nil
		}
	}
}

// Release returns one admission once its order reaches a terminal state
// (filled, canceled or rejected). It never drops below zero.
func (c *Controller) Release() {
	for {
		cur := c.inFlight.Load()
		if cur <= 0 {
			return
		}
		if c.inFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// SetLimit replaces the budget. Lowering it below current usage does not
// cancel in-flight orders; it only blocks new admissions until usage drops.
func (c *Controller) SetLimit(limit int64) error {
	if limit < 0 {
		return fmt.Errorf("order budget must be non-negative, got %d", limit)
	}
	c.limit.Store(limit)
	return nil
}

// Limit returns the configured budget.
func (c *Controller) Limit() int64 { return c.limit.Load() }

// InFlight returns the current admission usage.
func (c *Controller) InFlight() int64 { return c.inFlight.Load() }

// Snapshot returns all counters at once.
func (c *Controller) Snapshot() Status {
	return Status{
		Limit:     c.limit.Load(),
		InFlight:  c.inFlight.Load(),
		Submitted: c.total.Load(),
		Denied:    c.denied.Load(),
	}
}
