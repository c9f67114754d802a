package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Expiry is delivered to the owner of a Countdown when an armed countdown reaches zero.
type Expiry struct {
	Generation uint64
	Deadline   time.Time
}

// Countdown is a single cancellable one-shot countdown. Every Reset/ResetAt/Extend re-arms the
// countdown under a new generation; an Expiry for an older generation is stale and must be
// ignored by the owner.
//
// The fire callback runs on the timer's own goroutine. It must only hand the Expiry to the
// owner's serialization point (e.g. a channel send); it must not touch owner state.
type Countdown struct {
	clock clockwork.Clock
	fire  func(Expiry)

	mu         sync.Mutex
	timer      clockwork.Timer
	generation uint64
	deadline   time.Time
}

// NewCountdown creates an unarmed countdown.
func NewCountdown(clock clockwork.Clock, fire func(Expiry)) *Countdown {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Countdown{
		clock: clock,
		fire:  fire,
	}
}

// Reset cancels any pending fire and arms the countdown to fire after d.
func (c *Countdown) Reset(d time.Duration) time.Time {
	return c.ResetAt(c.clock.Now().Add(d))
}

// ResetAt cancels any pending fire and arms the countdown to fire at deadline. A deadline in the
// past fires immediately.
func (c *Countdown) ResetAt(deadline time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(deadline)
	return deadline
}

// Extend applies the soft-close rule: when the remaining time is at or below threshold, the
// countdown is reopened so that it ends no earlier than now+window. It never shortens the
// countdown and is not additive. It returns the resulting deadline and whether it moved.
func (c *Countdown) Extend(threshold, window time.Duration) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer == nil || window <= 0 {
		return c.deadline, false
	}

	now := c.clock.Now()
	if c.deadline.Sub(now) > threshold {
		return c.deadline, false
	}

	reopen := now.Add(window)
	if !reopen.After(c.deadline) {
		return c.deadline, false
	}

	c.armLocked(reopen)
	return reopen, true
}

// Stop cancels any pending fire. The deadline is kept for reporting.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		stopAndDrainTimer(c.timer)
		c.timer = nil
	}
	c.generation++
}

// Deadline returns the last armed deadline (zero if never armed).
func (c *Countdown) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Remaining returns the time left before the deadline, floored at zero.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return 0
	}
	if d := c.deadline.Sub(c.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Armed reports whether a fire is pending.
func (c *Countdown) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Current reports whether gen is the generation of the currently armed countdown.
func (c *Countdown) Current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil && c.generation == gen
}

func (c *Countdown) armLocked(deadline time.Time) {
	if c.timer != nil {
		stopAndDrainTimer(c.timer)
	}
	c.generation++
	c.deadline = deadline

	exp := Expiry{Generation: c.generation, Deadline: deadline}
	fire := func() {
		if c.fire != nil {
			c.fire(exp)
		}
	}

	d := deadline.Sub(c.clock.Now())
	if d <= 0 {
		// Already due: some clocks run zero-duration callbacks inline, and we hold c.mu.
		c.timer = c.clock.AfterFunc(0, func() { go fire() })
		return
	}
	c.timer = c.clock.AfterFunc(d, fire)
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		if ch := t.Chan(); ch != nil {
			select {
			case <-ch:
			default:
			}
		}
	}
}
