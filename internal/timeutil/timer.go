package timeutil

import (
	"slices"
	"sync"
	"time"
)

// Timer is a cancellable handle of a scheduled callback.
type Timer interface {
	// Stop prevents the timer from firing.
	// It returns false if the timer has already expired or been stopped.
	Stop() bool
	// Reset changes the timer to expire after duration d.
	// It returns true if the timer had been active.
	Reset(d time.Duration) bool
}

// Clock creates timers and reports the current time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the clock backed by the [time] package.
func RealClock() Clock { return realClock{} }

type wrappedClock struct {
	Clock
	run func(func())
}

func (c wrappedClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.Clock.AfterFunc(d, func() { c.run(f) })
}

// WrapCallbacks returns a clock that runs every timer callback through run.
// It is used to execute timer callbacks under the caller's serialization lock.
func WrapCallbacks(c Clock, run func(func())) Clock {
	if c == nil {
		c = RealClock()
	}
	return wrappedClock{c, run}
}

// FakeClock is a manually advanced [Clock].
// Timer callbacks run synchronously inside [FakeClock.Advance] in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

// NewFakeClock creates a new fake clock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clk: c, fn: f}
	c.schedule(t, d)
	return t
}

func (c *FakeClock) schedule(t *fakeTimer, d time.Duration) {
	c.seq++
	t.seq = c.seq
	t.when = c.now.Add(max(d, 0))
	t.active = true
	c.timers = append(c.timers, t)
}

func (c *FakeClock) remove(t *fakeTimer) {
	c.timers = slices.DeleteFunc(c.timers, func(v *fakeTimer) bool { return v == t })
	t.active = false
}

// Advance moves the clock forward by d, firing every timer that becomes due,
// including timers scheduled by callbacks during the advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) || (t.when.Equal(next.when) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.remove(next)
		c.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of active timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type fakeTimer struct {
	clk    *FakeClock
	fn     func()
	when   time.Time
	seq    uint64
	active bool
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()

	if !t.active {
		return false
	}
	t.clk.remove(t)
	return true
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()

	wasActive := t.active
	if wasActive {
		t.clk.remove(t)
	}
	t.clk.schedule(t, d)
	return wasActive
}
