package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time stands still until Advance is called; After, Sleep and tickers register
// waiters that fire once the clock moves past their deadline. Safe for concurrent use.
type FakeClock struct {
	mux     sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	changed *sync.Cond // Broadcast whenever the waiter list grows.
}

var _ Clock = (*FakeClock)(nil)

// fakeWaiter is a pending After, Sleep or ticker registration.
type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	interval time.Duration // Non-zero for tickers; the waiter is rescheduled after firing.
	stopped  bool
}

// Fake returns a FakeClock frozen at `initial`.
func Fake(initial time.Time) *FakeClock {
	fakeClock := &FakeClock{now: initial}
	fakeClock.changed = sync.NewCond(&fakeClock.mux)
	return fakeClock
}

func (c *FakeClock) Now() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.now.Add(d), channel: channel})
	c.changed.Broadcast()
	return channel
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mux.Lock()
	defer c.mux.Unlock()

	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{deadline: c.now.Add(d), channel: channel, interval: d}
	c.waiters = append(c.waiters, waiter)
	c.changed.Broadcast()
	return &Ticker{C: channel, stopFunc: func() {
		c.mux.Lock()
		defer c.mux.Unlock()
		waiter.stopped = true
	}}
}

// Sleep blocks until the clock is advanced past `d`; returns immediately if d <= 0.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by `d` and fires every waiter whose deadline is reached, in deadline order.
// Tickers fire once per elapsed interval; ticks that do not fit the channel buffer are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mux.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mux.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, waiter := range due {
			select {
			case waiter.channel <- target:
			default:
			}
		}
	}
}

// collectDue removes due one-shot waiters, reschedules due tickers and returns everything that must fire.
func (c *FakeClock) collectDue(target time.Time) []*fakeWaiter {
	c.mux.Lock()
	defer c.mux.Unlock()

	var due, pending []*fakeWaiter
	for _, waiter := range c.waiters {
		switch {
		case waiter.stopped: // Garbage collect.
		case !waiter.deadline.After(target):
			due = append(due, waiter)
		default:
			pending = append(pending, waiter)
		}
	}
	slices.SortStableFunc(due, func(a, b *fakeWaiter) int { return a.deadline.Compare(b.deadline) })
	for _, waiter := range due {
		if waiter.interval > 0 {
			waiter.deadline = waiter.deadline.Add(waiter.interval)
			pending = append(pending, waiter)
		}
	}
	c.waiters = pending
	return due
}

// WaitForTimers blocks until at least `n` waiters are pending. Call it before Advance so a goroutine that is about
// to Sleep or tick has registered its deadline; otherwise the advance could be missed.
func (c *FakeClock) WaitForTimers(n int) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of active waiters.
func (c *FakeClock) PendingCount() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped {
			count++
		}
	}
	return count
}
