// Package clock abstracts time so TTL, pacing and backoff logic can be driven deterministically in tests.
// Production code receives Real(); tests receive Fake() and move time forward explicitly with Advance.
// Structs that read time keep a Clock field instead of calling time.Now, time.After, time.NewTicker or time.Sleep.

package clock

import "time"

// Clock is the time source injected into every component that reads or waits on time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once `d` elapsed. If d <= 0 it fires immediately.
	After(d time.Duration) <-chan time.Time
	// NewTicker returns a Ticker delivering ticks every `d`. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
	// Sleep blocks the calling goroutine for at least `d`.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer; ticks are read from C. The channel holds a single tick, slow consumers drop ticks.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{} // Implements Clock.

var _ Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
