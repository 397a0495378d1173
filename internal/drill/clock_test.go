package drill

import (
	"sync"
	"time"
)

// fakeClock is a manually advanced [Clock]. Ticks are delivered on
// unbuffered channels, so Advance returns only after the session actor has
// taken every tick that fell due.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{
		period:  d,
		next:    c.now.Add(d),
		c:       make(chan time.Time),
		stopped: make(chan struct{}),
	}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d, firing every tick and timer that falls
// due on the way in chronological order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var (
			ticker *fakeTicker
			timer  *fakeTimer
			at     = target
			found  bool
		)
		// Ticks win ties with timers.
		for _, t := range c.tickers {
			if !t.isStopped() && !t.next.After(at) && (!found || t.next.Before(at)) {
				ticker, at, found = t, t.next, true
			}
		}
		for _, t := range c.timers {
			if !t.fired && !t.stopped && !t.at.After(at) && (!found || t.at.Before(at)) {
				ticker, timer, at, found = nil, t, t.at, true
			}
		}
		if !found {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = at
		if ticker != nil {
			ticker.next = ticker.next.Add(ticker.period)
		} else {
			timer.fired = true
		}
		c.mu.Unlock()

		if ticker != nil {
			select {
			case ticker.c <- at:
			case <-ticker.stopped:
			}
		} else {
			timer.f()
		}
	}
}

// liveTickers counts tickers that were never stopped.
func (c *fakeClock) liveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.isStopped() {
			n++
		}
	}
	return n
}

// pendingTimers counts timers that neither fired nor were stopped.
func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type fakeTicker struct {
	period   time.Duration
	next     time.Time
	c        chan time.Time
	stopped  chan struct{}
	stopOnce sync.Once
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() { t.stopOnce.Do(func() { close(t.stopped) }) }

func (t *fakeTicker) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

type fakeTimer struct {
	clk     *fakeClock
	at      time.Time
	f       func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
