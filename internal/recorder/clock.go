package recorder

import (
	"sync"
	"time"
)

// TickerFunc starts a ticker and returns its channel and a stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// SessionClock counts whole seconds of active session time.
type SessionClock struct {
	mu        sync.Mutex
	elapsed   int
	running   bool
	stopCh    chan struct{}
	done      chan struct{}
	newTicker TickerFunc
}

// NewSessionClock creates a stopped clock at zero.
func NewSessionClock() *SessionClock {
	return &SessionClock{newTicker: systemTicker}
}

// NewSessionClockWithTicker creates a clock driven by a custom ticker, for tests.
func NewSessionClockWithTicker(fn TickerFunc) *SessionClock {
	return &SessionClock{newTicker: fn}
}

// Start begins ticking once per second. Starting a running clock is a no-op.
func (c *SessionClock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	ticks, stopTicker := c.newTicker(time.Second)
	go c.run(ticks, stopTicker, c.stopCh, c.done)
}

func (c *SessionClock) run(ticks <-chan time.Time, stopTicker func(), stopCh, done chan struct{}) {
	defer close(done)
	defer stopTicker()

	for {
		select {
		case <-stopCh:
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			c.mu.Lock()
			if c.running {
				c.elapsed++
			}
			c.mu.Unlock()
		}
	}
}

// Stop freezes the clock at its current value and waits for the tick loop to exit.
func (c *SessionClock) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh, done := c.stopCh, c.done
	c.mu.Unlock()

	close(stopCh)
	<-done
}

// Reset zeroes the elapsed count without changing the running state.
func (c *SessionClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsed = 0
}

// Elapsed returns whole seconds counted so far.
func (c *SessionClock) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Running reports whether the clock is ticking.
func (c *SessionClock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
