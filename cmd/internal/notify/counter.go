// Package notify owns the unread-notification counter and the transient
// alert surface fed by realtime events.
package notify

import (
	"errors"
	"sync"
)

// ErrNegativeCount is returned by SetAbsolute for n < 0.
var ErrNegativeCount = errors.New("notify: negative count")

// CountListener receives the new value after every change.
type CountListener func(n int)

// Counter is a non-negative unread counter. The zero value is ready to use.
type Counter struct {
	mu        sync.Mutex
	n         int
	listeners []CountListener
}

func NewCounter() *Counter { return &Counter{} }

// Increment adds one and returns the new value.
func (c *Counter) Increment() int {
	return c.set(func(n int) int { return n + 1 })
}

// Reset marks everything viewed.
func (c *Counter) Reset() {
	c.set(func(int) int { return 0 })
}

// SetAbsolute seeds the counter from an authoritative source.
func (c *Counter) SetAbsolute(n int) error {
	if n < 0 {
		return ErrNegativeCount
	}
	c.set(func(int) int { return n })
	return nil
}

func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Subscribe registers l; it is called with the lock released, in change order
// per goroutine.
func (c *Counter) Subscribe(l CountListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Counter) set(fn func(int) int) int {
	c.mu.Lock()
	prev := c.n
	c.n = fn(c.n)
	n := c.n
	ls := c.listeners
	c.mu.Unlock()

	if n != prev {
		for _, l := range ls {
			l(n)
		}
	}
	return n
}
