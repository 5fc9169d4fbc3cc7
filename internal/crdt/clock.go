// Package crdt provides the replicated primitives the tree document is
// built from: a hybrid logical clock, last-writer-wins maps and an
// ordered replicated sequence. Each type carries its own merge rules so
// that replicas converge without a central arbiter.
package crdt

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock. Timestamps are packed into an int64:
// the high 48 bits hold physical time in unix milliseconds, the low 16
// bits a logical counter that keeps stamps strictly increasing when the
// wall clock stalls or runs backwards.
type Clock struct {
	mu     sync.Mutex
	latest int64
}

const logicalMask = 0xFFFF

func NewClock() *Clock {
	return &Clock{}
}

// Now returns a timestamp strictly greater than every timestamp this
// clock has returned or observed before.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()
	oldPhys := c.latest >> 16
	oldLogical := c.latest & logicalMask

	var newPhys, newLogical int64
	if phys > oldPhys {
		newPhys = phys
		newLogical = 0
	} else {
		newPhys = oldPhys
		newLogical = oldLogical + 1
		if newLogical > logicalMask {
			// Counter exhausted within one millisecond; borrow into
			// the physical component.
			newPhys++
			newLogical = 0
		}
	}

	c.latest = newPhys<<16 | newLogical
	return c.latest
}

// Observe advances the clock past a timestamp received from a remote
// replica, so that local writes stay causally after everything already
// merged.
func (c *Clock) Observe(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.latest {
		c.latest = remote
	}
}
