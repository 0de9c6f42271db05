package service

import (
	"sync/atomic"
	"time"
)

// ActivityClock records the latest client activity. Touch may be called from
// any goroutine; the recorded time never moves backwards.
type ActivityClock struct {
	base time.Time
	last atomic.Int64 // nanoseconds since base, monotonic
}

func NewActivityClock(now time.Time) *ActivityClock {
	return &ActivityClock{base: now}
}

// Touch records activity at now, unless a later time is already recorded.
func (c *ActivityClock) Touch(now time.Time) {
	d := int64(now.Sub(c.base))
	for {
		cur := c.last.Load()
		if d <= cur {
			return
		}
		if c.last.CompareAndSwap(cur, d) {
			return
		}
	}
}

// Last returns the most recent activity time.
func (c *ActivityClock) Last() time.Time {
	return c.base.Add(time.Duration(c.last.Load()))
}

// IdleFor reports how long ago the last activity was.
func (c *ActivityClock) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.Last())
}
