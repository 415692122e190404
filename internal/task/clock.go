package task

import "time"

// Clock is a monotonic millisecond clock.
type Clock interface {
	NowMillis() uint64
}

// MonotonicClock counts milliseconds since it was created.
type MonotonicClock struct {
	boot time.Time
}

// NewMonotonicClock starts a clock at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{boot: time.Now()}
}

// NowMillis implements Clock.
func (c *MonotonicClock) NowMillis() uint64 {
	return uint64(time.Since(c.boot).Milliseconds())
}
