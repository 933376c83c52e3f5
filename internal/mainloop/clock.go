package mainloop

import "sync/atomic"

// Clock counts deliveries. Each event the loop delivers is stamped with the
// next tick, logged as "seq", so one causal chain can be followed through
// the debug log without wall-clock time.
type Clock struct {
	ticks atomic.Int64
}

// Tick advances the clock and returns the new value.
func (c *Clock) Tick() int64 {
	return c.ticks.Add(1)
}

// Ticks returns the number of ticks so far.
func (c *Clock) Ticks() int64 {
	return c.ticks.Load()
}
