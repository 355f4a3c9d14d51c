package consensus

import "time"

// SlotClock maps wall-clock time to slots.
type SlotClock struct {
	Genesis  time.Time
	Duration time.Duration
}

// SlotAt returns the slot containing t. Times before genesis map to slot 0.
func (c SlotClock) SlotAt(t time.Time) uint64 {
	if c.Duration <= 0 || !t.After(c.Genesis) {
		return 0
	}
	return uint64(t.Sub(c.Genesis) / c.Duration)
}

// Start returns the first instant of slot.
func (c SlotClock) Start(slot uint64) time.Time {
	return c.Genesis.Add(time.Duration(slot) * c.Duration)
}

// StartMillis returns Start(slot) in unix milliseconds.
func (c SlotClock) StartMillis(slot uint64) int64 {
	return c.Start(slot).UnixMilli()
}

// UntilNext returns how long until the slot after the one containing now.
func (c SlotClock) UntilNext(now time.Time) time.Duration {
	next := c.Start(c.SlotAt(now) + 1)
	if d := next.Sub(now); d > 0 {
		return d
	}
	return c.Duration
}
