package collab

import "time"

// windowLimiter admits up to max events per fixed window. It is owned by a
// single session and not safe for concurrent use.
type windowLimiter struct {
	max       int
	window    time.Duration
	count     int
	windowEnd time.Time
	now       func() time.Time
}

func newWindowLimiter(max int, window time.Duration, now func() time.Time) *windowLimiter {
	return &windowLimiter{max: max, window: window, now: now}
}

func (l *windowLimiter) Allow() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	now := l.now()
	if !now.Before(l.windowEnd) {
		l.count = 0
		l.windowEnd = now.Add(l.window)
	}
	if l.count >= l.max {
		return false
	}
	l.count++
	return true
}

// Remaining is how long until the current window ends.
func (l *windowLimiter) Remaining() time.Duration {
	if l == nil {
		return 0
	}
	if d := l.windowEnd.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}
