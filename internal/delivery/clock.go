package delivery

import (
	"context"
	"time"
)

// Clock abstracts time for the grace window.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// DefaultGraceWindow is how long a page waits for in-flight sends before
// navigating away.
const DefaultGraceWindow = 1500 * time.Millisecond

// Grace blocks until done is closed, the window elapses, or ctx ends. It
// reports whether done closed in time.
func Grace(ctx context.Context, clock Clock, window time.Duration, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
	}
	if window <= 0 {
		return false
	}
	if clock == nil {
		clock = SystemClock{}
	}
	select {
	case <-done:
		return true
	case <-clock.After(window):
		return false
	case <-ctx.Done():
		return false
	}
}
