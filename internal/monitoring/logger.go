// Package monitoring provides the repo-wide diagnostic logging hooks.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle suppresses repeats of a high-frequency warning, emitting only every
// Nth occurrence. Per-frame conditions (feature shortfall, solve failures) use
// this so a persistent condition does not flood the log at frame rate.
type Throttle struct {
	every int64
	count atomic.Int64
}

// NewThrottle returns a Throttle that passes one call in every n. n < 1 is
// treated as 1 (no suppression).
func NewThrottle(n int) *Throttle {
	if n < 1 {
		n = 1
	}
	return &Throttle{every: int64(n)}
}

// Logf logs via the package logger on the first call and every Nth call after.
// The total occurrence count is appended to the format arguments.
func (t *Throttle) Logf(format string, v ...interface{}) {
	n := t.count.Add(1)
	if (n-1)%t.every != 0 {
		return
	}
	Logf(format+" (occurrence %d)", append(v, n)...)
}

// Count returns the number of occurrences recorded so far.
func (t *Throttle) Count() int64 {
	return t.count.Load()
}
