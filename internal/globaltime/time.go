// Package globaltime is the process clock. Timestamps written to the store and token
// checks read it so tests can pin time.
package globaltime

import (
	"sync/atomic"
	"time"
)

var pinned atomic.Pointer[time.Time]

// UTC returns the current time in UTC, or the pinned instant.
func UTC() time.Time {
	if t := pinned.Load(); t != nil {
		return *t
	}
	return time.Now().UTC()
}

// Pin fixes the clock at t until the returned restore func runs. Tests that pin must
// not run in parallel with tests reading the clock.
func Pin(t time.Time) (restore func()) {
	at := t.UTC()
	previous := pinned.Swap(&at)
	return func() { pinned.Store(previous) }
}
