package flow

import "time"

// Clock abstracts time for the engine. Every timeout and VisibleAfter
// comparison routes through this seam so tests can drive visibility windows
// deterministically.
type Clock interface {
	Now() time.Time
}

// systemClock is the default Clock backed by the wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock Clock used by default.
func SystemClock() Clock { return systemClock{} }
