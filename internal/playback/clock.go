package playback

import "time"

// Clock supplies time to the scheduler so ticks can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns time.Now.
func (RealClock) Now() time.Time {
	return time.Now()
}

// After returns time.After.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
