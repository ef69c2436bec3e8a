package chatcore

import "time"

type (
	// Clock abstracts time and timer creation so that timer-chained control
	// flow can be driven by virtual time in tests.
	Clock interface {
		Now() time.Time
		AfterFunc(d time.Duration, fn func()) Timer
	}

	// Timer is the handle returned by Clock.AfterFunc.
	Timer interface {
		Stop() bool
		Reset(d time.Duration) bool
	}
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) Stop() bool { return t.t.Stop() }

func (t systemTimer) Reset(d time.Duration) bool { return t.t.Reset(d) }

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock { return systemClock{} }
