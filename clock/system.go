// A thin wrapper over the system clock which can be implemented for use in tests.
package clock

import "time"

type Clock interface {
	CurrentTimeMs() uint64
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer mirrors the part of time.Timer the notification code relies on.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

func (sc *systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
