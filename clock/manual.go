package clock

import (
	"sort"
	"sync"
	"time"
)

// A manually-advanced clock for tests.
type ManualClock struct {
	lock   sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	wasStopped := t.stopped
	t.stopped = true
	return !wasStopped
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (mc *ManualClock) CurrentTimeMs() uint64 {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return uint64(mc.now.UnixMilli())
}

func (mc *ManualClock) Now() time.Time {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.now
}

func (mc *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	t := &manualTimer{at: mc.now.Add(d), f: f}
	mc.timers = append(mc.timers, t)
	return t
}

// Advance moves the clock forward, firing due timers in order.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.lock.Lock()
	mc.now = mc.now.Add(d)
	due := make([]*manualTimer, 0)
	rest := mc.timers[:0]
	for _, t := range mc.timers {
		if !t.stopped && !t.at.After(mc.now) {
			due = append(due, t)
		} else if !t.stopped {
			rest = append(rest, t)
		}
	}
	mc.timers = rest
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	mc.lock.Unlock()

	for _, t := range due {
		t.f()
	}
}
