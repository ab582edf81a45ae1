package notification

import (
	"sync"
	"time"

	"github.com/chirp-im/go-chirp/clock"
	"github.com/chirp-im/go-chirp/config"
	"go.uber.org/zap"
)

// TaskManager tracks named deadline-bound tasks used to guarantee cleanup
// work survives process suspension. A task's expiry function runs when the
// deadline passes without an explicit Cancel.
type TaskManager struct {
	config *config.Config
	log    *zap.SugaredLogger
	clock  clock.Clock

	lock  sync.Mutex
	tasks map[string]clock.Timer
}

func NewTaskManager(c *config.Config, clk clock.Clock) *TaskManager {
	return &TaskManager{
		config: c,
		log:    c.Logger("notification/bgtask"),
		clock:  clk,
		tasks:  make(map[string]clock.Timer),
	}
}

// Start registers a task. Starting a name which is already running replaces
// it, discarding the old expiry.
func (tm *TaskManager) Start(name string, expiry func()) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	if t, ok := tm.tasks[name]; ok {
		t.Stop()
	}
	deadline := time.Duration(tm.config.TaskDeadlineMs) * time.Millisecond
	tm.tasks[name] = tm.clock.AfterFunc(deadline, func() {
		tm.log.Warnf("task %s hit its deadline", name)
		tm.lock.Lock()
		delete(tm.tasks, name)
		tm.lock.Unlock()
		expiry()
	})
}

// Cancel ends a task normally, dropping its expiry. Unknown names are
// ignored.
func (tm *TaskManager) Cancel(name string) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	if t, ok := tm.tasks[name]; ok {
		t.Stop()
		delete(tm.tasks, name)
	}
}

func (tm *TaskManager) Running(name string) bool {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	_, ok := tm.tasks[name]
	return ok
}

// Shutdown stops every task without running expiries.
func (tm *TaskManager) Shutdown() {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	for name, t := range tm.tasks {
		t.Stop()
		delete(tm.tasks, name)
	}
}
