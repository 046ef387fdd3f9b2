package connection

import (
	"sync"
	"time"

	"github.com/hamzaKhattat/smdr-collector/internal/clock"
)

// Task names used by the Manager. At most one of each is pending.
const (
	taskReconnect = "reconnect"
	taskProbe     = "primary-probe"
	taskFlush     = "record-flush"
)

// Scheduler runs named one-shot tasks. Scheduling a name cancels the
// previous task of that name. Callbacks run holding lock, and a callback
// whose task was cancelled or replaced after its timer fired does nothing.
//
// All methods must be called with lock held.
type Scheduler struct {
	clock clock.Clock
	lock  sync.Locker
	tasks map[string]*scheduledTask
	gen   uint64
}

type scheduledTask struct {
	timer clock.Timer
	gen   uint64
}

func NewScheduler(c clock.Clock, lock sync.Locker) *Scheduler {
	return &Scheduler{
		clock: c,
		lock:  lock,
		tasks: make(map[string]*scheduledTask),
	}
}

// Schedule runs fn after d, replacing any pending task called name.
func (s *Scheduler) Schedule(name string, d time.Duration, fn func()) {
	s.Cancel(name)
	s.gen++
	gen := s.gen
	t := &scheduledTask{gen: gen}
	s.tasks[name] = t
	t.timer = s.clock.AfterFunc(d, func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		cur, ok := s.tasks[name]
		if !ok || cur.gen != gen {
			return
		}
		delete(s.tasks, name)
		fn()
	})
}

func (s *Scheduler) Cancel(name string) {
	if t, ok := s.tasks[name]; ok {
		t.timer.Stop()
		delete(s.tasks, name)
	}
}

func (s *Scheduler) CancelAll() {
	for name := range s.tasks {
		s.Cancel(name)
	}
}

func (s *Scheduler) Pending(name string) bool {
	_, ok := s.tasks[name]
	return ok
}
