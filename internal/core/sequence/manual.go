package sequence

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Runner with a virtual clock. Nothing runs until
// RunUntilIdle or Advance is called, and tasks run on the calling goroutine.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	queue   []func()
	timers  []*manualTimer
	nextSeq uint64
}

var _ Runner = (*Manual)(nil)

type manualTimer struct {
	due     time.Time
	seq     uint64
	task    func()
	stopped bool
}

func (t *manualTimer) Stop() { t.stopped = true }

// NewManual returns a Manual runner whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Post(task func()) {
	m.mu.Lock()
	m.queue = append(m.queue, task)
	m.mu.Unlock()
}

func (m *Manual) PostDelayed(delay time.Duration, task func()) Timer {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	t := &manualTimer{due: m.now.Add(delay), seq: m.nextSeq, task: task}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// RunUntilIdle runs queued tasks, including ones they post, until the queue
// is empty. Delayed tasks are not run.
func (m *Manual) RunUntilIdle() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		task := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		task()
	}
}

// Advance moves the clock forward by d, firing every delayed task that falls
// due on the way, in due order.
func (m *Manual) Advance(d time.Duration) {
	m.RunUntilIdle()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		t := m.popDueLocked(target)
		if t == nil {
			m.now = target
			m.mu.Unlock()
			break
		}
		if t.due.After(m.now) {
			m.now = t.due
		}
		m.mu.Unlock()

		t.task()
		m.RunUntilIdle()
	}
	m.RunUntilIdle()
}

// NextDelay reports how long until the earliest live delayed task is due.
func (m *Manual) NextDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sortTimersLocked()
	for _, t := range m.timers {
		if !t.stopped {
			return t.due.Sub(m.now), true
		}
	}
	return 0, false
}

// PendingTimers counts delayed tasks that have been neither run nor stopped.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (m *Manual) popDueLocked(target time.Time) *manualTimer {
	m.sortTimersLocked()
	for i, t := range m.timers {
		if t.stopped {
			continue
		}
		if t.due.After(target) {
			return nil
		}
		m.timers = append(m.timers[:i:i], m.timers[i+1:]...)
		return t
	}
	return nil
}

func (m *Manual) sortTimersLocked() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].due.Equal(m.timers[j].due) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].due.Before(m.timers[j].due)
	})
}
