package sequence

import (
	"sync"
	"sync/atomic"
	"time"

	"liuproxy_resolver/internal/shared/logger"
)

// Loop is a Runner backed by one goroutine and an unbounded FIFO queue.
// Tasks may post further tasks without blocking.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

var _ Runner = (*Loop)(nil)

// NewLoop creates a Loop. Call Start to begin executing tasks.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop terminates the worker after the task currently running. Tasks still
// queued are dropped. Stop blocks until the worker has exited.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.stop)
	})
	<-l.done
}

func (l *Loop) Post(task func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) PostDelayed(delay time.Duration, task func()) Timer {
	if delay < 0 {
		delay = 0
	}
	lt := &loopTimer{}
	lt.timer = time.AfterFunc(delay, func() {
		l.Post(func() {
			if lt.stopped.Load() {
				return
			}
			task()
		})
	})
	return lt
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

func (l *Loop) run() {
	defer close(l.done)
	log := logger.WithComponent("Sequence")
	log.Debug().Msg("Task loop started.")

	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range tasks {
			select {
			case <-l.stop:
				log.Debug().Int("dropped", len(tasks)).Msg("Task loop stopped with tasks in flight.")
				return
			default:
			}
			task()
		}

		if len(tasks) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.stop:
			log.Debug().Msg("Task loop stopped.")
			return
		}
	}
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() {
	t.stopped.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}
