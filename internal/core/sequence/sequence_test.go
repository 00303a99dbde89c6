package sequence

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestManual_RunsPostedTasksInOrder(t *testing.T) {
	m := NewManual(start)
	var got []int
	m.Post(func() {
		got = append(got, 1)
		m.Post(func() { got = append(got, 3) })
	})
	m.Post(func() { got = append(got, 2) })
	if len(got) != 0 {
		t.Fatal("tasks ran before RunUntilIdle")
	}
	m.RunUntilIdle()
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("order = %v", got)
	}
}

func TestManual_AdvanceFiresTimersInDueOrder(t *testing.T) {
	m := NewManual(start)
	var got []string
	var at []time.Duration
	record := func(name string) func() {
		return func() {
			got = append(got, name)
			at = append(at, m.Now().Sub(start))
		}
	}
	m.PostDelayed(3*time.Second, record("c"))
	m.PostDelayed(time.Second, record("a"))
	m.PostDelayed(time.Second, record("b"))
	stopped := m.PostDelayed(2*time.Second, record("x"))
	stopped.Stop()

	if d, ok := m.NextDelay(); !ok || d != time.Second {
		t.Fatalf("NextDelay = %s %v", d, ok)
	}

	m.Advance(2 * time.Second)
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("after 2s got %v", got)
	}
	if m.PendingTimers() != 1 {
		t.Errorf("pending timers = %d", m.PendingTimers())
	}

	m.Advance(time.Second)
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("after 3s got %v", got)
	}
	want := []time.Duration{time.Second, time.Second, 3 * time.Second}
	if !reflect.DeepEqual(at, want) {
		t.Errorf("clock at fire = %v, want %v", at, want)
	}
	if _, ok := m.NextDelay(); ok {
		t.Errorf("no timers should remain")
	}
}

func TestManual_TimerPostedDuringAdvance(t *testing.T) {
	m := NewManual(start)
	fired := 0
	m.PostDelayed(time.Second, func() {
		m.PostDelayed(time.Second, func() { fired++ })
	})
	m.Advance(2 * time.Second)
	if fired != 1 {
		t.Errorf("chained timer fired %d times", fired)
	}
}

func TestLoop_FIFOAndCall(t *testing.T) {
	l := NewLoop()
	l.Start()
	t.Cleanup(l.Stop)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	Call(l, func() {})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("ran %d tasks", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestLoop_PostDelayedAndStop(t *testing.T) {
	l := NewLoop()
	l.Start()
	t.Cleanup(l.Stop)

	fired := make(chan struct{}, 2)
	l.PostDelayed(10*time.Millisecond, func() { fired <- struct{}{} })
	cancelled := l.PostDelayed(10*time.Millisecond, func() { fired <- struct{}{} })
	cancelled.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("delayed task did not run")
	}
	select {
	case <-fired:
		t.Fatal("stopped timer ran")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoop_PostAfterStopIsDropped(t *testing.T) {
	l := NewLoop()
	l.Start()
	l.Stop()
	ran := false
	l.Post(func() { ran = true })
	if ran {
		t.Error("task ran after Stop")
	}
	l.Stop()
}
