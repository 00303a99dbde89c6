// Package sequence provides the single-owner task runner that the coordinator,
// its init pipeline and its poller are driven from. Everything posted to one
// Runner executes in FIFO order and never concurrently, so the state those
// components own needs no locking.
package sequence

import "time"

// Timer is a cancellable delayed task.
type Timer interface {
	// Stop prevents the task from running if it has not started yet.
	Stop()
}

// Runner executes tasks one at a time in posting order.
type Runner interface {
	Post(task func())
	PostDelayed(delay time.Duration, task func()) Timer
	Now() time.Time
}

// Call posts fn to r and blocks until it has run. It must not be invoked from
// a task already running on r.
func Call(r Runner, fn func()) {
	done := make(chan struct{})
	r.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}
