// Package async carries the "finished now or finished later" contract shared by
// the resolver, decider, fetcher and coordinator.
package async

import "errors"

// ErrPending is returned by public entry points whose callback will fire later.
var ErrPending = errors.New("operation pending")

// Callback receives the final result of an operation that returned Pending.
type Callback func(err error)

// Status is the synchronous outcome of starting an asynchronous operation.
// Either the operation is done (Err holds its result, nil on success) or it
// is pending and the callback passed to it will run exactly once later.
type Status struct {
	pending bool
	err     error
}

// Done reports a synchronous completion.
func Done(err error) Status {
	return Status{err: err}
}

// Pending reports that the callback will be invoked later.
func Pending() Status {
	return Status{pending: true}
}

func (s Status) IsPending() bool { return s.pending }

// Err returns the synchronous result. It is ErrPending for a pending status.
func (s Status) Err() error {
	if s.pending {
		return ErrPending
	}
	return s.err
}

// FromError converts a public (error-returning) result back into a Status.
func FromError(err error) Status {
	if errors.Is(err, ErrPending) {
		return Pending()
	}
	return Done(err)
}
