package coordinator

import "time"

// PollMode says how the poller waits for its next check.
type PollMode int

const (
	// PollUseTimer arms a timer for the delay.
	PollUseTimer PollMode = iota
	// PollStartAfterActivity waits for the next resolve after the delay has
	// elapsed.
	PollStartAfterActivity
)

func (m PollMode) String() string {
	if m == PollUseTimer {
		return "timer"
	}
	return "after_activity"
}

// PollPolicy decides how long the poller waits between checks. current is
// negative for the first poll after initialisation.
type PollPolicy interface {
	NextDelay(initErr error, current time.Duration) (time.Duration, PollMode)
}

// PollPolicyFunc adapts a function to PollPolicy.
type PollPolicyFunc func(initErr error, current time.Duration) (time.Duration, PollMode)

func (f PollPolicyFunc) NextDelay(initErr error, current time.Duration) (time.Duration, PollMode) {
	return f(initErr, current)
}

const (
	failureDelay1 = 8 * time.Second
	failureDelay2 = 32 * time.Second
	failureDelay3 = 2 * time.Minute
	failureDelay4 = 4 * time.Hour
	successDelay  = 12 * time.Hour
)

// DefaultPollPolicy retries failures quickly at first (8s, 32s, 2m) and then
// settles at 4h. Working scripts are re-checked every 12h.
type DefaultPollPolicy struct{}

func (DefaultPollPolicy) NextDelay(initErr error, current time.Duration) (time.Duration, PollMode) {
	if initErr == nil {
		return successDelay, PollStartAfterActivity
	}
	if current < 0 {
		return failureDelay1, PollUseTimer
	}
	switch current {
	case failureDelay1:
		return failureDelay2, PollStartAfterActivity
	case failureDelay2:
		return failureDelay3, PollStartAfterActivity
	default:
		return failureDelay4, PollStartAfterActivity
	}
}
