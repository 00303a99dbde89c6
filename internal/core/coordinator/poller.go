package coordinator

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/proxyconfig"
	"liuproxy_resolver/internal/core/sequence"
)

// scriptChangeFunc receives a poll result that differs from the baseline.
type scriptChangeFunc func(deciderErr error, script *pac.ScriptData, effective proxyconfig.Config)

// poller re-runs the decider in the background and reports when the
// outcome differs from the one the resolver was initialised with. It stops
// after reporting one change.
type poller struct {
	runner       sequence.Runner
	newDecider   pac.DeciderFactory
	policy       PollPolicy
	onChange     scriptChangeFunc
	log          zerolog.Logger
	config       proxyconfig.Config
	expectsBytes bool

	lastErr    error
	lastScript *pac.ScriptData
	lastPoll   time.Time

	nextDelay time.Duration
	nextMode  PollMode
	decider   pac.Decider
	timer     sequence.Timer
	stopped   bool
}

func newPoller(runner sequence.Runner, newDecider pac.DeciderFactory, policy PollPolicy, onChange scriptChangeFunc,
	log zerolog.Logger, config proxyconfig.Config, expectsBytes bool, initErr error, initScript *pac.ScriptData) *poller {
	if policy == nil {
		policy = DefaultPollPolicy{}
	}
	p := &poller{
		runner:       runner,
		newDecider:   newDecider,
		policy:       policy,
		onChange:     onChange,
		log:          log,
		config:       config,
		expectsBytes: expectsBytes,
		lastErr:      initErr,
		lastScript:   initScript,
		lastPoll:     runner.Now(),
	}
	p.nextDelay, p.nextMode = policy.NextDelay(initErr, -time.Second)
	p.tryToStartNextPoll(false)
	return p
}

// OnLazyPoll is called on network activity.
func (p *poller) OnLazyPoll() {
	p.tryToStartNextPoll(true)
}

func (p *poller) tryToStartNextPoll(triggeredByActivity bool) {
	if p.stopped {
		return
	}
	switch p.nextMode {
	case PollUseTimer:
		if !triggeredByActivity {
			p.log.Debug().Dur("delay", p.nextDelay).Msg("PAC poll scheduled.")
			p.timer = p.runner.PostDelayed(p.nextDelay, p.onTimer)
		}
	case PollStartAfterActivity:
		if triggeredByActivity && p.decider == nil && p.runner.Now().Sub(p.lastPoll) >= p.nextDelay {
			p.doPoll()
		}
	}
}

func (p *poller) onTimer() {
	p.timer = nil
	if !p.stopped {
		p.doPoll()
	}
}

func (p *poller) doPoll() {
	p.lastPoll = p.runner.Now()
	p.decider = p.newDecider()
	p.log.Debug().Str("config", p.config.String()).Msg("Polling PAC script.")
	st := p.decider.Start(p.config, 0, p.expectsBytes, p.onDeciderComplete)
	if !st.IsPending() {
		p.onDeciderComplete(st.Err())
	}
}

func (p *poller) onDeciderComplete(err error) {
	if p.stopped {
		return
	}
	script := p.decider.Script()
	if err != nil {
		script = nil
	}
	if p.hasScriptChanged(err, script) {
		effective := p.decider.EffectiveConfig()
		p.log.Info().AnErr("previous", p.lastErr).AnErr("current", err).
			Str("script", script.Fingerprint()).Msg("PAC script changed.")
		// The decider is kept so activity does not start another poll while
		// the notification is queued.
		p.runner.Post(func() {
			if !p.stopped {
				p.onChange(err, script, effective)
			}
		})
		return
	}

	p.decider = nil
	p.nextDelay, p.nextMode = p.policy.NextDelay(p.lastErr, p.nextDelay)
	p.tryToStartNextPoll(false)
}

func (p *poller) hasScriptChanged(err error, script *pac.ScriptData) bool {
	if !sameError(err, p.lastErr) {
		return true
	}
	if err != nil {
		return false
	}
	return !script.Equal(p.lastScript)
}

// Stop cancels the outstanding timer or decider and drops a queued change.
func (p *poller) Stop() {
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.decider != nil {
		p.decider.Cancel()
		p.decider = nil
	}
}

var pollErrorKinds = []error{
	pac.ErrNoPacSource,
	pac.ErrInvalidScript,
	pac.ErrFetchFailed,
	pac.ErrUnsupportedScript,
	pac.ErrScriptFailed,
	pac.ErrScriptTerminated,
}

// sameError compares by kind: two fetch failures with different messages
// are the same outcome.
func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	for _, kind := range pollErrorKinds {
		if errors.Is(a, kind) || errors.Is(b, kind) {
			return errors.Is(a, kind) && errors.Is(b, kind)
		}
	}
	return a.Error() == b.Error()
}
