package coordinator

import (
	"fmt"
	"time"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/proxyconfig"
)

type pipelineState int

const (
	pipelineNone pipelineState = iota
	pipelineDecideScript
	pipelineDecideScriptComplete
	pipelineSetScript
	pipelineSetScriptComplete
)

// initPipeline decides a PAC script and loads it into the resolver. It is
// single use. Cancel must be called if it is dropped before completing.
type initPipeline struct {
	resolver pac.Resolver
	decider  pac.Decider

	config    proxyconfig.Config
	waitDelay time.Duration
	cb        async.Callback

	next      pipelineState
	completed bool

	effective proxyconfig.Config
	script    *pac.ScriptData
}

func newInitPipeline() *initPipeline {
	return &initPipeline{}
}

// Start runs the decider on config, then sets the script it picked.
func (p *initPipeline) Start(resolver pac.Resolver, newDecider pac.DeciderFactory, config proxyconfig.Config, waitDelay time.Duration, cb async.Callback) async.Status {
	if p.next != pipelineNone || p.completed {
		panic("coordinator: init pipeline started twice")
	}
	p.resolver = resolver
	p.decider = newDecider()
	p.config = config
	p.waitDelay = waitDelay
	p.cb = cb
	p.next = pipelineDecideScript
	return p.finish(p.doLoop(nil))
}

// StartSkipDecider loads a script that was decided elsewhere (by the poller).
// A non-nil deciderErr is returned as the result straight away.
func (p *initPipeline) StartSkipDecider(resolver pac.Resolver, effective proxyconfig.Config, deciderErr error, script *pac.ScriptData, cb async.Callback) async.Status {
	if p.next != pipelineNone || p.completed {
		panic("coordinator: init pipeline started twice")
	}
	p.resolver = resolver
	p.effective = effective
	p.script = script
	p.cb = cb
	if deciderErr != nil {
		p.completed = true
		return async.Done(deciderErr)
	}
	p.next = pipelineSetScript
	return p.finish(p.doLoop(nil))
}

func (p *initPipeline) finish(st async.Status) async.Status {
	if !st.IsPending() {
		p.completed = true
	}
	return st
}

// doLoop advances through the states until one goes pending or the last
// one is done.
func (p *initPipeline) doLoop(err error) async.Status {
	st := async.Done(err)
	for {
		state := p.next
		p.next = pipelineNone
		switch state {
		case pipelineDecideScript:
			st = p.doDecideScript()
		case pipelineDecideScriptComplete:
			st = p.doDecideScriptComplete(st.Err())
		case pipelineSetScript:
			st = p.doSetScript()
		case pipelineSetScriptComplete:
			st = async.Done(st.Err())
		default:
			return async.Done(fmt.Errorf("coordinator: init pipeline in state %d", state))
		}
		if st.IsPending() || p.next == pipelineNone {
			return st
		}
	}
}

func (p *initPipeline) doDecideScript() async.Status {
	p.next = pipelineDecideScriptComplete
	return p.decider.Start(p.config, p.waitDelay, p.resolver.ExpectsPacBytes(), p.onIOComplete)
}

func (p *initPipeline) doDecideScriptComplete(err error) async.Status {
	if err != nil {
		return async.Done(err)
	}
	p.effective = p.decider.EffectiveConfig()
	p.script = p.decider.Script()
	p.next = pipelineSetScript
	return async.Done(nil)
}

func (p *initPipeline) doSetScript() async.Status {
	p.next = pipelineSetScriptComplete
	return p.resolver.SetPacScript(p.script, p.onIOComplete)
}

func (p *initPipeline) onIOComplete(err error) {
	st := p.doLoop(err)
	if st.IsPending() {
		return
	}
	p.completed = true
	if cb := p.cb; cb != nil {
		p.cb = nil
		cb(st.Err())
	}
}

// Cancel stops the phase in flight. The callback will not run.
func (p *initPipeline) Cancel() {
	switch p.next {
	case pipelineSetScriptComplete:
		p.resolver.CancelSetPacScript()
	case pipelineDecideScriptComplete:
		p.decider.Cancel()
	}
	p.next = pipelineNone
	p.cb = nil
}

// EffectiveConfig is the config the decider settled on. Calling it before
// the pipeline completed is a programming error.
func (p *initPipeline) EffectiveConfig() proxyconfig.Config {
	if !p.completed {
		panic("coordinator: EffectiveConfig called before the init pipeline completed")
	}
	return p.effective
}

// Script is the decided script, nil when deciding failed.
func (p *initPipeline) Script() *pac.ScriptData {
	if !p.completed {
		panic("coordinator: Script called before the init pipeline completed")
	}
	return p.script
}
