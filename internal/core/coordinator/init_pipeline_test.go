package coordinator

import (
	"errors"
	"testing"
	"time"

	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/proxyconfig"
)

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestInitPipeline_AccessorsPanicBeforeCompletion(t *testing.T) {
	p := newInitPipeline()
	ctrl := &deciderControl{}
	st := p.Start(newMockResolver(), ctrl.factory, proxyconfig.AutoDetect(), 0, func(error) {})
	if !st.IsPending() {
		t.Fatalf("expected pending while deciding")
	}
	mustPanic(t, "EffectiveConfig", func() { p.EffectiveConfig() })
	mustPanic(t, "Script", func() { p.Script() })
	p.Cancel()
}

func TestInitPipeline_DecideThenSetScript(t *testing.T) {
	resolver := newMockResolver()
	resolver.setScriptAsync = true
	ctrl := &deciderControl{}
	var results []error
	p := newInitPipeline()

	st := p.Start(resolver, ctrl.factory, proxyconfig.AutoDetect(), 3*time.Second, func(err error) { results = append(results, err) })
	if !st.IsPending() {
		t.Fatalf("expected pending")
	}
	d := ctrl.last(t)
	if d.waitDelay != 3*time.Second || !d.expectsBytes {
		t.Errorf("decider started with wait=%s expectsBytes=%v", d.waitDelay, d.expectsBytes)
	}

	script := pac.FromText(testScript)
	d.complete(t, nil, script, proxyconfig.AutoDetect())
	if len(resolver.setScriptCalls) != 1 || !resolver.setScriptCalls[0].Equal(script) {
		t.Fatalf("resolver did not receive the decided script")
	}
	if len(results) != 0 {
		t.Fatalf("completed before SetPacScript finished")
	}

	resolver.setScriptCb(nil)
	if len(results) != 1 || results[0] != nil {
		t.Fatalf("results = %v", results)
	}
	if !p.EffectiveConfig().AutoDetect || !p.Script().Equal(script) {
		t.Errorf("effective=%s script=%s", p.EffectiveConfig(), p.Script().Fingerprint())
	}
}

func TestInitPipeline_DecideFailureSkipsSetScript(t *testing.T) {
	resolver := newMockResolver()
	ctrl := &deciderControl{}
	var got error
	p := newInitPipeline()
	p.Start(resolver, ctrl.factory, proxyconfig.AutoDetect(), 0, func(err error) { got = err })

	ctrl.last(t).complete(t, pac.ErrNoPacSource, nil, proxyconfig.Config{})
	if !errors.Is(got, pac.ErrNoPacSource) {
		t.Fatalf("err = %v", got)
	}
	if len(resolver.setScriptCalls) != 0 {
		t.Errorf("SetPacScript should not run after a failed decide")
	}
	if p.Script() != nil {
		t.Errorf("script should be nil")
	}
}

func TestInitPipeline_StartSkipDecider(t *testing.T) {
	resolver := newMockResolver()

	p := newInitPipeline()
	st := p.StartSkipDecider(resolver, proxyconfig.AutoDetect(), pac.ErrFetchFailed, nil, func(error) {
		t.Errorf("callback must not run for a synchronous result")
	})
	if st.IsPending() || !errors.Is(st.Err(), pac.ErrFetchFailed) {
		t.Fatalf("status = %v", st)
	}
	if len(resolver.setScriptCalls) != 0 {
		t.Errorf("SetPacScript should not run")
	}

	p = newInitPipeline()
	script := pac.FromText(otherScript)
	st = p.StartSkipDecider(resolver, proxyconfig.FromPacURL("http://pac.example/proxy.pac"), nil, script, nil)
	if st.IsPending() || st.Err() != nil {
		t.Fatalf("status = %v", st)
	}
	if p.EffectiveConfig().PacURL != "http://pac.example/proxy.pac" {
		t.Errorf("effective = %s", p.EffectiveConfig())
	}
}

func TestInitPipeline_CancelDuringSetScript(t *testing.T) {
	resolver := newMockResolver()
	resolver.setScriptAsync = true
	ctrl := &deciderControl{}
	called := false
	p := newInitPipeline()
	p.Start(resolver, ctrl.factory, proxyconfig.AutoDetect(), 0, func(error) { called = true })
	ctrl.last(t).complete(t, nil, pac.FromText(testScript), proxyconfig.AutoDetect())

	p.Cancel()
	if resolver.setScriptCancelled != 1 {
		t.Errorf("CancelSetPacScript calls = %d", resolver.setScriptCancelled)
	}
	if ctrl.last(t).cancelled {
		t.Errorf("decider already finished and should not be cancelled")
	}
	if called {
		t.Errorf("callback ran after Cancel")
	}
}

func TestInitPipeline_CancelDuringDecide(t *testing.T) {
	resolver := newMockResolver()
	ctrl := &deciderControl{}
	p := newInitPipeline()
	p.Start(resolver, ctrl.factory, proxyconfig.AutoDetect(), 0, func(error) {
		t.Errorf("callback ran after Cancel")
	})
	p.Cancel()
	if !ctrl.last(t).cancelled {
		t.Errorf("decider not cancelled")
	}
	if resolver.setScriptCancelled != 0 {
		t.Errorf("CancelSetPacScript should not be called")
	}
}

func TestInitPipeline_StartTwicePanics(t *testing.T) {
	p := newInitPipeline()
	ctrl := &deciderControl{}
	p.Start(newMockResolver(), ctrl.factory, proxyconfig.AutoDetect(), 0, func(error) {})
	mustPanic(t, "second Start", func() {
		p.Start(newMockResolver(), ctrl.factory, proxyconfig.AutoDetect(), 0, func(error) {})
	})
}
