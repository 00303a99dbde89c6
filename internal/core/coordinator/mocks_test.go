package coordinator

import (
	"net/url"
	"sort"
	"testing"
	"time"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/proxyconfig"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/core/sequence"
)

const (
	testScript  = `function FindProxyForURL(url, host) { return "PROXY p1:80; DIRECT"; }`
	otherScript = `function FindProxyForURL(url, host) { return "PROXY p2:80"; }`
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// --- config source ---

type mockSource struct {
	cfg          proxyconfig.Config
	availability proxyconfig.Availability
	observers    []proxyconfig.Observer
	lazyPolls    int
}

func (s *mockSource) GetLatestProxyConfig() (proxyconfig.Config, proxyconfig.Availability) {
	return s.cfg, s.availability
}

func (s *mockSource) AddObserver(o proxyconfig.Observer) { s.observers = append(s.observers, o) }

func (s *mockSource) RemoveObserver(o proxyconfig.Observer) {
	for i, existing := range s.observers {
		if existing == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *mockSource) OnLazyPoll() { s.lazyPolls++ }

func (s *mockSource) set(cfg proxyconfig.Config) {
	s.cfg = cfg
	s.availability = proxyconfig.AvailabilityValid
	for _, o := range s.observers {
		o.OnProxyConfigChanged(cfg, proxyconfig.AvailabilityValid)
	}
}

// --- resolver ---

type mockJob struct {
	id   pac.JobID
	url  *url.URL
	info *proxyinfo.Info
	cb   async.Callback
}

type mockResolver struct {
	expectsBytes bool

	nextJob   pac.JobID
	jobs      map[pac.JobID]*mockJob
	cancelled []pac.JobID

	// When set, GetProxyForURL answers synchronously with this PAC string.
	syncResult string

	// SetPacScript completes synchronously unless setScriptAsync is set.
	setScriptAsync     bool
	setScriptErr       error
	setScriptCb        async.Callback
	setScriptCalls     []*pac.ScriptData
	setScriptCancelled int
}

func newMockResolver() *mockResolver {
	return &mockResolver{expectsBytes: true, jobs: make(map[pac.JobID]*mockJob)}
}

func (r *mockResolver) GetProxyForURL(u *url.URL, info *proxyinfo.Info, cb async.Callback) (pac.JobID, async.Status) {
	if r.syncResult != "" {
		info.UsePACString(r.syncResult)
		return 0, async.Done(nil)
	}
	r.nextJob++
	r.jobs[r.nextJob] = &mockJob{id: r.nextJob, url: u, info: info, cb: cb}
	return r.nextJob, async.Pending()
}

func (r *mockResolver) CancelRequest(id pac.JobID) {
	delete(r.jobs, id)
	r.cancelled = append(r.cancelled, id)
}

func (r *mockResolver) SetPacScript(script *pac.ScriptData, cb async.Callback) async.Status {
	r.setScriptCalls = append(r.setScriptCalls, script)
	if r.setScriptAsync {
		r.setScriptCb = cb
		return async.Pending()
	}
	return async.Done(r.setScriptErr)
}

func (r *mockResolver) CancelSetPacScript() {
	r.setScriptCancelled++
	r.setScriptCb = nil
}

func (r *mockResolver) ExpectsPacBytes() bool { return r.expectsBytes }

// jobIDs returns the outstanding jobs in start order.
func (r *mockResolver) jobIDs() []pac.JobID {
	ids := make([]pac.JobID, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *mockResolver) completeJob(t *testing.T, id pac.JobID, pacString string, err error) {
	t.Helper()
	job, ok := r.jobs[id]
	if !ok {
		t.Fatalf("no outstanding resolver job %d", id)
	}
	delete(r.jobs, id)
	if err == nil {
		job.info.UsePACString(pacString)
	}
	job.cb(err)
}

// --- decider ---

type mockDecider struct {
	cfg          proxyconfig.Config
	waitDelay    time.Duration
	expectsBytes bool
	cb           async.Callback
	cancelled    bool

	effective proxyconfig.Config
	script    *pac.ScriptData
}

func (d *mockDecider) Start(cfg proxyconfig.Config, waitDelay time.Duration, expectsBytes bool, cb async.Callback) async.Status {
	d.cfg, d.waitDelay, d.expectsBytes, d.cb = cfg, waitDelay, expectsBytes, cb
	return async.Pending()
}

func (d *mockDecider) EffectiveConfig() proxyconfig.Config { return d.effective }
func (d *mockDecider) Script() *pac.ScriptData             { return d.script }
func (d *mockDecider) Cancel()                             { d.cancelled = true }

func (d *mockDecider) complete(t *testing.T, err error, script *pac.ScriptData, effective proxyconfig.Config) {
	t.Helper()
	if d.cancelled {
		t.Fatalf("completing a cancelled decider")
	}
	if d.cb == nil {
		t.Fatalf("decider was not started")
	}
	d.script, d.effective = script, effective
	cb := d.cb
	d.cb = nil
	cb(err)
}

type deciderControl struct {
	deciders []*mockDecider
}

func (c *deciderControl) factory() pac.Decider {
	d := &mockDecider{}
	c.deciders = append(c.deciders, d)
	return d
}

func (c *deciderControl) last(t *testing.T) *mockDecider {
	t.Helper()
	if len(c.deciders) == 0 {
		t.Fatalf("no decider was created")
	}
	return c.deciders[len(c.deciders)-1]
}

// --- delegate & events ---

type mockDelegate struct {
	resolved  int
	fallbacks []string
}

func (d *mockDelegate) OnResolveProxy(*url.URL, *proxyinfo.Info) { d.resolved++ }

func (d *mockDelegate) OnFallback(bad proxyinfo.Server, _ error) {
	d.fallbacks = append(d.fallbacks, bad.URI())
}

type recordingPolicy struct {
	calls []time.Duration
}

func (p *recordingPolicy) NextDelay(initErr error, current time.Duration) (time.Duration, PollMode) {
	p.calls = append(p.calls, current)
	return DefaultPollPolicy{}.NextDelay(initErr, current)
}

// --- harness ---

type harness struct {
	runner   *sequence.Manual
	source   *mockSource
	resolver *mockResolver
	deciders *deciderControl
	delegate *mockDelegate
	policy   *recordingPolicy
	events   []Event
	c        *Coordinator
}

func setupCoordinator(t *testing.T, cfg proxyconfig.Config, availability proxyconfig.Availability) *harness {
	t.Helper()
	h := &harness{
		runner:   sequence.NewManual(testStart),
		source:   &mockSource{cfg: cfg, availability: availability},
		resolver: newMockResolver(),
		deciders: &deciderControl{},
		delegate: &mockDelegate{},
		policy:   &recordingPolicy{},
	}
	h.c = New(h.runner, h.source, h.resolver, h.deciders.factory, Options{
		PollPolicy: h.policy,
		Delegate:   h.delegate,
		EventSink:  EventSinkFunc(func(ev Event) { h.events = append(h.events, ev) }),
	})
	return h
}

func mustRules(t *testing.T, rules string) proxyconfig.Config {
	t.Helper()
	cfg, err := proxyconfig.FromRulesString(rules, "")
	if err != nil {
		t.Fatalf("FromRulesString(%q): %v", rules, err)
	}
	return cfg
}

// callbackRecorder records completions so tests can assert at-most-once.
type callbackRecorder struct {
	calls []recordedCall
}

type recordedCall struct {
	tag string
	err error
}

func (r *callbackRecorder) cb(tag string) async.Callback {
	return func(err error) { r.calls = append(r.calls, recordedCall{tag: tag, err: err}) }
}

func (r *callbackRecorder) tags() []string {
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.tag)
	}
	return out
}
