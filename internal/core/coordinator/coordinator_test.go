package coordinator

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/proxyconfig"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/core/retry"
)

// readyWithPAC drives an auto-detect coordinator to READY with testScript.
func readyWithPAC(t *testing.T, h *harness) {
	t.Helper()
	var info proxyinfo.Info
	rec := &callbackRecorder{}
	id, err := h.c.Resolve("http://warmup.example/", &info, rec.cb("warmup"))
	if !errors.Is(err, async.ErrPending) {
		t.Fatalf("warmup Resolve = %v, want pending", err)
	}
	h.deciders.last(t).complete(t, nil, pac.FromText(testScript), proxyconfig.AutoDetect())
	if h.c.State() != StateReady {
		t.Fatalf("state = %s, want ready", h.c.State())
	}
	jobs := h.resolver.jobIDs()
	if len(jobs) != 1 {
		t.Fatalf("expected one resolver job, got %d", len(jobs))
	}
	h.resolver.completeJob(t, jobs[0], "PROXY p1:80; DIRECT", nil)
	if len(rec.calls) != 1 || id == 0 {
		t.Fatalf("warmup callback calls = %d", len(rec.calls))
	}
}

func TestResolve_ManualConfigCompletesSynchronously(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80"), proxyconfig.AvailabilityValid)

	var info proxyinfo.Info
	rec := &callbackRecorder{}
	id, err := h.c.Resolve("http://user:pw@www.example.com/path#frag", &info, rec.cb("r"))
	if err != nil {
		t.Fatalf("Resolve returned %v, want nil", err)
	}
	if id != 0 {
		t.Errorf("synchronous resolve should not hand out a request id, got %d", id)
	}
	if info.PACString() != "PROXY p1:80" {
		t.Errorf("result = %q, want PROXY p1:80", info.PACString())
	}
	if info.ConfigID != 1 || info.DidUsePAC {
		t.Errorf("config_id=%d did_use_pac=%v", info.ConfigID, info.DidUsePAC)
	}
	h.runner.RunUntilIdle()
	if len(rec.calls) != 0 {
		t.Errorf("callback must not run for a synchronous answer")
	}
	if h.c.State() != StateReady || h.c.PendingCount() != 0 {
		t.Errorf("state=%s pending=%d", h.c.State(), h.c.PendingCount())
	}
	if h.source.lazyPolls == 0 {
		t.Errorf("config source was not told about the resolve")
	}
	if h.delegate.resolved != 1 {
		t.Errorf("delegate saw %d resolutions, want 1", h.delegate.resolved)
	}
}

func TestResolve_AutoDetectQueuesUntilScriptIsReady(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)

	var info proxyinfo.Info
	rec := &callbackRecorder{}
	id, err := h.c.Resolve("http://www.example.com/", &info, rec.cb("r"))
	if !errors.Is(err, async.ErrPending) {
		t.Fatalf("Resolve = %v, want ErrPending", err)
	}
	if id == 0 {
		t.Fatalf("pending resolve should return a request id")
	}
	if h.c.State() != StateWaitingForResolverInit {
		t.Fatalf("state = %s", h.c.State())
	}

	d := h.deciders.last(t)
	if d.waitDelay != 0 || !d.expectsBytes || !d.cfg.AutoDetect {
		t.Errorf("decider started with wait=%s expects=%v cfg=%s", d.waitDelay, d.expectsBytes, d.cfg)
	}
	d.complete(t, nil, pac.FromText(testScript), proxyconfig.AutoDetect())

	if len(h.resolver.setScriptCalls) != 1 || h.resolver.setScriptCalls[0].Text() != testScript {
		t.Fatalf("resolver did not receive the decided script")
	}
	jobs := h.resolver.jobIDs()
	if len(jobs) != 1 {
		t.Fatalf("queued request was not submitted, jobs=%v", jobs)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("callback ran before the resolver answered")
	}

	h.resolver.completeJob(t, jobs[0], "PROXY p1:80; DIRECT", nil)
	if len(rec.calls) != 1 || rec.calls[0].err != nil {
		t.Fatalf("callbacks = %+v", rec.calls)
	}
	if got := info.Server().HostPort(); got != "p1:80" {
		t.Errorf("proxy = %s, want p1:80", got)
	}
	if !info.DidUsePAC || info.ConfigID != 1 {
		t.Errorf("did_use_pac=%v config_id=%d", info.DidUsePAC, info.ConfigID)
	}
	eff := h.c.EffectiveConfig()
	if !eff.AutoDetect || eff.ID != 1 || eff.Source != proxyconfig.OriginUnknown {
		t.Errorf("effective config = %s", eff)
	}
}

func TestResolve_QueuedRequestsReleaseInOrder(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.Config{}, proxyconfig.AvailabilityPending)

	rec := &callbackRecorder{}
	infos := make([]proxyinfo.Info, 4)
	tags := []string{"a", "b", "c", "d"}
	for i, tag := range tags {
		if _, err := h.c.Resolve("http://host-"+tag+".example/", &infos[i], rec.cb(tag)); !errors.Is(err, async.ErrPending) {
			t.Fatalf("Resolve(%s) = %v", tag, err)
		}
	}
	if h.c.State() != StateWaitingForConfig {
		t.Fatalf("state = %s, want waiting_for_config", h.c.State())
	}

	h.source.set(mustRules(t, "p9:3128"))

	if !reflect.DeepEqual(rec.tags(), tags) {
		t.Fatalf("completion order = %v, want %v", rec.tags(), tags)
	}
	for i := range infos {
		if infos[i].PACString() != "PROXY p9:3128" {
			t.Errorf("request %d result = %q", i, infos[i].PACString())
		}
	}
	if h.c.PendingCount() != 0 {
		t.Errorf("pending = %d", h.c.PendingCount())
	}
}

func TestResolve_QueuedRequestsReleaseInOrderThroughResolver(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)
	rec := &callbackRecorder{}
	infos := make([]proxyinfo.Info, 3)
	for i, tag := range []string{"a", "b", "c"} {
		h.c.Resolve("http://"+tag+".example/", &infos[i], rec.cb(tag))
	}
	h.deciders.last(t).complete(t, nil, pac.FromText(testScript), proxyconfig.AutoDetect())

	jobs := h.resolver.jobIDs()
	if len(jobs) != 3 {
		t.Fatalf("jobs = %v", jobs)
	}
	for i, id := range jobs {
		if want := []string{"a", "b", "c"}[i]; h.resolver.jobs[id].url.Host != want+".example" {
			t.Errorf("job %d is for %s, want %s.example", id, h.resolver.jobs[id].url.Host, want)
		}
	}
}

func TestCancel_QueuedRequestNeverCallsBack(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.Config{}, proxyconfig.AvailabilityPending)
	rec := &callbackRecorder{}
	var a, b proxyinfo.Info
	idA, _ := h.c.Resolve("http://a.example/", &a, rec.cb("a"))
	h.c.Resolve("http://b.example/", &b, rec.cb("b"))

	h.c.Cancel(idA)
	h.c.Cancel(idA) // no-op
	h.source.set(mustRules(t, "p1:80"))

	if !reflect.DeepEqual(rec.tags(), []string{"b"}) {
		t.Errorf("callbacks = %v, want [b]", rec.tags())
	}
}

func TestCancel_StartedRequestCancelsResolverJob(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)
	readyWithPAC(t, h)

	rec := &callbackRecorder{}
	var info proxyinfo.Info
	id, err := h.c.Resolve("http://www.example.com/", &info, rec.cb("r"))
	if !errors.Is(err, async.ErrPending) {
		t.Fatalf("Resolve = %v", err)
	}
	jobs := h.resolver.jobIDs()
	h.c.Cancel(id)
	if len(h.resolver.cancelled) != 1 || h.resolver.cancelled[0] != jobs[0] {
		t.Errorf("cancelled jobs = %v, want %v", h.resolver.cancelled, jobs)
	}
	if h.c.PendingCount() != 0 || len(rec.calls) != 0 {
		t.Errorf("pending=%d calls=%d", h.c.PendingCount(), len(rec.calls))
	}
}

func TestResolve_ResolverFailureFallsBackToDirect(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)
	readyWithPAC(t, h)

	rec := &callbackRecorder{}
	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, rec.cb("r"))
	h.resolver.completeJob(t, h.resolver.jobIDs()[0], "", pac.ErrScriptFailed)

	if len(rec.calls) != 1 || rec.calls[0].err != nil {
		t.Fatalf("callbacks = %+v, want one nil result", rec.calls)
	}
	if !info.IsDirect() {
		t.Errorf("result = %q, want DIRECT", info.PACString())
	}
}

func TestResolve_MandatoryResolverFailureSurfaces(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect().WithMandatory(true), proxyconfig.AvailabilityValid)

	rec := &callbackRecorder{}
	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, rec.cb("r"))
	h.deciders.last(t).complete(t, nil, pac.FromText(testScript), proxyconfig.AutoDetect().WithMandatory(true))
	h.resolver.completeJob(t, h.resolver.jobIDs()[0], "", pac.ErrScriptFailed)

	if len(rec.calls) != 1 {
		t.Fatalf("callbacks = %d", len(rec.calls))
	}
	err := rec.calls[0].err
	if !errors.Is(err, ErrMandatoryConfigFailed) || !errors.Is(err, pac.ErrScriptFailed) {
		t.Errorf("err = %v, want mandatory failure wrapping script failure", err)
	}
}

func TestInitFailure_NonMandatoryFallsBackToManualRules(t *testing.T) {
	cfg := mustRules(t, "p2:8080")
	cfg.AutoDetect = true
	h := setupCoordinator(t, cfg, proxyconfig.AvailabilityValid)

	rec := &callbackRecorder{}
	var info proxyinfo.Info
	if _, err := h.c.Resolve("http://www.example.com/", &info, rec.cb("r")); !errors.Is(err, async.ErrPending) {
		t.Fatalf("Resolve = %v", err)
	}
	h.deciders.last(t).complete(t, pac.ErrFetchFailed, nil, proxyconfig.Config{})

	if len(rec.calls) != 1 || rec.calls[0].err != nil {
		t.Fatalf("callbacks = %+v", rec.calls)
	}
	if info.PACString() != "PROXY p2:8080" || info.DidUsePAC {
		t.Errorf("result = %q did_use_pac=%v", info.PACString(), info.DidUsePAC)
	}
	if h.c.EffectiveConfig().HasAutomaticSettings() {
		t.Errorf("effective config should have dropped automatic settings: %s", h.c.EffectiveConfig())
	}
	if len(h.resolver.setScriptCalls) != 0 {
		t.Errorf("resolver must not be given a script when deciding failed")
	}

	// Later requests are answered synchronously.
	var again proxyinfo.Info
	if _, err := h.c.Resolve("http://other.example/", &again, rec.cb("again")); err != nil {
		t.Errorf("second Resolve = %v, want synchronous success", err)
	}
}

func TestInitFailure_MandatoryBlocksTraffic(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.FromPacURL("http://corp/proxy.pac").WithMandatory(true), proxyconfig.AvailabilityValid)

	rec := &callbackRecorder{}
	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, rec.cb("r"))
	h.deciders.last(t).complete(t, pac.ErrFetchFailed, nil, proxyconfig.Config{})

	if len(rec.calls) != 1 || !errors.Is(rec.calls[0].err, ErrMandatoryConfigFailed) || !errors.Is(rec.calls[0].err, pac.ErrFetchFailed) {
		t.Fatalf("callbacks = %+v", rec.calls)
	}

	var again proxyinfo.Info
	_, err := h.c.Resolve("http://other.example/", &again, rec.cb("again"))
	if !errors.Is(err, ErrMandatoryConfigFailed) {
		t.Errorf("second Resolve = %v, want synchronous mandatory failure", err)
	}
	if errors.Is(h.c.PermanentError(), async.ErrPending) || h.c.PermanentError() == nil {
		t.Errorf("permanent error = %v", h.c.PermanentError())
	}
}

func TestResolve_SynchronousResolverAnswer(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)
	readyWithPAC(t, h)
	h.resolver.syncResult = "PROXY fast:3128"

	rec := &callbackRecorder{}
	var info proxyinfo.Info
	id, err := h.c.Resolve("http://www.example.com/", &info, rec.cb("r"))
	if err != nil || id != 0 {
		t.Fatalf("Resolve = (%d, %v), want synchronous success", id, err)
	}
	if info.PACString() != "PROXY fast:3128" || !info.DidUsePAC {
		t.Errorf("result = %q did_use_pac=%v", info.PACString(), info.DidUsePAC)
	}
	if len(rec.calls) != 0 || h.c.PendingCount() != 0 {
		t.Errorf("calls=%d pending=%d", len(rec.calls), h.c.PendingCount())
	}
}

func TestResolve_UnsetConfigMeansDirect(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.Config{}, proxyconfig.AvailabilityUnset)
	var info proxyinfo.Info
	if _, err := h.c.Resolve("https://www.example.com/", &info, func(error) {}); err != nil {
		t.Fatalf("Resolve = %v", err)
	}
	if !info.IsDirect() {
		t.Errorf("result = %q, want DIRECT", info.PACString())
	}
}

func TestResolve_InvalidURL(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80"), proxyconfig.AvailabilityValid)
	var info proxyinfo.Info
	if _, err := h.c.Resolve("not a url", &info, func(error) {}); err == nil {
		t.Errorf("expected error for a url without scheme and host")
	}
}

func TestReconsider_StaleConfigIDReResolvesAndClearsRegistry(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80,p2:80"), proxyconfig.AvailabilityValid)

	var stale proxyinfo.Info
	if _, err := h.c.Resolve("http://www.example.com/", &stale, nil); err != nil {
		t.Fatalf("Resolve = %v", err)
	}
	if stale.ConfigID != 1 {
		t.Fatalf("config id = %d", stale.ConfigID)
	}

	h.c.ForceReloadConfig()
	if h.c.EffectiveConfig().ID != 2 {
		t.Fatalf("effective id after reload = %d, want 2", h.c.EffectiveConfig().ID)
	}

	var fresh proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &fresh, nil)
	h.c.MarkProxiesAsBad(&fresh, time.Hour)
	if len(h.c.RetryInfo()) != 1 {
		t.Fatalf("registry = %v", h.c.RetryInfo())
	}

	_, err := h.c.ReconsiderProxyAfterError("http://www.example.com/", errors.New("refused"), &stale, nil)
	if err != nil {
		t.Fatalf("Reconsider = %v", err)
	}
	if len(h.c.RetryInfo()) != 0 {
		t.Errorf("registry should be cleared, got %v", h.c.RetryInfo())
	}
	if stale.ConfigID != 2 || stale.PACString() != "PROXY p1:80; PROXY p2:80" {
		t.Errorf("re-resolved result id=%d pac=%q", stale.ConfigID, stale.PACString())
	}
}

func TestReconsider_StaleResultDropsPACFlags(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80"), proxyconfig.AvailabilityValid)
	var first proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &first, nil)

	// A result from an earlier PAC-based config, reused by the caller.
	var info proxyinfo.Info
	info.UsePACString("PROXY pac:80")
	info.DidUsePAC = true
	info.ResolveStart = testStart.Add(-time.Hour)
	info.ResolveEnd = testStart.Add(-time.Hour)
	h.runner.Advance(time.Second)

	if _, err := h.c.ReconsiderProxyAfterError("http://www.example.com/", errors.New("refused"), &info, nil); err != nil {
		t.Fatalf("Reconsider = %v", err)
	}
	if info.DidUsePAC {
		t.Errorf("manual re-resolve kept DidUsePAC")
	}
	if info.PACString() != "PROXY p1:80" || info.ConfigID != 1 {
		t.Errorf("result = %q id=%d", info.PACString(), info.ConfigID)
	}
	now := h.runner.Now()
	if !info.ResolveStart.Equal(now) || !info.ResolveEnd.Equal(now) {
		t.Errorf("resolve times = %s..%s, want %s", info.ResolveStart, info.ResolveEnd, now)
	}
}

func TestReconsider_FallsBackThenRunsOut(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80,p2:80"), proxyconfig.AvailabilityValid)

	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, nil)

	if _, err := h.c.ReconsiderProxyAfterError("http://www.example.com/", errors.New("refused"), &info, nil); err != nil {
		t.Fatalf("first fallback = %v", err)
	}
	if info.Server().HostPort() != "p2:80" {
		t.Errorf("after fallback proxy = %s", info.Server())
	}
	_, err := h.c.ReconsiderProxyAfterError("http://www.example.com/", errors.New("refused"), &info, nil)
	if !errors.Is(err, ErrNoMoreProxies) {
		t.Errorf("second fallback = %v, want ErrNoMoreProxies", err)
	}

	// The bad proxies stay local to the result until reported.
	if len(h.c.RetryInfo()) != 0 {
		t.Errorf("registry should be untouched, got %v", h.c.RetryInfo())
	}
	if len(info.RetryInfo()) != 2 {
		t.Errorf("result retry info = %v", info.RetryInfo())
	}
}

func TestMarkProxiesAsBad_DeprioritisesUntilExpiry(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80,p2:80"), proxyconfig.AvailabilityValid)

	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, nil)
	if !h.c.MarkProxiesAsBad(&info, time.Minute) {
		t.Errorf("MarkProxiesAsBad should report p2 as untried")
	}

	var next proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &next, nil)
	if next.PACString() != "PROXY p2:80" {
		t.Errorf("while bad: %q, want PROXY p2:80", next.PACString())
	}

	h.runner.Advance(time.Minute)
	var later proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &later, nil)
	if later.PACString() != "PROXY p1:80; PROXY p2:80" {
		t.Errorf("after expiry: %q", later.PACString())
	}
}

func TestMarkProxiesAsBad_ExtraProxies(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80,p2:80"), proxyconfig.AvailabilityValid)
	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, nil)

	p2 := proxyinfo.Server{Scheme: proxyinfo.SchemeHTTP, Host: "p2", Port: 80}
	if h.c.MarkProxiesAsBad(&info, 0, p2) {
		t.Errorf("no proxy should remain untried")
	}
	ri := h.c.RetryInfo()
	if len(ri) != 2 {
		t.Fatalf("registry = %v", ri)
	}
	if got := ri["http://p1:80"].Delay; got != retry.DefaultDelay {
		t.Errorf("default delay = %s", got)
	}
}

func TestReportSuccess_MergeIsIdempotent(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80,p2:80,p3:80"), proxyconfig.AvailabilityValid)
	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, nil)
	h.c.ReconsiderProxyAfterError("http://www.example.com/", errors.New("timeout"), &info, nil)

	h.c.ReportSuccess(&info)
	once := h.c.RetryInfo()
	h.c.ReportSuccess(&info)
	twice := h.c.RetryInfo()

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("registry changed on second merge:\n once=%v\ntwice=%v", once, twice)
	}
	if len(h.delegate.fallbacks) != 1 || h.delegate.fallbacks[0] != "http://p1:80" {
		t.Errorf("delegate fallbacks = %v", h.delegate.fallbacks)
	}
}

func TestReset_RequeuesInFlightRequests(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)
	readyWithPAC(t, h)

	rec := &callbackRecorder{}
	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, rec.cb("r"))
	firstJob := h.resolver.jobIDs()[0]

	h.c.ForceReloadConfig()
	if len(h.resolver.cancelled) != 1 || h.resolver.cancelled[0] != firstJob {
		t.Fatalf("in-flight job should be cancelled, cancelled=%v", h.resolver.cancelled)
	}
	if h.c.PendingCount() != 1 || h.c.State() != StateWaitingForResolverInit {
		t.Fatalf("pending=%d state=%s", h.c.PendingCount(), h.c.State())
	}

	h.deciders.last(t).complete(t, nil, pac.FromText(testScript), proxyconfig.AutoDetect())
	jobs := h.resolver.jobIDs()
	if len(jobs) != 1 || jobs[0] == firstJob {
		t.Fatalf("request should be resubmitted as a new job, jobs=%v", jobs)
	}
	h.resolver.completeJob(t, jobs[0], "PROXY p1:80", nil)
	if len(rec.calls) != 1 {
		t.Errorf("callback calls = %d, want exactly 1", len(rec.calls))
	}
	if info.ConfigID != 2 {
		t.Errorf("config id = %d, want 2", info.ConfigID)
	}
}

func TestScriptTerminated_ResetsAndReappliesForOthers(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)
	readyWithPAC(t, h)
	decidersBefore := len(h.deciders.deciders)

	rec := &callbackRecorder{}
	var a, b proxyinfo.Info
	h.c.Resolve("http://a.example/", &a, rec.cb("a"))
	h.c.Resolve("http://b.example/", &b, rec.cb("b"))
	jobs := h.resolver.jobIDs()

	h.resolver.completeJob(t, jobs[0], "", pac.ErrScriptTerminated)

	if len(rec.calls) != 1 || rec.calls[0].tag != "a" || rec.calls[0].err != nil {
		t.Fatalf("callbacks = %+v", rec.calls)
	}
	if !a.IsDirect() {
		t.Errorf("terminated request should go direct, got %q", a.PACString())
	}
	if h.c.State() != StateWaitingForResolverInit {
		t.Errorf("state = %s, want re-initialising", h.c.State())
	}
	if len(h.deciders.deciders) != decidersBefore+1 {
		t.Errorf("a new decider should have been started")
	}
	if h.c.PendingCount() != 1 {
		t.Errorf("request b should stay queued, pending=%d", h.c.PendingCount())
	}
}

func TestNetworkChange_StallsNextInit(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)
	readyWithPAC(t, h)

	h.c.OnIPAddressChanged()
	if h.c.State() != StateWaitingForResolverInit {
		t.Fatalf("state = %s", h.c.State())
	}
	d := h.deciders.last(t)
	if d.waitDelay != DefaultStallDelay {
		t.Errorf("wait delay = %s, want %s", d.waitDelay, DefaultStallDelay)
	}
	if h.c.FetchedConfig().ID != 2 {
		t.Errorf("fetched id = %d, want 2", h.c.FetchedConfig().ID)
	}

	// One second later the remaining stall is one second.
	h.runner.Advance(time.Second)
	h.c.OnDNSChanged()
	if got := h.deciders.last(t).waitDelay; got != DefaultStallDelay {
		t.Errorf("wait delay after second change = %s", got)
	}
	h.runner.Advance(time.Second)
	h.c.ForceReloadConfig()
	if got := h.deciders.last(t).waitDelay; got != time.Second {
		t.Errorf("remaining stall = %s, want 1s", got)
	}
}

func TestNetworkChange_IdleCoordinatorStaysIdle(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)
	h.c.OnIPAddressChanged()
	if h.c.State() != StateNone || len(h.deciders.deciders) != 0 {
		t.Errorf("state=%s deciders=%d", h.c.State(), len(h.deciders.deciders))
	}
}

func TestConfigChange_ReinitialisesWithNewID(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80"), proxyconfig.AvailabilityValid)
	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, nil)

	h.source.set(mustRules(t, "p2:80").WithSource(proxyconfig.OriginSettings))
	if h.c.EffectiveConfig().ID != 2 || h.c.EffectiveConfig().Source != proxyconfig.OriginSettings {
		t.Fatalf("effective = %s", h.c.EffectiveConfig())
	}
	var next proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &next, nil)
	if next.PACString() != "PROXY p2:80" || next.ConfigSource != string(proxyconfig.OriginSettings) {
		t.Errorf("result = %q source=%s", next.PACString(), next.ConfigSource)
	}
}

func TestResetConfigSource_SwapsObserver(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80"), proxyconfig.AvailabilityValid)
	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, nil)

	next := &mockSource{cfg: mustRules(t, "p3:80"), availability: proxyconfig.AvailabilityValid}
	h.c.ResetConfigSource(next)

	if len(h.source.observers) != 0 || len(next.observers) != 1 {
		t.Fatalf("observers old=%d new=%d", len(h.source.observers), len(next.observers))
	}
	var after proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &after, nil)
	if after.PACString() != "PROXY p3:80" {
		t.Errorf("result = %q", after.PACString())
	}
}

func TestClose_CancelsEverything(t *testing.T) {
	h := setupCoordinator(t, proxyconfig.AutoDetect(), proxyconfig.AvailabilityValid)
	rec := &callbackRecorder{}
	var a proxyinfo.Info
	h.c.Resolve("http://a.example/", &a, rec.cb("a"))
	d := h.deciders.last(t)

	h.c.Close()
	if !d.cancelled {
		t.Errorf("decider should be cancelled")
	}
	if h.c.PendingCount() != 0 || len(h.source.observers) != 0 {
		t.Errorf("pending=%d observers=%d", h.c.PendingCount(), len(h.source.observers))
	}
	if _, err := h.c.Resolve("http://b.example/", &a, rec.cb("b")); !errors.Is(err, ErrClosed) {
		t.Errorf("Resolve after Close = %v", err)
	}
	h.runner.RunUntilIdle()
	if len(rec.calls) != 0 {
		t.Errorf("no callbacks expected, got %v", rec.tags())
	}
}

func TestEvents_StateChangesAreReported(t *testing.T) {
	h := setupCoordinator(t, mustRules(t, "p1:80"), proxyconfig.AvailabilityValid)
	var info proxyinfo.Info
	h.c.Resolve("http://www.example.com/", &info, nil)

	var states []string
	for _, ev := range h.events {
		if ev.Kind == EventStateChanged {
			states = append(states, ev.Detail)
		}
	}
	want := []string{"waiting_for_config", "none", "ready"}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("state events = %v, want %v", states, want)
	}
}
