// Package coordinator decides which proxy each outbound request uses. It owns
// the config state machine, the PAC init pipeline, the background poller,
// the pending request queue and the bad proxy registry.
//
// A Coordinator is not safe for concurrent use. Every method, and every
// callback from its collaborators, must run on the sequence.Runner it was
// created with. SyncResolver wraps it for other goroutines.
package coordinator

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/proxyconfig"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/core/retry"
	"liuproxy_resolver/internal/core/sequence"
	"liuproxy_resolver/internal/shared/logger"
)

var (
	// ErrMandatoryConfigFailed is wrapped around the cause when a PAC config
	// marked mandatory cannot be used.
	ErrMandatoryConfigFailed = errors.New("mandatory proxy configuration failed")
	// ErrNoMoreProxies: fallback ran out of proxies to try.
	ErrNoMoreProxies = errors.New("no more proxies to try")
	ErrClosed        = errors.New("coordinator closed")
	ErrNilCallback   = errors.New("resolve needs a callback")
)

// DefaultStallDelay holds off PAC initialisation after a network change.
const DefaultStallDelay = 2 * time.Second

type Options struct {
	// StallDelay after IP/DNS changes. Zero means DefaultStallDelay; negative
	// disables the stall.
	StallDelay time.Duration
	// PollPolicy for the background poller; nil means DefaultPollPolicy.
	PollPolicy PollPolicy
	// DefaultRetryDelay for MarkProxiesAsBad calls that pass zero.
	DefaultRetryDelay time.Duration
	Delegate          Delegate
	EventSink         EventSink
}

type Coordinator struct {
	id         string
	runner     sequence.Runner
	source     proxyconfig.Source
	resolver   pac.Resolver
	newDecider pac.DeciderFactory
	opts       Options
	log        zerolog.Logger

	state State
	// fetched is the last config from the source; effective is derived from
	// it by the init pipeline and never set independently.
	fetched      proxyconfig.Config
	effective    proxyconfig.Config
	nextConfigID int64
	permanentErr error
	stallUntil   time.Time

	retry    *retry.Registry
	requests *requestArena
	pipeline *initPipeline
	poller   *poller
	closed   bool
}

var _ proxyconfig.Observer = (*Coordinator)(nil)

// New creates a Coordinator and subscribes it to source. Nothing is fetched
// until the first Resolve or config notification.
func New(runner sequence.Runner, source proxyconfig.Source, resolver pac.Resolver, newDecider pac.DeciderFactory, opts Options) *Coordinator {
	if opts.StallDelay == 0 {
		opts.StallDelay = DefaultStallDelay
	} else if opts.StallDelay < 0 {
		opts.StallDelay = 0
	}
	if opts.PollPolicy == nil {
		opts.PollPolicy = DefaultPollPolicy{}
	}
	if opts.DefaultRetryDelay <= 0 {
		opts.DefaultRetryDelay = retry.DefaultDelay
	}

	id := uuid.NewString()
	c := &Coordinator{
		id:         id,
		runner:     runner,
		source:     source,
		resolver:   resolver,
		newDecider: newDecider,
		opts:       opts,
		log:        logger.WithComponent("Coordinator").With().Str("coordinator", id[:8]).Logger(),
		retry:      retry.NewRegistry(runner.Now),
		requests:   newRequestArena(),
	}
	source.AddObserver(c)
	return c
}

func (c *Coordinator) ID() string { return c.id }

// Resolve decides the proxy for rawURL and writes it into info.
//
// It returns a nil error when the answer was available synchronously; cb is
// not called in that case. It returns async.ErrPending when cb will be
// called exactly once later, unless the request is cancelled. Any other
// error is final.
func (c *Coordinator) Resolve(rawURL string, info *proxyinfo.Info, cb async.Callback) (RequestID, error) {
	if c.closed {
		return 0, ErrClosed
	}
	u, err := simplifyURL(rawURL)
	if err != nil {
		return 0, err
	}

	c.source.OnLazyPoll()
	if c.poller != nil {
		c.poller.OnLazyPoll()
	}
	if c.state == StateNone {
		c.applyConfigIfAvailable()
	}

	st := c.tryToCompleteSynchronously(u, info)
	if !st.IsPending() {
		return 0, c.didFinishResolving(u, info, st.Err())
	}
	if cb == nil {
		return 0, ErrNilCallback
	}

	now := c.runner.Now()
	req := &request{
		id:      c.requests.reserve(),
		url:     u,
		info:    info,
		cb:      cb,
		created: now,
		traceID: uuid.NewString(),
	}
	if c.state == StateReady {
		if st := c.startRequest(req); !st.IsPending() {
			return 0, c.queryDidComplete(req, st.Err(), true)
		}
	}
	c.requests.insert(req)
	c.log.Debug().Str("trace_id", req.traceID).Str("url", u.Redacted()).
		Str("state", c.state.String()).Bool("started", req.started).Msg("Resolve pending.")
	return req.id, async.ErrPending
}

// ReconsiderProxyAfterError is called after connecting through info's
// current proxy failed with netErr. If the config changed since info was
// resolved, the retry registry is cleared and the URL is resolved afresh.
// Otherwise info falls back to its next proxy; ErrNoMoreProxies means none
// is left.
func (c *Coordinator) ReconsiderProxyAfterError(rawURL string, netErr error, info *proxyinfo.Info, cb async.Callback) (RequestID, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if info.ConfigID != c.effective.ID {
		c.log.Debug().Int64("result_config_id", info.ConfigID).Int64("config_id", c.effective.ID).
			Msg("Config changed since resolve, resolving again.")
		c.retry.Clear()
		return c.Resolve(rawURL, info, cb)
	}

	bad := info.Server()
	if info.Fallback(netErr, c.runner.Now()) {
		c.log.Info().Str("proxy", bad.URI()).Str("next", info.Server().URI()).Err(netErr).Msg("Falling back to next proxy.")
		return 0, nil
	}
	c.log.Warn().Str("proxy", bad.URI()).Err(netErr).Msg("No proxies left to fall back to.")
	return 0, ErrNoMoreProxies
}

// MarkProxiesAsBad records info's current proxy, and extra, as bad for
// retryDelay (zero means the configured default). It reports whether info
// has a proxy left that was not marked.
func (c *Coordinator) MarkProxiesAsBad(info *proxyinfo.Info, retryDelay time.Duration, extra ...proxyinfo.Server) bool {
	if retryDelay <= 0 {
		retryDelay = c.opts.DefaultRetryDelay
	}
	list := info.List()
	lead := list.Get()
	if !lead.IsValid() || lead.IsDirect() {
		return list.Len() > len(extra)+1
	}
	marked := 0
	for _, s := range append([]proxyinfo.Server{lead}, extra...) {
		if !s.IsValid() || s.IsDirect() {
			continue
		}
		c.retry.MarkBad(s.URI(), retryDelay, false, nil)
		marked++
	}
	c.emit(EventProxiesBad, fmt.Sprintf("%d proxies bad for %s", marked, retryDelay))
	return list.Len() > len(extra)+1
}

// ReportSuccess merges the retry info info collected while falling back.
func (c *Coordinator) ReportSuccess(info *proxyinfo.Info) {
	reported := info.RetryInfo()
	if len(reported) == 0 {
		return
	}
	added := c.retry.Merge(reported)
	for _, key := range added {
		c.log.Info().Str("proxy", key).Msg("Proxy reported bad.")
		if c.opts.Delegate == nil {
			continue
		}
		if s, err := proxyinfo.ParseURI(key, proxyinfo.SchemeHTTP); err == nil {
			c.opts.Delegate.OnFallback(s, reported[key].Err)
		}
	}
	if len(added) > 0 {
		c.emit(EventProxiesBad, fmt.Sprintf("%d proxies reported bad", len(added)))
	}
}

// Cancel drops a pending request. Its callback will not run.
func (c *Coordinator) Cancel(id RequestID) {
	req := c.requests.get(id)
	if req == nil {
		return
	}
	if req.started {
		c.resolver.CancelRequest(req.job)
		req.started = false
	}
	c.requests.remove(id)
	c.log.Debug().Str("trace_id", req.traceID).Msg("Resolve cancelled.")
}

// ForceReloadConfig discards the effective config and re-runs discovery.
func (c *Coordinator) ForceReloadConfig() {
	if c.closed {
		return
	}
	c.log.Info().Msg("Forcing proxy config reload.")
	c.resetConfig(false)
	c.applyConfigIfAvailable()
}

func (c *Coordinator) OnIPAddressChanged() {
	if c.closed {
		return
	}
	c.stallUntil = c.runner.Now().Add(c.opts.StallDelay)
	prev := c.resetConfig(false)
	c.log.Info().Str("previous_state", prev.String()).Dur("stall", c.opts.StallDelay).Msg("Network changed, resetting proxy config.")
	c.emit(EventNetworkChange, "")
	if prev != StateNone {
		c.applyConfigIfAvailable()
	}
}

func (c *Coordinator) OnDNSChanged() {
	c.OnIPAddressChanged()
}

// ResetConfigSource swaps the config source and re-fetches from it if the
// coordinator was in use.
func (c *Coordinator) ResetConfigSource(src proxyconfig.Source) {
	if c.closed {
		return
	}
	prev := c.resetConfig(true)
	c.source.RemoveObserver(c)
	c.source = src
	c.source.AddObserver(c)
	if prev != StateNone {
		c.applyConfigIfAvailable()
	}
}

// OnProxyConfigChanged implements proxyconfig.Observer.
func (c *Coordinator) OnProxyConfigChanged(cfg proxyconfig.Config, availability proxyconfig.Availability) {
	if c.closed {
		return
	}
	switch availability {
	case proxyconfig.AvailabilityPending:
		return
	case proxyconfig.AvailabilityUnset:
		cfg = proxyconfig.Direct().WithSource(cfg.Source)
	}
	if cfg.Source == "" {
		cfg.Source = proxyconfig.OriginUnknown
	}

	// Any id makes it valid; initializeUsingLastFetched assigns the real one.
	c.fetched = cfg.WithID(1)
	c.log.Info().Str("config", cfg.String()).Str("availability", availability.String()).Msg("Proxy config fetched.")
	c.emit(EventConfigFetched, cfg.String())
	c.initializeUsingLastFetched()
}

// Close cancels every pending request without calling back and tears down
// the pipeline and poller.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	for _, id := range c.requests.ordered() {
		c.Cancel(id)
	}
	if c.poller != nil {
		c.poller.Stop()
		c.poller = nil
	}
	if c.pipeline != nil {
		c.pipeline.Cancel()
		c.pipeline = nil
	}
	c.source.RemoveObserver(c)
	c.closed = true
	c.log.Info().Msg("Coordinator closed.")
}

func (c *Coordinator) State() State                        { return c.state }
func (c *Coordinator) FetchedConfig() proxyconfig.Config   { return c.fetched }
func (c *Coordinator) EffectiveConfig() proxyconfig.Config { return c.effective }
func (c *Coordinator) PendingCount() int                   { return c.requests.len() }
func (c *Coordinator) PermanentError() error               { return c.permanentErr }

// RetryInfo returns the live entries of the bad proxy registry.
func (c *Coordinator) RetryInfo() retry.Map { return c.retry.Snapshot() }

func (c *Coordinator) ClearRetryInfo() { c.retry.Clear() }

// LookupRetryInfo returns the live registry entry for a proxy URI.
func (c *Coordinator) LookupRetryInfo(uri string) (retry.Info, bool) { return c.retry.Lookup(uri) }

func (c *Coordinator) applyConfigIfAvailable() {
	if c.state != StateNone {
		return
	}
	c.source.OnLazyPoll()
	if c.fetched.IsValid() {
		c.initializeUsingLastFetched()
		return
	}

	c.setState(StateWaitingForConfig)
	cfg, availability := c.source.GetLatestProxyConfig()
	if availability != proxyconfig.AvailabilityPending {
		c.OnProxyConfigChanged(cfg, availability)
	}
}

func (c *Coordinator) initializeUsingLastFetched() {
	c.resetConfig(false)

	c.nextConfigID++
	c.fetched = c.fetched.WithID(c.nextConfigID)

	if !c.fetched.HasAutomaticSettings() {
		c.effective = c.fetched
		c.log.Info().Str("config", c.effective.String()).Msg("Using manual proxy config.")
		c.setReady()
		return
	}

	c.setState(StateWaitingForResolverInit)
	wait := c.stallUntil.Sub(c.runner.Now())
	if wait < 0 {
		wait = 0
	}
	c.pipeline = newInitPipeline()
	st := c.pipeline.Start(c.resolver, c.newDecider, c.fetched, wait, c.onInitComplete)
	if !st.IsPending() {
		c.onInitComplete(st.Err())
	}
}

// initializeUsingDecidedConfig restarts the resolver with a script the
// poller found.
func (c *Coordinator) initializeUsingDecidedConfig(deciderErr error, script *pac.ScriptData, effective proxyconfig.Config) {
	if !c.fetched.HasAutomaticSettings() {
		return
	}
	c.emit(EventScriptChanged, script.Fingerprint())
	c.resetConfig(false)

	c.setState(StateWaitingForResolverInit)
	c.pipeline = newInitPipeline()
	st := c.pipeline.StartSkipDecider(c.resolver, effective, deciderErr, script, c.onInitComplete)
	if !st.IsPending() {
		c.onInitComplete(st.Err())
	}
}

func (c *Coordinator) onInitComplete(err error) {
	p := c.pipeline
	c.pipeline = nil
	c.effective = p.EffectiveConfig()

	c.poller = newPoller(c.runner, c.newDecider, c.opts.PollPolicy, c.initializeUsingDecidedConfig,
		c.log, c.fetched, c.resolver.ExpectsPacBytes(), err, p.Script())

	if err != nil {
		if c.fetched.PacMandatory {
			c.log.Error().Err(err).Msg("Mandatory PAC config failed, blocking traffic.")
			c.effective = c.fetched
			err = fmt.Errorf("%w: %w", ErrMandatoryConfigFailed, err)
		} else {
			c.log.Warn().Err(err).Msg("PAC config failed, falling back to manual settings.")
			c.effective = c.fetched.ClearAutomaticSettings()
			err = nil
		}
	}
	c.permanentErr = err
	c.effective = c.effective.WithID(c.fetched.ID).WithSource(c.fetched.Source)

	detail := "ok"
	if err != nil {
		detail = err.Error()
	}
	c.emit(EventInitComplete, detail)
	c.setReady()
}

func (c *Coordinator) setReady() {
	c.setState(StateReady)
	for _, id := range c.requests.ordered() {
		// A callback may have reset the config.
		if c.state != StateReady {
			return
		}
		req := c.requests.get(id)
		if req == nil || req.started {
			continue
		}
		c.startAndCompleteCheckingForSynchronous(req)
	}
}

func (c *Coordinator) startAndCompleteCheckingForSynchronous(req *request) {
	st := c.tryToCompleteSynchronously(req.url, req.info)
	viaResolver := false
	if st.IsPending() {
		st = c.startRequest(req)
		viaResolver = true
	}
	if !st.IsPending() {
		c.completeRequest(req, st.Err(), viaResolver)
	}
}

// resetConfig drops everything derived from the fetched config and returns
// the previous state. In-flight requests go back to the queue.
func (c *Coordinator) resetConfig(resetFetched bool) State {
	prev := c.state
	c.permanentErr = nil
	c.retry.Clear()
	if c.poller != nil {
		c.poller.Stop()
		c.poller = nil
	}
	if c.pipeline != nil {
		c.pipeline.Cancel()
		c.pipeline = nil
	}
	c.suspendAllPending()
	c.effective = proxyconfig.Config{}
	if resetFetched {
		c.fetched = proxyconfig.Config{}
	}
	c.setState(StateNone)
	return prev
}

func (c *Coordinator) suspendAllPending() {
	for _, id := range c.requests.ordered() {
		req := c.requests.get(id)
		if req == nil || !req.started {
			continue
		}
		c.resolver.CancelRequest(req.job)
		req.started = false
		c.log.Debug().Str("trace_id", req.traceID).Msg("Resolve suspended, requeued.")
	}
}

func (c *Coordinator) tryToCompleteSynchronously(u *url.URL, info *proxyinfo.Info) async.Status {
	if c.state != StateReady {
		return async.Pending()
	}
	if c.permanentErr != nil {
		return async.Done(c.permanentErr)
	}
	if c.effective.HasAutomaticSettings() {
		return async.Pending()
	}
	now := c.runner.Now()
	c.effective.Rules.Apply(u, info)
	info.ConfigID = c.effective.ID
	info.ConfigSource = string(c.effective.Source)
	info.DidUsePAC = false
	info.ResolveStart = now
	info.ResolveEnd = now
	return async.Done(nil)
}

func (c *Coordinator) startRequest(req *request) async.Status {
	req.configID = c.effective.ID
	req.configSource = string(c.effective.Source)
	req.attempt++
	id, attempt := req.id, req.attempt
	job, st := c.resolver.GetProxyForURL(req.url, req.info, func(err error) {
		c.onResolverJobDone(id, attempt, err)
	})
	if st.IsPending() {
		req.job = job
		req.started = true
	}
	return st
}

func (c *Coordinator) onResolverJobDone(id RequestID, attempt uint64, err error) {
	req := c.requests.get(id)
	if req == nil || !req.started || req.attempt != attempt {
		return
	}
	req.started = false
	c.completeRequest(req, err, true)
}

// completeRequest removes req before finishing it, so a reset triggered by
// the result cannot requeue it.
func (c *Coordinator) completeRequest(req *request, err error, viaResolver bool) {
	c.requests.remove(req.id)
	err = c.queryDidComplete(req, err, viaResolver)
	c.log.Debug().Str("trace_id", req.traceID).Str("result", req.info.PACString()).Err(err).Msg("Resolve completed.")
	req.cb(err)
}

func (c *Coordinator) queryDidComplete(req *request, err error, viaResolver bool) error {
	err = c.didFinishResolving(req.url, req.info, err)
	if viaResolver {
		req.info.ConfigID = req.configID
		req.info.ConfigSource = req.configSource
		req.info.DidUsePAC = true
	}
	req.info.ResolveStart = req.created
	req.info.ResolveEnd = c.runner.Now()
	return err
}

func (c *Coordinator) didFinishResolving(u *url.URL, info *proxyinfo.Info, err error) error {
	if err == nil {
		if c.opts.Delegate != nil {
			c.opts.Delegate.OnResolveProxy(u, info)
		}
		info.DeprioritizeBadProxies(c.retry.Snapshot(), c.runner.Now())
		return nil
	}

	var out error
	switch {
	case errors.Is(err, ErrMandatoryConfigFailed):
		out = err
	case c.effective.PacMandatory:
		out = fmt.Errorf("%w: %w", ErrMandatoryConfigFailed, err)
	default:
		c.log.Warn().Str("url", u.Redacted()).Err(err).Msg("PAC resolve failed, going direct.")
		info.UseDirect()
		if c.opts.Delegate != nil {
			c.opts.Delegate.OnResolveProxy(u, info)
		}
	}

	if errors.Is(err, pac.ErrScriptTerminated) {
		c.log.Warn().Msg("PAC script terminated, re-initialising.")
		c.resetConfig(false)
		if c.requests.len() > 0 {
			c.applyConfigIfAvailable()
		}
	}
	return out
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("State changed.")
	c.state = s
	c.emit(EventStateChanged, s.String())
}

func (c *Coordinator) emit(kind EventKind, detail string) {
	if c.opts.EventSink == nil {
		return
	}
	c.opts.EventSink.OnCoordinatorEvent(Event{
		Kind:     kind,
		State:    c.state,
		ConfigID: c.effective.ID,
		Detail:   detail,
		Time:     c.runner.Now(),
	})
}

// simplifyURL drops the fragment and credentials, which play no part in
// proxy selection.
func simplifyURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: scheme and host required", rawURL)
	}
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}
