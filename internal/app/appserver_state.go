package app

import (
	"context"
	"net/url"
	"time"

	"liuproxy_resolver/internal/core/coordinator"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/core/retry"
	"liuproxy_resolver/internal/core/sequence"
	"liuproxy_resolver/internal/shared/logger"
)

// enter registers a controller call. It fails once Stop has begun, so no
// call can post to a stopped runner.
func (s *AppServer) enter() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stopping {
		return false
	}
	s.calls.Add(1)
	return true
}

func (s *AppServer) leave() { s.calls.Done() }

// bind ends ctx when the server stops.
func (s *AppServer) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}

// The methods below implement web.ResolverController on top of the
// SyncResolver.

func (s *AppServer) Resolve(ctx context.Context, rawURL string) (*proxyinfo.Info, error) {
	if !s.enter() {
		return nil, coordinator.ErrClosed
	}
	defer s.leave()
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.resolver.Resolve(ctx, rawURL)
}

func (s *AppServer) ReconsiderProxyAfterError(ctx context.Context, rawURL string, netErr error, info *proxyinfo.Info) error {
	if !s.enter() {
		return coordinator.ErrClosed
	}
	defer s.leave()
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.resolver.ReconsiderProxyAfterError(ctx, rawURL, netErr, info)
}

func (s *AppServer) MarkProxiesAsBad(info *proxyinfo.Info, retryDelay time.Duration) bool {
	if !s.enter() {
		return false
	}
	defer s.leave()
	return s.resolver.MarkProxiesAsBad(info, retryDelay)
}

// ReportSuccess merges the proxies info fell back from into the registry.
func (s *AppServer) ReportSuccess(info *proxyinfo.Info) {
	if !s.enter() {
		return
	}
	defer s.leave()
	s.resolver.ReportSuccess(info)
}

func (s *AppServer) LookupRetryInfo(uri string) (retry.Info, bool) {
	if !s.enter() {
		return retry.Info{}, false
	}
	defer s.leave()
	return s.resolver.LookupRetryInfo(uri)
}

func (s *AppServer) ClearRetryInfo() {
	if !s.enter() {
		return
	}
	defer s.leave()
	s.resolver.ClearRetryInfo()
}

func (s *AppServer) ForceReload() {
	if !s.enter() {
		return
	}
	defer s.leave()
	s.resolver.ForceReload()
}

// Status returns a snapshot of the coordinator, or only its id after Stop.
func (s *AppServer) Status() coordinator.Status {
	if !s.enter() {
		return coordinator.Status{ID: s.coordinator.ID(), State: coordinator.StateNone}
	}
	defer s.leave()
	return s.resolver.Snapshot()
}

// NotifyNetworkChanged is for platforms without a netchange watcher, where
// the host app reports connectivity changes itself.
func (s *AppServer) NotifyNetworkChanged() {
	if !s.enter() {
		return
	}
	defer s.leave()
	sequence.Call(s.runner, s.coordinator.OnIPAddressChanged)
}

// loggingDelegate reports resolutions and first-time fallbacks.
type loggingDelegate struct{}

func (loggingDelegate) OnResolveProxy(u *url.URL, info *proxyinfo.Info) {
	logger.Debug().
		Str("url", u.Redacted()).
		Str("proxy", info.Server().URI()).
		Int64("config_id", info.ConfigID).
		Msg("[Resolver] Proxy resolved.")
}

func (loggingDelegate) OnFallback(bad proxyinfo.Server, err error) {
	logger.Warn().Str("proxy", bad.URI()).Err(err).Msg("[Resolver] Proxy failed, falling back.")
}
