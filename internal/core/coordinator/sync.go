package coordinator

import (
	"context"
	"time"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/proxyconfig"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/core/retry"
	"liuproxy_resolver/internal/core/sequence"
)

// SyncResolver lets any goroutine use a Coordinator. Each call is posted to
// the coordinator's runner and blocks until it completes. It must not be
// used from a task running on that runner.
type SyncResolver struct {
	c      *Coordinator
	runner sequence.Runner
}

func NewSyncResolver(c *Coordinator, runner sequence.Runner) *SyncResolver {
	return &SyncResolver{c: c, runner: runner}
}

// Resolve blocks until the proxy decision for rawURL is known or ctx ends.
func (s *SyncResolver) Resolve(ctx context.Context, rawURL string) (*proxyinfo.Info, error) {
	info := &proxyinfo.Info{}
	err := s.wait(ctx, func(cb async.Callback) (RequestID, error) {
		return s.c.Resolve(rawURL, info, cb)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ReconsiderProxyAfterError updates info in place. info must not be used by
// other goroutines during the call.
func (s *SyncResolver) ReconsiderProxyAfterError(ctx context.Context, rawURL string, netErr error, info *proxyinfo.Info) error {
	return s.wait(ctx, func(cb async.Callback) (RequestID, error) {
		return s.c.ReconsiderProxyAfterError(rawURL, netErr, info, cb)
	})
}

func (s *SyncResolver) wait(ctx context.Context, start func(cb async.Callback) (RequestID, error)) error {
	done := make(chan error, 1)
	var (
		id       RequestID
		startErr error
	)
	sequence.Call(s.runner, func() {
		id, startErr = start(func(err error) { done <- err })
	})
	if st := async.FromError(startErr); !st.IsPending() {
		return st.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		sequence.Call(s.runner, func() { s.c.Cancel(id) })
		// The result may have landed before the cancel ran.
		select {
		case err := <-done:
			return err
		default:
		}
		return ctx.Err()
	}
}

func (s *SyncResolver) MarkProxiesAsBad(info *proxyinfo.Info, retryDelay time.Duration, extra ...proxyinfo.Server) bool {
	var more bool
	sequence.Call(s.runner, func() { more = s.c.MarkProxiesAsBad(info, retryDelay, extra...) })
	return more
}

func (s *SyncResolver) ReportSuccess(info *proxyinfo.Info) {
	sequence.Call(s.runner, func() { s.c.ReportSuccess(info) })
}

func (s *SyncResolver) LookupRetryInfo(uri string) (retry.Info, bool) {
	var (
		info retry.Info
		ok   bool
	)
	sequence.Call(s.runner, func() { info, ok = s.c.LookupRetryInfo(uri) })
	return info, ok
}

func (s *SyncResolver) ForceReload() {
	sequence.Call(s.runner, s.c.ForceReloadConfig)
}

func (s *SyncResolver) ClearRetryInfo() {
	sequence.Call(s.runner, s.c.ClearRetryInfo)
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	ID             string             `json:"id"`
	State          State              `json:"state"`
	Fetched        proxyconfig.Config `json:"fetched"`
	Effective      proxyconfig.Config `json:"effective"`
	Pending        int                `json:"pending"`
	PermanentError string             `json:"permanent_error,omitempty"`
	BadProxies     retry.Map          `json:"bad_proxies"`
}

func (s *SyncResolver) Snapshot() Status {
	var st Status
	sequence.Call(s.runner, func() {
		st = Status{
			ID:         s.c.ID(),
			State:      s.c.State(),
			Fetched:    s.c.FetchedConfig(),
			Effective:  s.c.EffectiveConfig(),
			Pending:    s.c.PendingCount(),
			BadProxies: s.c.RetryInfo(),
		}
		if err := s.c.PermanentError(); err != nil {
			st.PermanentError = err.Error()
		}
	})
	return st
}
