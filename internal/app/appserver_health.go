package app

import (
	"context"
	"net"
	"net/url"
	"time"

	"liuproxy_resolver/internal/core/health"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/shared/logger"
	"liuproxy_resolver/internal/shared/settings"
)

// idleProbeInterval is how often a disabled prober rechecks its settings.
const idleProbeInterval = time.Minute

// probeLoop periodically probes the proxies the current config hands out for
// the test URL and marks the dead ones bad.
func (s *AppServer) probeLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.probeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runProbes()
		case <-s.probeReset:
			ticker.Reset(s.probeInterval())
			logger.Debug().Msg("[HealthChecker] Probe settings changed, ticker reset.")
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *AppServer) probeInterval() time.Duration {
	ps := s.settingsManager.Get().Probe
	if ps == nil || !ps.Enabled || ps.IntervalSeconds <= 0 {
		return idleProbeInterval
	}
	return time.Duration(ps.IntervalSeconds) * time.Second
}

// runProbes is one probe cycle. It returns the servers it marked bad.
func (s *AppServer) runProbes() []proxyinfo.Server {
	ps := s.settingsManager.Get().Probe
	if ps == nil || !ps.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout()*2)
	defer cancel()

	_, results, err := s.probe(ctx, ps)
	if err != nil {
		logger.Warn().Err(err).Str("url", ps.TestURL).Msg("[HealthChecker] Could not resolve test URL.")
		return nil
	}
	failed := health.Failed(results)
	logger.Debug().
		Int("checked_count", len(results)).
		Int("failed_count", len(failed)).
		Msg("[HealthChecker] Cycle complete.")
	if len(failed) == 0 {
		return nil
	}

	// Only the failed servers are marked: the lead through info, the rest as extras.
	bad := &proxyinfo.Info{}
	bad.UseList(proxyinfo.NewList(failed...))
	if !s.enter() {
		return nil
	}
	s.resolver.MarkProxiesAsBad(bad, time.Duration(ps.RetryMinutes)*time.Minute, failed[1:]...)
	s.leave()
	for _, srv := range failed {
		logger.Warn().Str("proxy", srv.URI()).Msg("[HealthChecker] Proxy failed probe, marked bad.")
	}
	return failed
}

// Probe resolves rawURL and checks each proxy of the result. An empty rawURL
// means the configured test URL.
func (s *AppServer) Probe(ctx context.Context, rawURL string) ([]health.Result, error) {
	ps := *s.settingsManager.Get().Probe
	if rawURL != "" {
		ps.TestURL = rawURL
	}
	_, results, err := s.probe(ctx, &ps)
	return results, err
}

func (s *AppServer) probe(ctx context.Context, ps *settings.ProbeSettings) (*proxyinfo.Info, []health.Result, error) {
	info, err := s.Resolve(ctx, ps.TestURL)
	if err != nil {
		return nil, nil, err
	}
	prober := health.New(s.probeTimeout(), s.cfg.ProbeConf.Concurrency, probeTarget(ps.TestURL))
	return info, prober.Probe(ctx, info.List().Servers()), nil
}

func (s *AppServer) probeTimeout() time.Duration {
	return time.Duration(s.cfg.ProbeConf.TimeoutSeconds) * time.Second
}

// probeTarget is the host:port proxies are asked to tunnel to.
func probeTarget(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
