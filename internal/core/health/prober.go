// Package health probes proxy servers so that dead ones can be marked bad
// before a request trips over them.
package health

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/shared/logger"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 4
)

var ErrUnsupportedScheme = errors.New("health: unsupported proxy scheme")

// Result is the outcome of probing one server.
type Result struct {
	Server  proxyinfo.Server `json:"server"`
	Latency time.Duration    `json:"latency"`
	Err     error            `json:"-"`
}

func (r Result) OK() bool { return r.Err == nil }

// Prober checks proxies concurrently. With a Target set, http(s) proxies must
// accept a CONNECT to it and socks5 proxies must open a stream to it;
// otherwise reaching the proxy port is enough.
type Prober struct {
	Timeout     time.Duration
	Concurrency int
	// Target is a host:port tunnelled to through each proxy, optional.
	Target string

	dialer *net.Dialer
}

func New(timeout time.Duration, concurrency int, target string) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Prober{
		Timeout:     timeout,
		Concurrency: concurrency,
		Target:      target,
		dialer:      &net.Dialer{Timeout: timeout},
	}
}

// Probe checks every non-direct server, at most Concurrency at a time.
// Results keep the order of servers.
func (p *Prober) Probe(ctx context.Context, servers []proxyinfo.Server) []Result {
	l := logger.WithComponent("Prober")
	results := make([]Result, 0, len(servers))
	var targets []int
	for _, s := range servers {
		if s.IsDirect() || !s.IsValid() {
			continue
		}
		results = append(results, Result{Server: s})
		targets = append(targets, len(results)-1)
	}
	if len(targets) == 0 {
		return results
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, p.Concurrency)
	for _, i := range targets {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(r *Result) {
			defer wg.Done()
			defer func() { <-semaphore }()

			start := time.Now()
			r.Err = p.ProbeServer(ctx, r.Server)
			r.Latency = time.Since(start)
			if r.Err != nil {
				l.Debug().Str("proxy", r.Server.URI()).Err(r.Err).Msg("Probe failed.")
			} else {
				l.Debug().Str("proxy", r.Server.URI()).Dur("latency", r.Latency).Msg("Probe passed.")
			}
		}(&results[i])
	}
	wg.Wait()
	return results
}

// ProbeServer checks a single server.
func (p *Prober) ProbeServer(ctx context.Context, s proxyinfo.Server) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	switch s.Scheme {
	case proxyinfo.SchemeHTTP, proxyinfo.SchemeHTTPS:
		conn, err := p.dialer.DialContext(ctx, "tcp", s.HostPort())
		if err != nil {
			return err
		}
		defer conn.Close()
		if s.Scheme == proxyinfo.SchemeHTTPS {
			tlsConn := tls.Client(conn, &tls.Config{ServerName: s.Host})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return fmt.Errorf("tls handshake: %w", err)
			}
			conn = tlsConn
		}
		if p.Target == "" {
			return nil
		}
		return p.connect(ctx, conn)
	case proxyinfo.SchemeSOCKS5:
		if p.Target == "" {
			return p.dialOnly(ctx, s)
		}
		d, err := proxy.SOCKS5("tcp", s.HostPort(), nil, p.dialer)
		if err != nil {
			return err
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return fmt.Errorf("socks5 dialer does not support contexts")
		}
		conn, err := cd.DialContext(ctx, "tcp", p.Target)
		if err != nil {
			return err
		}
		return conn.Close()
	case proxyinfo.SchemeSOCKS4:
		return p.dialOnly(ctx, s)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, s.Scheme)
	}
}

func (p *Prober) dialOnly(ctx context.Context, s proxyinfo.Server) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", s.HostPort())
	if err != nil {
		return err
	}
	return conn.Close()
}

// connect issues an HTTP CONNECT for Target on conn and expects a 2xx.
func (p *Prober) connect(ctx context.Context, conn net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", p.Target, p.Target)
	if _, err := conn.Write([]byte(req)); err != nil {
		return err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		return fmt.Errorf("reading CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("CONNECT %s: %s", p.Target, resp.Status)
	}
	return nil
}

// Failed returns the servers whose probe failed.
func Failed(results []Result) []proxyinfo.Server {
	var out []proxyinfo.Server
	for _, r := range results {
		if !r.OK() {
			out = append(out, r.Server)
		}
	}
	return out
}
