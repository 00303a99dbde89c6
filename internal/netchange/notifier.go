// Package netchange reports IP address and DNS configuration changes. Raw
// events come from platform watchers on their own goroutines; observers are
// called on the runner after a debounce.
package netchange

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liuproxy_resolver/internal/core/sequence"
	"liuproxy_resolver/internal/shared/logger"
)

const (
	DefaultDebounce     = time.Second
	DefaultPollInterval = 10 * time.Second
	DefaultResolvConf   = "/etc/resolv.conf"
)

// Observer is implemented by coordinator.Coordinator.
type Observer interface {
	OnIPAddressChanged()
	OnDNSChanged()
}

type kind int

const (
	kindIP kind = iota
	kindDNS
)

type Options struct {
	Debounce     time.Duration
	PollInterval time.Duration
	// ResolvConf is watched for DNS changes; empty disables DNS watching.
	ResolvConf string
}

// Notifier fans debounced change events out to observers.
type Notifier struct {
	runner sequence.Runner
	opts   Options
	log    zerolog.Logger

	// observers and pending are owned by the runner.
	observers []Observer
	pending   [2]sequence.Timer

	// dnsStamp is owned by the DNS poll goroutine.
	dnsStamp time.Time

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(runner sequence.Runner, opts Options) *Notifier {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Notifier{
		runner: runner,
		opts:   opts,
		log:    logger.WithComponent("NetChange"),
		stop:   make(chan struct{}),
	}
}

// AddObserver must be called on the runner.
func (n *Notifier) AddObserver(o Observer) {
	n.observers = append(n.observers, o)
}

// Start launches the address and DNS watchers.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		watchAddresses(n, n.stop)
	}()

	if n.opts.ResolvConf != "" {
		n.dnsStamp = fileStamp(n.opts.ResolvConf)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ticker := time.NewTicker(n.opts.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-n.stop:
					return
				case <-ticker.C:
					n.checkDNS()
				}
			}
		}()
	}
	n.log.Info().Dur("debounce", n.opts.Debounce).Str("resolv_conf", n.opts.ResolvConf).Msg("Network change notifier started.")
}

// Stop ends the watchers and waits for them.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
}

func (n *Notifier) checkDNS() {
	stamp := fileStamp(n.opts.ResolvConf)
	if stamp.Equal(n.dnsStamp) {
		return
	}
	n.dnsStamp = stamp
	n.log.Debug().Time("mtime", stamp).Msg("resolv.conf changed.")
	n.signal(kindDNS)
}

// signal may be called from any goroutine.
func (n *Notifier) signal(k kind) {
	n.runner.Post(func() {
		if t := n.pending[k]; t != nil {
			t.Stop()
		}
		n.pending[k] = n.runner.PostDelayed(n.opts.Debounce, func() {
			n.pending[k] = nil
			n.fire(k)
		})
	})
}

func (n *Notifier) fire(k kind) {
	switch k {
	case kindIP:
		n.log.Info().Msg("IP address change detected.")
		for _, o := range n.observers {
			o.OnIPAddressChanged()
		}
	case kindDNS:
		n.log.Info().Msg("DNS change detected.")
		for _, o := range n.observers {
			o.OnDNSChanged()
		}
	}
}

func fileStamp(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
