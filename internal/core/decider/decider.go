// Package decider turns a config with automatic settings into a concrete PAC
// script: it tries WPAD auto-detection first, then the custom PAC URL.
package decider

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/proxyconfig"
	"liuproxy_resolver/internal/core/sequence"
	"liuproxy_resolver/internal/shared/logger"
)

// WPADURL is the well-known auto-detect location, resolved through the
// search domain.
const WPADURL = "http://wpad/wpad.dat"

type pacSource struct {
	autoDetect bool
	url        string
}

func (s pacSource) String() string {
	if s.autoDetect {
		return "wpad(" + s.url + ")"
	}
	return s.url
}

// Decider is single use: Start once, then read the results or Cancel.
// All methods run on the runner.
type Decider struct {
	runner     sequence.Runner
	newFetcher pac.FetcherFactory
	log        zerolog.Logger

	sources      []pacSource
	current      int
	expectsBytes bool
	mandatory    bool
	cb           async.Callback
	waitTimer    sequence.Timer
	fetcher      pac.Fetcher
	lastErr      error

	effective proxyconfig.Config
	script    *pac.ScriptData
}

var _ pac.Decider = (*Decider)(nil)

func New(runner sequence.Runner, newFetcher pac.FetcherFactory) *Decider {
	return &Decider{
		runner:     runner,
		newFetcher: newFetcher,
		log:        logger.WithComponent("Decider"),
	}
}

// Factory adapts New to pac.DeciderFactory.
func Factory(runner sequence.Runner, newFetcher pac.FetcherFactory) pac.DeciderFactory {
	return func() pac.Decider { return New(runner, newFetcher) }
}

func (d *Decider) Start(cfg proxyconfig.Config, waitDelay time.Duration, expectsPacBytes bool, cb async.Callback) async.Status {
	d.sources = d.sources[:0]
	if cfg.AutoDetect {
		d.sources = append(d.sources, pacSource{autoDetect: true, url: WPADURL})
	}
	if cfg.PacURL != "" {
		d.sources = append(d.sources, pacSource{url: cfg.PacURL})
	}
	if len(d.sources) == 0 {
		return async.Done(pac.ErrNoPacSource)
	}

	d.expectsBytes = expectsPacBytes
	d.mandatory = cfg.PacMandatory
	d.cb = cb

	if waitDelay > 0 {
		d.log.Debug().Dur("delay", waitDelay).Msg("Waiting before deciding PAC script.")
		d.waitTimer = d.runner.PostDelayed(waitDelay, d.onWaitDone)
		return async.Pending()
	}
	return d.tryFrom(0)
}

func (d *Decider) onWaitDone() {
	d.waitTimer = nil
	if st := d.tryFrom(0); !st.IsPending() {
		d.complete(st.Err())
	}
}

// tryFrom walks the sources starting at i until one succeeds, one goes
// asynchronous, or all have failed.
func (d *Decider) tryFrom(i int) async.Status {
	for ; i < len(d.sources); i++ {
		d.current = i
		src := d.sources[i]

		if !d.expectsBytes {
			d.succeed(src, pac.FromURL(src.url))
			return async.Done(nil)
		}

		d.fetcher = d.newFetcher()
		st := d.fetcher.Fetch(src.url, d.onFetched)
		if st.IsPending() {
			return st
		}
		d.fetcher = nil
		d.recordFailure(src, st.Err())
	}
	return async.Done(d.lastErr)
}

func (d *Decider) onFetched(text string, err error) {
	d.fetcher = nil
	src := d.sources[d.current]
	if err == nil && !looksLikePacScript(text) {
		err = fmt.Errorf("%w: %s", pac.ErrInvalidScript, src.url)
	}
	if err == nil {
		d.succeed(src, pac.FromText(text))
		d.complete(nil)
		return
	}

	d.recordFailure(src, err)
	if st := d.tryFrom(d.current + 1); !st.IsPending() {
		d.complete(st.Err())
	}
}

func (d *Decider) recordFailure(src pacSource, err error) {
	d.lastErr = err
	d.log.Info().Str("source", src.String()).Err(err).Msg("PAC source failed.")
}

func (d *Decider) succeed(src pacSource, script *pac.ScriptData) {
	if src.autoDetect {
		d.effective = proxyconfig.AutoDetect()
	} else {
		d.effective = proxyconfig.FromPacURL(src.url)
	}
	d.effective = d.effective.WithMandatory(d.mandatory)
	d.script = script
	d.log.Info().Str("source", src.String()).Str("script", script.Fingerprint()).Msg("PAC script decided.")
}

func (d *Decider) complete(err error) {
	cb := d.cb
	d.cb = nil
	if cb != nil {
		cb(err)
	}
}

func (d *Decider) EffectiveConfig() proxyconfig.Config {
	return d.effective
}

func (d *Decider) Script() *pac.ScriptData {
	return d.script
}

func (d *Decider) Cancel() {
	if d.waitTimer != nil {
		d.waitTimer.Stop()
		d.waitTimer = nil
	}
	if d.fetcher != nil {
		d.fetcher.Cancel()
		d.fetcher = nil
	}
	d.cb = nil
}

func looksLikePacScript(text string) bool {
	return strings.Contains(text, "FindProxyForURL")
}
