package configsrc

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"liuproxy_resolver/internal/core/proxyconfig"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/core/sequence"
	"liuproxy_resolver/internal/shared/logger"
)

// envRefreshInterval limits how often OnLazyPoll re-reads the environment.
const envRefreshInterval = 30 * time.Second

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Env reads the conventional proxy environment variables: HTTP_PROXY,
// HTTPS_PROXY, ALL_PROXY and NO_PROXY, lower case taking precedence as curl
// does.
type Env struct {
	runner    sequence.Runner
	lookup    LookupFunc
	log       zerolog.Logger
	observers observerList

	cfg          proxyconfig.Config
	availability proxyconfig.Availability
	lastRead     time.Time
}

var _ proxyconfig.Source = (*Env)(nil)

// NewEnv creates an Env source. A nil lookup means os.LookupEnv.
func NewEnv(runner sequence.Runner, lookup LookupFunc) *Env {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := &Env{
		runner: runner,
		lookup: lookup,
		log:    logger.WithComponent("EnvConfig"),
	}
	e.cfg, e.availability = e.read()
	e.lastRead = runner.Now()
	return e
}

func (e *Env) GetLatestProxyConfig() (proxyconfig.Config, proxyconfig.Availability) {
	return e.cfg, e.availability
}

func (e *Env) AddObserver(o proxyconfig.Observer)    { e.observers.add(o) }
func (e *Env) RemoveObserver(o proxyconfig.Observer) { e.observers.remove(o) }

// OnLazyPoll re-reads the environment at most every envRefreshInterval and
// notifies observers when the result changed.
func (e *Env) OnLazyPoll() {
	now := e.runner.Now()
	if now.Sub(e.lastRead) < envRefreshInterval {
		return
	}
	e.lastRead = now
	e.Refresh()
}

// Refresh re-reads the environment immediately.
func (e *Env) Refresh() {
	cfg, availability := e.read()
	if availability == e.availability && cfg.Equal(e.cfg) {
		return
	}
	e.cfg, e.availability = cfg, availability
	e.log.Info().Str("config", cfg.String()).Str("availability", availability.String()).Msg("Proxy environment changed.")
	e.observers.notify(cfg, availability)
}

func (e *Env) read() (proxyconfig.Config, proxyconfig.Availability) {
	cfg, err := ConfigFromEnv(e.lookup)
	if err != nil {
		e.log.Warn().Err(err).Msg("Ignoring invalid proxy environment.")
		return proxyconfig.Direct().WithSource(proxyconfig.OriginEnv), proxyconfig.AvailabilityUnset
	}
	if cfg.Rules.IsEmpty() {
		return cfg, proxyconfig.AvailabilityUnset
	}
	return cfg, proxyconfig.AvailabilityValid
}

// ConfigFromEnv builds a manual config from the proxy variables. With no
// variable set, or NO_PROXY=*, the config is direct.
func ConfigFromEnv(lookup LookupFunc) (proxyconfig.Config, error) {
	get := func(name string) string {
		if v, ok := lookup(strings.ToLower(name)); ok && v != "" {
			return strings.TrimSpace(v)
		}
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}

	direct := proxyconfig.Direct().WithSource(proxyconfig.OriginEnv)
	noProxy := get("NO_PROXY")
	if noProxy == "*" {
		return direct, nil
	}

	var rules proxyconfig.Rules
	httpList, err := envProxyList(get("HTTP_PROXY"))
	if err != nil {
		return direct, fmt.Errorf("HTTP_PROXY: %w", err)
	}
	httpsList, err := envProxyList(get("HTTPS_PROXY"))
	if err != nil {
		return direct, fmt.Errorf("HTTPS_PROXY: %w", err)
	}
	allList, err := envProxyList(get("ALL_PROXY"))
	if err != nil {
		return direct, fmt.Errorf("ALL_PROXY: %w", err)
	}

	switch {
	case httpList.IsEmpty() && httpsList.IsEmpty() && allList.IsEmpty():
		return direct, nil
	case httpList.IsEmpty() && httpsList.IsEmpty():
		rules.Type = proxyconfig.RulesSingle
		rules.Single = allList
	default:
		rules.Type = proxyconfig.RulesPerScheme
		rules.HTTP = httpList
		rules.HTTPS = httpsList
		rules.Fallback = allList
	}

	if noProxy != "" {
		bypass, err := proxyconfig.ParseBypassRules(noProxy)
		if err != nil {
			return direct, fmt.Errorf("NO_PROXY: %w", err)
		}
		rules.Bypass = bypass
	}
	return proxyconfig.FromRules(rules).WithSource(proxyconfig.OriginEnv), nil
}

// envProxyList accepts "host:port" or a URL; credentials and paths are
// dropped.
func envProxyList(v string) (proxyinfo.List, error) {
	if v == "" {
		return proxyinfo.List{}, nil
	}
	if !strings.Contains(v, "://") {
		v = "http://" + v
	}
	u, err := url.Parse(v)
	if err != nil {
		return proxyinfo.List{}, err
	}
	if u.Host == "" {
		return proxyinfo.List{}, fmt.Errorf("no host in %q", v)
	}
	s, err := proxyinfo.ParseURI(u.Scheme+"://"+u.Host, proxyinfo.SchemeHTTP)
	if err != nil {
		return proxyinfo.List{}, err
	}
	return proxyinfo.NewList(s), nil
}
