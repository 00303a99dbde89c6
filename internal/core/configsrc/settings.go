package configsrc

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"liuproxy_resolver/internal/core/proxyconfig"
	"liuproxy_resolver/internal/core/sequence"
	"liuproxy_resolver/internal/shared/logger"
	"liuproxy_resolver/internal/shared/settings"
)

// Settings is a Source backed by the "proxy" module of the runtime settings.
// Updates arrive on the settings manager's goroutine and are posted to the
// runner before observers see them.
type Settings struct {
	runner    sequence.Runner
	sm        *settings.SettingsManager
	env       LookupFunc
	log       zerolog.Logger
	observers observerList

	cfg          proxyconfig.Config
	availability proxyconfig.Availability
}

var (
	_ proxyconfig.Source          = (*Settings)(nil)
	_ settings.ConfigurableModule = (*Settings)(nil)
)

// NewSettings reads the current proxy settings and subscribes to changes.
// env is used by the "env" mode; nil means os.LookupEnv.
func NewSettings(runner sequence.Runner, sm *settings.SettingsManager, env LookupFunc) *Settings {
	s := &Settings{
		runner: runner,
		sm:     sm,
		env:    env,
		log:    logger.WithComponent("SettingsConfig"),
	}
	if s.env == nil {
		s.env = os.LookupEnv
	}
	s.cfg, s.availability = s.build(sm.Get().Proxy)
	sm.SetValidator(settings.ModuleProxy, func(v interface{}) error {
		ps, ok := v.(*settings.ProxySettings)
		if !ok {
			return fmt.Errorf("unexpected settings type %T", v)
		}
		_, err := ConfigFromSettings(ps, s.env)
		return err
	})
	sm.Register(settings.ModuleProxy, s)
	return s
}

func (s *Settings) GetLatestProxyConfig() (proxyconfig.Config, proxyconfig.Availability) {
	return s.cfg, s.availability
}

func (s *Settings) AddObserver(o proxyconfig.Observer)    { s.observers.add(o) }
func (s *Settings) RemoveObserver(o proxyconfig.Observer) { s.observers.remove(o) }
func (s *Settings) OnLazyPoll()                           {}

// OnSettingsUpdate implements settings.ConfigurableModule.
func (s *Settings) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	ps, ok := newSettings.(*settings.ProxySettings)
	if moduleKey != settings.ModuleProxy || !ok {
		return fmt.Errorf("settings source: unexpected update for %q (%T)", moduleKey, newSettings)
	}
	snapshot := *ps
	s.runner.Post(func() {
		cfg, availability := s.build(&snapshot)
		if availability == s.availability && cfg.Equal(s.cfg) {
			return
		}
		s.cfg, s.availability = cfg, availability
		s.log.Info().Str("config", cfg.String()).Msg("Proxy settings changed.")
		s.observers.notify(cfg, availability)
	})
	return nil
}

// Close stops listening to the settings manager.
func (s *Settings) Close() {
	s.sm.Unregister(settings.ModuleProxy, s)
}

func (s *Settings) build(ps *settings.ProxySettings) (proxyconfig.Config, proxyconfig.Availability) {
	if ps == nil {
		return proxyconfig.Direct().WithSource(proxyconfig.OriginSettings), proxyconfig.AvailabilityUnset
	}
	cfg, err := ConfigFromSettings(ps, s.env)
	if err != nil {
		s.log.Error().Err(err).Str("mode", string(ps.Mode)).Msg("Invalid proxy settings, going direct.")
		return proxyconfig.Direct().WithSource(proxyconfig.OriginSettings), proxyconfig.AvailabilityUnset
	}
	if ps.Mode == settings.ProxyModeEnv && cfg.Rules.IsEmpty() {
		return cfg, proxyconfig.AvailabilityUnset
	}
	return cfg, proxyconfig.AvailabilityValid
}

var errMissingPacURL = errors.New("pac_url mode needs a pac_url")

// ConfigFromSettings converts the "proxy" settings module into a Config.
// Manual rules given with auto_detect or pac_url are kept as the fallback
// used when the PAC script cannot be loaded.
func ConfigFromSettings(ps *settings.ProxySettings, env LookupFunc) (proxyconfig.Config, error) {
	var cfg proxyconfig.Config
	switch ps.Mode {
	case settings.ProxyModeDirect, "":
		cfg = proxyconfig.Direct()
	case settings.ProxyModeEnv:
		envCfg, err := ConfigFromEnv(env)
		if err != nil {
			return proxyconfig.Config{}, err
		}
		return envCfg.WithSource(proxyconfig.OriginSettings), nil
	case settings.ProxyModeManual, settings.ProxyModeAutoDetect, settings.ProxyModePacURL:
		rules, err := settingsRules(ps)
		if err != nil {
			return proxyconfig.Config{}, err
		}
		cfg = proxyconfig.FromRules(rules)
		switch ps.Mode {
		case settings.ProxyModeAutoDetect:
			cfg.AutoDetect = true
		case settings.ProxyModePacURL:
			if ps.PacURL == "" {
				return proxyconfig.Config{}, errMissingPacURL
			}
			cfg.PacURL = ps.PacURL
		}
	default:
		return proxyconfig.Config{}, fmt.Errorf("unknown proxy mode %q", ps.Mode)
	}
	return cfg.WithMandatory(ps.Mandatory).WithSource(proxyconfig.OriginSettings), nil
}

func settingsRules(ps *settings.ProxySettings) (proxyconfig.Rules, error) {
	if ps.Mode == settings.ProxyModeManual && ps.Rules == "" {
		return proxyconfig.Rules{}, errors.New("manual mode needs rules")
	}
	rules, err := proxyconfig.ParseRules(ps.Rules)
	if err != nil {
		return proxyconfig.Rules{}, err
	}
	if ps.Bypass != "" {
		bypass, err := proxyconfig.ParseBypassRules(ps.Bypass)
		if err != nil {
			return proxyconfig.Rules{}, err
		}
		rules.Bypass = bypass
	}
	rules.ReverseBypass = ps.ReverseBypass
	return rules, nil
}
