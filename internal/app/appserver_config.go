package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"liuproxy_resolver/internal/shared/logger"
	"liuproxy_resolver/internal/shared/settings"
)

var _ settings.ConfigurableModule = (*AppServer)(nil)

// registerSettings 为 probe 与 logging 模块安装校验器并订阅变更。
// The proxy module belongs to configsrc.Settings.
func (s *AppServer) registerSettings() {
	s.settingsManager.SetValidator(settings.ModuleProbe, func(v interface{}) error {
		ps, ok := v.(*settings.ProbeSettings)
		if !ok {
			return fmt.Errorf("unexpected settings type %T", v)
		}
		return validateProbe(ps)
	})
	s.settingsManager.SetValidator(settings.ModuleLogging, func(v interface{}) error {
		ls, ok := v.(*settings.LoggingSettings)
		if !ok {
			return fmt.Errorf("unexpected settings type %T", v)
		}
		return logger.ValidLevel(ls.Level)
	})
	s.settingsManager.Register(settings.ModuleProbe, s)
	s.settingsManager.Register(settings.ModuleLogging, s)
}

func validateProbe(ps *settings.ProbeSettings) error {
	if !ps.Enabled {
		return nil
	}
	if ps.IntervalSeconds <= 0 {
		return errors.New("interval_seconds must be positive")
	}
	if ps.RetryMinutes < 0 {
		return errors.New("retry_minutes must not be negative")
	}
	u, err := url.Parse(ps.TestURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("test_url %q is not an absolute URL", ps.TestURL)
	}
	return nil
}

// OnSettingsUpdate implements settings.ConfigurableModule.
func (s *AppServer) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	switch moduleKey {
	case settings.ModuleLogging:
		ls, ok := newSettings.(*settings.LoggingSettings)
		if !ok {
			return fmt.Errorf("unexpected settings type %T", newSettings)
		}
		if err := logger.SetLevel(ls.Level); err != nil {
			return err
		}
		logger.Info().Str("level", ls.Level).Msg("[AppServer] Log level changed.")
	case settings.ModuleProbe:
		select {
		case s.probeReset <- struct{}{}:
		default:
		}
	default:
		return fmt.Errorf("app: unexpected settings module %q", moduleKey)
	}
	return nil
}

// UpdateSettings applies a JSON document of settings modules, e.g.
// {"proxy": {...}, "probe": {...}}, one module at a time.
func (s *AppServer) UpdateSettings(data []byte) error {
	var modules map[string]json.RawMessage
	if err := json.Unmarshal(data, &modules); err != nil {
		return fmt.Errorf("failed to parse settings JSON: %w", err)
	}
	order := []string{settings.ModuleProxy, settings.ModuleProbe, settings.ModuleLogging}
	for key := range modules {
		if !slices.Contains(order, key) {
			return fmt.Errorf("unknown settings module: %s", key)
		}
	}
	for _, key := range order {
		if raw, ok := modules[key]; ok {
			if err := s.settingsManager.Update(key, raw); err != nil {
				return err
			}
		}
	}
	return nil
}
