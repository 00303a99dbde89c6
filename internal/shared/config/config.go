package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"liuproxy_resolver/internal/shared/types"
)

// LoadIni 加载 liuproxy.ini 行为配置文件, 未出现的键保留默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return fmt.Errorf("failed to load ini file: %w", err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map ini file: %w", err)
	}
	applyEnvOverrides(cfg)
	return validate(cfg)
}

// LoadIniBytes is LoadIni for in-memory data.
func LoadIniBytes(cfg *types.Config, data []byte) error {
	iniFile, err := ini.Load(data)
	if err != nil {
		return fmt.Errorf("failed to parse ini data: %w", err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map ini data: %w", err)
	}
	applyEnvOverrides(cfg)
	return validate(cfg)
}

func applyEnvOverrides(cfg *types.Config) {
	overrideFromEnvInt(&cfg.LocalConf.WebPort, "LIUPROXY_WEB_PORT")
	overrideFromEnvInt(&cfg.ResolverConf.StallDelayMs, "LIUPROXY_STALL_DELAY_MS")
	overrideFromEnvString(&cfg.LogConf.Level, "LIUPROXY_LOG_LEVEL")
	overrideFromEnvString(&cfg.LocalConf.WebUser, "LIUPROXY_WEB_USER")
	overrideFromEnvString(&cfg.LocalConf.WebPassword, "LIUPROXY_WEB_PASSWORD")
}

func validate(cfg *types.Config) error {
	if cfg.ResolverConf.StallDelayMs < 0 {
		return fmt.Errorf("resolver.stall_delay_ms must not be negative, got %d", cfg.ResolverConf.StallDelayMs)
	}
	if cfg.ResolverConf.DefaultRetryMinutes <= 0 {
		cfg.ResolverConf.DefaultRetryMinutes = 5
	}
	switch strings.ToLower(cfg.ResolverConf.Engine) {
	case "", "constant", "direct":
	default:
		return fmt.Errorf("resolver.engine: unknown engine %q", cfg.ResolverConf.Engine)
	}
	if cfg.ProbeConf.Concurrency <= 0 {
		cfg.ProbeConf.Concurrency = 4
	}
	if cfg.ProbeConf.TimeoutSeconds <= 0 {
		cfg.ProbeConf.TimeoutSeconds = 5
	}
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
