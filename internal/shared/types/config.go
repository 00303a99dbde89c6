package types

// CommonConf 包含共有的配置
type CommonConf struct {
	Mode string `ini:"mode"` // "local" (web API + resolver) or "headless"
}

// LocalConf 包含local模式特有的配置
type LocalConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	JSON  bool   `ini:"json"`
}

// ResolverConf tunes the proxy resolution coordinator.
type ResolverConf struct {
	// StallDelayMs delays PAC initialisation after an IP/DNS change.
	StallDelayMs int `ini:"stall_delay_ms"`
	// DefaultRetryMinutes is used by MarkProxiesAsBad when no delay is given.
	DefaultRetryMinutes int `ini:"default_retry_minutes"`
	// SettingsFile is the runtime settings file, relative to the config dir.
	SettingsFile string `ini:"settings_file"`
	// Engine selects the PAC engine: "constant" or "direct".
	Engine string `ini:"engine"`
}

// NetChangeConf controls the network change notifier.
type NetChangeConf struct {
	Enabled             bool `ini:"enabled"`
	PollIntervalSeconds int  `ini:"poll_interval_seconds"`
}

// ProbeConf controls the proxy prober.
type ProbeConf struct {
	TimeoutSeconds int `ini:"timeout_seconds"`
	Concurrency    int `ini:"concurrency"`
}

// Config 是项目的统一配置结构体 (行为配置, 来自 liuproxy.ini)
type Config struct {
	CommonConf    `ini:"common"`
	LocalConf     `ini:"local"`
	LogConf       `ini:"log"`
	ResolverConf  `ini:"resolver"`
	NetChangeConf `ini:"netchange"`
	ProbeConf     `ini:"probe"`
}

// Defaults returns a Config with every tunable set, used before the ini file
// is mapped on top of it.
func Defaults() *Config {
	return &Config{
		CommonConf: CommonConf{Mode: "local"},
		LocalConf:  LocalConf{WebPort: 8118},
		LogConf:    LogConf{Level: "info"},
		ResolverConf: ResolverConf{
			StallDelayMs:        2000,
			DefaultRetryMinutes: 5,
			SettingsFile:        "settings.json",
			Engine:              "constant",
		},
		NetChangeConf: NetChangeConf{Enabled: true, PollIntervalSeconds: 10},
		ProbeConf:     ProbeConf{TimeoutSeconds: 5, Concurrency: 4},
	}
}
