package settings

// Module keys understood by SettingsManager.Update.
const (
	ModuleProxy   = "proxy"
	ModuleProbe   = "probe"
	ModuleLogging = "logging"
)

// ProxyMode 决定 "proxy" 模块如何生成代理配置。
type ProxyMode string

const (
	ProxyModeDirect     ProxyMode = "direct"
	ProxyModeManual     ProxyMode = "manual"
	ProxyModeAutoDetect ProxyMode = "auto_detect"
	ProxyModePacURL     ProxyMode = "pac_url"
	ProxyModeEnv        ProxyMode = "env"
)

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
type ConfigurableModule interface {
	// OnSettingsUpdate is called after the module's settings changed.
	// newSettings is the parsed module struct pointer, e.g. *ProxySettings.
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings 是 settings.json 文件的顶层结构。
// Modules missing from the file are filled with defaults on load.
type RuntimeSettings struct {
	Proxy   *ProxySettings   `json:"proxy"`
	Probe   *ProbeSettings   `json:"probe"`
	Logging *LoggingSettings `json:"logging"`
}

// ProxySettings 对应 settings.json 中的 "proxy" 模块。
type ProxySettings struct {
	Mode ProxyMode `json:"mode"`
	// Rules in manual mode, e.g. "http=p1:8080;https=p2:8443" or "p1:8080".
	Rules         string `json:"rules,omitempty"`
	Bypass        string `json:"bypass,omitempty"`
	ReverseBypass bool   `json:"reverse_bypass,omitempty"`
	PacURL        string `json:"pac_url,omitempty"`
	// Mandatory blocks traffic when the PAC script cannot be used.
	Mandatory bool `json:"mandatory"`
}

// ProbeSettings 对应 "probe" 模块: periodic health checks of the proxies the
// current config hands out.
type ProbeSettings struct {
	Enabled         bool   `json:"enabled"`
	IntervalSeconds int    `json:"interval_seconds"`
	TestURL         string `json:"test_url"`
	// RetryMinutes is how long a proxy that failed a probe stays bad.
	RetryMinutes int `json:"retry_minutes"`
}

// LoggingSettings 对应 "logging" 模块。
type LoggingSettings struct {
	Level string `json:"level"`
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Proxy:   &ProxySettings{Mode: ProxyModeDirect},
		Probe:   &ProbeSettings{IntervalSeconds: 300, TestURL: "http://www.gstatic.com/generate_204", RetryMinutes: 5},
		Logging: &LoggingSettings{Level: "info"},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	def := createDefaultSettings()
	if s.Proxy == nil {
		s.Proxy = def.Proxy
	}
	if s.Probe == nil {
		s.Probe = def.Probe
	}
	if s.Logging == nil {
		s.Logging = def.Logging
	}
}
