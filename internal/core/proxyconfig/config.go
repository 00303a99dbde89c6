// Package proxyconfig describes where proxy decisions come from: manual rules,
// WPAD auto-detection or an explicit PAC URL.
package proxyconfig

import (
	"fmt"
	"strings"
)

// InvalidID marks a Config that has not been assigned an id yet.
const InvalidID int64 = 0

// Origin tags where a Config came from.
type Origin string

const (
	OriginUnknown  Origin = "unknown"
	OriginFixed    Origin = "fixed"
	OriginSettings Origin = "settings"
	OriginEnv      Origin = "env"
	OriginSystem   Origin = "system"
)

// Config is an immutable proxy configuration value. Methods that "modify" it
// return copies.
type Config struct {
	ID     int64  `json:"id"`
	Source Origin `json:"source"`

	AutoDetect bool   `json:"auto_detect"`
	PacURL     string `json:"pac_url,omitempty"`
	// PacMandatory blocks traffic instead of falling back to manual/direct
	// when the PAC script cannot be used.
	PacMandatory bool `json:"pac_mandatory"`

	Rules Rules `json:"rules"`
}

// Direct is a configuration that never uses a proxy.
func Direct() Config {
	return Config{Source: OriginUnknown}
}

// AutoDetect is a WPAD configuration.
func AutoDetect() Config {
	return Config{Source: OriginUnknown, AutoDetect: true}
}

// FromPacURL is a configuration using the PAC script at pacURL.
func FromPacURL(pacURL string) Config {
	return Config{Source: OriginUnknown, PacURL: pacURL}
}

// FromRules is a manual configuration.
func FromRules(rules Rules) Config {
	return Config{Source: OriginUnknown, Rules: rules}
}

// FromRulesString parses rules (see ParseRules) and bypass list.
func FromRulesString(rules, bypass string) (Config, error) {
	r, err := ParseRules(rules)
	if err != nil {
		return Config{}, err
	}
	if bypass != "" {
		b, err := ParseBypassRules(bypass)
		if err != nil {
			return Config{}, err
		}
		r.Bypass = b
	}
	return FromRules(r), nil
}

func (c Config) IsValid() bool { return c.ID != InvalidID }

// HasAutomaticSettings reports whether PAC discovery must run before rules
// can be applied.
func (c Config) HasAutomaticSettings() bool {
	return c.AutoDetect || c.PacURL != ""
}

// ClearAutomaticSettings returns a copy that only keeps the manual rules.
func (c Config) ClearAutomaticSettings() Config {
	c.AutoDetect = false
	c.PacURL = ""
	return c
}

func (c Config) WithID(id int64) Config {
	c.ID = id
	return c
}

func (c Config) WithSource(src Origin) Config {
	c.Source = src
	return c
}

func (c Config) WithMandatory(mandatory bool) Config {
	c.PacMandatory = mandatory
	return c
}

// Equal compares the settings, ignoring ID and Source.
func (c Config) Equal(o Config) bool {
	return c.AutoDetect == o.AutoDetect &&
		c.PacURL == o.PacURL &&
		c.PacMandatory == o.PacMandatory &&
		c.Rules.Equal(o.Rules)
}

func (c Config) String() string {
	var parts []string
	if c.AutoDetect {
		parts = append(parts, "auto-detect")
	}
	if c.PacURL != "" {
		parts = append(parts, "pac="+c.PacURL)
	}
	if !c.Rules.IsEmpty() {
		parts = append(parts, "rules="+c.Rules.String())
	}
	if c.PacMandatory {
		parts = append(parts, "mandatory")
	}
	if len(parts) == 0 {
		parts = append(parts, "direct")
	}
	return fmt.Sprintf("#%d[%s] %s", c.ID, c.Source, strings.Join(parts, " "))
}
