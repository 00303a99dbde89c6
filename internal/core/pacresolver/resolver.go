// Package pacresolver holds the PAC resolvers the binary ships with. Neither
// interprets JavaScript; a real engine plugs in through pac.Resolver.
package pacresolver

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/shared/logger"
)

var (
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment  = regexp.MustCompile(`(?m)^\s*//.*$`)
	constantBody = regexp.MustCompile(
		`^function\s+FindProxyForURL\s*\(\s*\w+\s*,\s*\w+\s*\)\s*\{\s*return\s+(["'])([^"']*)["']\s*;?\s*\}$`)
)

// Constant accepts scripts that answer every URL with one fixed string, for
// example
//
//	function FindProxyForURL(url, host) { return "PROXY p1:80; DIRECT"; }
//
// Anything else is rejected with pac.ErrUnsupportedScript.
type Constant struct {
	result string
	loaded bool
	log    zerolog.Logger
}

var _ pac.Resolver = (*Constant)(nil)

func NewConstant() *Constant {
	return &Constant{log: logger.WithComponent("PacResolver")}
}

func (c *Constant) ExpectsPacBytes() bool { return true }

func (c *Constant) SetPacScript(script *pac.ScriptData, _ async.Callback) async.Status {
	c.loaded = false
	if script == nil || script.Type() != pac.ScriptText {
		return async.Done(fmt.Errorf("%w: script text required", pac.ErrUnsupportedScript))
	}
	result, err := parseConstant(script.Text())
	if err != nil {
		c.log.Warn().Str("script", script.Fingerprint()).Err(err).Msg("Cannot load PAC script.")
		return async.Done(err)
	}
	c.result = result
	c.loaded = true
	c.log.Info().Str("script", script.Fingerprint()).Str("result", result).Msg("Constant PAC script loaded.")
	return async.Done(nil)
}

func (c *Constant) CancelSetPacScript() {}

func (c *Constant) GetProxyForURL(u *url.URL, info *proxyinfo.Info, _ async.Callback) (pac.JobID, async.Status) {
	if !c.loaded {
		return 0, async.Done(fmt.Errorf("%w: no script loaded", pac.ErrScriptFailed))
	}
	info.UsePACString(c.result)
	return 0, async.Done(nil)
}

func (c *Constant) CancelRequest(pac.JobID) {}

func parseConstant(text string) (string, error) {
	text = blockComment.ReplaceAllString(text, "")
	text = lineComment.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	m := constantBody.FindStringSubmatch(text)
	if m == nil {
		return "", fmt.Errorf("%w: FindProxyForURL is not a constant return", pac.ErrUnsupportedScript)
	}
	return strings.TrimSpace(m[2]), nil
}

// Direct answers DIRECT for every URL and accepts any script.
type Direct struct{}

var _ pac.Resolver = Direct{}

func (Direct) ExpectsPacBytes() bool { return false }

func (Direct) SetPacScript(*pac.ScriptData, async.Callback) async.Status { return async.Done(nil) }

func (Direct) CancelSetPacScript() {}

func (Direct) GetProxyForURL(_ *url.URL, info *proxyinfo.Info, _ async.Callback) (pac.JobID, async.Status) {
	info.UseDirect()
	return 0, async.Done(nil)
}

func (Direct) CancelRequest(pac.JobID) {}

// New returns the resolver for the [resolver] engine setting.
func New(engine string) (pac.Resolver, error) {
	switch strings.ToLower(engine) {
	case "", "constant":
		return NewConstant(), nil
	case "direct":
		return Direct{}, nil
	default:
		return nil, fmt.Errorf("unknown pac engine %q", engine)
	}
}
