// Package pac defines the contracts between the coordinator and the parts
// that discover, fetch and execute PAC scripts.
package pac

import (
	"errors"
	"net/url"
	"time"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/proxyconfig"
	"liuproxy_resolver/internal/core/proxyinfo"
)

var (
	// ErrScriptFailed is a per-URL evaluation failure.
	ErrScriptFailed = errors.New("pac script failed")
	// ErrScriptTerminated means the resolver lost its script (crashed
	// helper, killed worker). The coordinator re-initialises.
	ErrScriptTerminated = errors.New("pac script terminated")
	// ErrUnsupportedScript is returned by SetPacScript for scripts the
	// resolver cannot run.
	ErrUnsupportedScript = errors.New("pac script not supported by resolver")

	ErrNoPacSource   = errors.New("no pac source configured")
	ErrInvalidScript = errors.New("content is not a pac script")
	ErrFetchFailed   = errors.New("pac fetch failed")
)

// JobID identifies an in-flight GetProxyForURL call.
type JobID uint64

// Resolver executes PAC scripts. A cancelled job or script set never
// invokes its callback. Callbacks run on the coordinator's runner.
type Resolver interface {
	GetProxyForURL(u *url.URL, info *proxyinfo.Info, cb async.Callback) (JobID, async.Status)
	CancelRequest(id JobID)
	SetPacScript(script *ScriptData, cb async.Callback) async.Status
	CancelSetPacScript()
	// ExpectsPacBytes is false for resolvers that download the script by
	// URL themselves.
	ExpectsPacBytes() bool
}

// Decider works out which PAC script, if any, a config resolves to.
type Decider interface {
	Start(cfg proxyconfig.Config, waitDelay time.Duration, expectsPacBytes bool, cb async.Callback) async.Status
	// EffectiveConfig and Script are valid after a successful completion.
	EffectiveConfig() proxyconfig.Config
	Script() *ScriptData
	Cancel()
}

type DeciderFactory func() Decider

// Fetcher downloads a script. Fetch either fails synchronously or returns
// Pending and reports through cb. Cancel suppresses the callback.
type Fetcher interface {
	Fetch(rawURL string, cb func(text string, err error)) async.Status
	Cancel()
}

type FetcherFactory func() Fetcher
