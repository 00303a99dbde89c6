// Package mobile is the gomobile-bindable surface of the resolver. It runs
// headless with in-memory settings; the host app feeds it configuration and
// connectivity changes. Only string/error signatures are exported.
package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"liuproxy_resolver/internal/app"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/shared/config"
	"liuproxy_resolver/internal/shared/logger"
	"liuproxy_resolver/internal/shared/types"
)

const callTimeout = 30 * time.Second

var (
	// 全局变量，用于持有当前为移动端运行的唯一 AppServer 实例
	activeAppServer *app.AppServer
	instanceMutex   sync.Mutex
)

var (
	errNotRunning = errors.New("resolver is not running")
	errNilResult  = errors.New("result is nil")
)

// recoverTo converts panics into errors, which is safer for CGo boundaries.
func recoverTo(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("go core panic: %v\n\n%s", r, debug.Stack())
	}
}

// StartResolver starts the Go core in memory, without any file I/O.
// iniContent: the content of a liuproxy.ini file, may be empty.
// settingsJson: the content of a settings.json file, may be empty.
func StartResolver(iniContent, settingsJson string) (err error) {
	defer recoverTo(&err)

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		return fmt.Errorf("service is already running")
	}

	cfg := types.Defaults()
	if iniContent != "" {
		if err := config.LoadIniBytes(cfg, []byte(iniContent)); err != nil {
			return err
		}
	}
	cfg.CommonConf.Mode = "headless"
	cfg.ResolverConf.SettingsFile = ""
	// Mobile platforms report network changes through NetworkChanged.
	cfg.NetChangeConf.Enabled = false

	if err := logger.Init(cfg.LogConf); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appServer, err := app.New(cfg, "")
	if err != nil {
		return err
	}
	if settingsJson != "" {
		if err := appServer.UpdateSettings([]byte(settingsJson)); err != nil {
			appServer.Stop()
			return err
		}
	}
	if err := appServer.Start(); err != nil {
		return err
	}
	activeAppServer = appServer
	logger.Debug().Msg("Go core started for mobile.")
	return nil
}

// StopResolver stops the Go core.
func StopResolver() {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		logger.Debug().Msg("Stopping Go core for mobile...")
		activeAppServer.Stop()
		activeAppServer = nil
	}
}

func current() (*app.AppServer, error) {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()
	if activeAppServer == nil {
		return nil, errNotRunning
	}
	return activeAppServer, nil
}

// Result is one resolution. The host keeps it while connecting and hands it
// back to ReportProxyFailure and ReportSuccess, so the config id and the
// proxies already fallen back from stay with it.
type Result struct {
	info *proxyinfo.Info
}

// NewResult rebuilds a result from its PAC string and config id, for hosts
// that only persisted those.
func NewResult(pacString string, configID int64) *Result {
	info := &proxyinfo.Info{ConfigID: configID}
	info.UsePACString(pacString)
	return &Result{info: info}
}

// PACString is the proxy list in PAC notation, e.g. "PROXY p1:80; DIRECT".
func (r *Result) PACString() string { return r.info.PACString() }

// ConfigID identifies the proxy config the result was computed against.
func (r *Result) ConfigID() int64 { return r.info.ConfigID }

func (r *Result) DidUsePAC() bool { return r.info.DidUsePAC }

// Resolve returns the proxy list for url.
func Resolve(url string) (result *Result, err error) {
	defer recoverTo(&err)
	s, err := current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	info, err := s.Resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Result{info: info}, nil
}

// ReportProxyFailure is called when connecting through the first proxy of
// result failed. It returns the result to try next; result is not modified.
func ReportProxyFailure(url string, result *Result, errMsg string) (next *Result, err error) {
	defer recoverTo(&err)
	if result == nil {
		return nil, errNilResult
	}
	s, err := current()
	if err != nil {
		return nil, err
	}
	info := &proxyinfo.Info{}
	info.Use(result.info)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := s.ReconsiderProxyAfterError(ctx, url, errors.New(errMsg), info); err != nil {
		return nil, err
	}
	return &Result{info: info}, nil
}

// ReportSuccess is called once a connection through result's first proxy
// worked. The proxies it fell back from are remembered as bad.
func ReportSuccess(result *Result) (err error) {
	defer recoverTo(&err)
	if result == nil {
		return errNilResult
	}
	s, err := current()
	if err != nil {
		return err
	}
	s.ReportSuccess(result.info)
	return nil
}

// UpdateSettings applies settings modules, see StartResolver.
func UpdateSettings(settingsJson string) (err error) {
	defer recoverTo(&err)
	s, err := current()
	if err != nil {
		return err
	}
	return s.UpdateSettings([]byte(settingsJson))
}

// NetworkChanged tells the resolver the device switched networks.
func NetworkChanged() {
	if s, err := current(); err == nil {
		s.NotifyNetworkChanged()
	}
}

// QueryStatus returns the coordinator status as JSON.
func QueryStatus() (statusJson string, err error) {
	defer recoverTo(&err)
	s, err := current()
	if err != nil {
		return "{}", nil
	}
	data, err := json.Marshal(s.Status())
	if err != nil {
		return "{}", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}
