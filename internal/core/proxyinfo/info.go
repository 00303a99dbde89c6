package proxyinfo

import (
	"fmt"
	"time"

	"liuproxy_resolver/internal/core/retry"
)

// Info is the result of one resolution. The zero value is an empty result.
type Info struct {
	list      List
	retryInfo retry.Map

	// ConfigID is the id of the effective config the result was computed
	// against; ReconsiderProxyAfterError compares it with the current one.
	ConfigID     int64  `json:"config_id"`
	ConfigSource string `json:"config_source,omitempty"`

	DidUsePAC      bool `json:"did_use_pac"`
	DidBypassProxy bool `json:"did_bypass_proxy"`

	ResolveStart time.Time `json:"resolve_start"`
	ResolveEnd   time.Time `json:"resolve_end"`
}

// Use copies every field of other into i.
func (i *Info) Use(other *Info) {
	i.list = NewList(other.list.servers...)
	i.retryInfo = other.retryInfo.Clone()
	i.ConfigID = other.ConfigID
	i.ConfigSource = other.ConfigSource
	i.DidUsePAC = other.DidUsePAC
	i.DidBypassProxy = other.DidBypassProxy
	i.ResolveStart = other.ResolveStart
	i.ResolveEnd = other.ResolveEnd
}

func (i *Info) UseDirect() {
	i.DidBypassProxy = false
	i.list.SetSingle(Direct())
}

// UseDirectWithBypassedProxy records that a proxy was configured but a
// bypass rule sent the request direct.
func (i *Info) UseDirectWithBypassedProxy() {
	i.UseDirect()
	i.DidBypassProxy = true
}

func (i *Info) UseServer(s Server) {
	i.DidBypassProxy = false
	i.list.SetSingle(s)
}

// UseNamedProxy parses a proxy URI, defaulting to http.
func (i *Info) UseNamedProxy(uri string) error {
	s, err := ParseURI(uri, SchemeHTTP)
	if err != nil {
		return fmt.Errorf("use named proxy: %w", err)
	}
	i.UseServer(s)
	return nil
}

func (i *Info) UsePACString(pac string) {
	i.DidBypassProxy = false
	i.list.SetFromPACString(pac)
}

func (i *Info) UseList(l List) {
	i.DidBypassProxy = false
	i.list = NewList(l.servers...)
}

func (i *Info) IsDirect() bool {
	return i.list.Get().IsDirect()
}

func (i *Info) IsEmpty() bool { return i.list.IsEmpty() }

// Server is the proxy currently in use.
func (i *Info) Server() Server { return i.list.Get() }

func (i *Info) List() List { return NewList(i.list.servers...) }

func (i *Info) PACString() string { return i.list.PACString() }

// Fallback marks the current proxy bad in this result's own retry map and
// advances to the next one. It reports whether one is left.
func (i *Info) Fallback(err error, now time.Time) bool {
	if i.retryInfo == nil {
		i.retryInfo = make(retry.Map)
	}
	return i.list.Fallback(i.retryInfo, err, now)
}

// DeprioritizeBadProxies moves proxies that are bad at now to the end.
func (i *Info) DeprioritizeBadProxies(bad retry.Map, now time.Time) {
	i.list.Deprioritize(bad, now)
}

// RetryInfo returns the proxies this result discovered to be bad while
// falling back. The map is a copy.
func (i *Info) RetryInfo() retry.Map {
	return i.retryInfo.Clone()
}

func (i *Info) String() string {
	return i.list.PACString()
}
