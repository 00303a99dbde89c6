package coordinator

import (
	"net/url"
	"time"

	"liuproxy_resolver/internal/core/proxyinfo"
)

// State of the coordinator's config state machine.
type State int

const (
	StateNone State = iota
	StateWaitingForConfig
	StateWaitingForResolverInit
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateWaitingForConfig:
		return "waiting_for_config"
	case StateWaitingForResolverInit:
		return "waiting_for_resolver_init"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Delegate may observe and adjust resolutions.
type Delegate interface {
	// OnResolveProxy runs after every successful resolution and may rewrite info.
	OnResolveProxy(u *url.URL, info *proxyinfo.Info)
	// OnFallback runs when a caller reports a proxy bad for the first time.
	OnFallback(bad proxyinfo.Server, err error)
}

type EventKind string

const (
	EventStateChanged  EventKind = "state_changed"
	EventConfigFetched EventKind = "config_fetched"
	EventInitComplete  EventKind = "init_complete"
	EventScriptChanged EventKind = "script_changed"
	EventProxiesBad    EventKind = "proxies_bad"
	EventNetworkChange EventKind = "network_change"
)

// Event is a notification for dashboards. Sinks are called on the
// coordinator's runner and must not block.
type Event struct {
	Kind     EventKind `json:"kind"`
	State    State     `json:"state"`
	ConfigID int64     `json:"config_id"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

type EventSink interface {
	OnCoordinatorEvent(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) OnCoordinatorEvent(ev Event) { f(ev) }
