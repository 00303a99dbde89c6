package proxyconfig

// Availability qualifies a config returned by a Source.
type Availability int

const (
	AvailabilityValid Availability = iota
	// AvailabilityPending: the source has not finished reading settings yet
	// and will notify observers.
	AvailabilityPending
	// AvailabilityUnset: no proxy is configured, treat as direct.
	AvailabilityUnset
)

func (a Availability) String() string {
	switch a {
	case AvailabilityValid:
		return "valid"
	case AvailabilityPending:
		return "pending"
	default:
		return "unset"
	}
}

// Observer is notified by a Source whenever its config changes.
type Observer interface {
	OnProxyConfigChanged(cfg Config, availability Availability)
}

// Source supplies the raw proxy configuration. All methods are called from
// the coordinator's runner and observers must be notified on it too.
type Source interface {
	GetLatestProxyConfig() (Config, Availability)
	AddObserver(o Observer)
	RemoveObserver(o Observer)
	// OnLazyPoll is a hint that a resolve happened; sources may refresh.
	OnLazyPoll()
}
