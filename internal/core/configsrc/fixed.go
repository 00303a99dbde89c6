package configsrc

import "liuproxy_resolver/internal/core/proxyconfig"

// Fixed always returns the same config until Set is called.
type Fixed struct {
	cfg       proxyconfig.Config
	observers observerList
}

var _ proxyconfig.Source = (*Fixed)(nil)

func NewFixed(cfg proxyconfig.Config) *Fixed {
	return &Fixed{cfg: cfg.WithSource(proxyconfig.OriginFixed)}
}

func (f *Fixed) GetLatestProxyConfig() (proxyconfig.Config, proxyconfig.Availability) {
	return f.cfg, proxyconfig.AvailabilityValid
}

func (f *Fixed) AddObserver(o proxyconfig.Observer)    { f.observers.add(o) }
func (f *Fixed) RemoveObserver(o proxyconfig.Observer) { f.observers.remove(o) }
func (f *Fixed) OnLazyPoll()                           {}

// Set replaces the config and notifies observers. It must run on the
// coordinator's runner.
func (f *Fixed) Set(cfg proxyconfig.Config) {
	f.cfg = cfg.WithSource(proxyconfig.OriginFixed)
	f.observers.notify(f.cfg, proxyconfig.AvailabilityValid)
}
