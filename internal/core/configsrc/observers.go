// Package configsrc provides proxyconfig.Source implementations: a fixed
// config, the runtime settings file and the process environment.
package configsrc

import "liuproxy_resolver/internal/core/proxyconfig"

type observerList struct {
	observers []proxyconfig.Observer
}

func (l *observerList) add(o proxyconfig.Observer) {
	for _, existing := range l.observers {
		if existing == o {
			return
		}
	}
	l.observers = append(l.observers, o)
}

func (l *observerList) remove(o proxyconfig.Observer) {
	for i, existing := range l.observers {
		if existing == o {
			l.observers = append(l.observers[:i:i], l.observers[i+1:]...)
			return
		}
	}
}

func (l *observerList) notify(cfg proxyconfig.Config, availability proxyconfig.Availability) {
	// Observers may remove themselves while being notified.
	for _, o := range append([]proxyconfig.Observer(nil), l.observers...) {
		o.OnProxyConfigChanged(cfg, availability)
	}
}
