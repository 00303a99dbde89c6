package proxyinfo

import (
	"encoding/json"
	"strings"
	"time"

	"liuproxy_resolver/internal/core/retry"
)

// List is an ordered list of proxies to try, first entry first.
type List struct {
	servers []Server
}

// NewList builds a list from servers, skipping invalid entries.
func NewList(servers ...Server) List {
	var l List
	l.Set(servers...)
	return l
}

func (l *List) Set(servers ...Server) {
	l.servers = make([]Server, 0, len(servers))
	for _, s := range servers {
		if s.IsValid() {
			l.servers = append(l.servers, s)
		}
	}
}

func (l *List) SetSingle(s Server) {
	l.Set(s)
}

// SetFromPACString parses a PAC result such as "PROXY p1:80; DIRECT".
// Unparseable elements are skipped; if nothing parses the list becomes DIRECT.
func (l *List) SetFromPACString(pac string) {
	l.servers = nil
	for _, element := range strings.Split(pac, ";") {
		s, err := ParsePAC(element)
		if err != nil {
			continue
		}
		l.servers = append(l.servers, s)
	}
	if len(l.servers) == 0 {
		l.servers = append(l.servers, Direct())
	}
}

// PACString formats the list back into PAC notation.
func (l List) PACString() string {
	parts := make([]string, 0, len(l.servers))
	for _, s := range l.servers {
		parts = append(parts, s.PAC())
	}
	return strings.Join(parts, "; ")
}

// Servers returns a copy of the entries.
func (l List) Servers() []Server {
	out := make([]Server, len(l.servers))
	copy(out, l.servers)
	return out
}

func (l List) Len() int       { return len(l.servers) }
func (l List) IsEmpty() bool  { return len(l.servers) == 0 }
func (l List) String() string { return l.PACString() }

// Get returns the entry currently in use, or the zero Server for an empty list.
func (l List) Get() Server {
	if len(l.servers) == 0 {
		return Server{}
	}
	return l.servers[0]
}

func (l List) Equal(o List) bool {
	if len(l.servers) != len(o.servers) {
		return false
	}
	for i := range l.servers {
		if l.servers[i] != o.servers[i] {
			return false
		}
	}
	return true
}

// Deprioritize reorders the list so proxies known to be bad at now come last.
// Bad entries without TryWhileBad are dropped. Expired entries count as good.
func (l *List) Deprioritize(bad retry.Map, now time.Time) {
	if len(bad) == 0 {
		return
	}
	good := make([]Server, 0, len(l.servers))
	var badToTry []Server
	for _, s := range l.servers {
		if info, ok := bad[s.URI()]; ok && !info.ExpiredAt(now) {
			if info.TryWhileBad {
				badToTry = append(badToTry, s)
			}
			continue
		}
		good = append(good, s)
	}
	l.servers = append(good, badToTry...)
}

// UpdateRetryInfoOnFallback marks the lead proxy, and any extra proxies, bad
// for delay. DIRECT is never marked.
func (l List) UpdateRetryInfoOnFallback(m retry.Map, delay time.Duration, reconsider bool, extra []Server, err error, now time.Time) {
	if len(l.servers) == 0 || l.servers[0].IsDirect() {
		return
	}
	if delay <= 0 {
		delay = retry.DefaultDelay
	}
	add := func(s Server) {
		m.Add(s.URI(), retry.Info{
			BadUntil:    now.Add(delay),
			Delay:       delay,
			TryWhileBad: reconsider,
			Err:         err,
		})
	}
	add(l.servers[0])
	for _, s := range extra {
		if s.IsValid() && !s.IsDirect() {
			add(s)
		}
	}
}

// Fallback marks the current proxy bad for the default delay and moves on to
// the next one. It reports whether any entry is left to try.
func (l *List) Fallback(m retry.Map, err error, now time.Time) bool {
	if len(l.servers) == 0 {
		return false
	}
	l.UpdateRetryInfoOnFallback(m, retry.DefaultDelay, true, nil, err, now)
	l.servers = l.servers[1:]
	return len(l.servers) > 0
}

// MarshalJSON encodes the list as its PAC string.
func (l List) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.PACString())
}
