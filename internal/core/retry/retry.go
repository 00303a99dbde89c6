// Package retry holds the bad-proxy bookkeeping: which proxies recently
// failed and until when they should be avoided.
package retry

import (
	"sort"
	"time"
)

// DefaultDelay is how long a proxy stays bad when no explicit delay is given.
const DefaultDelay = 5 * time.Minute

// Info describes one bad proxy.
type Info struct {
	BadUntil time.Time     `json:"bad_until"`
	Delay    time.Duration `json:"delay"`
	// TryWhileBad keeps the proxy at the tail of a resolved list instead of
	// dropping it while it is still bad.
	TryWhileBad bool  `json:"try_while_bad"`
	Err         error `json:"-"`
}

// ExpiredAt reports whether the entry no longer applies at now.
func (i Info) ExpiredAt(now time.Time) bool {
	return !i.BadUntil.After(now)
}

// Map is keyed by proxy URI (proxyinfo.Server.URI).
type Map map[string]Info

// Add records info for key unless an entry with a later BadUntil already exists.
// It reports whether the map changed.
func (m Map) Add(key string, info Info) bool {
	if existing, ok := m[key]; ok && !info.BadUntil.After(existing.BadUntil) {
		return false
	}
	m[key] = info
	return true
}

// Merge folds other into m keeping the later BadUntil per key, and returns the
// keys that were not present before, sorted.
func (m Map) Merge(other Map) []string {
	var added []string
	for key, info := range other {
		if _, ok := m[key]; !ok {
			added = append(added, key)
		}
		m.Add(key, info)
	}
	sort.Strings(added)
	return added
}

// Clone returns a shallow copy.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Registry is a Map with a clock. Expired entries are evicted lazily, on
// lookup or snapshot. It is not safe for concurrent use; the coordinator owns
// it on its sequence.
type Registry struct {
	entries Map
	now     func() time.Time
}

// NewRegistry creates an empty registry. A nil clock means time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{entries: make(Map), now: now}
}

// MarkBad marks key bad for delay from now. A zero delay means DefaultDelay.
func (r *Registry) MarkBad(key string, delay time.Duration, tryWhileBad bool, err error) bool {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return r.entries.Add(key, Info{
		BadUntil:    r.now().Add(delay),
		Delay:       delay,
		TryWhileBad: tryWhileBad,
		Err:         err,
	})
}

// Merge folds reported retry info into the registry, keeping the later
// BadUntil per proxy. It returns the newly added keys.
func (r *Registry) Merge(other Map) []string {
	return r.entries.Merge(other)
}

// Lookup returns the live entry for key. Expired entries are evicted and
// reported as absent.
func (r *Registry) Lookup(key string) (Info, bool) {
	info, ok := r.entries[key]
	if !ok {
		return Info{}, false
	}
	if info.ExpiredAt(r.now()) {
		delete(r.entries, key)
		return Info{}, false
	}
	return info, true
}

// Snapshot evicts expired entries and returns a copy of the rest.
func (r *Registry) Snapshot() Map {
	r.evictExpired()
	return r.entries.Clone()
}

func (r *Registry) Clear() {
	r.entries = make(Map)
}

// Len counts entries, expired ones included.
func (r *Registry) Len() int {
	return len(r.entries)
}

func (r *Registry) evictExpired() {
	now := r.now()
	for key, info := range r.entries {
		if info.ExpiredAt(now) {
			delete(r.entries, key)
		}
	}
}
