package coordinator

import (
	"net/url"
	"sort"
	"time"

	"liuproxy_resolver/internal/core/async"
	"liuproxy_resolver/internal/core/pac"
	"liuproxy_resolver/internal/core/proxyinfo"
)

// RequestID is the caller's handle on a pending resolution. The zero value
// never names a request.
type RequestID uint64

type request struct {
	id      RequestID
	url     *url.URL
	info    *proxyinfo.Info
	cb      async.Callback
	created time.Time
	traceID string

	// Set while a resolver job is outstanding.
	started bool
	job     pac.JobID
	// attempt invalidates callbacks from jobs cancelled by a suspend.
	attempt      uint64
	configID     int64
	configSource string
}

// requestArena owns the pending requests. IDs grow monotonically so
// iterating them in order is submission order.
type requestArena struct {
	next  RequestID
	items map[RequestID]*request
}

func newRequestArena() *requestArena {
	return &requestArena{items: make(map[RequestID]*request)}
}

func (a *requestArena) reserve() RequestID {
	a.next++
	return a.next
}

func (a *requestArena) insert(r *request) {
	a.items[r.id] = r
}

func (a *requestArena) get(id RequestID) *request {
	return a.items[id]
}

func (a *requestArena) remove(id RequestID) {
	delete(a.items, id)
}

func (a *requestArena) len() int { return len(a.items) }

// ordered returns a snapshot of the ids in submission order.
func (a *requestArena) ordered() []RequestID {
	ids := make([]RequestID, 0, len(a.items))
	for id := range a.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
