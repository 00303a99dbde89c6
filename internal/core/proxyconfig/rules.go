package proxyconfig

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"liuproxy_resolver/internal/core/proxyinfo"
)

// RulesType selects how manual rules map a URL to a proxy list.
type RulesType int

const (
	RulesEmpty RulesType = iota
	RulesSingle
	RulesPerScheme
)

func (t RulesType) String() string {
	switch t {
	case RulesSingle:
		return "single"
	case RulesPerScheme:
		return "per_scheme"
	default:
		return "empty"
	}
}

// Rules are manual proxy settings.
type Rules struct {
	Type RulesType `json:"type"`

	// Single is used for every scheme when Type is RulesSingle.
	Single proxyinfo.List `json:"single,omitempty"`

	// Per-scheme lists, used when Type is RulesPerScheme.
	HTTP  proxyinfo.List `json:"http,omitempty"`
	HTTPS proxyinfo.List `json:"https,omitempty"`
	FTP   proxyinfo.List `json:"ftp,omitempty"`
	// Fallback ("socks=" in rule strings) catches schemes without a list.
	Fallback proxyinfo.List `json:"fallback,omitempty"`

	Bypass BypassRules `json:"bypass"`
	// ReverseBypass turns the bypass list into an allow list.
	ReverseBypass bool `json:"reverse_bypass"`
}

// ParseRules parses the classic rule string formats:
//
//	"p1:80"                                single proxy for everything
//	"p1:80,socks5://s:1080"                single list
//	"http=p1:80;https=p2:443;socks=s:1080" per scheme
func ParseRules(s string) (Rules, error) {
	var r Rules
	s = strings.TrimSpace(s)
	if s == "" {
		return r, nil
	}

	for _, group := range strings.Split(s, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		scheme, list, hasScheme := strings.Cut(group, "=")
		if !hasScheme {
			if r.Type == RulesPerScheme {
				return Rules{}, fmt.Errorf("proxy rules %q mix per-scheme and single entries", s)
			}
			l, err := parseURIList(group, proxyinfo.SchemeHTTP)
			if err != nil {
				return Rules{}, err
			}
			r.Type = RulesSingle
			r.Single = l
			return r, nil
		}

		r.Type = RulesPerScheme
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		defaultScheme := proxyinfo.SchemeHTTP
		var target *proxyinfo.List
		switch scheme {
		case "http":
			target = &r.HTTP
		case "https":
			target = &r.HTTPS
		case "ftp":
			target = &r.FTP
		case "socks":
			target = &r.Fallback
			defaultScheme = proxyinfo.SchemeSOCKS4
		default:
			return Rules{}, fmt.Errorf("unknown url scheme %q in proxy rules", scheme)
		}
		l, err := parseURIList(list, defaultScheme)
		if err != nil {
			return Rules{}, err
		}
		*target = proxyinfo.NewList(append(target.Servers(), l.Servers()...)...)
	}
	return r, nil
}

func parseURIList(s, defaultScheme string) (proxyinfo.List, error) {
	var servers []proxyinfo.Server
	for _, uri := range strings.Split(s, ",") {
		if strings.TrimSpace(uri) == "" {
			continue
		}
		srv, err := proxyinfo.ParseURI(uri, defaultScheme)
		if err != nil {
			return proxyinfo.List{}, err
		}
		servers = append(servers, srv)
	}
	if len(servers) == 0 {
		return proxyinfo.List{}, fmt.Errorf("empty proxy list %q", s)
	}
	return proxyinfo.NewList(servers...), nil
}

func (r Rules) IsEmpty() bool { return r.Type == RulesEmpty }

// Apply writes the manual decision for u into info.
func (r Rules) Apply(u *url.URL, info *proxyinfo.Info) {
	if r.Type == RulesEmpty {
		info.UseDirect()
		return
	}

	bypass := r.Bypass.Matches(u)
	if r.ReverseBypass {
		bypass = !bypass
	}
	if bypass {
		info.UseDirectWithBypassedProxy()
		return
	}

	switch r.Type {
	case RulesSingle:
		info.UseList(r.Single)
	case RulesPerScheme:
		if l := r.listForScheme(u.Scheme); l != nil {
			info.UseList(*l)
		} else {
			info.UseDirect()
		}
	}
}

func (r *Rules) listForScheme(scheme string) *proxyinfo.List {
	var l *proxyinfo.List
	switch strings.ToLower(scheme) {
	case "http", "ws":
		l = &r.HTTP
	case "https", "wss":
		l = &r.HTTPS
	case "ftp":
		l = &r.FTP
	}
	if l != nil && !l.IsEmpty() {
		return l
	}
	if !r.Fallback.IsEmpty() {
		return &r.Fallback
	}
	return nil
}

func (r Rules) Equal(o Rules) bool {
	return r.Type == o.Type &&
		r.Single.Equal(o.Single) &&
		r.HTTP.Equal(o.HTTP) &&
		r.HTTPS.Equal(o.HTTPS) &&
		r.FTP.Equal(o.FTP) &&
		r.Fallback.Equal(o.Fallback) &&
		r.ReverseBypass == o.ReverseBypass &&
		r.Bypass.String() == o.Bypass.String()
}

// String formats the rules back into the ParseRules syntax.
func (r Rules) String() string {
	join := func(l proxyinfo.List) string {
		var uris []string
		for _, s := range l.Servers() {
			uris = append(uris, s.URI())
		}
		return strings.Join(uris, ",")
	}
	switch r.Type {
	case RulesSingle:
		return join(r.Single)
	case RulesPerScheme:
		parts := map[string]proxyinfo.List{"http": r.HTTP, "https": r.HTTPS, "ftp": r.FTP, "socks": r.Fallback}
		keys := make([]string, 0, len(parts))
		for k, l := range parts {
			if !l.IsEmpty() {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, k+"="+join(parts[k]))
		}
		return strings.Join(out, ";")
	default:
		return ""
	}
}
