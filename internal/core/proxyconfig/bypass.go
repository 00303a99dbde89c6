package proxyconfig

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

const (
	bypassLocal            = "<local>"
	bypassSubtractLoopback = "<-loopback>"
)

type bypassRule struct {
	raw    string
	scheme string // empty matches any
	port   int    // 0 matches any
	match  func(host string) bool
}

// BypassRules lists hosts that skip manual proxies. Loopback hosts are
// bypassed implicitly unless the list contains "<-loopback>".
type BypassRules struct {
	rules            []bypassRule
	subtractLoopback bool
}

// ParseBypassRules parses a comma or semicolon separated list. Supported
// entries:
//
//	example.com          the domain and its subdomains
//	.example.com         subdomains only
//	*.example.*          wildcard pattern
//	http://host:8080     restricted to scheme and port
//	10.0.0.0/8, ::1/128  CIDR ranges for IP literal hosts
//	<local>              hostnames without a dot
//	<-loopback>          stop bypassing localhost implicitly
func ParseBypassRules(s string) (BypassRules, error) {
	var b BypassRules
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	for _, f := range fields {
		if err := b.add(f); err != nil {
			return BypassRules{}, err
		}
	}
	return b, nil
}

func (b *BypassRules) add(raw string) error {
	entry := strings.TrimSpace(raw)
	switch strings.ToLower(entry) {
	case "":
		return nil
	case bypassLocal:
		b.rules = append(b.rules, bypassRule{raw: bypassLocal, match: isLocalHostname})
		return nil
	case bypassSubtractLoopback:
		b.subtractLoopback = true
		return nil
	}

	rule := bypassRule{raw: entry}
	if scheme, rest, ok := strings.Cut(entry, "://"); ok {
		rule.scheme = strings.ToLower(scheme)
		entry = rest
	}

	if prefix, err := netip.ParsePrefix(entry); err == nil {
		prefix = prefix.Masked()
		rule.match = func(host string) bool {
			addr, err := netip.ParseAddr(host)
			return err == nil && prefix.Contains(addr.Unmap())
		}
		b.rules = append(b.rules, rule)
		return nil
	}

	if h, p, err := net.SplitHostPort(entry); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port in bypass rule %q", raw)
		}
		rule.port = port
		entry = h
	}
	entry = strings.Trim(entry, "[]")
	if entry == "" {
		return fmt.Errorf("empty host in bypass rule %q", raw)
	}

	pattern := normalizeHost(entry)
	switch {
	case strings.Contains(pattern, "*"):
		re, err := regexp.Compile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$")
		if err != nil {
			return fmt.Errorf("bad wildcard in bypass rule %q: %w", raw, err)
		}
		rule.match = re.MatchString
	case strings.HasPrefix(pattern, "."):
		suffix := pattern
		rule.match = func(host string) bool { return strings.HasSuffix(host, suffix) }
	default:
		if addr, err := netip.ParseAddr(pattern); err == nil {
			rule.match = func(host string) bool {
				a, err := netip.ParseAddr(host)
				return err == nil && a.Unmap() == addr.Unmap()
			}
			break
		}
		domain := pattern
		rule.match = func(host string) bool {
			return host == domain || strings.HasSuffix(host, "."+domain)
		}
	}
	b.rules = append(b.rules, rule)
	return nil
}

// Matches reports whether u should go direct.
func (b BypassRules) Matches(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return false
	}
	if !b.subtractLoopback && isLoopback(host) {
		return true
	}

	scheme := strings.ToLower(u.Scheme)
	port := urlPort(u)
	for _, r := range b.rules {
		if r.scheme != "" && r.scheme != scheme {
			continue
		}
		if r.port != 0 && r.port != port {
			continue
		}
		if r.match(host) {
			return true
		}
	}
	return false
}

func (b BypassRules) Len() int { return len(b.rules) }

func (b BypassRules) String() string {
	parts := make([]string, 0, len(b.rules)+1)
	for _, r := range b.rules {
		parts = append(parts, r.raw)
	}
	if b.subtractLoopback {
		parts = append(parts, bypassSubtractLoopback)
	}
	return strings.Join(parts, ",")
}

func (b BypassRules) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// normalizeHost lowercases and converts IDNs to their ASCII form so
// "bücher.example" and "xn--bcher-kva.example" compare equal.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if strings.Contains(host, "*") {
		return host
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

func isLocalHostname(host string) bool {
	if _, err := netip.ParseAddr(host); err == nil {
		return false
	}
	return !strings.Contains(host, ".")
}

func isLoopback(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Unmap().IsLoopback()
}

func urlPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, _ := strconv.Atoi(p)
		return n
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	case "ftp":
		return 21
	}
	return 0
}
