// Package proxyinfo models resolution results: proxy servers, ordered proxy
// lists in PAC notation, and the Info a caller receives from the coordinator.
package proxyinfo

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Proxy schemes understood in URIs and PAC strings.
const (
	SchemeDirect = "direct"
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeSOCKS4 = "socks4"
	SchemeSOCKS5 = "socks5"
)

// Server is one entry of a proxy list. The zero value is invalid.
type Server struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
}

// Direct is the "no proxy" entry.
func Direct() Server {
	return Server{Scheme: SchemeDirect}
}

func (s Server) IsValid() bool  { return s.Scheme != "" }
func (s Server) IsDirect() bool { return s.Scheme == SchemeDirect }

// HostPort returns "host:port", with IPv6 literals bracketed.
func (s Server) HostPort() string {
	if s.IsDirect() {
		return ""
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URI returns the canonical "scheme://host:port" form. It is the key used in
// retry maps.
func (s Server) URI() string {
	if !s.IsValid() {
		return ""
	}
	if s.IsDirect() {
		return "direct://"
	}
	return s.Scheme + "://" + s.HostPort()
}

// PAC returns the entry in PAC result notation, e.g. "PROXY p1:80".
func (s Server) PAC() string {
	switch s.Scheme {
	case SchemeDirect:
		return "DIRECT"
	case SchemeHTTP:
		return "PROXY " + s.HostPort()
	case SchemeHTTPS:
		return "HTTPS " + s.HostPort()
	case SchemeSOCKS4:
		return "SOCKS " + s.HostPort()
	case SchemeSOCKS5:
		return "SOCKS5 " + s.HostPort()
	default:
		return ""
	}
}

func (s Server) String() string { return s.URI() }

// ParseURI parses "scheme://host[:port]", "host[:port]" (using defaultScheme)
// or "direct://".
func ParseURI(uri, defaultScheme string) (Server, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Server{}, fmt.Errorf("empty proxy uri")
	}

	scheme := defaultScheme
	rest := uri
	if i := strings.Index(uri, "://"); i >= 0 {
		scheme = strings.ToLower(uri[:i])
		rest = uri[i+3:]
	}

	switch scheme {
	case "direct":
		if rest != "" {
			return Server{}, fmt.Errorf("direct proxy uri %q must not carry a host", uri)
		}
		return Direct(), nil
	case "socks":
		scheme = SchemeSOCKS4
	case "socks5h":
		scheme = SchemeSOCKS5
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS4, SchemeSOCKS5:
	default:
		return Server{}, fmt.Errorf("unsupported proxy scheme %q", scheme)
	}

	rest = strings.TrimSuffix(rest, "/")
	host, port, err := parseHostPort(rest, scheme)
	if err != nil {
		return Server{}, fmt.Errorf("invalid proxy uri %q: %w", uri, err)
	}
	return Server{Scheme: scheme, Host: host, Port: port}, nil
}

// ParsePAC parses a single PAC result element such as "PROXY p1:80",
// "SOCKS5 s:1080" or "DIRECT". Keywords are case-insensitive.
func ParsePAC(element string) (Server, error) {
	fields := strings.Fields(element)
	if len(fields) == 0 {
		return Server{}, fmt.Errorf("empty PAC element")
	}

	var scheme string
	switch strings.ToUpper(fields[0]) {
	case "DIRECT":
		if len(fields) != 1 {
			return Server{}, fmt.Errorf("DIRECT takes no argument: %q", element)
		}
		return Direct(), nil
	case "PROXY":
		scheme = SchemeHTTP
	case "HTTPS":
		scheme = SchemeHTTPS
	case "SOCKS", "SOCKS4":
		scheme = SchemeSOCKS4
	case "SOCKS5":
		scheme = SchemeSOCKS5
	default:
		return Server{}, fmt.Errorf("unknown PAC keyword %q", fields[0])
	}
	if len(fields) != 2 {
		return Server{}, fmt.Errorf("PAC element %q needs exactly one host:port", element)
	}

	host, port, err := parseHostPort(fields[1], scheme)
	if err != nil {
		return Server{}, fmt.Errorf("invalid PAC element %q: %w", element, err)
	}
	return Server{Scheme: scheme, Host: host, Port: port}, nil
}

func parseHostPort(hp, scheme string) (string, int, error) {
	if hp == "" {
		return "", 0, fmt.Errorf("missing host")
	}
	host, portStr, err := net.SplitHostPort(hp)
	port := 0
	if err != nil {
		// 没有端口, 使用协议默认端口
		host = strings.TrimSuffix(strings.TrimPrefix(hp, "["), "]")
		port = defaultPort(scheme)
	} else {
		port, err = strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", portStr)
		}
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return "", 0, fmt.Errorf("invalid host %q", host)
	}
	return strings.ToLower(host), port, nil
}

func defaultPort(scheme string) int {
	switch scheme {
	case SchemeHTTPS:
		return 443
	case SchemeSOCKS4, SchemeSOCKS5:
		return 1080
	default:
		return 80
	}
}
