package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URL schemes. The secure scheme announces that the accepting side will
// upgrade to TLS right after its banner.
const (
	SchemePlain  = "rrepl"
	SchemeSecure = "rrepls"
)

// Endpoint is a parsed session or broker URL.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// ParseURL parses "scheme://host:port/". A missing scheme defaults to
// plain; a missing port defaults to defaultPort.
func ParseURL(raw string, defaultPort int) (Endpoint, error) {
	full := raw
	if !strings.Contains(raw, "://") {
		full = SchemePlain + "://" + raw
	}
	u, err := url.Parse(full)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse url %q: %w", raw, err)
	}
	ep := Endpoint{Scheme: u.Scheme, Host: u.Hostname(), Port: defaultPort}
	switch ep.Scheme {
	case SchemePlain, SchemeSecure:
	default:
		return Endpoint{}, fmt.Errorf("url %q: unsupported scheme %q", raw, ep.Scheme)
	}
	if p := u.Port(); p != "" {
		ep.Port, err = strconv.Atoi(p)
		if err != nil || ep.Port <= 0 || ep.Port > 65535 {
			return Endpoint{}, fmt.Errorf("url %q: bad port %q", raw, p)
		}
	}
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("url %q: missing host", raw)
	}
	return ep, nil
}

// TLS reports whether the endpoint uses the secure scheme.
func (e Endpoint) TLS() bool { return e.Scheme == SchemeSecure }

// Addr returns host:port for dialing.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Addr() + "/"
}

// IsLocalHost reports whether host names this machine without saying how
// to reach it from elsewhere.
func IsLocalHost(host string) bool {
	switch host {
	case "localhost", "0.0.0.0", "::", "127.0.0.1", "::1":
		return true
	}
	return false
}

// IsUnspecified reports whether host is a wildcard bind address.
func IsUnspecified(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// LocalIPv4s lists the machine's IPv4 interface addresses, loopback first.
func LocalIPv4s() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{"127.0.0.1"}
	}
	var loopback, other []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil {
			continue
		}
		if ip.IsLoopback() {
			loopback = append(loopback, ip.String())
		} else {
			other = append(other, ip.String())
		}
	}
	out := append(loopback, other...)
	if len(out) == 0 {
		return []string{"127.0.0.1"}
	}
	return out
}

// ExpandURL turns a URL bound to a wildcard address into one URL per local
// IPv4 address. Other URLs are returned unchanged.
func ExpandURL(ep Endpoint) []Endpoint {
	if !IsUnspecified(ep.Host) {
		return []Endpoint{ep}
	}
	var out []Endpoint
	for _, ip := range LocalIPv4s() {
		out = append(out, Endpoint{Scheme: ep.Scheme, Host: ip, Port: ep.Port})
	}
	return out
}
