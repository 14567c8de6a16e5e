// Package proxyhttp holds the HTTP/1.1 shaping rules shared by the ship
// client listener and the offshore dispatcher: hop-by-hop header removal,
// the Via header, and origin-form request-target rewriting, per spec §6.
package proxyhttp

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// HopByHop lists the headers spec §6 requires stripped before forwarding,
// beyond any header named in the request's own Connection header.
var HopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// ViaToken is appended as this proxy's hop identifier in the Via header.
const ViaToken = "1.1 ship-proxy"

// StripHopByHop removes the standard hop-by-hop headers and any headers
// named in the Connection header, mutating *l in place.
func StripHopByHop(l *List) {
	for _, name := range connectionTokens(*l) {
		l.Del(name)
	}
	for _, name := range HopByHop {
		l.Del(name)
	}
}

func connectionTokens(l List) []string {
	var tokens []string
	for _, v := range l.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

// AddVia appends this proxy's Via token to l, preserving any existing Via
// value set by an upstream hop.
func AddVia(l *List) {
	l.Add("Via", ViaToken)
}

// Target is a parsed proxy request-target: the host:port to dial plus the
// origin-form request-target to send on that connection.
type Target struct {
	HostPort   string
	OriginForm string
}

// DefaultHTTPPort is used when an absolute-form URI or Host header omits a
// port.
const DefaultHTTPPort = "80"

// ResolveTarget determines where to dial and what origin-form
// request-target to send, from a parsed request-target (absolute-form or
// origin-form) and its header list. Per spec §4.5.
func ResolveTarget(requestTarget string, header List) (Target, error) {
	if strings.HasPrefix(requestTarget, "http://") || strings.HasPrefix(requestTarget, "https://") {
		u, err := url.Parse(requestTarget)
		if err != nil {
			return Target{}, fmt.Errorf("parsing absolute-form target %q: %w", requestTarget, err)
		}
		host := u.Hostname()
		port := u.Port()
		if port == "" {
			port = DefaultHTTPPort
		}
		origin := u.EscapedPath()
		if origin == "" {
			origin = "/"
		}
		if u.RawQuery != "" {
			origin += "?" + u.RawQuery
		}
		return Target{HostPort: net.JoinHostPort(host, port), OriginForm: origin}, nil
	}

	// Origin-form request-target: rely on the Host header.
	hostHeader, ok := header.Get("Host")
	if !ok || hostHeader == "" {
		return Target{}, fmt.Errorf("origin-form request missing Host header")
	}
	host, port, err := net.SplitHostPort(hostHeader)
	if err != nil {
		host, port = hostHeader, DefaultHTTPPort
	}
	return Target{HostPort: net.JoinHostPort(host, port), OriginForm: requestTarget}, nil
}

// EnsureHost sets the Host header to hostPort if not already present.
func EnsureHost(l *List, hostPort string) {
	if _, ok := l.Get("Host"); !ok {
		l.Set("Host", hostPort)
	}
}
