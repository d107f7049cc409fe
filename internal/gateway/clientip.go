package gateway

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

var errNoClientIP = errors.New("no usable public client IP address")

func defaultResolver() Resolver {
	return net.DefaultResolver
}

// peerIP is the connection peer's address, without any header trust.
func peerIP(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, errNoClientIP
	}
	return addr.Unmap(), nil
}

// clientIP derives the public address a measurement should be attributed
// to: a validated override wins, then the first X-Forwarded-For hop, then
// the connection peer. Private and loopback addresses are rejected so RIPE
// probe selection never keys on them.
func clientIP(r *http.Request, override string) (netip.Addr, error) {
	if override != "" {
		addr, err := netip.ParseAddr(override)
		if err != nil {
			return netip.Addr{}, errNoClientIP
		}
		return addr.Unmap(), nil
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil && publicAddr(addr) {
			return addr.Unmap(), nil
		}
	}

	addr, err := peerIP(r)
	if err != nil || !publicAddr(addr) {
		return netip.Addr{}, errNoClientIP
	}
	return addr, nil
}

func publicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsValid() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsUnspecified()
}
