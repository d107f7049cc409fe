package geo

import (
	"fmt"
	"net"
	"net/netip"
)

// Probe targets used only to pick an outbound interface; no packets are
// actually sent on an unconnected UDP socket.
const (
	egressProbeV4 = "8.8.8.8:53"
	egressProbeV6 = "[2001:4860:4860::8888]:53"
)

// VantagePoint describes the service's own egress address for one family.
type VantagePoint struct {
	IP          netip.Addr `json:"vantage_point_ip"`
	CountryCode string     `json:"country_code"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
}

// EgressIP returns the local address the kernel would use to reach the
// public internet for the given family (4 or 6).
func EgressIP(family int) (netip.Addr, error) {
	target := egressProbeV4
	network := "udp4"
	if family == 6 {
		target = egressProbeV6
		network = "udp6"
	}

	conn, err := net.Dial(network, target)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("detect IPv%d egress address: %w", family, err)
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("detect IPv%d egress address: unexpected local address type", family)
	}
	addr, ok := netip.AddrFromSlice(local.IP)
	if !ok {
		return netip.Addr{}, fmt.Errorf("detect IPv%d egress address: invalid local address", family)
	}
	return addr.Unmap(), nil
}

// VantageDetails resolves the service's own vantage point for the family.
func (r *Resolver) VantageDetails(family int) (*VantagePoint, error) {
	ip, err := EgressIP(family)
	if err != nil {
		return nil, err
	}
	rec := r.Resolve(ip)
	return &VantagePoint{
		IP:          ip,
		CountryCode: rec.CountryCode,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
	}, nil
}
