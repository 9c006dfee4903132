// SPDX-License-Identifier: GPL-3.0-or-later

// Package netipx contains [net/netip] extensions used to build
// the set of local addresses and to compare endpoints.
package netipx

import (
	"cmp"
	"net"
	"net/netip"
)

// AddrFromNetAddr converts a [net.Addr] to a [netip.Addr].
//
// It understands [*net.IPNet] (what [net.InterfaceAddrs] returns),
// [*net.IPAddr], [*net.TCPAddr], and [*net.UDPAddr]. IPv4-mapped IPv6
// addresses are unmapped, so that IPv4 packets match them.
//
// The second return value is false for nil or unsupported inputs.
func AddrFromNetAddr(addr net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	case *net.TCPAddr:
		ip = v.IP
	case *net.UDPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	out, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return out.Unmap(), true
}

// InterfaceAddrs returns the unicast addresses of all the system
// network interfaces as [netip.Addr] values.
func InterfaceAddrs() ([]netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	return ConvertAddrs(addrs), nil
}

// ConvertAddrs converts a list of [net.Addr] skipping the
// entries that [AddrFromNetAddr] cannot convert.
func ConvertAddrs(addrs []net.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		if ip, ok := AddrFromNetAddr(addr); ok {
			out = append(out, ip)
		}
	}
	return out
}

// CompareAddrPort orders two endpoints by address and then by port.
//
// Unlike [netip.AddrPort.Compare], IPv4-mapped IPv6 addresses compare
// equal to the corresponding IPv4 address.
func CompareAddrPort(a, b netip.AddrPort) int {
	if c := a.Addr().Unmap().Compare(b.Addr().Unmap()); c != 0 {
		return c
	}
	return cmp.Compare(a.Port(), b.Port())
}
