// SPDX-License-Identifier: GPL-3.0-or-later

package dnstrack

import (
	"net/netip"

	"github.com/rbmk-project/unblock/netipx"
	"github.com/rbmk-project/unblock/packet"
)

// RedirectPolicy tells which DNS queries to redirect and where.
type RedirectPolicy struct {
	// EnableV4 enables redirecting IPv4 queries.
	EnableV4 bool

	// ServerV4 is the IPv4 resolver endpoint.
	ServerV4 netip.AddrPort

	// EnableV6 enables redirecting IPv6 queries.
	EnableV6 bool

	// ServerV6 is the IPv6 resolver endpoint.
	ServerV6 netip.AddrPort
}

// Target returns the resolver for the given family, if redirection
// is enabled for it and the resolver endpoint is valid.
func (p RedirectPolicy) Target(ipv6 bool) (netip.AddrPort, bool) {
	server, enabled := p.ServerV4, p.EnableV4
	if ipv6 {
		server, enabled = p.ServerV6, p.EnableV6
	}
	if !enabled || !server.IsValid() || server.Port() == 0 {
		return netip.AddrPort{}, false
	}
	return server, true
}

// ShouldRedirect returns whether the packet is a DNS query that we
// should redirect according to the policy: UDP towards port 53, not
// known to be inbound, for a family with redirection enabled, and not
// already directed to the configured resolver.
func ShouldRedirect(pkt *packet.Packet, policy RedirectPolicy) bool {
	if pkt.Protocol() != packet.IPProtocolUDP || pkt.DstPort() != packet.PortDNS {
		return false
	}
	if pkt.Direction() == packet.DirectionInbound {
		return false
	}
	target, ok := policy.Target(pkt.IsIPv6())
	if !ok {
		return false
	}
	return netipx.CompareAddrPort(pkt.Dst(), target) != 0
}
