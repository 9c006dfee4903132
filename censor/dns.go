// SPDX-License-Identifier: GPL-3.0-or-later

package censor

import (
	"net"
	"net/netip"

	"github.com/miekg/dns"
	"github.com/rbmk-project/unblock/netipx"
	"github.com/rbmk-project/unblock/packet"
)

// DNSPoisoner implements GFW-style DNS poisoning of the queries
// sent to a given resolver.
type DNSPoisoner struct {
	// answers maps a FQDN to the spoofed IPv4 address.
	answers map[string]netip.Addr

	// resolver is the resolver endpoint to watch.
	resolver netip.AddrPort
}

// NewDNSPoisoner creates a new DNS poisoner that injects A responses
// for the queries sent to resolver, according to answers, which maps
// domain names to the spoofed addresses.
func NewDNSPoisoner(resolver netip.AddrPort, answers map[string]netip.Addr) *DNSPoisoner {
	fqdns := make(map[string]netip.Addr)
	for name, addr := range answers {
		fqdns[dns.CanonicalName(name)] = addr
	}
	return &DNSPoisoner{answers: fqdns, resolver: resolver}
}

// Filter implements [Filter].
func (p *DNSPoisoner) Filter(pkt *packet.Packet) (Target, []*packet.Packet) {
	// Only process UDP DNS queries to the watched resolver
	if pkt.Protocol() != packet.IPProtocolUDP || netipx.CompareAddrPort(pkt.Dst(), p.resolver) != 0 {
		return ACCEPT, nil
	}

	// Parse DNS query
	query := new(dns.Msg)
	if err := query.Unpack(pkt.Payload()); err != nil {
		return ACCEPT, nil
	}

	// Only process queries
	if query.Response || len(query.Question) != 1 {
		return ACCEPT, nil
	}

	// Let original query continue
	return ACCEPT, p.spoof(pkt, query)
}

// spoof creates the spoofed response, if any.
func (p *DNSPoisoner) spoof(pkt *packet.Packet, query *dns.Msg) []*packet.Packet {
	q0 := query.Question[0]
	addr, found := p.answers[dns.CanonicalName(q0.Name)]
	if !found || q0.Qtype != dns.TypeA {
		return nil
	}

	resp := &dns.Msg{}
	resp.SetReply(query)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   q0.Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    3600,
		},
		A: net.IP(addr.AsSlice()),
	})
	payload, err := resp.Pack()
	if err != nil {
		return nil
	}

	spoofed, err := reply(pkt, packet.Template{TTL: 64, Payload: payload})
	if err != nil {
		return nil
	}
	return []*packet.Packet{spoofed}
}
