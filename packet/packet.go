// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet contains [*Packet] and the related definitions.
//
// A [*Packet] is a view over the raw bytes of a single IPv4 or IPv6
// packet carrying TCP or UDP. Header fields are read through bounds
// checked accessors and every mutation keeps the raw bytes and the
// checksums consistent, so that the result is ready for reinjection.
package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// IPProtocol is the protocol number of an IP packet.
type IPProtocol uint8

// String returns the string representation of the IP protocol.
func (p IPProtocol) String() string {
	switch p {
	case IPProtocolTCP:
		return "tcp"

	case IPProtocolUDP:
		return "udp"

	default:
		return "unknown"
	}
}

const (
	// IPProtocolTCP is the TCP protocol number.
	IPProtocolTCP = IPProtocol(6)

	// IPProtocolUDP is the UDP protocol number.
	IPProtocolUDP = IPProtocol(17)
)

// TCPFlags is a set of TCP flags.
type TCPFlags uint8

// String returns the string representation of the TCP flags.
func (flags TCPFlags) String() string {
	var builder strings.Builder
	for _, entry := range []struct {
		flag TCPFlags
		name byte
	}{
		{TCPFlagFIN, 'F'},
		{TCPFlagSYN, 'S'},
		{TCPFlagRST, 'R'},
		{TCPFlagPSH, 'P'},
		{TCPFlagACK, 'A'},
	} {
		if flags&entry.flag != 0 {
			builder.WriteByte(entry.name)
		} else {
			builder.WriteByte('.')
		}
	}
	return builder.String()
}

const (
	// TCPFlagFIN is the FIN flag.
	TCPFlagFIN = TCPFlags(1)

	// TCPFlagSYN is the SYN flag.
	TCPFlagSYN = TCPFlags(2)

	// TCPFlagRST is the RST flag.
	TCPFlagRST = TCPFlags(4)

	// TCPFlagPSH is the PSH flag.
	TCPFlagPSH = TCPFlags(8)

	// TCPFlagACK is the ACK flag.
	TCPFlagACK = TCPFlags(16)
)

// Direction tells whether a packet leaves or enters this host.
type Direction uint8

const (
	// DirectionUnknown means neither address belongs to this host.
	DirectionUnknown = Direction(iota)

	// DirectionOutbound means the source address belongs to this host.
	DirectionOutbound

	// DirectionInbound means the destination address belongs to this host.
	DirectionInbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Packet is a parsed IPv4 or IPv6 packet carrying TCP or UDP.
//
// Construct using [Parse]. The zero value is not valid and most
// mutating methods return [ErrNoRawBuffer] when invoked on it.
type Packet struct {
	// raw contains the whole IP packet.
	raw []byte

	// ipHdrLen is the length of the IP header including
	// any IPv6 extension header that we walked through.
	ipHdrLen int

	// l4HdrLen is the length of the transport header or zero
	// for IPv4 fragments that do not carry it.
	l4HdrLen int

	// dir is the direction computed when parsing.
	dir Direction
}

// Version returns the IP version (4 or 6) or zero for the zero value.
func (p *Packet) Version() int {
	if len(p.raw) == 0 {
		return 0
	}
	return int(p.raw[0] >> 4)
}

// IsIPv6 returns whether this is an IPv6 packet.
func (p *Packet) IsIPv6() bool {
	return p.Version() == 6
}

// Direction returns the packet direction.
func (p *Packet) Direction() Direction {
	return p.dir
}

// Protocol returns the transport protocol.
func (p *Packet) Protocol() IPProtocol {
	switch p.Version() {
	case 4:
		return IPProtocol(p.raw[9])
	case 6:
		return p.ipv6Transport()
	default:
		return 0
	}
}

// ipv6Transport walks the extension headers to find the transport
// protocol of an IPv6 packet already validated by [Parse].
func (p *Packet) ipv6Transport() IPProtocol {
	next, off := p.raw[6], ipv6HeaderLen
	for off < p.ipHdrLen && isIPv6ExtensionHeader(next) {
		next, off = p.raw[off], off+(int(p.raw[off+1])+1)*8
	}
	return IPProtocol(next)
}

// SrcAddr returns the source address.
func (p *Packet) SrcAddr() netip.Addr {
	switch p.Version() {
	case 4:
		return netip.AddrFrom4([4]byte(p.raw[12:16]))
	case 6:
		return netip.AddrFrom16([16]byte(p.raw[8:24]))
	default:
		return netip.Addr{}
	}
}

// DstAddr returns the destination address.
func (p *Packet) DstAddr() netip.Addr {
	switch p.Version() {
	case 4:
		return netip.AddrFrom4([4]byte(p.raw[16:20]))
	case 6:
		return netip.AddrFrom16([16]byte(p.raw[24:40]))
	default:
		return netip.Addr{}
	}
}

// SrcPort returns the source port or zero when there is no transport header.
func (p *Packet) SrcPort() uint16 {
	if p.l4HdrLen <= 0 {
		return 0
	}
	return binary.BigEndian.Uint16(p.raw[p.ipHdrLen:])
}

// DstPort returns the destination port or zero when there is no transport header.
func (p *Packet) DstPort() uint16 {
	if p.l4HdrLen <= 0 {
		return 0
	}
	return binary.BigEndian.Uint16(p.raw[p.ipHdrLen+2:])
}

// Src returns the source endpoint.
func (p *Packet) Src() netip.AddrPort {
	return netip.AddrPortFrom(p.SrcAddr(), p.SrcPort())
}

// Dst returns the destination endpoint.
func (p *Packet) Dst() netip.AddrPort {
	return netip.AddrPortFrom(p.DstAddr(), p.DstPort())
}

// TTL returns the IPv4 TTL or the IPv6 hop limit.
func (p *Packet) TTL() uint8 {
	switch p.Version() {
	case 4:
		return p.raw[8]
	case 6:
		return p.raw[7]
	default:
		return 0
	}
}

// isTCP returns whether the packet carries a TCP header.
func (p *Packet) isTCP() bool {
	return p.l4HdrLen > 0 && p.Protocol() == IPProtocolTCP
}

// Flags returns the TCP flags or zero for non-TCP packets.
func (p *Packet) Flags() TCPFlags {
	if !p.isTCP() {
		return 0
	}
	return TCPFlags(p.raw[p.ipHdrLen+13])
}

// Seq returns the TCP sequence number or zero for non-TCP packets.
func (p *Packet) Seq() uint32 {
	if !p.isTCP() {
		return 0
	}
	return binary.BigEndian.Uint32(p.raw[p.ipHdrLen+4:])
}

// Ack returns the TCP acknowledgement number or zero for non-TCP packets.
func (p *Packet) Ack() uint32 {
	if !p.isTCP() {
		return 0
	}
	return binary.BigEndian.Uint32(p.raw[p.ipHdrLen+8:])
}

// Window returns the TCP window or zero for non-TCP packets.
func (p *Packet) Window() uint16 {
	if !p.isTCP() {
		return 0
	}
	return binary.BigEndian.Uint16(p.raw[p.ipHdrLen+14:])
}

// Raw returns the raw bytes of the whole packet. The returned slice
// aliases the packet memory and must not be modified.
func (p *Packet) Raw() []byte {
	return p.raw
}

// Header returns the IP and transport headers.
func (p *Packet) Header() []byte {
	return p.raw[:p.ipHdrLen+p.l4HdrLen]
}

// Payload returns the transport payload. For fragments that do
// not carry a transport header, it returns the fragment data.
func (p *Packet) Payload() []byte {
	return p.raw[p.ipHdrLen+p.l4HdrLen:]
}

// HasTransportHeader returns whether the packet carries a TCP or UDP header.
func (p *Packet) HasTransportHeader() bool {
	return p.l4HdrLen > 0
}

// String returns the string representation of the packet.
func (p *Packet) String() string {
	var extra string
	if p.isTCP() {
		extra = fmt.Sprintf(" flags=%s seq=%d", p.Flags(), p.Seq())
	}
	return fmt.Sprintf(
		"%s -> %s %s ttl=%d%s length=%d",
		net.JoinHostPort(p.SrcAddr().String(), strconv.Itoa(int(p.SrcPort()))),
		net.JoinHostPort(p.DstAddr().String(), strconv.Itoa(int(p.DstPort()))),
		p.Protocol(),
		p.TTL(),
		extra,
		len(p.Payload()),
	)
}
