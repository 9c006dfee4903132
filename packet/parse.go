// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrTruncated indicates that the packet is shorter than its headers claim.
	ErrTruncated = errors.New("packet: truncated")

	// ErrUnsupported indicates a packet that is not IPv4/IPv6 carrying TCP/UDP
	// or that uses a feature we do not handle (e.g., fragments).
	ErrUnsupported = errors.New("packet: unsupported")

	// ErrNoRawBuffer indicates that the packet has no backing raw bytes.
	ErrNoRawBuffer = errors.New("packet: no raw buffer")

	// ErrNoTransport indicates that the packet has no transport header.
	ErrNoTransport = errors.New("packet: no transport header")

	// ErrBadOffset indicates an invalid split offset.
	ErrBadOffset = errors.New("packet: bad split offset")
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	tcpHeaderLen  = 20
	udpHeaderLen  = 8
)

// isIPv6ExtensionHeader returns whether next is an IPv6 extension
// header that we know how to walk through.
func isIPv6ExtensionHeader(next byte) bool {
	switch next {
	case 0, 43, 60: // hop-by-hop, routing, destination options
		return true
	default:
		return false
	}
}

// ipv6FragmentHeader is the IPv6 fragment extension header number.
const ipv6FragmentHeader = 44

// Parse parses raw bytes into a [*Packet].
//
// The local argument determines the packet direction and may be nil,
// in which case the direction is always [DirectionUnknown].
//
// Parse copies raw, so the caller may reuse the buffer. Bytes after
// the end declared by the IP header are discarded.
//
// Errors wrap [ErrTruncated] or [ErrUnsupported].
func Parse(raw []byte, local *LocalAddrs) (*Packet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrTruncated)
	}

	var (
		ipHdrLen int
		proto    byte
		err      error
	)
	switch raw[0] >> 4 {
	case 4:
		raw, ipHdrLen, proto, err = parseIPv4(raw)
	case 6:
		raw, ipHdrLen, proto, err = parseIPv6(raw)
	default:
		err = fmt.Errorf("%w: IP version %d", ErrUnsupported, raw[0]>>4)
	}
	if err != nil {
		return nil, err
	}

	l4HdrLen, err := parseTransport(raw[ipHdrLen:], IPProtocol(proto))
	if err != nil {
		return nil, err
	}

	pkt := &Packet{
		raw:      slices.Clone(raw),
		ipHdrLen: ipHdrLen,
		l4HdrLen: l4HdrLen,
	}
	pkt.dir = local.Direction(pkt.SrcAddr(), pkt.DstAddr())
	return pkt, nil
}

// parseIPv4 validates the IPv4 header and returns the raw bytes
// trimmed to the total length, the header length, and the protocol.
func parseIPv4(raw []byte) ([]byte, int, byte, error) {
	if len(raw) < ipv4HeaderLen {
		return nil, 0, 0, fmt.Errorf("%w: IPv4 header needs %d bytes, have %d", ErrTruncated, ipv4HeaderLen, len(raw))
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || ihl > len(raw) {
		return nil, 0, 0, fmt.Errorf("%w: IPv4 IHL %d", ErrTruncated, ihl)
	}
	total := int(binary.BigEndian.Uint16(raw[2:4]))
	if total < ihl || total > len(raw) {
		return nil, 0, 0, fmt.Errorf("%w: IPv4 total length %d", ErrTruncated, total)
	}
	if frag := binary.BigEndian.Uint16(raw[6:8]); frag&0x3fff != 0 {
		return nil, 0, 0, fmt.Errorf("%w: IPv4 fragment", ErrUnsupported)
	}
	return raw[:total], ihl, raw[9], nil
}

// parseIPv6 is like parseIPv4 but for IPv6 and walks the extension headers.
func parseIPv6(raw []byte) ([]byte, int, byte, error) {
	if len(raw) < ipv6HeaderLen {
		return nil, 0, 0, fmt.Errorf("%w: IPv6 header needs %d bytes, have %d", ErrTruncated, ipv6HeaderLen, len(raw))
	}
	plen := int(binary.BigEndian.Uint16(raw[4:6]))
	if plen == 0 {
		return nil, 0, 0, fmt.Errorf("%w: IPv6 jumbogram", ErrUnsupported)
	}
	if ipv6HeaderLen+plen > len(raw) {
		return nil, 0, 0, fmt.Errorf("%w: IPv6 payload length %d", ErrTruncated, plen)
	}
	raw = raw[:ipv6HeaderLen+plen]

	next, off := raw[6], ipv6HeaderLen
	for isIPv6ExtensionHeader(next) {
		if off+2 > len(raw) {
			return nil, 0, 0, fmt.Errorf("%w: IPv6 extension header", ErrTruncated)
		}
		size := (int(raw[off+1]) + 1) * 8
		if off+size > len(raw) {
			return nil, 0, 0, fmt.Errorf("%w: IPv6 extension header length %d", ErrTruncated, size)
		}
		next, off = raw[off], off+size
	}
	if next == ipv6FragmentHeader {
		return nil, 0, 0, fmt.Errorf("%w: IPv6 fragment", ErrUnsupported)
	}
	return raw, off, next, nil
}

// parseTransport validates the transport header and returns its length.
func parseTransport(segment []byte, proto IPProtocol) (int, error) {
	switch proto {
	case IPProtocolTCP:
		if len(segment) < tcpHeaderLen {
			return 0, fmt.Errorf("%w: TCP header needs %d bytes, have %d", ErrTruncated, tcpHeaderLen, len(segment))
		}
		doff := int(segment[12]>>4) * 4
		if doff < tcpHeaderLen || doff > len(segment) {
			return 0, fmt.Errorf("%w: TCP data offset %d", ErrTruncated, doff)
		}
		return doff, nil

	case IPProtocolUDP:
		if len(segment) < udpHeaderLen {
			return 0, fmt.Errorf("%w: UDP header needs %d bytes, have %d", ErrTruncated, udpHeaderLen, len(segment))
		}
		ulen := int(binary.BigEndian.Uint16(segment[4:6]))
		if ulen < udpHeaderLen || ulen > len(segment) {
			return 0, fmt.Errorf("%w: UDP length %d", ErrTruncated, ulen)
		}
		if ulen != len(segment) {
			return 0, fmt.Errorf("%w: UDP length %d with %d bytes of IP payload", ErrUnsupported, ulen, len(segment))
		}
		return udpHeaderLen, nil

	default:
		return 0, fmt.Errorf("%w: IP protocol %d", ErrUnsupported, proto)
	}
}
