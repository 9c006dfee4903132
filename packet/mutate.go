// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
)

// maxPacketLen is the maximum length of an IPv4 packet and
// of the IPv6 payload when not using jumbograms.
const maxPacketLen = 0xffff

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	return &Packet{
		raw:      slices.Clone(p.raw),
		ipHdrLen: p.ipHdrLen,
		l4HdrLen: p.l4HdrLen,
		dir:      p.dir,
	}
}

// SetTTL sets the IPv4 TTL or the IPv6 hop limit and updates the checksum.
func (p *Packet) SetTTL(ttl uint8) error {
	switch p.Version() {
	case 4:
		p.raw[8] = ttl
		p.updateIPv4Checksum()
		return nil
	case 6:
		p.raw[7] = ttl
		return nil
	default:
		return ErrNoRawBuffer
	}
}

// SetSeq sets the TCP sequence number and updates the checksums.
func (p *Packet) SetSeq(seq uint32) error {
	if err := p.requireTCP(); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(p.raw[p.ipHdrLen+4:], seq)
	p.RecomputeChecksums()
	return nil
}

// SetFlags sets the TCP flags and updates the checksums.
func (p *Packet) SetFlags(flags TCPFlags) error {
	if err := p.requireTCP(); err != nil {
		return err
	}
	p.raw[p.ipHdrLen+13] = byte(flags)
	p.RecomputeChecksums()
	return nil
}

// requireTCP returns an error unless the packet carries a TCP header.
func (p *Packet) requireTCP() error {
	if len(p.raw) == 0 {
		return ErrNoRawBuffer
	}
	if !p.isTCP() {
		return ErrNoTransport
	}
	return nil
}

// SetSrc rewrites the source address and port and updates the checksums.
//
// The address family must match the packet family. An IPv4-mapped
// IPv6 address is accepted for IPv4 packets.
func (p *Packet) SetSrc(ep netip.AddrPort) error {
	return p.setEndpoint(ep, 12, 8, 0)
}

// SetDst is like [*Packet.SetSrc] but for the destination.
func (p *Packet) SetDst(ep netip.AddrPort) error {
	return p.setEndpoint(ep, 16, 24, 2)
}

// setEndpoint implements SetSrc and SetDst.
func (p *Packet) setEndpoint(ep netip.AddrPort, off4, off6, portOff int) error {
	if len(p.raw) == 0 {
		return ErrNoRawBuffer
	}
	if p.l4HdrLen <= 0 {
		return ErrNoTransport
	}
	addr := ep.Addr().Unmap()
	switch {
	case p.Version() == 4 && addr.Is4():
		a4 := addr.As4()
		copy(p.raw[off4:], a4[:])
	case p.Version() == 6 && addr.Is6():
		a16 := addr.As16()
		copy(p.raw[off6:], a16[:])
	default:
		return fmt.Errorf("%w: cannot use %s with IPv%d", ErrUnsupported, addr, p.Version())
	}
	binary.BigEndian.PutUint16(p.raw[p.ipHdrLen+portOff:], ep.Port())
	p.RecomputeChecksums()
	return nil
}

// WithPayload returns a copy of the packet with the same headers
// and the given payload. Lengths and checksums are recomputed.
func (p *Packet) WithPayload(payload []byte) (*Packet, error) {
	if len(p.raw) == 0 {
		return nil, ErrNoRawBuffer
	}
	if p.l4HdrLen <= 0 {
		return nil, ErrNoTransport
	}
	return p.rebuild(p.raw[:p.ipHdrLen+p.l4HdrLen], payload)
}

// rebuild creates a new packet by concatenating hdr and data, which
// must be, respectively, the packet headers and the bytes following them.
func (p *Packet) rebuild(hdr, data []byte) (*Packet, error) {
	total := len(hdr) + len(data)
	limit := maxPacketLen
	if p.Version() == 6 {
		limit += ipv6HeaderLen
	}
	if total > limit {
		return nil, fmt.Errorf("%w: packet length %d", ErrUnsupported, total)
	}
	raw := make([]byte, 0, total)
	raw = append(raw, hdr...)
	raw = append(raw, data...)
	out := &Packet{
		raw:      raw,
		ipHdrLen: p.ipHdrLen,
		l4HdrLen: len(hdr) - p.ipHdrLen,
		dir:      p.dir,
	}
	out.fixLengths()
	out.RecomputeChecksums()
	return out, nil
}

// fixLengths updates the IP and UDP length fields.
func (p *Packet) fixLengths() {
	switch p.Version() {
	case 4:
		binary.BigEndian.PutUint16(p.raw[2:4], uint16(len(p.raw)))
	case 6:
		binary.BigEndian.PutUint16(p.raw[4:6], uint16(len(p.raw)-ipv6HeaderLen))
	}
	if p.l4HdrLen > 0 && !p.isFragment() && p.Protocol() == IPProtocolUDP {
		binary.BigEndian.PutUint16(p.raw[p.ipHdrLen+4:], uint16(len(p.raw)-p.ipHdrLen))
	}
}

// ipv4ID returns the IPv4 identification field.
func (p *Packet) ipv4ID() uint16 {
	return binary.BigEndian.Uint16(p.raw[4:6])
}

// setIPv4Fragment sets the IPv4 more fragments flag and fragment offset
// (in 8-byte units) preserving the don't fragment flag.
func (p *Packet) setIPv4Fragment(more bool, offset uint16) {
	value := binary.BigEndian.Uint16(p.raw[6:8]) & 0x4000
	if more {
		value |= 0x2000
	}
	value |= offset & 0x1fff
	binary.BigEndian.PutUint16(p.raw[6:8], value)
}

// SplitAt splits the payload at the given offset and returns two
// independently valid packets whose payloads, concatenated in order,
// are equal to the original payload.
//
// For TCP, the result is two segments. The second sequence number is
// advanced by offset, and FIN and PSH are only set on the second segment.
//
// For IPv4 UDP, the result is two IP fragments. Because fragment offsets
// use 8-byte units, offset must be a multiple of 8. The first fragment
// carries the UDP header, whose checksum covers the whole datagram.
// Splitting IPv6 UDP is not supported.
//
// Errors wrap [ErrBadOffset], [ErrNoTransport], or [ErrUnsupported].
func (p *Packet) SplitAt(offset int) (*Packet, *Packet, error) {
	if len(p.raw) == 0 {
		return nil, nil, ErrNoRawBuffer
	}
	if p.l4HdrLen <= 0 || p.isFragment() {
		return nil, nil, ErrNoTransport
	}
	payload := p.Payload()
	if offset <= 0 || offset >= len(payload) {
		return nil, nil, fmt.Errorf("%w: %d with payload length %d", ErrBadOffset, offset, len(payload))
	}
	switch p.Protocol() {
	case IPProtocolTCP:
		return p.splitTCP(offset)
	case IPProtocolUDP:
		return p.splitUDP(offset)
	default:
		return nil, nil, ErrUnsupported
	}
}

// splitTCP implements SplitAt for TCP.
func (p *Packet) splitTCP(offset int) (*Packet, *Packet, error) {
	payload := p.Payload()
	head, err := p.WithPayload(payload[:offset])
	if err != nil {
		return nil, nil, err
	}
	tail, err := p.WithPayload(payload[offset:])
	if err != nil {
		return nil, nil, err
	}

	flags := p.Flags()
	head.raw[head.ipHdrLen+13] = byte(flags &^ (TCPFlagFIN | TCPFlagPSH))
	binary.BigEndian.PutUint32(tail.raw[tail.ipHdrLen+4:], p.Seq()+uint32(offset))
	if p.Version() == 4 {
		head.setIPv4Fragment(false, 0)
		tail.setIPv4Fragment(false, 0)
		binary.BigEndian.PutUint16(tail.raw[4:6], p.ipv4ID()+1)
	}

	head.RecomputeChecksums()
	tail.RecomputeChecksums()
	return head, tail, nil
}

// splitUDP implements SplitAt for UDP.
func (p *Packet) splitUDP(offset int) (*Packet, *Packet, error) {
	if p.Version() != 4 {
		return nil, nil, fmt.Errorf("%w: splitting IPv6 UDP", ErrUnsupported)
	}
	if offset%8 != 0 {
		return nil, nil, fmt.Errorf("%w: %d is not a multiple of 8", ErrBadOffset, offset)
	}

	// make sure the UDP checksum covers the whole datagram
	whole := p.Clone()
	whole.RecomputeChecksums()

	cut := whole.ipHdrLen + whole.l4HdrLen + offset
	head := &Packet{
		raw:      slices.Clone(whole.raw[:cut]),
		ipHdrLen: whole.ipHdrLen,
		l4HdrLen: whole.l4HdrLen,
		dir:      whole.dir,
	}
	head.setIPv4Fragment(true, 0)
	head.fixLengths()
	head.updateIPv4Checksum()

	tailRaw := make([]byte, 0, whole.ipHdrLen+len(whole.raw)-cut)
	tailRaw = append(tailRaw, whole.raw[:whole.ipHdrLen]...)
	tailRaw = append(tailRaw, whole.raw[cut:]...)
	tail := &Packet{
		raw:      tailRaw,
		ipHdrLen: whole.ipHdrLen,
		dir:      whole.dir,
	}
	tail.setIPv4Fragment(false, uint16((whole.l4HdrLen+offset)/8))
	tail.fixLengths()
	tail.updateIPv4Checksum()
	return head, tail, nil
}
