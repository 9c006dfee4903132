// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import "encoding/binary"

// checksumAdd adds the 16-bit big endian words of data to sum.
func checksumAdd(sum uint32, data []byte) uint32 {
	for len(data) >= 2 {
		sum += uint32(data[0])<<8 | uint32(data[1])
		data = data[2:]
	}
	if len(data) == 1 {
		sum += uint32(data[0]) << 8
	}
	return sum
}

// checksumFold folds sum into the one's complement 16-bit checksum.
func checksumFold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// isFragment returns whether the packet is an IPv4 fragment.
func (p *Packet) isFragment() bool {
	if p.Version() != 4 {
		return false
	}
	return binary.BigEndian.Uint16(p.raw[6:8])&0x3fff != 0
}

// pseudoHeaderSum returns the partial sum of the pseudo header.
func (p *Packet) pseudoHeaderSum() uint32 {
	length := len(p.raw) - p.ipHdrLen
	proto := uint32(p.Protocol())
	if p.Version() == 4 {
		sum := checksumAdd(0, p.raw[12:20])
		return sum + proto + uint32(length)
	}
	sum := checksumAdd(0, p.raw[8:40])
	return sum + uint32(length>>16) + uint32(length&0xffff) + proto
}

// transportChecksumOffset returns the offset of the transport checksum.
func (p *Packet) transportChecksumOffset() int {
	if p.Protocol() == IPProtocolTCP {
		return p.ipHdrLen + 16
	}
	return p.ipHdrLen + 6
}

// updateIPv4Checksum recomputes the IPv4 header checksum.
func (p *Packet) updateIPv4Checksum() {
	if p.Version() != 4 {
		return
	}
	hdr := p.raw[:p.ipHdrLen]
	hdr[10], hdr[11] = 0, 0
	binary.BigEndian.PutUint16(hdr[10:], checksumFold(checksumAdd(0, hdr)))
}

// RecomputeChecksums recomputes the IPv4 header checksum and the TCP or UDP
// checksum over the pseudo header and the segment. It is idempotent.
//
// For IPv4 fragments, only the IP header checksum is recomputed, since
// the transport checksum covers the whole datagram.
func (p *Packet) RecomputeChecksums() {
	if len(p.raw) == 0 {
		return
	}
	p.updateIPv4Checksum()
	if p.l4HdrLen <= 0 || p.isFragment() {
		return
	}
	off := p.transportChecksumOffset()
	p.raw[off], p.raw[off+1] = 0, 0
	csum := checksumFold(checksumAdd(p.pseudoHeaderSum(), p.raw[p.ipHdrLen:]))
	if csum == 0 && p.Protocol() == IPProtocolUDP {
		csum = 0xffff // zero means no checksum for UDP
	}
	binary.BigEndian.PutUint16(p.raw[off:], csum)
}

// VerifyChecksums returns whether the stored checksums are valid.
//
// An IPv4 UDP checksum of zero means no checksum and is valid. For
// IPv4 fragments, only the IP header checksum is verified.
func (p *Packet) VerifyChecksums() bool {
	if len(p.raw) == 0 {
		return false
	}
	if p.Version() == 4 && checksumFold(checksumAdd(0, p.raw[:p.ipHdrLen])) != 0 {
		return false
	}
	if p.l4HdrLen <= 0 || p.isFragment() {
		return true
	}
	if p.Version() == 4 && p.Protocol() == IPProtocolUDP && p.TransportChecksum() == 0 {
		return true
	}
	return checksumFold(checksumAdd(p.pseudoHeaderSum(), p.raw[p.ipHdrLen:])) == 0
}

// TransportChecksum returns the stored TCP or UDP checksum.
func (p *Packet) TransportChecksum() uint16 {
	if p.l4HdrLen <= 0 {
		return 0
	}
	return binary.BigEndian.Uint16(p.raw[p.transportChecksumOffset():])
}

// SetTransportChecksum overwrites the TCP or UDP checksum without
// validating it. Use this to build packets with a wrong checksum.
func (p *Packet) SetTransportChecksum(csum uint16) error {
	if len(p.raw) == 0 {
		return ErrNoRawBuffer
	}
	if p.l4HdrLen <= 0 {
		return ErrNoTransport
	}
	binary.BigEndian.PutUint16(p.raw[p.transportChecksumOffset():], csum)
	return nil
}
