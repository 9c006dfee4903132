// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Template describes a TCP or UDP packet to serialize with [Build].
type Template struct {
	// Protocol is the transport protocol.
	Protocol IPProtocol

	// Src is the source endpoint.
	Src netip.AddrPort

	// Dst is the destination endpoint. Its family must
	// match the family of Src.
	Dst netip.AddrPort

	// TTL is the IPv4 TTL or IPv6 hop limit. Zero means 64.
	TTL uint8

	// ID is the IPv4 identification.
	ID uint16

	// Seq is the TCP sequence number.
	Seq uint32

	// Ack is the TCP acknowledgement number.
	Ack uint32

	// Flags contains the TCP flags.
	Flags TCPFlags

	// Window is the TCP window. Zero means 65535.
	Window uint16

	// Payload is the transport payload.
	Payload []byte
}

// errFamilyMismatch indicates that the template endpoints use different families.
var errFamilyMismatch = errors.New("packet: source and destination family mismatch")

// Build serializes the [Template] to raw bytes with valid lengths and checksums.
func Build(tmpl *Template) ([]byte, error) {
	src, dst := tmpl.Src.Addr().Unmap(), tmpl.Dst.Addr().Unmap()
	if !src.IsValid() || !dst.IsValid() || src.Is4() != dst.Is4() {
		return nil, errFamilyMismatch
	}
	ttl := tmpl.TTL
	if ttl == 0 {
		ttl = 64
	}

	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if src.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			Id:       tmpl.ID,
			Flags:    layers.IPv4DontFragment,
			TTL:      ttl,
			Protocol: layers.IPProtocol(tmpl.Protocol),
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
		network, ipLayer = ip, ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   ttl,
			NextHeader: layers.IPProtocol(tmpl.Protocol),
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}
		network, ipLayer = ip, ip
	}

	var transport gopacket.SerializableLayer
	switch tmpl.Protocol {
	case IPProtocolTCP:
		window := tmpl.Window
		if window == 0 {
			window = 65535
		}
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(tmpl.Src.Port()),
			DstPort: layers.TCPPort(tmpl.Dst.Port()),
			Seq:     tmpl.Seq,
			Ack:     tmpl.Ack,
			FIN:     tmpl.Flags&TCPFlagFIN != 0,
			SYN:     tmpl.Flags&TCPFlagSYN != 0,
			RST:     tmpl.Flags&TCPFlagRST != 0,
			PSH:     tmpl.Flags&TCPFlagPSH != 0,
			ACK:     tmpl.Flags&TCPFlagACK != 0,
			Window:  window,
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		transport = tcp

	case IPProtocolUDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(tmpl.Src.Port()),
			DstPort: layers.UDPPort(tmpl.Dst.Port()),
		}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		transport = udp

	default:
		return nil, fmt.Errorf("%w: IP protocol %d", ErrUnsupported, tmpl.Protocol)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ipLayer, transport, gopacket.Payload(tmpl.Payload)); err != nil {
		return nil, fmt.Errorf("cannot serialize packet: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decodes raw bytes produced by this package using gopacket,
// which is useful to cross-check our parser and serializer.
func Decode(raw []byte) gopacket.Packet {
	first := layers.LayerTypeIPv4
	if len(raw) > 0 && raw[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	return gopacket.NewPacket(raw, first, gopacket.Default)
}
