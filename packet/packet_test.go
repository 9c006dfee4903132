// SPDX-License-Identifier: GPL-3.0-or-later

package packet_test

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/rbmk-project/unblock/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	client4 = netip.MustParseAddrPort("10.0.0.2:50000")
	server4 = netip.MustParseAddrPort("93.184.216.34:443")
	client6 = netip.MustParseAddrPort("[2001:db8::2]:50000")
	server6 = netip.MustParseAddrPort("[2001:db8::1]:443")
)

// mustBuild serializes the template or fails the test.
func mustBuild(t *testing.T, tmpl *packet.Template) []byte {
	t.Helper()
	raw, err := packet.Build(tmpl)
	require.NoError(t, err)
	return raw
}

// mustParse parses the raw bytes using client4 and client6 as local addresses.
func mustParse(t *testing.T, raw []byte) *packet.Packet {
	t.Helper()
	local := packet.NewLocalAddrs(client4.Addr(), client6.Addr())
	pkt, err := packet.Parse(raw, local)
	require.NoError(t, err)
	return pkt
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    *packet.Template
		version int
	}{
		{
			name: "IPv4 TCP",
			tmpl: &packet.Template{
				Protocol: packet.IPProtocolTCP,
				Src:      client4,
				Dst:      server4,
				TTL:      61,
				Seq:      1000,
				Ack:      2000,
				Flags:    packet.TCPFlagACK | packet.TCPFlagPSH,
				Payload:  []byte("hello"),
			},
			version: 4,
		},

		{
			name: "IPv6 TCP",
			tmpl: &packet.Template{
				Protocol: packet.IPProtocolTCP,
				Src:      client6,
				Dst:      server6,
				TTL:      33,
				Seq:      7,
				Flags:    packet.TCPFlagSYN,
			},
			version: 6,
		},

		{
			name: "IPv4 UDP",
			tmpl: &packet.Template{
				Protocol: packet.IPProtocolUDP,
				Src:      client4,
				Dst:      netip.MustParseAddrPort("1.1.1.1:53"),
				TTL:      64,
				Payload:  []byte("query"),
			},
			version: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := mustParse(t, mustBuild(t, tt.tmpl))

			assert.Equal(t, tt.version, pkt.Version())
			assert.Equal(t, tt.version == 6, pkt.IsIPv6())
			assert.Equal(t, packet.DirectionOutbound, pkt.Direction())
			assert.Equal(t, tt.tmpl.Protocol, pkt.Protocol())
			assert.Equal(t, tt.tmpl.Src, pkt.Src())
			assert.Equal(t, tt.tmpl.Dst, pkt.Dst())
			assert.Equal(t, tt.tmpl.TTL, pkt.TTL())
			assert.Equal(t, tt.tmpl.Seq, pkt.Seq())
			assert.Equal(t, tt.tmpl.Ack, pkt.Ack())
			assert.Equal(t, tt.tmpl.Flags, pkt.Flags())
			assert.True(t, bytes.Equal(tt.tmpl.Payload, pkt.Payload()))
			assert.True(t, pkt.HasTransportHeader())
			assert.True(t, pkt.VerifyChecksums())
			assert.Equal(t, len(pkt.Raw()), len(pkt.Header())+len(pkt.Payload()))
		})
	}
}

func TestParseCopiesInput(t *testing.T) {
	raw := mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolTCP,
		Src:      client4,
		Dst:      server4,
		Payload:  []byte("abc"),
	})
	pkt := mustParse(t, raw)
	raw[len(raw)-1] = 'X'
	assert.Equal(t, []byte("abc"), pkt.Payload())
}

func TestParseTrimsIPv4Padding(t *testing.T) {
	raw := mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolTCP,
		Src:      client4,
		Dst:      server4,
		Payload:  []byte("abc"),
	})
	padded := append(append([]byte{}, raw...), 0, 0, 0, 0, 0, 0)
	pkt := mustParse(t, padded)
	assert.Equal(t, raw, pkt.Raw())
	assert.Equal(t, []byte("abc"), pkt.Payload())
}

func TestParseIPv6ExtensionHeaders(t *testing.T) {
	raw := mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolUDP,
		Src:      client6,
		Dst:      netip.MustParseAddrPort("[2606:4700:4700::1111]:53"),
		Payload:  []byte("query"),
	})

	// insert an 8-byte hop-by-hop header carrying a PadN option
	hbh := []byte{byte(layers.IPProtocolUDP), 0, 1, 4, 0, 0, 0, 0}
	ext := append(append(append([]byte{}, raw[:40]...), hbh...), raw[40:]...)
	ext[6] = 0
	binary.BigEndian.PutUint16(ext[4:6], uint16(len(ext)-40))

	pkt := mustParse(t, ext)
	assert.Equal(t, packet.IPProtocolUDP, pkt.Protocol())
	assert.Equal(t, uint16(53), pkt.DstPort())
	assert.Equal(t, []byte("query"), pkt.Payload())
	assert.True(t, pkt.VerifyChecksums())
	assert.Equal(t, packet.ClassDNS, pkt.Classify())
}

func TestParseErrors(t *testing.T) {
	tcp4 := mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolTCP,
		Src:      client4,
		Dst:      server4,
		Payload:  []byte("hello"),
	})
	udp6 := mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolUDP,
		Src:      client6,
		Dst:      server6,
		Payload:  []byte("hello"),
	})

	// mutate returns a modified copy of raw
	mutate := func(raw []byte, fx func([]byte)) []byte {
		out := append([]byte{}, raw...)
		fx(out)
		return out
	}

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{
			name: "empty",
			raw:  nil,
			want: packet.ErrTruncated,
		},

		{
			name: "short IPv4 header",
			raw:  tcp4[:19],
			want: packet.ErrTruncated,
		},

		{
			name: "short IPv6 header",
			raw:  udp6[:39],
			want: packet.ErrTruncated,
		},

		{
			name: "IPv4 total length exceeds buffer",
			raw:  tcp4[:len(tcp4)-1],
			want: packet.ErrTruncated,
		},

		{
			name: "IPv6 payload length exceeds buffer",
			raw:  udp6[:len(udp6)-1],
			want: packet.ErrTruncated,
		},

		{
			name: "TCP header too short",
			raw: mutate(tcp4[:30], func(b []byte) {
				binary.BigEndian.PutUint16(b[2:4], 30)
			}),
			want: packet.ErrTruncated,
		},

		{
			name: "TCP data offset too large",
			raw: mutate(tcp4, func(b []byte) {
				b[20+12] = 0xf0
			}),
			want: packet.ErrTruncated,
		},

		{
			name: "UDP length mismatch",
			raw: mutate(udp6, func(b []byte) {
				binary.BigEndian.PutUint16(b[40+4:], 9)
			}),
			want: packet.ErrUnsupported,
		},

		{
			name: "unknown IP version",
			raw: mutate(tcp4, func(b []byte) {
				b[0] = 0x55
			}),
			want: packet.ErrUnsupported,
		},

		{
			name: "ICMP",
			raw: mutate(tcp4, func(b []byte) {
				b[9] = 1
			}),
			want: packet.ErrUnsupported,
		},

		{
			name: "IPv4 non-first fragment",
			raw: mutate(tcp4, func(b []byte) {
				binary.BigEndian.PutUint16(b[6:8], 3)
			}),
			want: packet.ErrUnsupported,
		},

		{
			name: "IPv6 fragment header",
			raw: mutate(udp6, func(b []byte) {
				b[6] = 44
			}),
			want: packet.ErrUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := packet.Parse(tt.raw, nil)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, pkt)
		})
	}
}

func TestDirection(t *testing.T) {
	local := packet.NewLocalAddrs(client4.Addr())

	out := mustBuild(t, &packet.Template{Protocol: packet.IPProtocolTCP, Src: client4, Dst: server4})
	in := mustBuild(t, &packet.Template{Protocol: packet.IPProtocolTCP, Src: server4, Dst: client4})
	other := mustBuild(t, &packet.Template{Protocol: packet.IPProtocolTCP, Src: server6, Dst: client6})

	for _, tt := range []struct {
		raw   []byte
		local *packet.LocalAddrs
		want  packet.Direction
	}{
		{out, local, packet.DirectionOutbound},
		{in, local, packet.DirectionInbound},
		{other, local, packet.DirectionUnknown},
		{out, nil, packet.DirectionUnknown},
	} {
		pkt, err := packet.Parse(tt.raw, tt.local)
		require.NoError(t, err)
		assert.Equal(t, tt.want, pkt.Direction(), pkt.String())
	}
}

func TestLocalAddrs(t *testing.T) {
	la := packet.NewLocalAddrs(
		netip.MustParseAddr("::ffff:10.0.0.1"),
		netip.MustParseAddr("fe80::1%eth0"),
		netip.Addr{},
	)
	assert.Equal(t, 2, la.Len())
	assert.True(t, la.Contains(netip.MustParseAddr("10.0.0.1")))
	assert.True(t, la.Contains(netip.MustParseAddr("fe80::1")))
	assert.False(t, la.Contains(netip.MustParseAddr("10.0.0.2")))

	var empty *packet.LocalAddrs
	assert.Equal(t, 0, empty.Len())
	assert.False(t, empty.Contains(netip.MustParseAddr("10.0.0.1")))
}

func TestSetTTL(t *testing.T) {
	for _, tmpl := range []*packet.Template{
		{Protocol: packet.IPProtocolTCP, Src: client4, Dst: server4, TTL: 64, Payload: []byte("x")},
		{Protocol: packet.IPProtocolTCP, Src: client6, Dst: server6, TTL: 64, Payload: []byte("x")},
	} {
		pkt := mustParse(t, mustBuild(t, tmpl))
		require.NoError(t, pkt.SetTTL(5))
		assert.Equal(t, uint8(5), pkt.TTL())
		assert.True(t, pkt.VerifyChecksums())

		decoded := packet.Decode(pkt.Raw())
		if ip, ok := decoded.NetworkLayer().(*layers.IPv4); ok {
			assert.Equal(t, uint8(5), ip.TTL)
		} else {
			assert.Equal(t, uint8(5), decoded.NetworkLayer().(*layers.IPv6).HopLimit)
		}
	}

	var zero packet.Packet
	assert.ErrorIs(t, zero.SetTTL(1), packet.ErrNoRawBuffer)
}

func TestRecomputeChecksums(t *testing.T) {
	pkt := mustParse(t, mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolUDP,
		Src:      client4,
		Dst:      netip.MustParseAddrPort("1.1.1.1:53"),
		Payload:  []byte("query"),
	}))
	orig := append([]byte{}, pkt.Raw()...)

	pkt.RecomputeChecksums()
	assert.Equal(t, orig, pkt.Raw())
	pkt.RecomputeChecksums()
	assert.Equal(t, orig, pkt.Raw())

	require.NoError(t, pkt.SetTransportChecksum(pkt.TransportChecksum()+1))
	assert.False(t, pkt.VerifyChecksums())
	pkt.RecomputeChecksums()
	assert.Equal(t, orig, pkt.Raw())
	assert.True(t, pkt.VerifyChecksums())
}

func TestRewriteEndpoints(t *testing.T) {
	pkt := mustParse(t, mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolUDP,
		Src:      client4,
		Dst:      netip.MustParseAddrPort("8.8.8.8:53"),
		Payload:  []byte("query"),
	}))

	resolver := netip.MustParseAddrPort("1.1.1.1:5353")
	require.NoError(t, pkt.SetDst(resolver))
	assert.Equal(t, resolver, pkt.Dst())
	assert.True(t, pkt.VerifyChecksums())

	src := netip.MustParseAddrPort("[::ffff:10.0.0.3]:4000")
	require.NoError(t, pkt.SetSrc(src))
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.3:4000"), pkt.Src())
	assert.True(t, pkt.VerifyChecksums())

	assert.ErrorIs(t, pkt.SetDst(server6), packet.ErrUnsupported)
}

func TestWithPayload(t *testing.T) {
	pkt := mustParse(t, mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolTCP,
		Src:      client6,
		Dst:      server6,
		Seq:      10,
		Flags:    packet.TCPFlagACK,
		Payload:  []byte("short"),
	}))

	longer, err := pkt.WithPayload([]byte("a considerably longer payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a considerably longer payload"), longer.Payload())
	assert.Equal(t, pkt.Seq(), longer.Seq())
	assert.Equal(t, pkt.Direction(), longer.Direction())
	assert.True(t, longer.VerifyChecksums())

	reparsed := mustParse(t, longer.Raw())
	assert.Equal(t, longer.Raw(), reparsed.Raw())

	_, err = pkt.WithPayload(make([]byte, 70000))
	assert.ErrorIs(t, err, packet.ErrUnsupported)
}

func TestClone(t *testing.T) {
	pkt := mustParse(t, mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolTCP,
		Src:      client4,
		Dst:      server4,
		Payload:  []byte("x"),
	}))
	clone := pkt.Clone()
	require.NoError(t, clone.SetTTL(1))
	assert.NotEqual(t, pkt.TTL(), clone.TTL())
}

func TestSetSeqAndFlags(t *testing.T) {
	pkt := mustParse(t, mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolTCP,
		Src:      client4,
		Dst:      server4,
		Seq:      1,
		Flags:    packet.TCPFlagACK,
	}))
	require.NoError(t, pkt.SetSeq(77))
	require.NoError(t, pkt.SetFlags(packet.TCPFlagRST|packet.TCPFlagACK))
	assert.Equal(t, uint32(77), pkt.Seq())
	assert.Equal(t, "..R.A", pkt.Flags().String())
	assert.True(t, pkt.VerifyChecksums())

	udp := mustParse(t, mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolUDP,
		Src:      client4,
		Dst:      server4,
	}))
	assert.ErrorIs(t, udp.SetSeq(1), packet.ErrNoTransport)
}

func TestBuildErrors(t *testing.T) {
	_, err := packet.Build(&packet.Template{Protocol: packet.IPProtocolTCP, Src: client4, Dst: server6})
	assert.Error(t, err)

	_, err = packet.Build(&packet.Template{Protocol: 1, Src: client4, Dst: server4})
	assert.ErrorIs(t, err, packet.ErrUnsupported)
}

func TestString(t *testing.T) {
	pkt := mustParse(t, mustBuild(t, &packet.Template{
		Protocol: packet.IPProtocolTCP,
		Src:      client4,
		Dst:      server4,
		TTL:      64,
		Seq:      5,
		Flags:    packet.TCPFlagSYN,
	}))
	assert.Equal(t, "10.0.0.2:50000 -> 93.184.216.34:443 tcp ttl=64 flags=.S... seq=5 length=0", pkt.String())
}
