// SPDX-License-Identifier: GPL-3.0-or-later

package evasion_test

import (
	"net/netip"
	"sort"
	"testing"

	"github.com/rbmk-project/unblock/evasion"
	"github.com/rbmk-project/unblock/packet"
	"github.com/rbmk-project/unblock/sni"
	"github.com/stretchr/testify/require"
)

var (
	client4  = netip.MustParseAddrPort("10.0.0.2:50000")
	client6  = netip.MustParseAddrPort("[2001:db8::2]:50000")
	https4   = netip.MustParseAddrPort("93.184.216.34:443")
	https6   = netip.MustParseAddrPort("[2001:db8::1]:443")
	http4    = netip.MustParseAddrPort("93.184.216.34:80")
	dns4     = netip.MustParseAddrPort("8.8.8.8:53")
	resolver = netip.MustParseAddrPort("1.1.1.1:53")
	locals   = packet.NewLocalAddrs(client4.Addr(), client6.Addr())
)

// httpRequest is an HTTP request with Host and User-Agent headers.
const httpRequest = "GET / HTTP/1.1\r\n" +
	"Host: example.com\r\n" +
	"User-Agent: Mozilla/5.0 (X11; Linux x86_64)\r\n" +
	"Accept: */*\r\n\r\n"

// newPacket builds and parses a packet.
func newPacket(t *testing.T, tmpl *packet.Template) *packet.Packet {
	t.Helper()
	raw, err := packet.Build(tmpl)
	require.NoError(t, err)
	pkt, err := packet.Parse(raw, locals)
	require.NoError(t, err)
	return pkt
}

// tcpSegment returns an outbound TCP segment with the given payload.
func tcpSegment(t *testing.T, src, dst netip.AddrPort, payload []byte) *packet.Packet {
	t.Helper()
	return newPacket(t, &packet.Template{
		Protocol: packet.IPProtocolTCP,
		Src:      src,
		Dst:      dst,
		TTL:      64,
		Seq:      1_000_000,
		Ack:      2_000_000,
		Flags:    packet.TCPFlagPSH | packet.TCPFlagACK,
		Payload:  payload,
	})
}

// clientHello returns a ClientHello with the given SNI.
func clientHello(t *testing.T, serverName string) []byte {
	t.Helper()
	hello, err := (&sni.ClientHello{ServerName: serverName}).Marshal()
	require.NoError(t, err)
	return hello
}

// parseData parses the bytes carried by an action.
func parseData(t *testing.T, action evasion.Action) *packet.Packet {
	t.Helper()
	pkt, err := packet.Parse(action.Data, locals)
	require.NoError(t, err)
	return pkt
}

// split groups the actions into decoys and genuine actions,
// and checks that there is exactly one genuine delivery path.
func split(t *testing.T, actions []evasion.Action) (decoys, genuine []evasion.Action) {
	t.Helper()
	var passthrough, replace int
	for _, action := range actions {
		switch action.Kind {
		case evasion.KindPassThrough:
			passthrough++
			genuine = append(genuine, action)
		case evasion.KindReplace:
			replace++
			genuine = append(genuine, action)
		case evasion.KindInjectExtra:
			require.Empty(t, genuine, "decoys must precede the genuine data")
			decoys = append(decoys, action)
		}
	}
	require.True(t, (passthrough == 1 && replace == 0) || (passthrough == 0 && replace > 0),
		"passthrough=%d replace=%d", passthrough, replace)
	return
}

// reassemble parses the replacement segments, checks their checksums,
// and returns the payload obtained by ordering them by sequence number.
func reassemble(t *testing.T, genuine []evasion.Action) []byte {
	t.Helper()
	var pkts []*packet.Packet
	for _, action := range genuine {
		require.Equal(t, evasion.KindReplace, action.Kind)
		pkt := parseData(t, action)
		require.True(t, pkt.VerifyChecksums())
		pkts = append(pkts, pkt)
	}
	sort.SliceStable(pkts, func(i, j int) bool {
		return pkts[i].Seq() < pkts[j].Seq()
	})
	var payload []byte
	for idx, pkt := range pkts {
		if idx > 0 {
			prev := pkts[idx-1]
			require.Equal(t, prev.Seq()+uint32(len(prev.Payload())), pkt.Seq())
		}
		payload = append(payload, pkt.Payload()...)
	}
	return payload
}
