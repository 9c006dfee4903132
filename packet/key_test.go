// SPDX-License-Identifier: GPL-3.0-or-later

package packet_test

import (
	"net/netip"
	"testing"

	"github.com/rbmk-project/unblock/packet"
	"github.com/stretchr/testify/assert"
)

func TestConnectionKeySymmetry(t *testing.T) {
	pairs := []struct {
		x, y netip.AddrPort
	}{
		{client4, server4},
		{client6, server6},
		{netip.MustParseAddrPort("10.0.0.1:80"), netip.MustParseAddrPort("10.0.0.1:8080")},
		{netip.MustParseAddrPort("10.0.0.1:1"), netip.MustParseAddrPort("[::ffff:10.0.0.1]:2")},
		{netip.MustParseAddrPort("255.255.255.255:0"), netip.MustParseAddrPort("0.0.0.0:65535")},
	}

	for _, pair := range pairs {
		for _, proto := range []packet.IPProtocol{packet.IPProtocolTCP, packet.IPProtocolUDP} {
			forward := packet.NewConnectionKey(proto, pair.x, pair.y)
			reverse := packet.NewConnectionKey(proto, pair.y, pair.x)
			assert.Equal(t, forward, reverse, forward.String())
			assert.True(t, forward.A.Addr().Compare(forward.B.Addr()) <= 0)
		}
	}
}

func TestConnectionKeyFromPackets(t *testing.T) {
	out := mustParse(t, mustBuild(t, &packet.Template{Protocol: packet.IPProtocolTCP, Src: client4, Dst: server4}))
	in := mustParse(t, mustBuild(t, &packet.Template{Protocol: packet.IPProtocolTCP, Src: server4, Dst: client4}))
	udp := mustParse(t, mustBuild(t, &packet.Template{Protocol: packet.IPProtocolUDP, Src: client4, Dst: server4}))

	assert.Equal(t, out.Key(), in.Key())
	assert.NotEqual(t, out.Key(), udp.Key())

	table := map[packet.ConnectionKey]int{out.Key(): 1}
	assert.Equal(t, 1, table[in.Key()])
	assert.Equal(t, "tcp 10.0.0.2:50000 <-> 93.184.216.34:443", out.Key().String())
}
