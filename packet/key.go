// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"fmt"
	"net/netip"

	"github.com/rbmk-project/unblock/netipx"
)

// ConnectionKey identifies a flow regardless of its direction.
//
// The A endpoint always compares less than or equal to the B
// endpoint, hence packets flowing in both directions of the same flow
// produce equal keys. Keys are comparable and usable as map keys.
type ConnectionKey struct {
	// Protocol is the transport protocol.
	Protocol IPProtocol

	// A is the smaller endpoint.
	A netip.AddrPort

	// B is the larger endpoint.
	B netip.AddrPort
}

// NewConnectionKey creates a [ConnectionKey] from two endpoints in any order.
func NewConnectionKey(proto IPProtocol, x, y netip.AddrPort) ConnectionKey {
	x = netip.AddrPortFrom(x.Addr().Unmap(), x.Port())
	y = netip.AddrPortFrom(y.Addr().Unmap(), y.Port())
	if netipx.CompareAddrPort(x, y) > 0 {
		x, y = y, x
	}
	return ConnectionKey{Protocol: proto, A: x, B: y}
}

// Key returns the [ConnectionKey] of the packet.
func (p *Packet) Key() ConnectionKey {
	return NewConnectionKey(p.Protocol(), p.Src(), p.Dst())
}

// String returns the string representation of the key.
func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s %s <-> %s", k.Protocol, k.A, k.B)
}
