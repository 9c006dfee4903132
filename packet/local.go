// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"fmt"
	"net/netip"

	"github.com/rbmk-project/unblock/netipx"
)

// LocalAddrs is the set of addresses belonging to this host.
//
// It determines the [Direction] of parsed packets. A nil *LocalAddrs
// is an empty set. The set must not be modified after it has been
// shared with the goroutines parsing packets.
type LocalAddrs struct {
	addrs map[netip.Addr]struct{}
}

// NewLocalAddrs creates a [*LocalAddrs] containing the given addresses.
func NewLocalAddrs(addrs ...netip.Addr) *LocalAddrs {
	la := &LocalAddrs{addrs: make(map[netip.Addr]struct{})}
	for _, addr := range addrs {
		la.Add(addr)
	}
	return la
}

// SystemLocalAddrs creates a [*LocalAddrs] from the addresses of
// all the system network interfaces.
func SystemLocalAddrs() (*LocalAddrs, error) {
	addrs, err := netipx.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("cannot list interface addresses: %w", err)
	}
	return NewLocalAddrs(addrs...), nil
}

// Add adds an address to the set. Invalid addresses are ignored.
func (la *LocalAddrs) Add(addr netip.Addr) {
	if !addr.IsValid() {
		return
	}
	la.addrs[addr.Unmap().WithZone("")] = struct{}{}
}

// Contains returns whether addr belongs to the set.
func (la *LocalAddrs) Contains(addr netip.Addr) bool {
	if la == nil {
		return false
	}
	_, found := la.addrs[addr.Unmap().WithZone("")]
	return found
}

// Len returns the number of addresses in the set.
func (la *LocalAddrs) Len() int {
	if la == nil {
		return 0
	}
	return len(la.addrs)
}

// Direction returns the direction of a packet from src to dst.
//
// When both addresses are local (e.g., loopback traffic), the
// packet is considered outbound.
func (la *LocalAddrs) Direction(src, dst netip.Addr) Direction {
	switch {
	case la.Contains(src):
		return DirectionOutbound
	case la.Contains(dst):
		return DirectionInbound
	default:
		return DirectionUnknown
	}
}
