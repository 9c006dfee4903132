// SPDX-License-Identifier: GPL-3.0-or-later

package censor

import (
	"bytes"
	"net/netip"
	"sync"

	"github.com/rbmk-project/unblock/netipx"
	"github.com/rbmk-project/unblock/packet"
)

// SNIResetter implements RST-based TCP connection interruption.
//
// It only injects RST segments for packets containing the pattern, while
// allowing empty packets (e.g., SYN) to pass through, so that the TCP
// handshake completes normally. It does not verify checksums and does not
// reassemble segments.
type SNIResetter struct {
	// FirstPayloadOnly, when set, makes the resetter only inspect
	// the first payload-bearing packet of each flow.
	FirstPayloadOnly bool

	// target specifies an optional specific endpoint to filter;
	// if zero, applies to all TCP connections.
	target netip.AddrPort

	// pattern is the byte pattern to match in the payload.
	pattern []byte

	// mu protects inspected and resets.
	mu sync.Mutex

	// inspected contains the flows whose first payload we inspected.
	inspected map[packet.ConnectionKey]struct{}

	// resets counts the injected resets.
	resets int
}

// NewSNIResetter creates a new [*SNIResetter] matching the given server name.
//
// If target is zero, it applies to all TCP connections.
func NewSNIResetter(target netip.AddrPort, serverName string) *SNIResetter {
	return &SNIResetter{
		target:    target,
		pattern:   []byte(serverName),
		inspected: make(map[packet.ConnectionKey]struct{}),
	}
}

// Filter implements [Filter].
func (r *SNIResetter) Filter(pkt *packet.Packet) (Target, []*packet.Packet) {
	// Only process TCP packets
	if pkt.Protocol() != packet.IPProtocolTCP {
		return ACCEPT, nil
	}

	// Check if we need to filter a specific endpoint
	if r.target.IsValid() && netipx.CompareAddrPort(pkt.Dst(), r.target) != 0 {
		return ACCEPT, nil
	}

	// Note: we explicitly accept packets with empty payload (e.g., SYN)
	// to allow the TCP handshake to complete.
	payload := pkt.Payload()
	if len(payload) == 0 {
		return ACCEPT, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FirstPayloadOnly {
		key := pkt.Key()
		if _, found := r.inspected[key]; found {
			return ACCEPT, nil
		}
		r.inspected[key] = struct{}{}
	}
	if !bytes.Contains(payload, r.pattern) {
		return ACCEPT, nil
	}

	rst, err := reply(pkt, packet.Template{
		TTL:   64,
		Seq:   pkt.Ack(),
		Flags: packet.TCPFlagRST,
	})
	if err != nil {
		return ACCEPT, nil
	}
	r.resets++
	return ACCEPT, []*packet.Packet{rst}
}

// Resets returns the number of injected resets.
func (r *SNIResetter) Resets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}
