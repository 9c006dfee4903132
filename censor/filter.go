// SPDX-License-Identifier: GPL-3.0-or-later

package censor

import (
	"github.com/rbmk-project/unblock/packet"
)

// Target is the verdict of a [Filter].
type Target int

const (
	// ACCEPT lets the packet continue.
	ACCEPT = Target(iota)

	// DROP drops the packet.
	DROP
)

// String returns the string representation of the target.
func (t Target) String() string {
	if t == DROP {
		return "DROP"
	}
	return "ACCEPT"
}

// Filter inspects a packet and returns the verdict along with
// the packets to inject towards the sender of the packet.
type Filter interface {
	Filter(pkt *packet.Packet) (Target, []*packet.Packet)
}

// reply builds a packet flowing in the opposite direction of pkt.
func reply(pkt *packet.Packet, tmpl packet.Template) (*packet.Packet, error) {
	tmpl.Protocol = pkt.Protocol()
	tmpl.Src, tmpl.Dst = pkt.Dst(), pkt.Src()
	raw, err := packet.Build(&tmpl)
	if err != nil {
		return nil, err
	}
	return packet.Parse(raw, nil)
}
