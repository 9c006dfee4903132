// SPDX-License-Identifier: GPL-3.0-or-later

package evasion

import (
	"errors"
	"slices"

	"github.com/rbmk-project/unblock/packet"
)

// errNoSplitPoint indicates that no split point falls inside the payload.
var errNoSplitPoint = errors.New("evasion: no split point inside the payload")

// splitPoints returns the sorted and deduplicated offsets strictly
// inside a payload of the given length.
func splitPoints(length int, offsets ...int) []int {
	var points []int
	for _, off := range offsets {
		if off > 0 && off < length {
			points = append(points, off)
		}
	}
	slices.Sort(points)
	return slices.Compact(points)
}

// fragment splits the packet at the given payload offsets and returns
// the resulting packets in wire order, reversed when reverse is true.
func fragment(pkt *packet.Packet, reverse bool, offsets ...int) ([]*packet.Packet, error) {
	points := splitPoints(len(pkt.Payload()), offsets...)
	if len(points) == 0 {
		return nil, errNoSplitPoint
	}
	pieces := make([]*packet.Packet, 0, len(points)+1)
	current, base := pkt, 0
	for _, off := range points {
		head, tail, err := current.SplitAt(off - base)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, head)
		current, base = tail, off
	}
	pieces = append(pieces, current)
	if reverse {
		slices.Reverse(pieces)
	}
	return pieces, nil
}

// httpSplitOffset returns the split offset for an HTTP request, which
// depends on whether it is the first request of the connection. A
// retransmitted first request is still the first request.
func httpSplitOffset(pkt *packet.Packet, cfg *Config, lookups Lookups) int {
	if entry, found := lookups.connEntry(pkt.Key()); found && !entry.FirstSegment(pkt.Seq()) {
		return cfg.HTTPPersistentFragmentSize
	}
	return cfg.HTTPFragmentSize
}
