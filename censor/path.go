// SPDX-License-Identifier: GPL-3.0-or-later

package censor

import (
	"errors"

	"github.com/rbmk-project/unblock/packet"
)

// receiveWindow is the range of sequence numbers the [*Receiver] accepts.
const receiveWindow = 65535

// Receiver models the TCP receive side of a server.
//
// It drops segments with invalid checksums and segments outside the
// receive window, and it reassembles the accepted payloads. The
// zero value is not ready to use; construct using [NewReceiver].
type Receiver struct {
	// Dropped counts the segments we dropped.
	Dropped int

	// isn is the sequence number of the first payload byte.
	isn uint32

	// reset tracks whether an in-window RST was received.
	reset bool

	// segments maps stream offsets to payloads.
	segments map[uint32][]byte
}

// NewReceiver creates a [*Receiver] expecting a stream starting at isn.
func NewReceiver(isn uint32) *Receiver {
	return &Receiver{isn: isn, segments: make(map[uint32][]byte)}
}

// Receive processes a segment and returns whether it was accepted.
func (r *Receiver) Receive(pkt *packet.Packet) bool {
	if pkt.Protocol() != packet.IPProtocolTCP || !pkt.VerifyChecksums() {
		r.Dropped++
		return false
	}
	offset := pkt.Seq() - r.isn
	if offset >= receiveWindow {
		r.Dropped++
		return false
	}
	if pkt.Flags()&packet.TCPFlagRST != 0 {
		r.reset = true
		return true
	}
	if payload := pkt.Payload(); len(payload) > 0 {
		r.segments[offset] = append([]byte{}, payload...)
	}
	return true
}

// Stream returns the contiguous stream reassembled from the beginning.
func (r *Receiver) Stream() []byte {
	var stream []byte
	for {
		data, found := r.segments[uint32(len(stream))]
		if !found || len(data) == 0 {
			return stream
		}
		stream = append(stream, data...)
	}
}

// Reset returns whether the receiver got an in-window RST.
func (r *Receiver) Reset() bool {
	return r.reset
}

// Path models the hops between the client and a server with a
// [Filter] sitting at a given hop. A packet sent with TTL t reaches
// hop h when t >= h, as each router decrements the TTL.
type Path struct {
	// Censor is the OPTIONAL middlebox.
	Censor Filter

	// CensorHop is the hop where the middlebox sits.
	CensorHop uint8

	// Server is the MANDATORY receiver at the end of the path.
	Server *Receiver

	// ServerHop is the hop where the server sits.
	ServerHop uint8

	// Injected contains the packets injected by the middlebox.
	Injected []*packet.Packet

	// Seen counts the packets seen by the middlebox.
	Seen int
}

// ErrTTLExceeded indicates that a packet expired in transit.
var ErrTTLExceeded = errors.New("censor: TTL exceeded in transit")

// ErrDropped indicates that the middlebox dropped a packet.
var ErrDropped = errors.New("censor: dropped by the middlebox")

// Send sends the raw packet along the path. It returns [ErrTTLExceeded]
// or [ErrDropped] when the packet does not reach the server.
func (p *Path) Send(raw []byte) error {
	pkt, err := packet.Parse(raw, nil)
	if err != nil {
		return err
	}
	ttl := pkt.TTL()
	if p.Censor != nil && ttl >= p.CensorHop {
		p.Seen++
		target, injected := p.Censor.Filter(pkt)
		p.Injected = append(p.Injected, injected...)
		if target == DROP {
			return ErrDropped
		}
	}
	if ttl < p.ServerHop {
		return ErrTTLExceeded
	}
	p.Server.Receive(pkt)
	return nil
}
