// SPDX-License-Identifier: GPL-3.0-or-later

// Package capture connects the evasion engine to packet sources
// and to raw packet injection.
//
// A [Source] delivers the packets intercepted by the OS (or read from
// a file) and receives the verdicts. A [Sender] injects packets. The
// [*Runner] drives the loop, one packet at a time.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/rbmk-project/unblock/evasion"
)

// Verdict is the decision about an intercepted packet.
type Verdict int

const (
	// VerdictAccept releases the packet, possibly replaced.
	VerdictAccept = Verdict(iota)

	// VerdictDrop drops the packet.
	VerdictDrop
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Packet is an intercepted packet.
type Packet struct {
	// ID identifies the packet when setting the verdict.
	ID uint32

	// Data contains the raw IP packet.
	Data []byte

	// Time is the OPTIONAL capture time.
	Time time.Time
}

// ErrNoPacket is returned by [Source] when no packet arrived in
// time, to give the [*Runner] a chance to do periodic work.
var ErrNoPacket = errors.New("capture: no packet available")

// Source is a source of intercepted packets.
//
// Receive returns [io.EOF] when there are no more packets, [ErrNoPacket]
// when it timed out, or the context error when the context is done.
type Source interface {
	Receive(ctx context.Context) (*Packet, error)

	// SetVerdict sets the verdict for the packet with the given ID.
	// A non-nil data with [VerdictAccept] replaces the packet.
	SetVerdict(id uint32, verdict Verdict, data []byte) error
}

// Sender injects raw IP packets.
type Sender interface {
	Send(data []byte, ipv6 bool) error
}

// Processor decides what to do with packets.
//
// The [*evasion.Engine] implements this interface.
type Processor interface {
	Process(raw []byte, now time.Time) []evasion.Action
	Sweep(now time.Time) evasion.SweepStats
}

var _ Processor = &evasion.Engine{}
