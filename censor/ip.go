// SPDX-License-Identifier: GPL-3.0-or-later

package censor

import (
	"bytes"
	"sync"
	"time"

	"github.com/rbmk-project/unblock/packet"
)

// Blackholer implements connection blackholing with pattern matching
// and connection tracking. Once a connection is blackholed, all packets
// of its flow are dropped for the configured duration.
type Blackholer struct {
	// TimeNow is an optional function that returns the current time.
	// If this field is nil, the [time.Now] function will be used.
	TimeNow func() time.Time

	// pattern is the byte pattern to match in the payload.
	pattern []byte

	// duration specifies how long to maintain blackholing state.
	duration time.Duration

	// mu protects access to blocked.
	mu sync.Mutex

	// blocked tracks blackholed flows.
	blocked map[packet.ConnectionKey]time.Time
}

// NewBlackholer creates a new [*Blackholer] instance.
//
// The duration parameter controls how long connections remain blackholed.
func NewBlackholer(duration time.Duration, pattern []byte) *Blackholer {
	return &Blackholer{
		pattern:  pattern,
		duration: duration,
		mu:       sync.Mutex{},
		blocked:  make(map[packet.ConnectionKey]time.Time),
	}
}

// timeNow returns the current time.
func (b *Blackholer) timeNow() time.Time {
	if b.TimeNow != nil {
		return b.TimeNow()
	}
	return time.Now()
}

// Filter implements [Filter].
func (b *Blackholer) Filter(pkt *packet.Packet) (Target, []*packet.Packet) {
	// Check if this connection is already blocked
	key := pkt.Key()
	now := b.timeNow()
	b.mu.Lock()
	defer b.mu.Unlock()
	deadline, ok := b.blocked[key]
	blocked := ok && now.Before(deadline)
	if ok && !blocked {
		delete(b.blocked, key)
	}
	if blocked {
		return DROP, nil
	}

	// Check the payload
	payload := pkt.Payload()
	if len(payload) == 0 || !bytes.Contains(payload, b.pattern) {
		return ACCEPT, nil
	}

	// Block this connection
	b.blocked[key] = now.Add(b.duration)
	return DROP, nil
}
