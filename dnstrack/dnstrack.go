// SPDX-License-Identifier: GPL-3.0-or-later

// Package dnstrack correlates DNS queries and responses.
//
// Records are keyed by an unordered [Pair] of endpoints, so that the
// record created when observing a query is also found when observing
// the corresponding response. When a query is redirected to another
// resolver, the record remembers the original server so that the
// response can be rewritten to appear to come from it.
package dnstrack

import (
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/miekg/dns"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/unblock/netipx"
	"github.com/rbmk-project/unblock/packet"
)

// Timeout is the idle time after which a record expires.
const Timeout = 60 * time.Second

// DefaultCapacity is the default maximum number of records.
const DefaultCapacity = 1024

// Direction tells whether we saw a query or a response.
type Direction uint8

const (
	// DirectionQuery means we saw a query.
	DirectionQuery = Direction(iota)

	// DirectionResponse means we saw a response.
	DirectionResponse
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	if d == DirectionResponse {
		return "response"
	}
	return "query"
}

// Pair is an unordered pair of UDP endpoints.
type Pair struct {
	// A is the smaller endpoint.
	A netip.AddrPort

	// B is the larger endpoint.
	B netip.AddrPort
}

// NewPair creates a [Pair] from two endpoints in any order.
func NewPair(x, y netip.AddrPort) Pair {
	x = netip.AddrPortFrom(x.Addr().Unmap(), x.Port())
	y = netip.AddrPortFrom(y.Addr().Unmap(), y.Port())
	if netipx.CompareAddrPort(x, y) > 0 {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// PairOf returns the [Pair] of a packet.
func PairOf(pkt *packet.Packet) Pair {
	return NewPair(pkt.Src(), pkt.Dst())
}

// Record is the state of a DNS exchange.
type Record struct {
	// Direction is the direction of the last observed message.
	Direction Direction

	// Timestamp is when the record was last updated.
	Timestamp time.Time

	// Original is the server the client originally queried, when
	// the query has been redirected, or the zero value otherwise.
	Original netip.AddrPort

	// ID is the DNS message ID, when known.
	ID uint16

	// Name is the first question name, when known.
	Name string
}

// Redirected returns whether the exchange has been redirected.
func (r Record) Redirected() bool {
	return r.Original.IsValid()
}

// Tracker tracks DNS exchanges.
//
// Construct using [New].
//
// A [*Tracker] is safe for concurrent use by multiple goroutines.
type Tracker struct {
	lru *simplelru.LRU[Pair, *Record]
	mu  sync.Mutex
}

// New creates a new [*Tracker] with the given capacity. A capacity
// less than or equal to zero means [DefaultCapacity].
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	lru, err := simplelru.NewLRU[Pair, *Record](capacity, nil)
	runtimex.Try0(err)
	return &Tracker{lru: lru}
}

// Record records a message of the given direction for the pair.
//
// The original server of a redirected exchange is preserved.
func (t *Tracker) Record(pair Pair, dir Direction, now time.Time) {
	t.update(pair, func(rec *Record) {
		rec.Direction = dir
		rec.Timestamp = now
	})
}

// RecordRedirect records that the query for the given pair was
// redirected away from the original server.
func (t *Tracker) RecordRedirect(pair Pair, original netip.AddrPort, now time.Time) {
	t.update(pair, func(rec *Record) {
		rec.Direction = DirectionQuery
		rec.Timestamp = now
		rec.Original = original
	})
}

// update applies fx to the record for pair, creating it if needed.
func (t *Tracker) update(pair Pair, fx func(rec *Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, found := t.lru.Get(pair)
	if !found {
		rec = &Record{}
		t.lru.Add(pair, rec)
	}
	fx(rec)
}

// Lookup returns a copy of the record for the given pair.
func (t *Tracker) Lookup(pair Pair) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, found := t.lru.Get(pair)
	if !found {
		return Record{}, false
	}
	return *rec, true
}

// Observe records a DNS packet. The direction comes from the QR bit of
// the message or, when the payload is not a valid DNS message, from
// the source port. Returns false when the packet is not UDP.
func (t *Tracker) Observe(pkt *packet.Packet, now time.Time) bool {
	if pkt.Protocol() != packet.IPProtocolUDP || !pkt.HasTransportHeader() {
		return false
	}
	dir := DirectionQuery
	var (
		id   uint16
		name string
	)
	msg := &dns.Msg{}
	if err := msg.Unpack(pkt.Payload()); err == nil {
		if msg.Response {
			dir = DirectionResponse
		}
		id = msg.Id
		if len(msg.Question) > 0 {
			name = msg.Question[0].Name
		}
	} else if pkt.SrcPort() == packet.PortDNS {
		dir = DirectionResponse
	}
	t.update(PairOf(pkt), func(rec *Record) {
		rec.Direction = dir
		rec.Timestamp = now
		rec.ID = id
		if name != "" {
			rec.Name = name
		}
	})
	return true
}

// Sweep removes the records idle for more than [Timeout] and
// returns the number of removed records.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int
	for _, pair := range t.lru.Keys() {
		rec, found := t.lru.Peek(pair)
		if found && now.Sub(rec.Timestamp) > Timeout {
			t.lru.Remove(pair)
			removed++
		}
	}
	return removed
}

// Len returns the number of records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}
