// SPDX-License-Identifier: GPL-3.0-or-later

// Package conntrack contains a bounded table of recently seen flows.
//
// The table is a best effort cache: entries idle for more than
// [Timeout] are removed by [*Table.Sweep] and, when the table is
// full, inserting a new flow evicts the least recently used one.
package conntrack

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/unblock/packet"
)

// Timeout is the idle time after which an entry expires.
const Timeout = 300 * time.Second

// DefaultCapacity is the default maximum number of entries.
const DefaultCapacity = 4096

// Entry is the state of a flow.
type Entry struct {
	// TTL is the last TTL observed from the remote peer.
	TTL uint8

	// Protocol is the transport protocol.
	Protocol packet.IPProtocol

	// LastSeen is when the flow was last updated.
	LastSeen time.Time

	// Segments counts the outbound payload-bearing segments.
	Segments int

	// FirstSeq is the sequence number of the first outbound payload
	// segment. Only meaningful when Segments is positive.
	FirstSeq uint32
}

// Expired returns whether the entry has been idle for more than [Timeout].
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.LastSeen) > Timeout
}

// FirstSegment returns whether seq belongs to the first outbound
// payload segment, which is the case for retransmissions too.
func (e Entry) FirstSegment(seq uint32) bool {
	return e.Segments <= 0 || e.FirstSeq == seq
}

// Table is the connection tracking table.
//
// Construct using [New].
//
// A [*Table] is safe for concurrent use by multiple goroutines.
type Table struct {
	lru *simplelru.LRU[packet.ConnectionKey, *Entry]
	mu  sync.Mutex
}

// New creates a new [*Table] with the given capacity. A capacity
// less than or equal to zero means [DefaultCapacity].
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	lru, err := simplelru.NewLRU[packet.ConnectionKey, *Entry](capacity, nil)
	runtimex.Try0(err)
	return &Table{lru: lru}
}

// Upsert inserts or replaces the TTL, protocol, and last-seen time of the
// entry for the given key. The segment counter of an existing entry is kept.
func (t *Table) Upsert(key packet.ConnectionKey, ttl uint8, proto packet.IPProtocol, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.getOrCreate(key)
	entry.TTL = ttl
	entry.Protocol = proto
	entry.LastSeen = now
}

// Touch increments the segment counter of the entry for the given key,
// creating the entry if needed, and returns the updated counter. The seq
// of the first segment is recorded as FirstSeq.
func (t *Table) Touch(key packet.ConnectionKey, seq uint32, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.getOrCreate(key)
	entry.Protocol = key.Protocol
	entry.LastSeen = now
	if entry.Segments <= 0 {
		entry.FirstSeq = seq
	}
	entry.Segments++
	return entry.Segments
}

// getOrCreate returns the entry for key, adding an empty one if missing.
//
// The caller must hold the mutex.
func (t *Table) getOrCreate(key packet.ConnectionKey) *Entry {
	entry, found := t.lru.Get(key)
	if !found {
		entry = &Entry{}
		t.lru.Add(key, entry)
	}
	return entry
}

// Lookup returns a copy of the entry for the given key. The entry may be
// expired until the next [*Table.Sweep]; use [Entry.Expired] to check.
func (t *Table) Lookup(key packet.ConnectionKey) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, found := t.lru.Get(key)
	if !found {
		return Entry{}, false
	}
	return *entry, true
}

// Sweep removes the entries idle for more than [Timeout] and
// returns the number of removed entries.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int
	for _, key := range t.lru.Keys() {
		entry, found := t.lru.Peek(key)
		if found && entry.Expired(now) {
			t.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}
