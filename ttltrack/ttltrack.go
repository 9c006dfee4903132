//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// TTL learning state machine.
//

// Package ttltrack learns the TTL of the packets sent by remote peers.
//
// Every TCP flow starts in the [StateLearning] state and moves to
// [StateEstablished] after [LearningSamples] observations. The learned
// TTL feeds [DisguiseTTL], which computes the TTL of decoy packets that
// should expire on path before reaching the real endpoint.
package ttltrack

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/unblock/packet"
)

const (
	// LearningSamples is the number of samples after which
	// a flow becomes established.
	LearningSamples = 10

	// LearningTimeout is the idle time after which a learning flow expires.
	LearningTimeout = 30 * time.Second

	// EstablishedTimeout is the idle time after which an established flow expires.
	EstablishedTimeout = 300 * time.Second

	// DefaultCapacity is the default maximum number of tracked flows.
	DefaultCapacity = 4096
)

// State is the state of a [Record].
type State uint8

const (
	// StateLearning means we are still collecting samples.
	StateLearning = State(iota)

	// StateEstablished means we have learned the TTL delta.
	StateEstablished
)

// String returns the string representation of the state.
func (s State) String() string {
	if s == StateEstablished {
		return "established"
	}
	return "learning"
}

// Record is the TTL state of a flow.
type Record struct {
	// State is the current state.
	State State

	// Count is the number of samples observed while learning.
	Count int

	// FirstTTL is the TTL of the first sample.
	FirstTTL uint8

	// MinTTL is the minimum TTL observed while learning.
	MinTTL uint8

	// MaxTTL is the maximum TTL observed while learning.
	MaxTTL uint8

	// LastTTL is the TTL of the most recent sample.
	LastTTL uint8

	// Delta is FirstTTL minus the TTL of the sample that caused the
	// transition to [StateEstablished]. Only meaningful when established.
	Delta int

	// LastSeen is the time of the most recent sample.
	LastSeen time.Time
}

// LearnedTTL returns the TTL to use as the observed TTL of the flow, that
// is, the TTL of the sample that completed learning.
func (r Record) LearnedTTL() uint8 {
	return uint8(int(r.FirstTTL) - r.Delta)
}

// Expired returns whether the record is expired at the given time, that is,
// idle for more than [LearningTimeout] or, once established, [EstablishedTimeout].
func (r Record) Expired(now time.Time) bool {
	timeout := LearningTimeout
	if r.State == StateEstablished {
		timeout = EstablishedTimeout
	}
	return now.Sub(r.LastSeen) > timeout
}

// Stats contains statistics about a [*Tracker].
type Stats struct {
	// Total is the number of tracked flows.
	Total int

	// Established is the number of established flows.
	Established int

	// Evicted is the number of flows evicted to make room for new ones.
	Evicted int
}

// Tracker tracks the TTL state of TCP flows.
//
// Construct using [New].
//
// A [*Tracker] is safe for concurrent use by multiple goroutines.
type Tracker struct {
	// evicted counts capacity evictions.
	evicted int

	// lru contains the records.
	lru *simplelru.LRU[packet.ConnectionKey, *Record]

	// mu protects all the other fields.
	mu sync.Mutex
}

// New creates a new [*Tracker] holding at most capacity flows. When
// the tracker is full, the least recently used flow is evicted. A
// capacity less than or equal to zero means [DefaultCapacity].
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	lru, err := simplelru.NewLRU[packet.ConnectionKey, *Record](capacity, nil)
	runtimex.Try0(err)
	return &Tracker{lru: lru}
}

// Observe records a TTL sample for the given flow.
func (t *Tracker) Observe(key packet.ConnectionKey, ttl uint8, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, found := t.lru.Get(key)
	if !found || (rec.State == StateLearning && rec.Expired(now)) {
		evicted := t.lru.Add(key, &Record{
			State:    StateLearning,
			Count:    1,
			FirstTTL: ttl,
			MinTTL:   ttl,
			MaxTTL:   ttl,
			LastTTL:  ttl,
			LastSeen: now,
		})
		if evicted {
			t.evicted++
		}
		return
	}

	rec.LastSeen = now
	if rec.State == StateEstablished {
		return
	}

	rec.LastTTL = ttl
	rec.MinTTL = min(rec.MinTTL, ttl)
	rec.MaxTTL = max(rec.MaxTTL, ttl)
	rec.Count++
	if rec.Count >= LearningSamples {
		rec.State = StateEstablished
		rec.Delta = int(rec.FirstTTL) - int(ttl)
	}
}

// Lookup returns a copy of the record of the given flow. The record may be
// expired until the next [*Tracker.Sweep]; use [Record.Expired] to check.
func (t *Tracker) Lookup(key packet.ConnectionKey) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, found := t.lru.Get(key)
	if !found {
		return Record{}, false
	}
	return *rec, true
}

// Sweep removes learning records idle for more than [LearningTimeout] and
// established records idle for more than [EstablishedTimeout]. It returns
// the number of removed records.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int
	for _, key := range t.lru.Keys() {
		rec, found := t.lru.Peek(key)
		if found && rec.Expired(now) {
			t.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Stats returns statistics about the tracker.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{Total: t.lru.Len(), Evicted: t.evicted}
	for _, rec := range t.lru.Values() {
		if rec.State == StateEstablished {
			stats.Established++
		}
	}
	return stats
}
