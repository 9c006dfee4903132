//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Stateful engine wrapping Decide.
//

package evasion

import (
	"log/slog"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/unblock/conntrack"
	"github.com/rbmk-project/unblock/dnstrack"
	"github.com/rbmk-project/unblock/packet"
	"github.com/rbmk-project/unblock/ttltrack"
)

// State contains the trackers shared by the packets processed by an [*Engine].
//
// Construct using [NewState].
type State struct {
	// TTL tracks the TTL of TCP flows.
	TTL *ttltrack.Tracker

	// Conn tracks the recently seen flows.
	Conn *conntrack.Table

	// DNS tracks the DNS exchanges.
	DNS *dnstrack.Tracker
}

// NewState creates a new [*State] with the default capacities.
func NewState() *State {
	return &State{
		TTL:  ttltrack.New(ttltrack.DefaultCapacity),
		Conn: conntrack.New(conntrack.DefaultCapacity),
		DNS:  dnstrack.New(dnstrack.DefaultCapacity),
	}
}

// Lookups returns the [Lookups] backed by the trackers.
func (s *State) Lookups() Lookups {
	return Lookups{TTL: s.TTL, Conn: s.Conn, DNS: s.DNS}
}

// SweepStats contains the number of records removed by [*Engine.Sweep].
type SweepStats struct {
	TTL  int
	Conn int
	DNS  int
}

// Total returns the total number of removed records.
func (ss SweepStats) Total() int {
	return ss.TTL + ss.Conn + ss.DNS
}

// Engine parses raw packets, decides what to do with them using
// [Decide], and updates the trackers.
//
// Construct using [NewEngine].
//
// An [*Engine] is safe for concurrent use by multiple goroutines as long
// as you don't modify its fields after construction.
type Engine struct {
	// Config is the MANDATORY configuration.
	Config *Config

	// Local is the optional set of local addresses used to
	// know the direction of packets. When nil or empty, the
	// direction is unknown and we do not learn TTLs.
	Local *packet.LocalAddrs

	// Logger is the optional structured logger. If this field
	// is nil, we will not be emitting structured logs.
	Logger *slog.Logger

	// State is the MANDATORY tracking state.
	State *State
}

// NewEngine creates a new [*Engine] with a fresh [*State].
func NewEngine(cfg *Config, local *packet.LocalAddrs) *Engine {
	return &Engine{
		Config: cfg,
		Local:  local,
		Logger: nil,
		State:  NewState(),
	}
}

// Process parses the raw packet received at the given time and
// returns the actions to take. Packets we cannot parse pass through.
func (e *Engine) Process(raw []byte, now time.Time) []Action {
	pkt, err := packet.Parse(raw, e.Local)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Debug(
				"packetParseFailed",
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)),
				slog.Int("length", len(raw)),
			)
		}
		return []Action{PassThrough()}
	}

	// We decide before observing, so that lookups reflect what we
	// knew before this packet (e.g., whether it is the first request).
	lookups := e.State.Lookups()
	lookups.Now = now
	actions := decide(pkt, e.Config, lookups, e.techniqueFailed)
	e.observe(pkt, now)

	if e.Logger != nil && !isPlainPassThrough(actions) {
		e.Logger.Debug(
			"packetDecided",
			slog.String("actions", actionsSummary(actions)),
			slog.String("class", pkt.Classify().String()),
			slog.String("packet", pkt.String()),
		)
	}
	return actions
}

// techniqueFailed logs a failing technique.
func (e *Engine) techniqueFailed(technique string, err error) {
	if e.Logger != nil {
		e.Logger.Debug(
			"techniqueFailed",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("technique", technique),
		)
	}
}

// observe updates the trackers with the packet.
func (e *Engine) observe(pkt *packet.Packet, now time.Time) {
	state := e.State
	switch pkt.Protocol() {
	case packet.IPProtocolTCP:
		key := pkt.Key()
		switch pkt.Direction() {
		case packet.DirectionInbound:
			state.TTL.Observe(key, pkt.TTL(), now)
			state.Conn.Upsert(key, pkt.TTL(), packet.IPProtocolTCP, now)
		case packet.DirectionOutbound:
			if len(pkt.Payload()) > 0 {
				state.Conn.Touch(key, pkt.Seq(), now)
			}
		}

	case packet.IPProtocolUDP:
		if pkt.Direction() == packet.DirectionInbound {
			state.Conn.Upsert(pkt.Key(), pkt.TTL(), packet.IPProtocolUDP, now)
		}
		if pkt.Classify() == packet.ClassDNS {
			state.DNS.Observe(pkt, now)
		}
		policy := e.Config.DNSPolicy()
		if dnstrack.ShouldRedirect(pkt, policy) {
			target, _ := policy.Target(pkt.IsIPv6())
			state.DNS.RecordRedirect(dnstrack.NewPair(pkt.Src(), target), pkt.Dst(), now)
			return
		}
		if _, ok := redirectedFrom(pkt, policy, state.DNS); ok {
			state.DNS.Record(dnstrack.PairOf(pkt), dnstrack.DirectionResponse, now)
		}
	}
}

// Sweep removes the expired records from the trackers.
func (e *Engine) Sweep(now time.Time) SweepStats {
	stats := SweepStats{
		TTL:  e.State.TTL.Sweep(now),
		Conn: e.State.Conn.Sweep(now),
		DNS:  e.State.DNS.Sweep(now),
	}
	if e.Logger != nil && stats.Total() > 0 {
		e.Logger.Debug(
			"trackerSwept",
			slog.Int("conn", stats.Conn),
			slog.Int("dns", stats.DNS),
			slog.Int("ttl", stats.TTL),
		)
	}
	return stats
}

// isPlainPassThrough returns whether actions only contains a pass through.
func isPlainPassThrough(actions []Action) bool {
	return len(actions) == 1 && actions[0].Kind == KindPassThrough
}

// actionsSummary returns a compact description of the actions.
func actionsSummary(actions []Action) string {
	var summary []byte
	for idx, action := range actions {
		if idx > 0 {
			summary = append(summary, ' ')
		}
		summary = append(summary, action.String()...)
	}
	return string(summary)
}
