// SPDX-License-Identifier: GPL-3.0-or-later

package evasion

import (
	"errors"
	"net/netip"
	"time"

	"github.com/rbmk-project/unblock/conntrack"
	"github.com/rbmk-project/unblock/dnstrack"
	"github.com/rbmk-project/unblock/netipx"
	"github.com/rbmk-project/unblock/packet"
	"github.com/rbmk-project/unblock/sni"
	"github.com/rbmk-project/unblock/ttltrack"
)

// TTLLookup allows looking up the TTL state of a flow.
type TTLLookup interface {
	Lookup(key packet.ConnectionKey) (ttltrack.Record, bool)
}

// ConnLookup allows looking up a tracked flow.
type ConnLookup interface {
	Lookup(key packet.ConnectionKey) (conntrack.Entry, bool)
}

// DNSLookup allows looking up a DNS exchange.
type DNSLookup interface {
	Lookup(pair dnstrack.Pair) (dnstrack.Record, bool)
}

// Lookups contains the read-only views of the trackers used by [Decide].
//
// Each field is optional. A nil field behaves like a tracker that
// never finds anything, so that we fall back to the configuration.
type Lookups struct {
	TTL  TTLLookup
	Conn ConnLookup
	DNS  DNSLookup

	// Now is the time of the decision. TTL records and connection
	// entries expired at Now are ignored. The zero value disables
	// the expiry check.
	Now time.Time
}

// ttlRecord returns the unexpired TTL record of the flow.
func (l Lookups) ttlRecord(key packet.ConnectionKey) (ttltrack.Record, bool) {
	if l.TTL == nil {
		return ttltrack.Record{}, false
	}
	rec, found := l.TTL.Lookup(key)
	if !found || (!l.Now.IsZero() && rec.Expired(l.Now)) {
		return ttltrack.Record{}, false
	}
	return rec, true
}

// connEntry returns the unexpired connection entry of the flow.
func (l Lookups) connEntry(key packet.ConnectionKey) (conntrack.Entry, bool) {
	if l.Conn == nil {
		return conntrack.Entry{}, false
	}
	entry, found := l.Conn.Lookup(key)
	if !found || (!l.Now.IsZero() && entry.Expired(l.Now)) {
		return conntrack.Entry{}, false
	}
	return entry, true
}

// Names of the techniques, used when reporting failures.
const (
	techniqueDecoy       = "decoy"
	techniqueDNSRedirect = "dnsRedirect"
	techniqueDNSRestore  = "dnsRestore"
	techniqueFragment    = "fragment"
	techniqueHostMangle  = "hostMangle"
	techniqueSNI         = "sni"
)

// failureFunc is called when a technique fails.
type failureFunc func(technique string, err error)

// Decide returns the actions to take for the given packet.
//
// Decide is a pure function: it does not perform I/O and does not modify
// the packet or the trackers. A failing technique is skipped, so the
// worst outcome is a single [KindPassThrough] action.
func Decide(pkt *packet.Packet, cfg *Config, lookups Lookups) []Action {
	return decide(pkt, cfg, lookups, func(string, error) {})
}

// decide implements [Decide] reporting technique failures to onFailure.
func decide(pkt *packet.Packet, cfg *Config, lookups Lookups, onFailure failureFunc) []Action {
	if pkt == nil || cfg == nil || !pkt.HasTransportHeader() {
		return []Action{PassThrough()}
	}
	if cfg.MaxPayloadSize > 0 && len(pkt.Payload()) > cfg.MaxPayloadSize {
		return []Action{PassThrough()}
	}

	d := &decider{cfg: cfg, lookups: lookups, onFailure: onFailure, pkt: pkt}
	if pkt.Protocol() == packet.IPProtocolUDP {
		return d.udp()
	}
	switch pkt.Classify() {
	case packet.ClassHTTP:
		return d.http()
	case packet.ClassHTTPS:
		return d.https()
	default:
		return []Action{PassThrough()}
	}
}

// decider holds the state of a single decision.
type decider struct {
	cfg       *Config
	lookups   Lookups
	onFailure failureFunc
	pkt       *packet.Packet
}

// outbound returns whether the packet may be outbound.
func (d *decider) outbound() bool {
	return d.pkt.Direction() != packet.DirectionInbound
}

// http decides for an HTTP request.
func (d *decider) http() []Action {
	payload := d.pkt.Payload()
	if !d.outbound() || !d.cfg.hostAllowed(httpHost(payload)) {
		return []Action{PassThrough()}
	}

	genuine := d.pkt
	if mangled, changed := mangleHTTP(payload, d.cfg); changed {
		replaced, err := d.pkt.WithPayload(mangled)
		if err != nil {
			d.onFailure(techniqueHostMangle, err)
		} else {
			genuine = replaced
		}
	}

	var offsets []int
	if size := httpSplitOffset(d.pkt, d.cfg, d.lookups); size > 0 {
		offsets = append(offsets, size)
	}
	return d.finish(packet.ClassHTTP, genuine, offsets)
}

// https decides for a TLS segment.
func (d *decider) https() []Action {
	payload := d.pkt.Payload()
	if !d.outbound() || len(payload) == 0 {
		return []Action{PassThrough()}
	}

	start, end, err := sni.Locate(payload)
	switch {
	case err == nil:
		if !d.cfg.hostAllowed(string(payload[start:end])) {
			return []Action{PassThrough()}
		}
	case errors.Is(err, sni.ErrNoSNI), errors.Is(err, sni.ErrTruncated):
		// a ClientHello without a usable name
		d.onFailure(techniqueSNI, err)
		if !d.cfg.hostAllowed("") {
			return []Action{PassThrough()}
		}
	default:
		// not the beginning of a ClientHello
		return []Action{PassThrough()}
	}

	var offsets []int
	if d.cfg.HTTPSFragmentSize > 0 {
		offsets = append(offsets, d.cfg.HTTPSFragmentSize)
		if d.cfg.FragmentBySNI && err == nil {
			offsets = append(offsets, start+(end-start)/2)
		}
	}
	return d.finish(packet.ClassHTTPS, d.pkt, offsets)
}

// finish emits the decoys followed by the genuine packet, which is
// fragmented at the given offsets when there are any.
func (d *decider) finish(class packet.Classification, genuine *packet.Packet, offsets []int) []Action {
	ipv6 := d.pkt.IsIPv6()
	var actions []Action

	if d.cfg.decoysEnabled() {
		decoys, err := buildDecoys(d.pkt, class, d.cfg, d.lookups)
		if err != nil {
			d.onFailure(techniqueDecoy, err)
		}
		for _, decoy := range decoys {
			actions = append(actions, InjectExtra(decoy, ipv6))
		}
	}

	pieces := []*packet.Packet{genuine}
	if len(offsets) > 0 {
		fragments, err := fragment(genuine, d.cfg.ReverseFragmentation, offsets...)
		switch {
		case err != nil:
			d.onFailure(techniqueFragment, err)
		default:
			pieces = fragments
		}
	}

	if len(pieces) == 1 && pieces[0] == d.pkt {
		return append(actions, PassThrough())
	}
	for _, piece := range pieces {
		actions = append(actions, Replace(piece.Raw(), ipv6))
	}
	return actions
}

// udp decides for a UDP datagram.
func (d *decider) udp() []Action {
	policy := d.cfg.DNSPolicy()

	if dnstrack.ShouldRedirect(d.pkt, policy) {
		target, _ := policy.Target(d.pkt.IsIPv6())
		redirected := d.pkt.Clone()
		if err := redirected.SetDst(target); err != nil {
			d.onFailure(techniqueDNSRedirect, err)
			return []Action{PassThrough()}
		}
		return []Action{Replace(redirected.Raw(), redirected.IsIPv6())}
	}

	if original, ok := redirectedFrom(d.pkt, policy, d.lookups.DNS); ok {
		restored := d.pkt.Clone()
		if err := restored.SetSrc(original); err != nil {
			d.onFailure(techniqueDNSRestore, err)
			return []Action{PassThrough()}
		}
		return []Action{Replace(restored.Raw(), restored.IsIPv6())}
	}

	return []Action{PassThrough()}
}

// redirectedFrom returns the original server of a redirected DNS
// exchange when pkt is a response sent to us by the resolver.
func redirectedFrom(pkt *packet.Packet, policy dnstrack.RedirectPolicy, lookup DNSLookup) (original netip.AddrPort, ok bool) {
	if lookup == nil || pkt.Protocol() != packet.IPProtocolUDP || pkt.Direction() == packet.DirectionOutbound {
		return
	}
	target, enabled := policy.Target(pkt.IsIPv6())
	if !enabled || netipx.CompareAddrPort(pkt.Src(), target) != 0 {
		return
	}
	rec, found := lookup.Lookup(dnstrack.PairOf(pkt))
	if !found || !rec.Redirected() {
		return
	}
	return rec.Original, true
}
