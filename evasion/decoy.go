// SPDX-License-Identifier: GPL-3.0-or-later

package evasion

import (
	"errors"

	"github.com/rbmk-project/unblock/packet"
	"github.com/rbmk-project/unblock/sni"
	"github.com/rbmk-project/unblock/ttltrack"
)

// decoyHost is the host name used by the decoy requests.
const decoyHost = "www.w3.org"

// decoyHTTPRequest is the payload of HTTP decoys.
var decoyHTTPRequest = []byte("GET / HTTP/1.1\r\nHost: " + decoyHost + "\r\n\r\n")

// Offsets applied by WrongSequence.
const (
	wrongSeqOffset = 10000
	wrongAckOffset = 66000
)

// errNotOutboundTCP indicates that we cannot build decoys for a packet.
var errNotOutboundTCP = errors.New("evasion: decoys require an outbound TCP segment")

// errUndisguisedDecoy indicates that the server would accept the decoy.
var errUndisguisedDecoy = errors.New("evasion: decoy would reach the server undisguised")

// disguised returns whether the server cannot accept a decoy with the
// given TTL, because it expires in transit or the server drops it.
func disguised(ttl uint8, cfg *Config) bool {
	return cfg.WrongChecksum || cfg.WrongSequence || ttl <= cfg.AutoTTLMax
}

// decoyTTL returns the TTL to use for decoys of the given packet.
func decoyTTL(pkt *packet.Packet, cfg *Config, lookups Lookups) uint8 {
	if !cfg.AutoTTL {
		return cfg.FakeTTL
	}
	observed, found := observedTTL(pkt.Key(), lookups)
	if !found {
		return cfg.FakeTTL
	}
	return ttltrack.DisguiseTTL(observed, cfg.AutoTTLNear, cfg.AutoTTLFar, cfg.MinHops, cfg.AutoTTLMax)
}

// observedTTL returns the TTL we observed from the remote peer of the
// flow, preferring the learned TTL over the last cached one.
func observedTTL(key packet.ConnectionKey, lookups Lookups) (uint8, bool) {
	if rec, found := lookups.ttlRecord(key); found && rec.State == ttltrack.StateEstablished {
		return rec.LearnedTTL(), true
	}
	if entry, found := lookups.connEntry(key); found && entry.TTL > 0 {
		return entry.TTL, true
	}
	return 0, false
}

// buildDecoys returns the decoys to inject before the given outbound
// TCP segment, in wire order: the fake request, then the fake reset.
func buildDecoys(pkt *packet.Packet, class packet.Classification, cfg *Config, lookups Lookups) ([][]byte, error) {
	if pkt.Protocol() != packet.IPProtocolTCP || pkt.Direction() == packet.DirectionInbound {
		return nil, errNotOutboundTCP
	}
	ttl := decoyTTL(pkt, cfg, lookups)
	if !disguised(ttl, cfg) {
		return nil, errUndisguisedDecoy
	}
	tmpl := packet.Template{
		Protocol: packet.IPProtocolTCP,
		Src:      pkt.Src(),
		Dst:      pkt.Dst(),
		TTL:      ttl,
		Seq:      pkt.Seq(),
		Ack:      pkt.Ack(),
		Window:   pkt.Window(),
	}
	if cfg.WrongSequence {
		tmpl.Seq -= wrongSeqOffset
		tmpl.Ack -= wrongAckOffset
	}

	var decoys [][]byte
	if cfg.FakePacket {
		payload := decoyHTTPRequest
		if class == packet.ClassHTTPS {
			hello, err := sni.BuildClientHello(decoyHost)
			if err != nil {
				return nil, err
			}
			payload = hello
		}
		fake := tmpl
		fake.Flags = packet.TCPFlagPSH | packet.TCPFlagACK
		fake.Payload = payload
		raw, err := finishDecoy(&fake, cfg)
		if err != nil {
			return nil, err
		}
		decoys = append(decoys, raw)
	}
	if cfg.FakeReset {
		rst := tmpl
		rst.Flags = packet.TCPFlagRST | packet.TCPFlagACK
		raw, err := finishDecoy(&rst, cfg)
		if err != nil {
			return nil, err
		}
		decoys = append(decoys, raw)
	}
	return decoys, nil
}

// finishDecoy serializes the decoy and corrupts its checksum if needed.
func finishDecoy(tmpl *packet.Template, cfg *Config) ([]byte, error) {
	raw, err := packet.Build(tmpl)
	if err != nil {
		return nil, err
	}
	if !cfg.WrongChecksum {
		return raw, nil
	}
	decoy, err := packet.Parse(raw, nil)
	if err != nil {
		return nil, err
	}
	// flipping the low byte never yields the other zero representation
	if err := decoy.SetTransportChecksum(decoy.TransportChecksum() ^ 0x00ff); err != nil {
		return nil, err
	}
	return decoy.Raw(), nil
}
