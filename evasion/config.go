// SPDX-License-Identifier: GPL-3.0-or-later

package evasion

import (
	"net/netip"

	"github.com/rbmk-project/unblock/dnstrack"
)

// Config contains the values that drive [Decide].
//
// Construct using [NewConfig] to get the default values, which
// do not enable any technique except fragmentation.
type Config struct {
	// HTTPFragmentSize is the offset at which we split the first HTTP
	// request of a connection. Zero disables HTTP fragmentation.
	HTTPFragmentSize int

	// HTTPPersistentFragmentSize is the offset at which we split the
	// subsequent (keep-alive) requests of a connection. Zero disables
	// fragmenting keep-alive requests.
	HTTPPersistentFragmentSize int

	// HTTPSFragmentSize is the offset at which we split the segment
	// carrying the TLS ClientHello. Zero disables HTTPS fragmentation.
	HTTPSFragmentSize int

	// FragmentBySNI adds a split point in the middle of the SNI.
	FragmentBySNI bool

	// ReverseFragmentation sends the fragments in reverse order.
	ReverseFragmentation bool

	// HostMixedCase alternates the case of the Host header value.
	HostMixedCase bool

	// HostUppercase uppercases the Host header value.
	HostUppercase bool

	// HostRemoveSpace removes the space after "Host:".
	HostRemoveSpace bool

	// AdditionalSpace adds a space after "Host:".
	AdditionalSpace bool

	// FakePacket injects a decoy request before the genuine one.
	FakePacket bool

	// FakeReset injects a decoy RST segment before the genuine request.
	FakeReset bool

	// WrongChecksum corrupts the TCP checksum of decoys.
	WrongChecksum bool

	// WrongSequence moves the sequence and acknowledgement numbers
	// of decoys into the past.
	WrongSequence bool

	// AutoTTL computes the TTL of decoys from the learned TTL of the
	// flow using AutoTTLNear, AutoTTLFar, MinHops, and AutoTTLMax.
	AutoTTL bool

	// FakeTTL is the TTL of decoys when AutoTTL is disabled or
	// when we have not learned the TTL of the flow yet.
	FakeTTL uint8

	// MinHops is the minimum decoy TTL produced by AutoTTL.
	MinHops uint8

	// AutoTTLNear is the near-hop bound used by AutoTTL.
	AutoTTLNear uint8

	// AutoTTLFar is the far-hop bound used by AutoTTL.
	AutoTTLFar uint8

	// AutoTTLMax is the maximum decoy TTL produced by AutoTTL. A decoy
	// TTL up to AutoTTLMax is assumed to expire before the server, so
	// decoys with a larger TTL need WrongChecksum or WrongSequence.
	AutoTTLMax uint8

	// DNSRedirectV4 enables redirecting IPv4 DNS queries to DNSServerV4.
	DNSRedirectV4 bool

	// DNSServerV4 is the IPv4 resolver endpoint.
	DNSServerV4 netip.AddrPort

	// DNSRedirectV6 enables redirecting IPv6 DNS queries to DNSServerV6.
	DNSRedirectV6 bool

	// DNSServerV6 is the IPv6 resolver endpoint.
	DNSServerV6 netip.AddrPort

	// MaxPayloadSize is the payload size above which we pass the packet
	// through untouched. Zero means no limit.
	MaxPayloadSize int

	// Hosts optionally restricts the HTTP and HTTPS techniques to the
	// listed hosts and their subdomains. When empty, all hosts match.
	Hosts *HostList

	// Exclude lists hosts for which we never apply HTTP and HTTPS techniques.
	Exclude *HostList

	// AllowNoSNI allows applying the HTTP and HTTPS techniques to
	// requests without a host name when Hosts is not empty.
	AllowNoSNI bool
}

// Default values used by [NewConfig].
const (
	DefaultHTTPFragmentSize  = 2
	DefaultHTTPSFragmentSize = 2
	DefaultFakeTTL           = 64
	DefaultMinHops           = 3
	DefaultAutoTTLNear       = 1
	DefaultAutoTTLFar        = 4
	DefaultAutoTTLMax        = 10
	DefaultMaxPayloadSize    = 1200
)

// Default resolvers used by [NewConfig].
var (
	DefaultDNSServerV4 = netip.MustParseAddrPort("1.1.1.1:53")
	DefaultDNSServerV6 = netip.MustParseAddrPort("[2606:4700:4700::4700]:53")
)

// NewConfig returns a new [*Config] with default values.
func NewConfig() *Config {
	return &Config{
		HTTPFragmentSize:  DefaultHTTPFragmentSize,
		HTTPSFragmentSize: DefaultHTTPSFragmentSize,
		FakeTTL:           DefaultFakeTTL,
		MinHops:           DefaultMinHops,
		AutoTTLNear:       DefaultAutoTTLNear,
		AutoTTLFar:        DefaultAutoTTLFar,
		AutoTTLMax:        DefaultAutoTTLMax,
		DNSServerV4:       DefaultDNSServerV4,
		DNSServerV6:       DefaultDNSServerV6,
		MaxPayloadSize:    DefaultMaxPayloadSize,
	}
}

// DNSPolicy returns the DNS redirection policy.
func (c *Config) DNSPolicy() dnstrack.RedirectPolicy {
	return dnstrack.RedirectPolicy{
		EnableV4: c.DNSRedirectV4,
		ServerV4: c.DNSServerV4,
		EnableV6: c.DNSRedirectV6,
		ServerV6: c.DNSServerV6,
	}
}

// decoysEnabled returns whether any decoy is enabled.
func (c *Config) decoysEnabled() bool {
	return c.FakePacket || c.FakeReset
}

// hostAllowed returns whether the techniques apply to host, where
// the empty string means the request carries no host name.
func (c *Config) hostAllowed(host string) bool {
	if host == "" {
		return c.Hosts.Len() == 0 || c.AllowNoSNI
	}
	if c.Exclude.Match(host) {
		return false
	}
	return c.Hosts.Len() == 0 || c.Hosts.Match(host)
}
