// SPDX-License-Identifier: GPL-3.0-or-later

package evasion_test

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/rbmk-project/unblock/conntrack"
	"github.com/rbmk-project/unblock/dnstrack"
	"github.com/rbmk-project/unblock/evasion"
	"github.com/rbmk-project/unblock/packet"
	"github.com/rbmk-project/unblock/sni"
	"github.com/rbmk-project/unblock/ttltrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDecideHTTPFragmentation(t *testing.T) {
	pkt := tcpSegment(t, client4, http4, []byte(httpRequest))
	require.Equal(t, packet.ClassHTTP, pkt.Classify())

	t.Run("in order", func(t *testing.T) {
		actions := evasion.Decide(pkt, evasion.NewConfig(), evasion.Lookups{})
		decoys, genuine := split(t, actions)
		assert.Empty(t, decoys)
		require.Len(t, genuine, 2)

		head, tail := parseData(t, genuine[0]), parseData(t, genuine[1])
		assert.Equal(t, []byte("GE"), head.Payload())
		assert.Equal(t, pkt.Seq(), head.Seq())
		assert.Equal(t, packet.TCPFlagACK, head.Flags())
		assert.Equal(t, packet.TCPFlagPSH|packet.TCPFlagACK, tail.Flags())
		assert.Equal(t, []byte(httpRequest), reassemble(t, genuine))
	})

	t.Run("reversed", func(t *testing.T) {
		cfg := evasion.NewConfig()
		cfg.ReverseFragmentation = true
		_, genuine := split(t, evasion.Decide(pkt, cfg, evasion.Lookups{}))
		require.Len(t, genuine, 2)

		first := parseData(t, genuine[0])
		assert.Equal(t, pkt.Seq()+2, first.Seq())
		assert.Equal(t, []byte(httpRequest[2:]), first.Payload())
		assert.Equal(t, []byte(httpRequest), reassemble(t, genuine))
	})
}

func TestDecideHTTPPersistentFragmentation(t *testing.T) {
	pkt := tcpSegment(t, client4, http4, []byte(httpRequest))
	state := evasion.NewState()
	state.Conn.Touch(pkt.Key(), pkt.Seq()-100, t0)

	t.Run("disabled for keep-alive requests", func(t *testing.T) {
		actions := evasion.Decide(pkt, evasion.NewConfig(), state.Lookups())
		assert.Equal(t, []evasion.Action{evasion.PassThrough()}, actions)
	})

	t.Run("dedicated size for keep-alive requests", func(t *testing.T) {
		cfg := evasion.NewConfig()
		cfg.HTTPPersistentFragmentSize = 5
		_, genuine := split(t, evasion.Decide(pkt, cfg, state.Lookups()))
		require.Len(t, genuine, 2)
		assert.Equal(t, []byte("GET /"), parseData(t, genuine[0]).Payload())
	})

	t.Run("retransmitted first request", func(t *testing.T) {
		first := evasion.NewState()
		first.Conn.Touch(pkt.Key(), pkt.Seq(), t0)
		_, genuine := split(t, evasion.Decide(pkt, evasion.NewConfig(), first.Lookups()))
		require.Len(t, genuine, 2)
		assert.Equal(t, []byte("GE"), parseData(t, genuine[0]).Payload())
	})

	t.Run("expired entry", func(t *testing.T) {
		lookups := state.Lookups()
		lookups.Now = t0.Add(conntrack.Timeout + time.Second)
		_, genuine := split(t, evasion.Decide(pkt, evasion.NewConfig(), lookups))
		require.Len(t, genuine, 2)
		assert.Equal(t, []byte("GE"), parseData(t, genuine[0]).Payload())
	})
}

func TestDecideHostMangling(t *testing.T) {
	type mangling struct {
		mixedCase, uppercase, removeSpace, additionalSpace bool
	}

	tests := []struct {
		name    string
		request string
		opts    mangling
		want    string // empty means pass through
	}{
		{
			name:    "mixed case",
			request: httpRequest,
			opts:    mangling{mixedCase: true},
			want:    strings.Replace(httpRequest, "Host: example.com", "Host: eXaMpLe.cOm", 1),
		},

		{
			name:    "uppercase",
			request: httpRequest,
			opts:    mangling{uppercase: true},
			want:    strings.Replace(httpRequest, "Host: example.com", "Host: EXAMPLE.COM", 1),
		},

		{
			name:    "remove space",
			request: httpRequest,
			opts:    mangling{removeSpace: true},
			want: "GET / HTTP/1.1\r\n" +
				"Host:example.com\r\n" +
				"User-Agent: Mozilla/5.0 (X11; Linux x86_64) \r\n" +
				"Accept: */*\r\n\r\n",
		},

		{
			name:    "additional space",
			request: httpRequest,
			opts:    mangling{additionalSpace: true},
			want: "GET / HTTP/1.1\r\n" +
				"Host:  example.com\r\n" +
				"User-Agent: Mozilla/5.0 (X11; Linuxx86_64)\r\n" +
				"Accept: */*\r\n\r\n",
		},

		{
			name: "remove space with User-Agent first",
			request: "GET / HTTP/1.1\r\n" +
				"User-Agent: curl/8.5.0\r\n" +
				"Host: example.com\r\n\r\n",
			opts: mangling{removeSpace: true},
			want: "GET / HTTP/1.1\r\n" +
				"User-Agent: curl/8.5.0 \r\n" +
				"Host:example.com\r\n\r\n",
		},

		{
			name: "additional space with User-Agent first",
			request: "GET / HTTP/1.1\r\n" +
				"User-Agent: Mozilla/5.0 (X11)\r\n" +
				"Host: example.com\r\n\r\n",
			opts: mangling{additionalSpace: true},
			want: "GET / HTTP/1.1\r\n" +
				"User-Agent: Mozilla/5.0(X11)\r\n" +
				"Host:  example.com\r\n\r\n",
		},

		{
			name:    "uppercase and remove space",
			request: httpRequest,
			opts:    mangling{uppercase: true, removeSpace: true},
			want: "GET / HTTP/1.1\r\n" +
				"Host:EXAMPLE.COM\r\n" +
				"User-Agent: Mozilla/5.0 (X11; Linux x86_64) \r\n" +
				"Accept: */*\r\n\r\n",
		},

		{
			name:    "remove space without User-Agent",
			request: "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
			opts:    mangling{removeSpace: true},
			want:    "",
		},

		{
			name:    "without Host header",
			request: "GET / HTTP/1.1\r\nUser-Agent: curl/8.5.0\r\n\r\n",
			opts:    mangling{mixedCase: true, additionalSpace: true},
			want:    "",
		},

		{
			name:    "already uppercase",
			request: "GET / HTTP/1.1\r\nHost: EXAMPLE.COM\r\n\r\n",
			opts:    mangling{uppercase: true},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := evasion.NewConfig()
			cfg.HTTPFragmentSize = 0
			cfg.HostMixedCase = tt.opts.mixedCase
			cfg.HostUppercase = tt.opts.uppercase
			cfg.HostRemoveSpace = tt.opts.removeSpace
			cfg.AdditionalSpace = tt.opts.additionalSpace

			pkt := tcpSegment(t, client4, http4, []byte(tt.request))
			actions := evasion.Decide(pkt, cfg, evasion.Lookups{})
			if tt.want == "" {
				assert.Equal(t, []evasion.Action{evasion.PassThrough()}, actions)
				return
			}

			_, genuine := split(t, actions)
			require.Len(t, genuine, 1)
			got := parseData(t, genuine[0])
			assert.Equal(t, tt.want, string(got.Payload()))
			assert.Len(t, got.Payload(), len(tt.request))
			assert.Equal(t, pkt.Seq(), got.Seq())
			assert.True(t, got.VerifyChecksums())
		})
	}
}

func TestDecideHTTPSFragmentation(t *testing.T) {
	hello := clientHello(t, "example.com")
	start, end, err := sni.Locate(hello)
	require.NoError(t, err)

	t.Run("IPv4", func(t *testing.T) {
		pkt := tcpSegment(t, client4, https4, hello)
		_, genuine := split(t, evasion.Decide(pkt, evasion.NewConfig(), evasion.Lookups{}))
		require.Len(t, genuine, 2)
		assert.Len(t, parseData(t, genuine[0]).Payload(), 2)
		assert.Equal(t, hello, reassemble(t, genuine))
	})

	t.Run("IPv6", func(t *testing.T) {
		pkt := tcpSegment(t, client6, https6, hello)
		_, genuine := split(t, evasion.Decide(pkt, evasion.NewConfig(), evasion.Lookups{}))
		require.Len(t, genuine, 2)
		for _, action := range genuine {
			assert.True(t, action.IPv6)
		}
		assert.Equal(t, hello, reassemble(t, genuine))
	})

	t.Run("by SNI", func(t *testing.T) {
		cfg := evasion.NewConfig()
		cfg.FragmentBySNI = true
		pkt := tcpSegment(t, client4, https4, hello)
		_, genuine := split(t, evasion.Decide(pkt, cfg, evasion.Lookups{}))
		require.Len(t, genuine, 3)

		mid := start + (end-start)/2
		assert.Len(t, parseData(t, genuine[0]).Payload(), 2)
		assert.Len(t, parseData(t, genuine[1]).Payload(), mid-2)
		assert.Len(t, parseData(t, genuine[2]).Payload(), len(hello)-mid)
		assert.Equal(t, hello, reassemble(t, genuine))

		// the SNI must not appear in any single segment
		for _, action := range genuine {
			assert.False(t, bytes.Contains(parseData(t, action).Payload(), []byte("example.com")))
		}
	})

	t.Run("not a ClientHello", func(t *testing.T) {
		pkt := tcpSegment(t, client4, https4, []byte("\x17\x03\x03\x00\x05hello"))
		actions := evasion.Decide(pkt, evasion.NewConfig(), evasion.Lookups{})
		assert.Equal(t, []evasion.Action{evasion.PassThrough()}, actions)
	})

	t.Run("split point outside the payload", func(t *testing.T) {
		cfg := evasion.NewConfig()
		cfg.HTTPSFragmentSize = len(hello)
		pkt := tcpSegment(t, client4, https4, hello)
		actions := evasion.Decide(pkt, cfg, evasion.Lookups{})
		assert.Equal(t, []evasion.Action{evasion.PassThrough()}, actions)
	})

	t.Run("inbound", func(t *testing.T) {
		pkt := tcpSegment(t, https4, client4, hello)
		actions := evasion.Decide(pkt, evasion.NewConfig(), evasion.Lookups{})
		assert.Equal(t, []evasion.Action{evasion.PassThrough()}, actions)
	})
}

func TestDecideDecoys(t *testing.T) {
	hello := clientHello(t, "example.com")

	t.Run("fake ClientHello with wrong checksum", func(t *testing.T) {
		cfg := evasion.NewConfig()
		cfg.HTTPSFragmentSize = 0
		cfg.FakePacket = true
		cfg.WrongChecksum = true
		pkt := tcpSegment(t, client4, https4, hello)

		decoys, genuine := split(t, evasion.Decide(pkt, cfg, evasion.Lookups{}))
		require.Len(t, decoys, 1)
		assert.Equal(t, []evasion.Action{evasion.PassThrough()}, genuine)

		decoy := parseData(t, decoys[0])
		assert.False(t, decoy.VerifyChecksums())
		assert.Equal(t, uint8(evasion.DefaultFakeTTL), decoy.TTL())
		assert.Equal(t, pkt.Seq(), decoy.Seq())
		assert.Equal(t, pkt.Dst(), decoy.Dst())
		name, err := sni.Extract(decoy.Payload())
		require.NoError(t, err)
		assert.Equal(t, "www.w3.org", name)
	})

	t.Run("fake request and reset with wrong sequence", func(t *testing.T) {
		cfg := evasion.NewConfig()
		cfg.FakePacket = true
		cfg.FakeReset = true
		cfg.WrongSequence = true
		pkt := tcpSegment(t, client4, http4, []byte(httpRequest))

		decoys, genuine := split(t, evasion.Decide(pkt, cfg, evasion.Lookups{}))
		require.Len(t, decoys, 2)
		assert.Equal(t, []byte(httpRequest), reassemble(t, genuine))

		fake, rst := parseData(t, decoys[0]), parseData(t, decoys[1])
		assert.True(t, packet.IsHTTPRequest(fake.Payload()))
		assert.Contains(t, string(fake.Payload()), "Host: www.w3.org")
		assert.Equal(t, packet.TCPFlagRST|packet.TCPFlagACK, rst.Flags())
		assert.Empty(t, rst.Payload())
		for _, decoy := range []*packet.Packet{fake, rst} {
			assert.True(t, decoy.VerifyChecksums())
			assert.Equal(t, pkt.Seq()-10000, decoy.Seq())
			assert.Equal(t, pkt.Ack()-66000, decoy.Ack())
		}
	})

	t.Run("undisguised decoys are not sent", func(t *testing.T) {
		tests := []struct {
			name  string
			setup func(cfg *evasion.Config)
		}{
			{name: "fixed TTL above the maximum", setup: func(cfg *evasion.Config) {}},
			{name: "auto TTL without observations", setup: func(cfg *evasion.Config) { cfg.AutoTTL = true }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cfg := evasion.NewConfig()
				cfg.HTTPSFragmentSize = 0
				cfg.FakePacket = true
				cfg.FakeReset = true
				tt.setup(cfg)
				require.Greater(t, cfg.FakeTTL, cfg.AutoTTLMax)
				pkt := tcpSegment(t, client4, https4, hello)
				actions := evasion.Decide(pkt, cfg, evasion.Lookups{})
				assert.Equal(t, []evasion.Action{evasion.PassThrough()}, actions)
			})
		}
	})

	t.Run("auto TTL", func(t *testing.T) {
		cfg := evasion.NewConfig()
		cfg.FakePacket = true
		cfg.AutoTTL = true
		cfg.FakeTTL = 7
		cfg.AutoTTLNear = 60
		cfg.AutoTTLFar = 4
		cfg.MinHops = 3
		cfg.AutoTTLMax = 64
		pkt := tcpSegment(t, client4, https4, hello)

		tests := []struct {
			name  string
			setup func(state *evasion.State)
			now   time.Time
			want  uint8
		}{
			{
				name:  "without observations",
				setup: func(state *evasion.State) {},
				want:  7,
			},

			{
				name: "learned TTL",
				setup: func(state *evasion.State) {
					for idx := 0; idx < ttltrack.LearningSamples; idx++ {
						state.TTL.Observe(pkt.Key(), 50, t0)
					}
					state.Conn.Upsert(pkt.Key(), 70, packet.IPProtocolTCP, t0)
				},
				want: 56,
			},

			{
				name: "expired observations",
				setup: func(state *evasion.State) {
					for idx := 0; idx < ttltrack.LearningSamples; idx++ {
						state.TTL.Observe(pkt.Key(), 50, t0)
					}
					state.Conn.Upsert(pkt.Key(), 70, packet.IPProtocolTCP, t0)
				},
				now:  t0.Add(ttltrack.EstablishedTimeout + time.Second),
				want: 7,
			},

			{
				name: "cached TTL while learning",
				setup: func(state *evasion.State) {
					state.TTL.Observe(pkt.Key(), 50, t0)
					state.Conn.Upsert(pkt.Key(), 70, packet.IPProtocolTCP, t0)
				},
				want: 60,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				state := evasion.NewState()
				tt.setup(state)
				lookups := state.Lookups()
				lookups.Now = tt.now
				decoys, _ := split(t, evasion.Decide(pkt, cfg, lookups))
				require.Len(t, decoys, 1)
				assert.Equal(t, tt.want, parseData(t, decoys[0]).TTL())
			})
		}
	})
}

func TestDecideHostFiltering(t *testing.T) {
	tests := []struct {
		name       string
		serverName string
		hosts      []string
		exclude    []string
		allowNoSNI bool
		wantPass   bool
	}{
		{
			name:       "no lists",
			serverName: "example.com",
		},

		{
			name:       "subdomain of listed host",
			serverName: "www.example.com",
			hosts:      []string{"example.com"},
		},

		{
			name:       "unlisted host",
			serverName: "example.org",
			hosts:      []string{"example.com"},
			wantPass:   true,
		},

		{
			name:     "no SNI with host list",
			hosts:    []string{"example.com"},
			wantPass: true,
		},

		{
			name:       "no SNI allowed",
			hosts:      []string{"example.com"},
			allowNoSNI: true,
		},

		{
			name:       "excluded host",
			serverName: "cdn.example.com",
			exclude:    []string{"example.com"},
			wantPass:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := evasion.NewConfig()
			cfg.Hosts = evasion.NewHostList(tt.hosts...)
			cfg.Exclude = evasion.NewHostList(tt.exclude...)
			cfg.AllowNoSNI = tt.allowNoSNI

			pkt := tcpSegment(t, client4, https4, clientHello(t, tt.serverName))
			actions := evasion.Decide(pkt, cfg, evasion.Lookups{})
			assert.Equal(t, tt.wantPass, evasion.IsPassThrough(actions))
		})
	}

	t.Run("HTTP host with port", func(t *testing.T) {
		cfg := evasion.NewConfig()
		cfg.Hosts = evasion.NewHostList("example.com")
		request := strings.Replace(httpRequest, "example.com", "example.com:8080", 1)
		pkt := tcpSegment(t, client4, http4, []byte(request))
		assert.False(t, evasion.IsPassThrough(evasion.Decide(pkt, cfg, evasion.Lookups{})))
	})
}

func TestDecideMaxPayloadSize(t *testing.T) {
	cfg := evasion.NewConfig()
	cfg.MaxPayloadSize = 10
	cfg.FakePacket = true
	pkt := tcpSegment(t, client4, http4, []byte(httpRequest))
	actions := evasion.Decide(pkt, cfg, evasion.Lookups{})
	assert.Equal(t, []evasion.Action{evasion.PassThrough()}, actions)
}

func TestDecideDNS(t *testing.T) {
	query := []byte("\x12\x34\x01\x00\x00\x01\x00\x00\x00\x00\x00\x00")
	udp := func(t *testing.T, src, dst netip.AddrPort) *packet.Packet {
		return newPacket(t, &packet.Template{
			Protocol: packet.IPProtocolUDP,
			Src:      src,
			Dst:      dst,
			Payload:  query,
		})
	}

	t.Run("redirect disabled", func(t *testing.T) {
		actions := evasion.Decide(udp(t, client4, dns4), evasion.NewConfig(), evasion.Lookups{})
		assert.Equal(t, []evasion.Action{evasion.PassThrough()}, actions)
	})

	t.Run("redirect query", func(t *testing.T) {
		cfg := evasion.NewConfig()
		cfg.DNSRedirectV4 = true
		actions := evasion.Decide(udp(t, client4, dns4), cfg, evasion.Lookups{})
		_, genuine := split(t, actions)
		require.Len(t, genuine, 1)

		got := parseData(t, genuine[0])
		assert.Equal(t, resolver, got.Dst())
		assert.Equal(t, client4, got.Src())
		assert.Equal(t, query, got.Payload())
		assert.True(t, got.VerifyChecksums())
	})

	t.Run("restore response", func(t *testing.T) {
		tests := []struct {
			name   string
			server netip.AddrPort
		}{
			{name: "resolver on port 53", server: resolver},
			{name: "resolver on another port", server: netip.MustParseAddrPort("9.9.9.9:5353")},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cfg := evasion.NewConfig()
				cfg.DNSRedirectV4 = true
				cfg.DNSServerV4 = tt.server
				state := evasion.NewState()

				response := udp(t, tt.server, client4)
				actions := evasion.Decide(response, cfg, state.Lookups())
				assert.Equal(t, []evasion.Action{evasion.PassThrough()}, actions)

				state.DNS.RecordRedirect(dnstrack.NewPair(client4, tt.server), dns4, t0)
				_, genuine := split(t, evasion.Decide(response, cfg, state.Lookups()))
				require.Len(t, genuine, 1)
				got := parseData(t, genuine[0])
				assert.Equal(t, dns4, got.Src())
				assert.Equal(t, client4, got.Dst())
				assert.True(t, got.VerifyChecksums())
			})
		}
	})
}

func TestDecideSingleGenuinePath(t *testing.T) {
	hello := clientHello(t, "example.com")
	pkts := []*packet.Packet{
		tcpSegment(t, client4, http4, []byte(httpRequest)),
		tcpSegment(t, client4, https4, hello),
		tcpSegment(t, client6, https6, hello),
		tcpSegment(t, client4, https4, hello[:40]),
		tcpSegment(t, client4, https4, []byte{0x16}),
		tcpSegment(t, client4, http4, []byte("GET ")),
		tcpSegment(t, https4, client4, hello),
	}

	configs := []func(cfg *evasion.Config){
		func(cfg *evasion.Config) {},
		func(cfg *evasion.Config) { cfg.ReverseFragmentation = true },
		func(cfg *evasion.Config) { cfg.FragmentBySNI = true; cfg.HTTPSFragmentSize = 1 },
		func(cfg *evasion.Config) { cfg.FakePacket = true; cfg.FakeReset = true; cfg.AutoTTL = true },
		func(cfg *evasion.Config) { cfg.WrongChecksum = true; cfg.WrongSequence = true; cfg.FakePacket = true },
		func(cfg *evasion.Config) { cfg.HTTPFragmentSize = 1000; cfg.HTTPSFragmentSize = 1000 },
		func(cfg *evasion.Config) { cfg.HTTPFragmentSize = 0; cfg.HTTPSFragmentSize = 0 },
	}

	for _, pkt := range pkts {
		for _, setup := range configs {
			cfg := evasion.NewConfig()
			setup(cfg)
			_, genuine := split(t, evasion.Decide(pkt, cfg, evasion.Lookups{}))
			if genuine[0].Kind == evasion.KindReplace {
				assert.Equal(t, pkt.Payload(), reassemble(t, genuine), pkt.String())
			}
		}
	}
}
