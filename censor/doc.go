// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package censor models naive DPI middleboxes for testing evasion.

All filters implement the [Filter] interface and inspect one packet at a
time without reassembling streams, which is what makes them vulnerable to
fragmentation and decoys. Use a [*Path] to place a filter at a given hop
between the client and a [*Receiver] modeling the server.

# TCP Reset Injection

The [*SNIResetter] type injects RST segments for TCP packets whose payload
contains a pattern (e.g., the SNI of a ClientHello). When configured to
only inspect the first payload of each flow, a decoy seen first makes it
ignore the genuine request.

# Connection Blackholing

The [*Blackholer] type drops all the packets of a flow for a configurable
duration once a packet of the flow contains a pattern.

# DNS Response Injection

The [*DNSPoisoner] type injects spoofed responses for the queries sent to a
given resolver. Queries redirected to another resolver evade it.
*/
package censor
