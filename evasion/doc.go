// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package evasion decides how to transform intercepted packets so that
on-path DPI middleboxes fail to classify them.

The core is [Decide], a pure function mapping a parsed packet, a [*Config],
and read-only [Lookups] into the trackers to a list of [Action]. The
[*Engine] wraps [Decide]: it parses raw packets, decides, and then updates
the trackers held by its explicit [*State].

# Techniques

For HTTP requests, we can mix the case of the Host header value, uppercase
it, remove or add a space after "Host:" (compensating in the User-Agent, so
that the length does not change), and split the segment. Keep-alive requests
use their own split size.

For the TCP segment carrying a TLS ClientHello, we can split the segment
at a fixed offset and optionally inside the SNI.

For both, the fragments may be sent in reverse order, and we can inject
decoys before the genuine data: a fake request and a fake RST segment.
Decoys expire before reaching the server because of their TTL, which can be
computed from the learned TTL of the flow, or get dropped by the server
because of a wrong checksum or sequence number. A decoy without any of
these disguises would corrupt the genuine stream, hence we do not send it.
Corruption only ever applies to decoys.

For DNS, we can redirect outbound queries to a configured resolver and
rewrite its responses so that they appear to come from the original server.

# Host Filtering

When [Config].Hosts is not empty, the HTTP and HTTPS techniques only apply
to the listed hosts and their subdomains. [Config].Exclude lists hosts for
which we never apply them.
*/
package evasion
