// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import "bytes"

// Classification is the coarse traffic class of a packet.
type Classification uint8

const (
	// ClassUnknown is the zero value.
	ClassUnknown = Classification(iota)

	// ClassHTTP is a TCP packet on port 80 starting with an HTTP method.
	ClassHTTP

	// ClassHTTPS is a TCP packet on port 443.
	ClassHTTPS

	// ClassDNS is a UDP packet on port 53.
	ClassDNS

	// ClassOtherTCP is any other TCP packet.
	ClassOtherTCP

	// ClassOtherUDP is any other UDP packet.
	ClassOtherUDP
)

// String returns the string representation of the classification.
func (c Classification) String() string {
	switch c {
	case ClassHTTP:
		return "http"
	case ClassHTTPS:
		return "https"
	case ClassDNS:
		return "dns"
	case ClassOtherTCP:
		return "other-tcp"
	case ClassOtherUDP:
		return "other-udp"
	default:
		return "unknown"
	}
}

// Well-known ports used for classification.
const (
	PortDNS   = 53
	PortHTTP  = 80
	PortHTTPS = 443
)

// httpMethods contains the request methods we recognize, each
// followed by the space that separates it from the target.
var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("HEAD "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("OPTIONS "),
	[]byte("PATCH "),
	[]byte("CONNECT "),
	[]byte("TRACE "),
}

// IsHTTPRequest returns whether payload starts with a known HTTP method.
func IsHTTPRequest(payload []byte) bool {
	for _, method := range httpMethods {
		if bytes.HasPrefix(payload, method) {
			return true
		}
	}
	return false
}

// hasPort returns whether either port is equal to port.
func (p *Packet) hasPort(port uint16) bool {
	return p.SrcPort() == port || p.DstPort() == port
}

// Classify returns the packet [Classification].
func (p *Packet) Classify() Classification {
	if p.l4HdrLen == 0 {
		return ClassUnknown
	}
	switch p.Protocol() {
	case IPProtocolTCP:
		switch {
		case p.hasPort(PortHTTP) && IsHTTPRequest(p.Payload()):
			return ClassHTTP
		case p.hasPort(PortHTTPS):
			return ClassHTTPS
		default:
			return ClassOtherTCP
		}

	case IPProtocolUDP:
		if p.hasPort(PortDNS) {
			return ClassDNS
		}
		return ClassOtherUDP

	default:
		return ClassUnknown
	}
}
