// SPDX-License-Identifier: GPL-3.0-or-later

// Package sni extracts the server name from a TLS ClientHello.
//
// The parser never reads past the end of the input: every declared length
// is checked against the remaining bytes before being consumed.
package sni

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

var (
	// ErrNotTLS indicates that the input is not a TLS handshake record.
	ErrNotTLS = errors.New("sni: not a TLS handshake record")

	// ErrNotClientHello indicates a handshake message other than ClientHello.
	ErrNotClientHello = errors.New("sni: not a ClientHello")

	// ErrTruncated indicates that a declared length exceeds the input.
	ErrTruncated = errors.New("sni: truncated")

	// ErrNoSNI indicates a ClientHello without a server_name extension.
	ErrNoSNI = errors.New("sni: no server name")
)

const (
	recordTypeHandshake      = 0x16
	handshakeTypeClientHello = 0x01
	extensionServerName      = 0x0000
	nameTypeHostName         = 0x00

	// handshakeRest is the 24-bit length, the client version, and the random.
	handshakeRest = 3 + 2 + 32
)

// isTLSVersion returns whether version is TLS 1.0 through TLS 1.3.
func isTLSVersion(version uint16) bool {
	return version >= 0x0301 && version <= 0x0304
}

// truncated returns an [ErrTruncated] error mentioning what we were reading.
func truncated(what string) error {
	return fmt.Errorf("%w: reading %s", ErrTruncated, what)
}

// Extract returns the server name contained in the TLS ClientHello
// record at the beginning of payload.
//
// Errors wrap [ErrNotTLS], [ErrNotClientHello], [ErrTruncated], or [ErrNoSNI].
func Extract(payload []byte) (string, error) {
	start, end, err := Locate(payload)
	if err != nil {
		return "", err
	}
	return string(payload[start:end]), nil
}

// Locate is like [Extract] but returns the offsets of the first
// and one-past-the-last byte of the server name within payload.
func Locate(payload []byte) (int, int, error) {
	s := cryptobyte.String(payload)

	var (
		recordType uint8
		version    uint16
	)
	if !s.ReadUint8(&recordType) || !s.ReadUint16(&version) || !s.Skip(2) {
		return 0, 0, truncated("record header")
	}
	if recordType != recordTypeHandshake {
		return 0, 0, fmt.Errorf("%w: record type %#x", ErrNotTLS, recordType)
	}
	if !isTLSVersion(version) {
		return 0, 0, fmt.Errorf("%w: record version %#04x", ErrNotTLS, version)
	}

	var handshakeType uint8
	if !s.ReadUint8(&handshakeType) {
		return 0, 0, truncated("handshake type")
	}
	if handshakeType != handshakeTypeClientHello {
		return 0, 0, fmt.Errorf("%w: handshake type %#x", ErrNotClientHello, handshakeType)
	}
	if !s.Skip(handshakeRest) {
		return 0, 0, truncated("handshake header")
	}

	var sessionID, cipherSuites, compression, extensions cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) {
		return 0, 0, truncated("session id")
	}
	if !s.ReadUint16LengthPrefixed(&cipherSuites) {
		return 0, 0, truncated("cipher suites")
	}
	if !s.ReadUint8LengthPrefixed(&compression) {
		return 0, 0, truncated("compression methods")
	}
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return 0, 0, truncated("extensions")
	}

	for !extensions.Empty() {
		var (
			extType uint16
			extData cryptobyte.String
		)
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return 0, 0, truncated("extension")
		}
		if extType != extensionServerName {
			continue
		}
		name, err := parseServerName(extData)
		if err != nil {
			return 0, 0, err
		}
		// name aliases payload, so the difference in capacity is its offset
		start := cap(payload) - cap(name)
		return start, start + len(name), nil
	}
	return 0, 0, ErrNoSNI
}

// parseServerName returns the host name inside the server_name extension.
func parseServerName(ext cryptobyte.String) (cryptobyte.String, error) {
	var (
		nameType uint8
		name     cryptobyte.String
	)
	if !ext.Skip(2) || !ext.ReadUint8(&nameType) {
		return nil, truncated("server name list")
	}
	if nameType != nameTypeHostName {
		return nil, fmt.Errorf("%w: name type %#x", ErrNoSNI, nameType)
	}
	if !ext.ReadUint16LengthPrefixed(&name) {
		return nil, truncated("host name")
	}
	if name.Empty() {
		return nil, fmt.Errorf("%w: empty host name", ErrNoSNI)
	}
	return name, nil
}
