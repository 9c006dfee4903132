// SPDX-License-Identifier: GPL-3.0-or-later

package sni

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ClientHello describes a minimal TLS 1.2/1.3 ClientHello record.
//
// The zero value is valid and produces a ClientHello without SNI
// and with an all-zero random and session id.
type ClientHello struct {
	// ServerName is the SNI. Empty means no server_name extension.
	ServerName string

	// Random is the 32-byte client random. Zero-padded or truncated
	// when it has a different length.
	Random []byte

	// SessionID is the legacy session id (at most 32 bytes).
	SessionID []byte

	// ALPN contains the protocols to advertise (e.g., "h2").
	ALPN []string
}

// cipherSuites contains the cipher suites we advertise.
var cipherSuites = []uint16{
	0x1301, 0x1302, 0x1303, // TLS 1.3
	0xc02b, 0xc02f, 0xc02c, 0xc030, 0xcca9, 0xcca8, // ECDHE AEAD
	0xc013, 0xc014, 0x009c, 0x009d, 0x002f, 0x0035,
}

// Marshal serializes the ClientHello as a TLS handshake record.
func (ch *ClientHello) Marshal() ([]byte, error) {
	if len(ch.SessionID) > 32 {
		return nil, fmt.Errorf("sni: session id too long: %d bytes", len(ch.SessionID))
	}
	random := make([]byte, 32)
	copy(random, ch.Random)

	var b cryptobyte.Builder
	b.AddUint8(recordTypeHandshake)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(handshakeTypeClientHello)
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0303)
			b.AddBytes(random)
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(ch.SessionID)
			})
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, suite := range cipherSuites {
					b.AddUint16(suite)
				}
			})
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0) // null compression
			})
			b.AddUint16LengthPrefixed(ch.addExtensions)
		})
	})
	return b.Bytes()
}

// addExtensions adds the ClientHello extensions.
func (ch *ClientHello) addExtensions(b *cryptobyte.Builder) {
	if ch.ServerName != "" {
		b.AddUint16(extensionServerName)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(nameTypeHostName)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(ch.ServerName))
				})
			})
		})
	}

	// supported_groups: x25519, secp256r1, secp384r1
	b.AddUint16(0x000a)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x001d)
			b.AddUint16(0x0017)
			b.AddUint16(0x0018)
		})
	})

	// ec_point_formats: uncompressed
	b.AddUint16(0x000b)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0)
		})
	})

	// signature_algorithms
	b.AddUint16(0x000d)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, alg := range []uint16{0x0403, 0x0804, 0x0401, 0x0503, 0x0805, 0x0501, 0x0806, 0x0601} {
				b.AddUint16(alg)
			}
		})
	})

	if len(ch.ALPN) > 0 {
		b.AddUint16(0x0010)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, proto := range ch.ALPN {
					b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(proto))
					})
				}
			})
		})
	}

	// supported_versions: TLS 1.3, TLS 1.2
	b.AddUint16(0x002b)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0304)
			b.AddUint16(0x0303)
		})
	})
}

// BuildClientHello returns a ClientHello record for the given server
// name with a random client random and session id.
func BuildClientHello(serverName string) ([]byte, error) {
	ch := &ClientHello{
		ServerName: serverName,
		Random:     make([]byte, 32),
		SessionID:  make([]byte, 32),
		ALPN:       []string{"h2", "http/1.1"},
	}
	if _, err := rand.Read(ch.Random); err != nil {
		return nil, err
	}
	if _, err := rand.Read(ch.SessionID); err != nil {
		return nil, err
	}
	return ch.Marshal()
}
