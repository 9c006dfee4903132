// SPDX-License-Identifier: GPL-3.0-or-later

package evasion

import (
	"bytes"
	"net"
	"slices"
)

var (
	headerHost      = []byte("\r\nHost:")
	headerUserAgent = []byte("\r\nUser-Agent:")
	crlf            = []byte("\r\n")
)

// headerValue returns the offsets of the value of the header whose
// "\r\nName:" prefix is given, excluding the leading spaces, and the
// offset of the first byte after the colon.
func headerValue(payload, prefix []byte) (colon, start, end int, ok bool) {
	idx := bytes.Index(payload, prefix)
	if idx < 0 {
		return 0, 0, 0, false
	}
	colon = idx + len(prefix)
	eol := bytes.Index(payload[colon:], crlf)
	if eol < 0 {
		return 0, 0, 0, false
	}
	end = colon + eol
	start = colon
	for start < end && payload[start] == ' ' {
		start++
	}
	return colon, start, end, true
}

// httpHost returns the host name in the Host header, without the port,
// or the empty string if there is no such header.
func httpHost(payload []byte) string {
	_, start, end, ok := headerValue(payload, headerHost)
	if !ok {
		return ""
	}
	host := string(bytes.TrimRight(payload[start:end], " "))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// mangleHTTP applies the Host header techniques enabled in cfg to
// a copy of payload. The result has the same length of payload,
// hence the segment sequence numbers do not change. It returns
// false when no technique applied.
func mangleHTTP(payload []byte, cfg *Config) ([]byte, bool) {
	out := slices.Clone(payload)
	changed := false

	if cfg.HostMixedCase || cfg.HostUppercase {
		if _, start, end, ok := headerValue(out, headerHost); ok {
			value := out[start:end]
			switch {
			case cfg.HostUppercase:
				toUpper(value)
			default:
				mixCase(value)
			}
			changed = changed || !bytes.Equal(value, payload[start:end])
		}
	}

	switch {
	case cfg.HostRemoveSpace:
		changed = removeHostSpace(out) || changed
	case cfg.AdditionalSpace:
		changed = addHostSpace(out) || changed
	}

	return out, changed
}

// toUpper uppercases the ASCII letters in value.
func toUpper(value []byte) {
	for idx, ch := range value {
		if ch >= 'a' && ch <= 'z' {
			value[idx] = ch - 'a' + 'A'
		}
	}
}

// mixCase lowercases the letters at even positions and uppercases
// the ones at odd positions, e.g., "example.com" becomes "eXaMpLe.cOm".
func mixCase(value []byte) {
	for idx, ch := range value {
		switch {
		case idx%2 == 1 && ch >= 'a' && ch <= 'z':
			value[idx] = ch - 'a' + 'A'
		case idx%2 == 0 && ch >= 'A' && ch <= 'Z':
			value[idx] = ch - 'A' + 'a'
		}
	}
}

// removeHostSpace turns "Host: value" into "Host:value" and, to keep
// the length unchanged, appends a space to the User-Agent value.
func removeHostSpace(out []byte) bool {
	colon, _, _, ok := headerValue(out, headerHost)
	if !ok || colon >= len(out) || out[colon] != ' ' {
		return false
	}
	_, _, uaEnd, ok := headerValue(out, headerUserAgent)
	if !ok {
		return false
	}
	switch {
	case uaEnd > colon:
		// Host precedes User-Agent: shift left the bytes between
		// them and put the space at the end of the User-Agent
		copy(out[colon:], out[colon+1:uaEnd])
		out[uaEnd-1] = ' '
	default:
		// User-Agent precedes Host: shift right the bytes between
		// them and put the space at the end of the User-Agent
		copy(out[uaEnd+1:colon+1], out[uaEnd:colon])
		out[uaEnd] = ' '
	}
	return true
}

// addHostSpace turns "Host: value" into "Host:  value" and, to keep
// the length unchanged, removes the last space of the User-Agent value.
func addHostSpace(out []byte) bool {
	colon, _, _, ok := headerValue(out, headerHost)
	if !ok {
		return false
	}
	_, uaStart, uaEnd, ok := headerValue(out, headerUserAgent)
	if !ok {
		return false
	}
	space := bytes.LastIndexByte(out[uaStart:uaEnd], ' ')
	if space < 0 {
		return false
	}
	space += uaStart
	switch {
	case space > colon:
		// Host precedes User-Agent
		copy(out[colon+1:space+1], out[colon:space])
		out[colon] = ' '
	default:
		// User-Agent precedes Host
		copy(out[space:colon-1], out[space+1:colon])
		out[colon-1] = ' '
	}
	return true
}
