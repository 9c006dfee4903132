// SPDX-License-Identifier: GPL-3.0-or-later

package evasion

import "fmt"

// Kind is the kind of an [Action].
type Kind uint8

const (
	// KindPassThrough delivers the original packet unmodified.
	KindPassThrough = Kind(iota)

	// KindReplace delivers Data in place of (part of) the original packet.
	KindReplace

	// KindInjectExtra sends Data in addition to the genuine traffic.
	KindInjectExtra
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindPassThrough:
		return "pass"
	case KindReplace:
		return "replace"
	case KindInjectExtra:
		return "inject"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Action is an output of [Decide].
//
// A list of actions contains exactly one genuine delivery path: either
// a single [KindPassThrough] action or one or more [KindReplace] actions
// that, in order, carry the whole original payload. Actions of kind
// [KindInjectExtra] carry decoys and never replace genuine data.
type Action struct {
	// Kind is the action kind.
	Kind Kind

	// Data contains the raw IP packet to deliver or inject. It
	// is nil for [KindPassThrough].
	Data []byte

	// IPv6 indicates that Data is an IPv6 packet.
	IPv6 bool
}

// PassThrough returns an action delivering the original packet.
func PassThrough() Action {
	return Action{Kind: KindPassThrough}
}

// Replace returns an action delivering data as genuine traffic.
func Replace(data []byte, ipv6 bool) Action {
	return Action{Kind: KindReplace, Data: data, IPv6: ipv6}
}

// InjectExtra returns an action injecting a decoy.
func InjectExtra(data []byte, ipv6 bool) Action {
	return Action{Kind: KindInjectExtra, Data: data, IPv6: ipv6}
}

// Genuine returns whether the action belongs to the genuine delivery path.
func (a Action) Genuine() bool {
	return a.Kind == KindPassThrough || a.Kind == KindReplace
}

// String returns a short description of the action.
func (a Action) String() string {
	if a.Kind == KindPassThrough {
		return a.Kind.String()
	}
	return fmt.Sprintf("%s(%d bytes)", a.Kind, len(a.Data))
}

// IsPassThrough returns whether actions amounts to delivering the
// original packet unmodified, possibly preceded or followed by decoys.
func IsPassThrough(actions []Action) bool {
	for _, action := range actions {
		if action.Kind == KindReplace {
			return false
		}
	}
	return true
}
