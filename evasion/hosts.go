// SPDX-License-Identifier: GPL-3.0-or-later

package evasion

import (
	"sort"
	"strings"
)

// HostList is a set of host names.
//
// A host matches the list when it is equal to an entry or when it is
// a subdomain of an entry. Matching is case insensitive and ignores
// the trailing dot. A nil *HostList is empty.
type HostList struct {
	names map[string]struct{}
}

// NewHostList creates a [*HostList] containing the given names.
func NewHostList(names ...string) *HostList {
	hl := &HostList{names: make(map[string]struct{})}
	for _, name := range names {
		hl.Add(name)
	}
	return hl
}

// normalizeHost lowercases the host name and strips the trailing dot.
func normalizeHost(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// Add adds a name to the list. Empty names are ignored.
func (hl *HostList) Add(name string) {
	if name = normalizeHost(name); name != "" {
		hl.names[name] = struct{}{}
	}
}

// Len returns the number of names in the list.
func (hl *HostList) Len() int {
	if hl == nil {
		return 0
	}
	return len(hl.names)
}

// Names returns the sorted names in the list.
func (hl *HostList) Names() []string {
	if hl == nil {
		return nil
	}
	names := make([]string, 0, len(hl.names))
	for name := range hl.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Match returns whether host or any of its parent domains is in the list.
func (hl *HostList) Match(host string) bool {
	if hl.Len() == 0 {
		return false
	}
	host = normalizeHost(host)
	for host != "" {
		if _, found := hl.names[host]; found {
			return true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			break
		}
		host = host[dot+1:]
	}
	return false
}
