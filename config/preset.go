// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownMode indicates that a legacy mode does not exist.
var ErrUnknownMode = errors.New("config: unknown legacy mode")

// presets maps legacy modes to the settings they enable.
var presets = map[int]func(f *File){
	// compatible mode
	1: func(f *File) {
		f.HostMixedCase = true
		f.HostRemoveSpace = true
		f.HTTPFragmentSize = 2
		f.HTTPSFragmentSize = 2
		f.HTTPPersistentFragmentSize = 2
		f.ReverseFragmentation = false
	},

	// HTTPS optimization
	2: func(f *File) {
		f.HostMixedCase = true
		f.HostRemoveSpace = true
		f.HTTPFragmentSize = 2
		f.HTTPSFragmentSize = 40
		f.HTTPPersistentFragmentSize = 2
		f.ReverseFragmentation = false
	},

	// auto TTL
	5: func(f *File) {
		modernMode(f)
		f.AutoTTL = true
	},

	// wrong sequence
	6: func(f *File) {
		modernMode(f)
		f.WrongSequence = true
	},

	// wrong checksum
	7: func(f *File) {
		modernMode(f)
		f.WrongChecksum = true
	},

	// full features
	9: func(f *File) {
		modernMode(f)
		f.WrongSequence = true
		f.WrongChecksum = true
	},
}

// modernMode contains the settings shared by modes 5 to 9.
func modernMode(f *File) {
	f.HTTPFragmentSize = 2
	f.HTTPSFragmentSize = 2
	f.ReverseFragmentation = true
	f.FakePacket = true
	f.MaxPayloadSize = 1200
}

// Modes returns the available legacy modes in ascending order.
func Modes() []int {
	var modes []int
	for mode := range presets {
		modes = append(modes, mode)
	}
	slices.Sort(modes)
	return modes
}

// ApplyPreset applies the settings of the given legacy mode.
func ApplyPreset(f *File, mode int) error {
	preset, found := presets[mode]
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}
	preset(f)
	f.Mode = mode
	return nil
}
