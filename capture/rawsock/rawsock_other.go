//go:build !linux

// SPDX-License-Identifier: GPL-3.0-or-later

// Package rawsock implements a [capture.Sender] using raw sockets.
//
// Marked raw sockets are only available on Linux: on other
// systems [New] fails.
package rawsock

import (
	"errors"

	"github.com/rbmk-project/unblock/capture"
)

// Sender sends raw IPv4 and IPv6 packets.
type Sender struct{}

var _ capture.Sender = &Sender{}

// New always fails with [errors.ErrUnsupported].
func New(mark int) (*Sender, error) {
	return nil, errors.ErrUnsupported
}

// Send implements [capture.Sender].
func (s *Sender) Send(data []byte, ipv6 bool) error {
	return errors.ErrUnsupported
}

// Close closes the sockets.
func (s *Sender) Close() error {
	return nil
}
