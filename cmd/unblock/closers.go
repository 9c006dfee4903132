// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

// closers collects the resources opened by a subcommand.
//
// The zero value is ready to use.
type closers struct {
	// handles contains the resources to close.
	handles []namedCloser

	// mu provides mutual exclusion.
	mu sync.Mutex
}

// namedCloser is an [io.Closer] with a name used in errors.
type namedCloser struct {
	name string
	io.Closer
}

// add registers a resource to close.
func (c *closers) add(name string, closer io.Closer) {
	c.mu.Lock()
	c.handles = append(c.handles, namedCloser{name, closer})
	c.mu.Unlock()
}

// Close closes the resources in reverse registration order, so the
// packet source stops before the sockets and files it writes to, and
// returns the join of the errors.
func (c *closers) Close() error {
	c.mu.Lock()
	handles := c.handles
	c.handles = nil
	c.mu.Unlock()

	var errv []error
	for _, h := range slices.Backward(handles) {
		if err := h.Close(); err != nil {
			errv = append(errv, fmt.Errorf("cannot close %s: %w", h.name, err))
		}
	}
	return errors.Join(errv...)
}
