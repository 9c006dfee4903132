//go:build linux

// SPDX-License-Identifier: GPL-3.0-or-later

// Package rawsock implements a [capture.Sender] using raw sockets.
//
// The packets we send carry a fwmark, so that the firewall rules can
// avoid queueing them again.
package rawsock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rbmk-project/unblock/capture"
	"github.com/rbmk-project/unblock/packet"
	"golang.org/x/sys/unix"
)

// ErrNoIPv6 indicates that IPv6 raw sockets are not available.
var ErrNoIPv6 = errors.New("rawsock: IPv6 raw socket not available")

// errVersionMismatch indicates that the packet is not of the requested family.
var errVersionMismatch = errors.New("rawsock: IP version mismatch")

// Sender sends raw IPv4 and IPv6 packets.
//
// Construct using [New].
type Sender struct {
	// mu protects the file descriptors.
	mu sync.Mutex

	// fd4 is the IPv4 socket.
	fd4 int

	// fd6 is the IPv6 socket or -1.
	fd6 int
}

var _ capture.Sender = &Sender{}

// New creates the raw sockets marking the packets with mark. Failing
// to create the IPv6 socket is not fatal; IPv6 sends will fail.
func New(mark int) (*Sender, error) {
	fd4, err := open(unix.AF_INET, mark)
	if err != nil {
		return nil, fmt.Errorf("rawsock: cannot create IPv4 socket: %w", err)
	}
	fd6, err := open(unix.AF_INET6, mark)
	if err != nil {
		fd6 = -1
	}
	return &Sender{fd4: fd4, fd6: fd6}, nil
}

// open opens a raw socket that includes the IP header.
func open(family, mark int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return -1, err
	}
	if mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	if family == unix.AF_INET {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

// sockaddr returns the destination of the raw packet.
func sockaddr(data []byte) (unix.Sockaddr, bool, error) {
	pkt, err := packet.Parse(data, nil)
	if err != nil {
		return nil, false, err
	}
	dst := pkt.DstAddr()
	if pkt.IsIPv6() {
		return &unix.SockaddrInet6{Addr: dst.As16()}, true, nil
	}
	return &unix.SockaddrInet4{Addr: dst.As4()}, false, nil
}

// Send implements [capture.Sender].
func (s *Sender) Send(data []byte, ipv6 bool) error {
	sa, isIPv6, err := sockaddr(data)
	if err != nil {
		return err
	}
	if isIPv6 != ipv6 {
		return errVersionMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.fd4
	if ipv6 {
		fd = s.fd6
	}
	if fd < 0 {
		if ipv6 {
			return ErrNoIPv6
		}
		return unix.EBADF
	}
	return unix.Sendto(fd, data, 0, sa)
}

// Close closes the sockets.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, fd := range []*int{&s.fd4, &s.fd6} {
		if *fd >= 0 {
			errs = append(errs, unix.Close(*fd))
			*fd = -1
		}
	}
	return errors.Join(errs...)
}
