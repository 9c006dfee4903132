//go:build linux

// SPDX-License-Identifier: GPL-3.0-or-later

// Package nfq implements a [capture.Source] using NFQUEUE.
//
// The firewall rules sending traffic to the queue are not
// managed by this package.
package nfq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/florianl/go-nfqueue"
	"github.com/mdlayher/netlink"
	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/unblock/capture"
)

// Defaults used by [Open].
const (
	DefaultMaxQueueLen  = 4096
	DefaultPollInterval = time.Second
	backlog             = 1024
)

// Config contains the [Open] settings.
type Config struct {
	// Queue is the NFQUEUE number.
	Queue uint16

	// Mark is the fwmark of the packets we inject, which we accept
	// without processing. Zero disables this check.
	Mark uint32

	// MaxQueueLen is the kernel queue length. Zero means the default.
	MaxQueueLen uint32

	// PollInterval is the maximum time Receive blocks before returning
	// [capture.ErrNoPacket]. Zero means the default.
	PollInterval time.Duration

	// Logger is the optional structured logger.
	Logger *slog.Logger
}

// verdicter sets verdicts on the queue.
type verdicter interface {
	SetVerdict(id uint32, verdict int) error
	SetVerdictModPacket(id uint32, verdict int, packet []byte) error
}

// Source is the NFQUEUE [capture.Source].
//
// Construct using [Open].
type Source struct {
	// closer closes the queue.
	closer func() error

	// errs receives fatal queue errors.
	errs chan error

	// logger is the optional logger.
	logger *slog.Logger

	// mark is the fwmark of our packets.
	mark uint32

	// packets receives the queued packets.
	packets chan *capture.Packet

	// poll is the receive poll interval.
	poll time.Duration

	// q sets the verdicts.
	q verdicter
}

var _ capture.Source = &Source{}

// Open opens the queue and starts receiving packets until ctx is done.
func Open(ctx context.Context, cfg *Config) (*Source, error) {
	qlen := cfg.MaxQueueLen
	if qlen == 0 {
		qlen = DefaultMaxQueueLen
	}
	q, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      cfg.Queue,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  qlen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("nfq: cannot open queue %d: %w", cfg.Queue, err)
	}

	// Avoid receiving ENOBUFS errors when the queue overflows.
	if err := q.Con.SetOption(netlink.NoENOBUFS, true); err != nil {
		q.Close()
		return nil, fmt.Errorf("nfq: cannot set NoENOBUFS: %w", err)
	}

	s := newSource(q, cfg)
	s.closer = q.Close
	if err := q.RegisterWithErrorFunc(ctx, s.hook, s.onError); err != nil {
		q.Close()
		return nil, fmt.Errorf("nfq: cannot register hook: %w", err)
	}
	return s, nil
}

// newSource creates a [*Source] using the given verdicter.
func newSource(q verdicter, cfg *Config) *Source {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Source{
		closer:  func() error { return nil },
		errs:    make(chan error, 1),
		logger:  cfg.Logger,
		mark:    cfg.Mark,
		packets: make(chan *capture.Packet, backlog),
		poll:    poll,
		q:       q,
	}
}

// Close closes the queue.
func (s *Source) Close() error {
	return s.closer()
}

// hook is called for each queued packet.
func (s *Source) hook(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID

	// Do not process what we injected
	if s.mark != 0 && a.Mark != nil && *a.Mark == s.mark {
		s.accept(id)
		return 0
	}
	if a.Payload == nil || len(*a.Payload) == 0 {
		s.accept(id)
		return 0
	}

	pkt := &capture.Packet{ID: id, Data: append([]byte{}, *a.Payload...)}
	select {
	case s.packets <- pkt:
	default:
		// The consumer is lagging behind: release the packet.
		s.accept(id)
		if s.logger != nil {
			s.logger.Debug("queueOverflow", slog.Uint64("id", uint64(id)))
		}
	}
	return 0
}

// accept accepts the packet without processing.
func (s *Source) accept(id uint32) {
	if err := s.q.SetVerdict(id, nfqueue.NfAccept); err != nil && s.logger != nil {
		s.logger.Debug(
			"verdictFailed",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Uint64("id", uint64(id)),
		)
	}
}

// onError is called on queue errors.
func (s *Source) onError(err error) int {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return 0
	}
	if !errors.Is(err, os.ErrClosed) && !errors.Is(err, net.ErrClosed) {
		select {
		case s.errs <- err:
		default:
		}
	}
	return 1
}

// Receive implements [capture.Source].
func (s *Source) Receive(ctx context.Context) (*capture.Packet, error) {
	timer := time.NewTimer(s.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case pkt := <-s.packets:
		return pkt, nil
	case err := <-s.errs:
		return nil, err
	case <-timer.C:
		return nil, capture.ErrNoPacket
	}
}

// SetVerdict implements [capture.Source].
func (s *Source) SetVerdict(id uint32, verdict capture.Verdict, data []byte) error {
	switch {
	case verdict == capture.VerdictDrop:
		return s.q.SetVerdict(id, nfqueue.NfDrop)
	case data != nil:
		return s.q.SetVerdictModPacket(id, nfqueue.NfAccept, data)
	default:
		return s.q.SetVerdict(id, nfqueue.NfAccept)
	}
}
