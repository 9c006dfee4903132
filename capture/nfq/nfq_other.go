//go:build !linux

// SPDX-License-Identifier: GPL-3.0-or-later

// Package nfq implements a [capture.Source] using NFQUEUE.
//
// NFQUEUE is only available on Linux: on other systems [Open] fails.
package nfq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rbmk-project/unblock/capture"
)

// Config contains the [Open] settings.
type Config struct {
	Queue        uint16
	Mark         uint32
	MaxQueueLen  uint32
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Source is the NFQUEUE [capture.Source].
type Source struct{}

var _ capture.Source = &Source{}

// Open always fails with [errors.ErrUnsupported].
func Open(ctx context.Context, cfg *Config) (*Source, error) {
	return nil, errors.ErrUnsupported
}

// Close implements io.Closer.
func (s *Source) Close() error {
	return nil
}

// Receive implements [capture.Source].
func (s *Source) Receive(ctx context.Context) (*capture.Packet, error) {
	return nil, errors.ErrUnsupported
}

// SetVerdict implements [capture.Source].
func (s *Source) SetVerdict(id uint32, verdict capture.Verdict, data []byte) error {
	return errors.ErrUnsupported
}
