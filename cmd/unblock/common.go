// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/unblock/config"
	"github.com/rbmk-project/unblock/netipx"
	"github.com/rbmk-project/unblock/packet"
)

// loadConfig loads the configuration file, or returns the default
// configuration when path is empty, and applies the log flags.
func loadConfig(path string, flags *globalFlags) (*config.File, error) {
	f := config.Default()
	if path != "" {
		var err error
		if f, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if flags.logLevel != "" {
		f.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		f.Log.Format = flags.logFormat
	}
	return f, nil
}

// newLogger creates the logger described by the configuration.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format: %q", cfg.Format)
	}
}

// parseLocalAddrs parses the addresses passed with --local.
func parseLocalAddrs(values []string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, value := range values {
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("invalid --local address: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// localAddrs returns the set of local addresses to use, including
// the system addresses when system is true.
func localAddrs(values []string, system bool) (*packet.LocalAddrs, error) {
	addrs, err := parseLocalAddrs(values)
	if err != nil {
		return nil, err
	}
	if system {
		sys, err := netipx.InterfaceAddrs()
		if err != nil {
			return nil, fmt.Errorf("cannot list interface addresses: %w", err)
		}
		addrs = append(addrs, sys...)
	}
	return packet.NewLocalAddrs(addrs...), nil
}
