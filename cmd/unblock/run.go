// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rbmk-project/unblock/capture"
	"github.com/rbmk-project/unblock/capture/nfq"
	"github.com/rbmk-project/unblock/capture/rawsock"
	"github.com/rbmk-project/unblock/evasion"
	"github.com/spf13/cobra"
)

// runFlags contains the run flags.
type runFlags struct {
	config string
	queue  int
	mark   uint32
	local  []string
	sweep  time.Duration
}

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the packets sent to an NFQUEUE",
		Long: `Run processes the packets that the firewall sends to an NFQUEUE and
injects the rewritten packets using raw sockets marked with --mark.

The firewall rules are not managed by this command. They must send the
outbound HTTP, HTTPS, and DNS traffic (and the inbound TCP traffic, to
learn the TTLs) to the queue, skipping the packets carrying the mark.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(cmd, global, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.config, "config", "c", "", "YAML configuration file")
	cmd.Flags().IntVar(&flags.queue, "queue", -1, "NFQUEUE number (overrides the config)")
	cmd.Flags().Uint32Var(&flags.mark, "mark", 0, "fwmark of the injected packets (overrides the config)")
	cmd.Flags().StringSliceVar(&flags.local, "local", nil, "additional local addresses")
	cmd.Flags().DurationVar(&flags.sweep, "sweep-interval", capture.DefaultSweepInterval, "interval between tracker sweeps")
	return cmd
}

// runMain implements the run command.
func runMain(cmd *cobra.Command, global *globalFlags, flags *runFlags) (err error) {
	f, err := loadConfig(flags.config, global)
	if err != nil {
		return err
	}
	if flags.queue >= 0 {
		f.Queue.Num = flags.queue
	}
	if cmd.Flags().Changed("mark") {
		f.Queue.Mark = flags.mark
	}
	cfg, err := f.EvasionConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), f.Log)
	if err != nil {
		return err
	}
	local, err := localAddrs(flags.local, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := evasion.NewEngine(cfg, local)
	engine.Logger = logger

	pool := &closers{}
	defer func() { err = errors.Join(err, pool.Close()) }()

	sender, err := rawsock.New(int(f.Queue.Mark))
	if err != nil {
		return err
	}
	pool.add("raw sockets", sender)

	src, err := nfq.Open(ctx, &nfq.Config{
		Queue:       uint16(f.Queue.Num),
		Mark:        f.Queue.Mark,
		MaxQueueLen: f.Queue.MaxLen,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	pool.add("queue", src)

	runner := capture.NewRunner(src, sender, engine)
	runner.Logger = logger
	runner.SweepInterval = flags.sweep

	logger.Info(
		"runnerStarted",
		slog.Int("queue", f.Queue.Num),
		slog.Uint64("mark", uint64(f.Queue.Mark)),
		slog.Int("localAddrs", local.Len()),
	)
	err = runner.Run(ctx)
	stats := runner.Stats()
	logger.Info(
		"runnerStopped",
		slog.Int("packets", stats.Packets),
		slog.Int("modified", stats.Modified),
		slog.Int("injected", stats.Injected),
		slog.Int("injectFailed", stats.InjectFailed),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
