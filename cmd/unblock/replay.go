// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/rbmk-project/unblock/capture"
	"github.com/rbmk-project/unblock/capture/pcapio"
	"github.com/rbmk-project/unblock/evasion"
	"github.com/spf13/cobra"
)

// replayFlags contains the replay flags.
type replayFlags struct {
	config string
	in     string
	out    string
	local  []string
}

func newReplayCmd(global *globalFlags) *cobra.Command {
	flags := &replayFlags{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Process the packets of a pcap file",
		Long: `Replay processes the packets of a pcap file offline, as if they had
been captured by the queue, and optionally writes the packets that would
have been released and injected to another pcap file.

The --local addresses tell outbound packets from inbound packets.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return replayMain(cmd, global, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.config, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&flags.in, "in", "", "input pcap file")
	cmd.Flags().StringVar(&flags.out, "out", "", "optional output pcap file")
	cmd.Flags().StringSliceVar(&flags.local, "local", nil, "local addresses")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("local")
	return cmd
}

// replayMain implements the replay command.
func replayMain(cmd *cobra.Command, global *globalFlags, flags *replayFlags) (err error) {
	f, err := loadConfig(flags.config, global)
	if err != nil {
		return err
	}
	cfg, err := f.EvasionConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), f.Log)
	if err != nil {
		return err
	}
	local, err := localAddrs(flags.local, false)
	if err != nil {
		return err
	}

	pool := &closers{}
	defer func() { err = errors.Join(err, pool.Close()) }()

	in, err := os.Open(flags.in)
	if err != nil {
		return err
	}
	pool.add(flags.in, in)
	reader, err := pcapio.NewReader(in)
	if err != nil {
		return err
	}

	var sender capture.Sender = discard{}
	var writer *pcapio.Writer
	if flags.out != "" {
		out, err := os.Create(flags.out)
		if err != nil {
			return err
		}
		pool.add(flags.out, out)
		if writer, err = pcapio.NewWriter(out); err != nil {
			return err
		}
		writer.TimeNow = reader.Time
		reader.Out = writer
		sender = writer
	}

	engine := evasion.NewEngine(cfg, local)
	engine.Logger = logger
	runner := capture.NewRunner(reader, sender, engine)
	runner.Logger = logger
	if err := runner.Run(context.Background()); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	written := -1
	if writer != nil {
		written = writer.Count()
	}
	renderSummary(cmd.OutOrStdout(), runner.Stats(), reader.Skipped, written)
	return nil
}

// discard is a [capture.Sender] discarding the packets.
type discard struct{}

// Send implements [capture.Sender].
func (discard) Send(data []byte, ipv6 bool) error {
	if len(data) <= 0 {
		return errors.New("replay: empty packet")
	}
	return nil
}

// renderSummary prints the replay counters.
func renderSummary(w io.Writer, stats capture.Stats, skipped, written int) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Counter", "Value"})
	t.SetAutoWrapText(false)
	t.SetRowLine(false)
	rows := [][]string{
		{"packets", strconv.Itoa(stats.Packets)},
		{"skipped", strconv.Itoa(skipped)},
		{"modified", strconv.Itoa(stats.Modified)},
		{"injected", strconv.Itoa(stats.Injected)},
		{"inject failed", strconv.Itoa(stats.InjectFailed)},
		{"dropped", strconv.Itoa(stats.Dropped)},
		{"swept", strconv.Itoa(stats.Swept)},
	}
	if written >= 0 {
		rows = append(rows, []string{"written", strconv.Itoa(written)})
	}
	for _, row := range rows {
		t.Append(row)
	}
	t.Render()
}
