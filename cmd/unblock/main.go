// SPDX-License-Identifier: GPL-3.0-or-later

// Command unblock circumvents DPI middleboxes by rewriting the
// traffic of this host before it leaves the network stack.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalFlags contains the flags shared by all the subcommands.
type globalFlags struct {
	logLevel  string
	logFormat string
}

// newRootCmd creates the root command writing to the given streams.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "unblock",
		Short: "DPI circumvention engine",
		Long: `Unblock intercepts the traffic of this host and rewrites it using
fragmentation, header mangling, and decoy packets, so that DPI middleboxes
fail to classify it while the servers still receive a valid stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "",
		"log level: debug, info, warn, or error (overrides the config)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "",
		"log format: text or json (overrides the config)")

	rootCmd.AddCommand(newRunCmd(flags))
	rootCmd.AddCommand(newReplayCmd(flags))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// realMain runs the command and returns the exit code.
func realMain() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "unblock: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(realMain())
}
