// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/rbmk-project/unblock/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var mode int
	cmd := &cobra.Command{
		Use:   "show [FILE]",
		Short: "Print the effective configuration",
		Long: `Show prints the configuration obtained by applying the given file,
or the default configuration when no file is given, as YAML.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := config.Default()
			if len(args) > 0 {
				var err error
				if f, err = config.Load(args[0]); err != nil {
					return err
				}
			}
			if mode != 0 {
				if err := config.ApplyPreset(f, mode); err != nil {
					return err
				}
			}
			data, err := f.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().IntVar(&mode, "mode", 0, fmt.Sprintf("apply a legacy mode preset (one of %v)", config.Modes()))
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.Load(args[0])
			if err != nil {
				return err
			}
			cfg, err := f.EvasionConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d hosts, %d excluded)\n",
				args[0], cfg.Hosts.Len(), cfg.Exclude.Len())
			return nil
		},
	}
}
