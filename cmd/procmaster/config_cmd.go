package main

import (
	"github.com/spf13/cobra"

	"github.com/loykin/procmaster/internal/config"
)

func newConfigCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(global.ConfigPath)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a starter configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return config.WriteExample(args[0])
		},
	}
	cmd.AddCommand(show, initCmd)
	return cmd
}
