package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
}

func newRootCommand() *cobra.Command {
	global := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "procmaster",
		Short: "Process manager for a server manager and the servers it controls",
		Long: `procmaster launches processes, accepts their control connections and
keeps them running according to their respawn policy.

Examples:
  procmaster serve --config procmaster.toml
  procmaster serve --pm-port 9990 --sm-port 9991 -- java -jar sm.jar
  procmaster ps --api-url http://127.0.0.1:8080/api
  procmaster config show --config procmaster.toml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&global.APIUrl, "api-url", "http://127.0.0.1:8080/api", "control API of a running procmaster")

	root.AddCommand(
		newServeCommand(global),
		newConfigCommand(global),
		newVersionCommand(),
	)
	root.AddCommand(newProcessCommands(global)...)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "procmaster", version)
		},
	}
}
