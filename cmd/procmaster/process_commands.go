package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/loykin/procmaster/pkg/client"
)

func apiClient(global *GlobalFlags) *client.Client {
	cfg := client.DefaultConfig()
	cfg.BaseURL = global.APIUrl
	return client.New(cfg)
}

func newProcessCommands(global *GlobalFlags) []*cobra.Command {
	var started bool
	ps := &cobra.Command{
		Use:   "ps",
		Short: "List processes of a running procmaster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := apiClient(global).List(cmd.Context(), started)
			if err != nil {
				return err
			}
			printStatuses(cmd.OutOrStdout(), list)
			return nil
		},
	}
	ps.Flags().BoolVar(&started, "started", false, "only list started processes")

	simple := func(use, short string, fn func(c *client.Client, cmd *cobra.Command, name string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <name>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return fn(apiClient(global), cmd, args[0])
			},
		}
	}

	start := simple("start", "Start a registered process", func(c *client.Client, cmd *cobra.Command, name string) error {
		return c.Start(cmd.Context(), name)
	})
	stop := simple("stop", "Stop a process", func(c *client.Client, cmd *cobra.Command, name string) error {
		return c.Stop(cmd.Context(), name)
	})
	remove := simple("remove", "Remove a stopped process", func(c *client.Client, cmd *cobra.Command, name string) error {
		return c.Remove(cmd.Context(), name)
	})
	usage := simple("usage", "Show CPU and memory of a running process", func(c *client.Client, cmd *cobra.Command, name string) error {
		u, err := c.Usage(cmd.Context(), name)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "pid %d  cpu %.1f%%  rss %d  tree_rss %d  threads %d  children %d\n",
			u.PID, u.CPUPercent, u.RSS, u.TreeRSS, u.Threads, u.Children)
		return err
	})
	stdin := simple("stdin", "Forward standard input to a process", func(c *client.Client, cmd *cobra.Command, name string) error {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return c.SendStdin(cmd.Context(), name, data)
	})

	var (
		workDir   string
		envKVs    []string
		autostart bool
		policy    string
	)
	add := &cobra.Command{
		Use:   "add <name> -- <command...>",
		Short: "Register a process",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := map[string]string{}
			for _, kv := range envKVs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return errors.Errorf("--env %q is not KEY=VALUE", kv)
				}
				env[k] = v
			}
			req := client.AddRequest{Name: args[0], Command: args[1:], Env: env, WorkDir: workDir, Start: autostart}
			if policy != "" {
				req.Respawn = &client.RespawnRequest{Policy: policy}
			}
			return apiClient(global).Add(cmd.Context(), req)
		},
	}
	add.Flags().StringVar(&workDir, "work-dir", "", "working directory")
	add.Flags().StringArrayVar(&envKVs, "env", nil, "KEY=VALUE, repeatable")
	add.Flags().BoolVar(&autostart, "start", false, "start right after adding")
	add.Flags().StringVar(&policy, "respawn", "", "respawn policy (default, never, ratelimit)")

	shutdown := &cobra.Command{
		Use:   "shutdown",
		Short: "Shut down a running procmaster and everything it manages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return apiClient(global).Shutdown(cmd.Context())
		},
	}
	return []*cobra.Command{ps, add, start, stop, remove, stdin, usage, shutdown}
}

func printStatuses(w io.Writer, list []client.ProcessStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tCONNECTED\tRESPAWNS\tUPTIME\tLAST EXIT")
	for _, st := range list {
		uptime := "-"
		if !st.StartedAt.IsZero() {
			uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
		}
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\t%s\n", st.Name, st.State, pid, st.Connected, st.Respawns, uptime, st.LastExit)
	}
	_ = tw.Flush()
}
