package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/procmaster"
	"github.com/loykin/procmaster/internal/config"
)

// flagKeys maps serve flags onto config keys.
var flagKeys = map[string]string{
	"pm-address": "listener.address",
	"pm-port":    "listener.port",
	"sm-address": "server_manager.address",
	"sm-port":    "server_manager.port",
	"workdir":    "server_manager.work_dir",
	"http":       "http.listen",
	"log-level":  "log.level",
	"lock-file":  "lock_file",
}

func newServeCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags] [-- server-manager-command...]",
		Short: "Run the process manager",
		Long: `Run the process manager. Arguments after the flags form the server manager
command; they replace [server_manager].command from the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := serveViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(v, global.ConfigPath)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.ServerManager.Command = args
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTP.Enabled = true
			}
			return runServe(cmd.Context(), cfg, global.ConfigPath, v)
		},
	}
	f := cmd.Flags()
	f.String("pm-address", "", "address the process manager listens on")
	f.Int("pm-port", 0, "port the process manager listens on, 0 picks one")
	f.String("sm-address", "", "address the server manager should listen on")
	f.Int("sm-port", 0, "port the server manager should listen on")
	f.String("workdir", "", "working directory of the server manager")
	f.String("http", "", "enable the HTTP control API on this address")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("lock-file", "", "refuse to start while another instance holds this file")
	f.SetInterspersed(false)
	return cmd
}

// serveViper binds the changed serve flags over config and env values.
func serveViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := config.NewViper()
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func runServe(parent context.Context, cfg *config.Config, configPath string, v *viper.Viper) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []procmaster.DaemonOption{}
	if configPath != "" {
		opts = append(opts,
			procmaster.WithConfigPath(configPath),
			procmaster.WithConfigLoader(func(path string) (*config.Config, error) { return config.Load(v, path) }),
		)
	}
	d, err := procmaster.NewDaemon(cfg, opts...)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		d.Shutdown(context.Background())
		return err
	}
	log := d.Logger()
	if addr, err := d.Master().Addr(); err == nil {
		log.Info("procmaster ready", "address", addr.String())
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", "error", err)
	} else if ok {
		log.Debug("notified systemd")
	}

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case <-d.Done():
		log.Info("process manager asked to shut down")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout+5*time.Second)
	defer cancel()
	d.Shutdown(sctx)
	return nil
}
