// Package procmaster supervises a set of local processes that dial back to
// a control socket, with a distinguished server manager process that is
// told about the others.
package procmaster

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procmaster/internal/config"
	"github.com/loykin/procmaster/internal/env"
	"github.com/loykin/procmaster/internal/events"
	"github.com/loykin/procmaster/internal/history"
	"github.com/loykin/procmaster/internal/history/factory"
	"github.com/loykin/procmaster/internal/manager"
	"github.com/loykin/procmaster/internal/metrics"
	"github.com/loykin/procmaster/internal/process"
	"github.com/loykin/procmaster/internal/server"
)

// Re-export core types for external consumers.

type Master = manager.Master

type Options = manager.Options

type Status = manager.Status

type Config = config.Config

type ProcConfig = config.ProcConfig

type HistorySink = history.Sink

const ServerManagerName = manager.ServerManagerName

const (
	lockWait  = 2 * time.Second
	lockRetry = 50 * time.Millisecond
)

// ErrLocked is returned by Start when another instance holds the lock file.
var ErrLocked = errors.New("lock file is held by another instance")

// New returns a bare Master; see manager.Options for the knobs.
func New(opts Options) *Master { return manager.New(opts) }

// RegisterMetrics registers the prometheus collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// Daemon is a Master wired to its configuration: logging, history sinks,
// metrics, the HTTP API, the lock file and config hot reload.
type Daemon struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	logCloser  io.Closer
	bus        *events.Bus
	master     *manager.Master
	httpSrv    *http.Server
	httpLn     net.Listener
	lock       *flock.Flock
	watcher    *config.Watcher
	loader     func(string) (*config.Config, error)
	handler    process.Handler

	mu    sync.Mutex
	procs []config.ProcConfig

	stopOnce sync.Once
}

type DaemonOption func(*Daemon)

// WithConfigPath enables hot reload of the [[processes]] section.
func WithConfigPath(path string) DaemonOption {
	return func(d *Daemon) { d.configPath = path }
}

// WithConfigLoader replaces config.LoadFile on reload.
func WithConfigLoader(fn func(string) (*config.Config, error)) DaemonOption {
	return func(d *Daemon) { d.loader = fn }
}

// WithHandler replaces the OS process handler, mostly for tests.
func WithHandler(h process.Handler) DaemonOption {
	return func(d *Daemon) { d.handler = h }
}

// WithLogger uses log instead of building one from the log section.
func WithLogger(log *slog.Logger) DaemonOption {
	return func(d *Daemon) { d.log = log }
}

// NewDaemon builds everything Start needs. Nothing is bound or launched yet.
func NewDaemon(cfg *config.Config, opts ...DaemonOption) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	d := &Daemon{cfg: cfg, bus: events.New(), loader: config.LoadFile}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		log, closer, err := cfg.Log.New(os.Stderr)
		if err != nil {
			return nil, errors.Wrap(err, "build logger")
		}
		d.log, d.logCloser = log, closer
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		d.log.Warn("metrics registration failed", "error", err)
	}
	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		d.closeLog()
		return nil, errors.Wrap(err, "open history sinks")
	}

	handler := d.handler
	if handler == nil {
		handler = &process.OSHandler{Log: cfg.Log, Logger: d.log}
	}
	environ := env.New(cfg.UseOSEnv)
	for k, v := range config.EnvMap(cfg.Env) {
		environ = environ.WithSet(k, v)
	}
	d.master = manager.New(manager.Options{
		Address:          cfg.Listener.Address,
		Port:             cfg.Listener.Port,
		Backlog:          cfg.Listener.Backlog,
		HandshakeTimeout: cfg.Listener.HandshakeTimeout,
		StopTimeout:      cfg.Supervisor.StopTimeout,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
		Handler:          handler,
		Env:              environ,
		Logger:           d.log,
		Bus:              d.bus,
		Sinks:            sinks,
	})
	return d, nil
}

func (d *Daemon) Master() *manager.Master { return d.master }

func (d *Daemon) Logger() *slog.Logger { return d.log }

// Events returns the lifecycle event bus.
func (d *Daemon) Events() *events.Bus { return d.bus }

// Handler returns the HTTP control API for mounting in another server.
func (d *Daemon) Handler() http.Handler {
	return server.NewRouter(d.master, d.cfg.HTTP.BasePath).Handler()
}

// HTTPAddr returns the bound HTTP address, or nil when the API is disabled.
func (d *Daemon) HTTPAddr() net.Addr {
	if d.httpLn == nil {
		return nil
	}
	return d.httpLn.Addr()
}

// Start takes the lock file, binds the listener, registers and starts the
// configured processes, then brings up the HTTP API and the config watcher.
func (d *Daemon) Start(ctx context.Context) error {
	if p := d.cfg.LockFile; p != "" {
		d.lock = flock.New(p)
		lctx, cancel := context.WithTimeout(ctx, lockWait)
		locked, err := d.lock.TryLockContext(lctx, lockRetry)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			locked, err = false, nil
		}
		if err != nil {
			d.lock = nil
			return errors.Wrapf(err, "lock %s", p)
		}
		if !locked {
			d.lock = nil
			return errors.Wrap(ErrLocked, p)
		}
	}
	if err := d.master.Start(); err != nil {
		d.unlock()
		return err
	}

	if sm := d.cfg.ServerManager; len(sm.Command) > 0 {
		d.master.AddServerManager(sm.Command, config.EnvMap(sm.Env), sm.WorkDir, sm.Address, sm.Port)
		d.master.StartProcess(manager.ServerManagerName)
	}
	d.ApplyProcesses(d.cfg.Processes)

	if d.cfg.HTTP.Enabled {
		ln, err := net.Listen("tcp", d.cfg.HTTP.Listen)
		if err != nil {
			d.Shutdown(context.Background())
			return errors.Wrapf(err, "listen http %s", d.cfg.HTTP.Listen)
		}
		d.httpLn = ln
		d.httpSrv = server.NewServer(d.cfg.HTTP.Listen, d.cfg.HTTP.BasePath, d.master)
		go func() {
			if err := d.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("http server failed", "error", err)
			}
		}()
		d.log.Info("http api listening", "address", ln.Addr().String(), "base_path", d.cfg.HTTP.BasePath)
	}

	if d.configPath != "" {
		d.watcher = config.NewWatcher(d.configPath, d.log, config.WithLoader(d.loader))
		d.watcher.OnReload(func(c *config.Config) { d.ApplyProcesses(c.Processes) })
		if err := d.watcher.Start(); err != nil {
			d.log.Warn("config hot reload disabled", "error", err)
			d.watcher = nil
		}
	}
	return nil
}

// ApplyProcesses reconciles the registry with procs: new entries are added
// (and started when autostart is set), dropped entries are stopped and
// removed, changed entries are replaced once the old process has stopped.
func (d *Daemon) ApplyProcesses(procs []config.ProcConfig) {
	d.mu.Lock()
	diff := config.DiffProcesses(d.procs, procs)
	d.procs = append([]config.ProcConfig(nil), procs...)
	d.mu.Unlock()

	for _, name := range diff.Removed {
		d.retire(name, nil)
	}
	for _, p := range diff.Changed {
		p := p
		d.retire(p.Name, func() { d.add(p) })
	}
	for _, p := range diff.Added {
		d.add(p)
	}
	if !diff.Empty() {
		d.log.Info("processes reconciled", "added", len(diff.Added), "changed", len(diff.Changed), "removed", len(diff.Removed))
	}
}

func (d *Daemon) add(p config.ProcConfig) {
	policy, err := p.Respawn.BuildPolicy()
	if err != nil {
		d.log.Error("invalid respawn policy", "process", p.Name, "error", err)
		return
	}
	d.master.AddProcess(p.Name, p.Command, p.EnvMap(), p.WorkDir, policy)
	if p.Autostart {
		d.master.StartProcess(p.Name)
	}
}

// retire removes name once it is stopped, then runs then.
func (d *Daemon) retire(name string, then func()) {
	mp, ok := d.master.Process(name)
	if !ok {
		if then != nil {
			then()
		}
		return
	}
	var once sync.Once
	finish := func() {
		once.Do(func() {
			d.master.RemoveProcess(name)
			if then != nil {
				then()
			}
		})
	}
	// registered first so a stop racing the state check is not missed
	mp.RegisterStopListener(finish)
	if !mp.State().Started() {
		finish()
		return
	}
	d.master.StopProcess(name)
}

// Done is closed once the Master has shut down, whatever triggered it.
func (d *Daemon) Done() <-chan struct{} { return d.master.Done() }

// Shutdown stops the watcher and the HTTP API, shuts the Master down and
// releases the lock file. It is safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.stopOnce.Do(func() {
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.log.Warn("stop config watcher", "error", err)
			}
		}
		if d.httpSrv != nil {
			if err := d.httpSrv.Shutdown(ctx); err != nil {
				d.log.Warn("http shutdown", "error", err)
			}
		}
		d.master.Shutdown()
		d.unlock()
		d.closeLog()
	})
}

func (d *Daemon) unlock() {
	if d.lock == nil {
		return
	}
	if err := d.lock.Unlock(); err != nil {
		d.log.Warn("release lock file", "error", err)
	}
}

func (d *Daemon) closeLog() {
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}
