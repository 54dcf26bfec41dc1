package manager

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/loykin/procmaster/internal/env"
	"github.com/loykin/procmaster/internal/events"
	"github.com/loykin/procmaster/internal/history"
	"github.com/loykin/procmaster/internal/listener"
	"github.com/loykin/procmaster/internal/metrics"
	"github.com/loykin/procmaster/internal/process"
	"github.com/loykin/procmaster/internal/protocol"
	"github.com/loykin/procmaster/internal/respawn"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStopTimeout      = 30 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
	DefaultResolveTimeout   = 5 * time.Second
)

// Flags appended to the server manager command line.
const (
	FlagInterprocessPMAddress  = "-interprocess-pm-address"
	FlagInterprocessPMPort     = "-interprocess-pm-port"
	FlagInterprocessName       = "-interprocess-name"
	FlagInterprocessSMAddress  = "-interprocess-sm-address"
	FlagInterprocessSMPort     = "-interprocess-sm-port"
	FlagRestartedServerManager = "-restarted-server-manager"
)

// Options configures a Master. Zero values fall back to the defaults above.
type Options struct {
	Address string
	Port    int
	Backlog int

	HandshakeTimeout time.Duration
	StopTimeout      time.Duration
	ShutdownTimeout  time.Duration
	ResolveTimeout   time.Duration

	Handler process.Handler
	Env     *env.Env
	Logger  *slog.Logger
	Bus     *events.Bus
	Sinks   []history.Sink

	// OnAccepted runs after a connection was bound to a process.
	OnAccepted func(name string, c *protocol.Conn)
}

// Master is the process manager: it owns the registry of managed processes
// and the listener launched processes dial back to.
//
// Lock order: Master.mu before ManagedProcess.mu. No socket I/O or process
// wait happens under Master.mu.
type Master struct {
	opts Options
	rt   *runtime
	log  *slog.Logger
	ln   *listener.SocketListener

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	processes map[string]*ManagedProcess

	shutdown atomic.Bool
	finished chan struct{}
	resolver *net.Resolver
}

func New(opts Options) *Master {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = DefaultResolveTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Handler == nil {
		opts.Handler = &process.OSHandler{Logger: opts.Logger}
	}
	if opts.Env == nil {
		opts.Env = env.New(true)
	}
	log := opts.Logger.With("component", "master")
	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		opts:      opts,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		processes: make(map[string]*ManagedProcess),
		finished:  make(chan struct{}),
		resolver:  net.DefaultResolver,
	}
	m.rt = &runtime{
		ctx:         ctx,
		handler:     opts.Handler,
		env:         opts.Env,
		log:         opts.Logger,
		bus:         opts.Bus,
		stopTimeout: opts.StopTimeout,
		onCrash:     m.processCrashed,
		sinks:       opts.Sinks,
	}
	m.ln = listener.New(listener.Config{
		Name:    "PM",
		Address: opts.Address,
		Port:    opts.Port,
		Backlog: opts.Backlog,
	}, m, opts.Logger)
	return m
}

// Start binds the listener.
func (m *Master) Start() error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	if err := m.ln.Start(); err != nil {
		return errors.Wrap(err, "start process manager listener")
	}
	addr, _ := m.ln.Addr()
	m.log.Info("process manager listening", "address", addr.String())
	return nil
}

// Addr returns the bound listener address.
func (m *Master) Addr() (*net.TCPAddr, error) { return m.ln.Addr() }

// Port returns the bound listener port.
func (m *Master) Port() (int, error) { return m.ln.Port() }

func (m *Master) IsShutdown() bool { return m.shutdown.Load() }

// Done is closed when Shutdown has completed.
func (m *Master) Done() <-chan struct{} { return m.finished }

// AddProcess registers a process without starting it. A name already in use
// is left untouched.
func (m *Master) AddProcess(name string, command []string, environ map[string]string, workDir string, policy respawn.Policy) {
	m.add(ProcessSpec{Name: name, Command: command, Env: environ, WorkDir: workDir, Policy: policy})
}

// AddServerManager registers the server manager. Its command line gets the
// listener's bound address and port, its own process name and where the
// server manager itself should listen; a respawned server manager is told so
// with an extra flag.
func (m *Master) AddServerManager(command []string, environ map[string]string, workDir string, smAddress string, smPort int) {
	addr, err := m.ln.Addr()
	if err != nil {
		m.log.Error("add server manager: listener is not bound", "error", err)
		return
	}
	argv := append([]string(nil), command...)
	argv = append(argv,
		FlagInterprocessPMAddress, addr.IP.String(),
		FlagInterprocessPMPort, strconv.Itoa(addr.Port),
		FlagInterprocessName, ServerManagerName,
		FlagInterprocessSMAddress, smAddress,
		FlagInterprocessSMPort, strconv.Itoa(smPort),
	)
	m.add(ProcessSpec{
		Name:        ServerManagerName,
		Command:     argv,
		Env:         environ,
		WorkDir:     workDir,
		RespawnArgs: []string{FlagRestartedServerManager},
	})
}

func (m *Master) add(spec ProcessSpec) {
	if m.shutdown.Load() {
		m.log.Warn("add ignored, manager is shutting down", "process", spec.Name)
		return
	}
	if spec.Name == "" || len(spec.Command) == 0 {
		m.log.Error("add ignored, name and command are required", "process", spec.Name)
		return
	}
	spec = spec.clone()

	m.mu.Lock()
	if _, ok := m.processes[spec.Name]; ok {
		m.mu.Unlock()
		m.log.Info("process already added", "process", spec.Name)
		return
	}
	m.processes[spec.Name] = newManagedProcess(spec, m.rt)
	n := len(m.processes)
	m.mu.Unlock()

	metrics.SetRegistered(n)
	metrics.SetCurrentState(spec.Name, StateStopped.String(), true)
	m.opts.Bus.Publish(events.ProcessAdded{Name: spec.Name, Command: spec.Command})
	m.log.Info("process added", "process", spec.Name, "command", spec.Command)
}

// StartProcess launches a registered, stopped process.
func (m *Master) StartProcess(name string) {
	if err := m.startProcess(name); err != nil {
		m.log.Error("start process failed", "process", name, "error", err)
	}
}

func (m *Master) startProcess(name string) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.processes[name]
	if !ok {
		return errors.Wrap(ErrUnknownProcess, name)
	}
	return mp.Start()
}

// StopProcess asks a running process to exit.
func (m *Master) StopProcess(name string) {
	if err := m.stopProcess(name); err != nil {
		m.log.Error("stop process failed", "process", name, "error", err)
	}
}

func (m *Master) stopProcess(name string) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	mp := m.lookup(name)
	if mp == nil {
		return errors.Wrap(ErrUnknownProcess, name)
	}
	return mp.Stop()
}

// RemoveProcess drops a stopped process from the registry.
func (m *Master) RemoveProcess(name string) {
	if err := m.removeProcess(name); err != nil {
		m.log.Error("remove process failed", "process", name, "error", err)
	}
}

func (m *Master) removeProcess(name string) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	m.mu.Lock()
	mp, ok := m.processes[name]
	if !ok {
		m.mu.Unlock()
		return errors.Wrap(ErrUnknownProcess, name)
	}
	if st := mp.State(); st.Started() {
		m.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "remove %s: process is %s", name, st)
	}
	delete(m.processes, name)
	n := len(m.processes)
	m.mu.Unlock()

	mp.closeConn()
	metrics.SetRegistered(n)
	metrics.Forget(name)
	m.opts.Bus.Publish(events.ProcessRemoved{Name: name})
	m.log.Info("process removed", "process", name)
	return nil
}

// SendStdin forwards data to a started process.
func (m *Master) SendStdin(name string, data []byte) {
	if err := m.sendStdin(name, data); err != nil {
		m.log.Error("send stdin failed", "process", name, "error", err)
	}
}

func (m *Master) sendStdin(name string, data []byte) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	mp := m.lookup(name)
	if mp == nil {
		return errors.Wrap(ErrUnknownProcess, name)
	}
	if st := mp.State(); !st.Live() {
		return errors.Wrapf(ErrInvalidState, "send stdin %s: process is %s", name, st)
	}
	return mp.SendStdin(data)
}

// DownServer tells the server manager that serverName went down. It is a
// quiet no-op while no server manager is registered and connected.
func (m *Master) DownServer(serverName string) {
	if err := m.downServer(serverName); err != nil {
		m.log.Error("down server failed", "server", serverName, "error", err)
	}
}

func (m *Master) downServer(serverName string) error {
	if m.shutdown.Load() {
		return nil
	}
	sm := m.lookup(ServerManagerName)
	if sm == nil || sm.Conn() == nil {
		m.log.Debug("no connected server manager, down not forwarded", "server", serverName)
		return nil
	}
	return sm.Down(serverName)
}

func (m *Master) processCrashed(name string) {
	if name == ServerManagerName {
		return
	}
	m.DownServer(name)
}

// ReconnectServersToServerManager tells every connected process except the
// server manager where the server manager now listens.
func (m *Master) ReconnectServersToServerManager(addr, port string) {
	if err := m.reconnectServers(addr, port); err != nil {
		m.log.Error("reconnect servers failed", "address", addr, "port", port, "error", err)
	}
}

func (m *Master) reconnectServers(addr, port string) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	p, err := m.validateEndpoint(addr, port)
	if err != nil {
		return err
	}
	var failed int
	for _, mp := range m.snapshot() {
		if mp.Name() == ServerManagerName || mp.Conn() == nil {
			continue
		}
		if err := mp.ReconnectToServerManager(addr, p); err != nil {
			failed++
			m.log.Warn("reconnect directive failed", "process", mp.Name(), "error", err)
		}
	}
	if failed > 0 {
		return errors.Errorf("%d processes did not receive the reconnect directive", failed)
	}
	return nil
}

// ReconnectProcessToServerManager tells one process where the server
// manager now listens. The server manager itself is ignored.
func (m *Master) ReconnectProcessToServerManager(name, addr, port string) {
	if err := m.reconnectProcess(name, addr, port); err != nil {
		m.log.Error("reconnect process failed", "process", name, "error", err)
	}
}

func (m *Master) reconnectProcess(name, addr, port string) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}
	if name == ServerManagerName {
		return nil
	}
	p, err := m.validateEndpoint(addr, port)
	if err != nil {
		return err
	}
	mp := m.lookup(name)
	if mp == nil {
		return errors.Wrap(ErrUnknownProcess, name)
	}
	return mp.ReconnectToServerManager(addr, p)
}

// validateEndpoint checks that port is a valid TCP port and addr is an IP
// literal or a resolvable host name.
func (m *Master) validateEndpoint(addr, port string) (int, error) {
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return 0, errors.Errorf("invalid port %q", port)
	}
	if addr == "" {
		return 0, errors.New("empty address")
	}
	if net.ParseIP(addr) != nil {
		return p, nil
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ResolveTimeout)
	defer cancel()
	if _, err := m.resolver.LookupHost(ctx, addr); err != nil {
		return 0, errors.Wrapf(err, "resolve %q", addr)
	}
	return p, nil
}

// ProcessNames lists registered names, sorted. With onlyStarted set it
// lists only processes that are starting or running.
func (m *Master) ProcessNames(onlyStarted bool) []string {
	var names []string
	for _, mp := range m.snapshot() {
		if onlyStarted && !mp.State().Live() {
			continue
		}
		names = append(names, mp.Name())
	}
	sort.Strings(names)
	return names
}

// Status returns the status of one process.
func (m *Master) Status(name string) (Status, error) {
	mp := m.lookup(name)
	if mp == nil {
		return Status{}, errors.Wrap(ErrUnknownProcess, name)
	}
	return mp.Status(), nil
}

// Statuses returns the status of every process, sorted by name.
func (m *Master) Statuses() []Status {
	ps := m.snapshot()
	out := make([]Status, 0, len(ps))
	for _, mp := range ps {
		out = append(out, mp.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Process returns the managed process registered as name.
func (m *Master) Process(name string) (*ManagedProcess, bool) {
	mp := m.lookup(name)
	return mp, mp != nil
}

// RegisterStopListener runs fn the next time name reaches Stopped.
func (m *Master) RegisterStopListener(name string, fn func()) error {
	mp := m.lookup(name)
	if mp == nil {
		return errors.Wrap(ErrUnknownProcess, name)
	}
	mp.RegisterStopListener(fn)
	return nil
}

func (m *Master) lookup(name string) *ManagedProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processes[name]
}

func (m *Master) snapshot() []*ManagedProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ManagedProcess, 0, len(m.processes))
	for _, mp := range m.processes {
		out = append(out, mp)
	}
	return out
}

// Shutdown stops the server manager first, then every other process, closes
// the listener and the history sinks. Only the first call does anything;
// later calls wait for it to finish.
func (m *Master) Shutdown() {
	if !m.shutdown.CompareAndSwap(false, true) {
		<-m.finished
		return
	}
	defer close(m.finished)
	m.log.Info("process manager shutting down")
	m.opts.Bus.Publish(events.Shutdown{At: time.Now()})
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
	defer cancel()

	if sm := m.lookup(ServerManagerName); sm != nil {
		m.stopAndWait(ctx, []*ManagedProcess{sm})
	}

	m.mu.Lock()
	rest := make([]*ManagedProcess, 0, len(m.processes))
	for name, mp := range m.processes {
		if name != ServerManagerName {
			rest = append(rest, mp)
		}
	}
	all := m.processes
	m.processes = make(map[string]*ManagedProcess)
	m.mu.Unlock()

	m.stopAndWait(ctx, rest)

	for _, mp := range all {
		mp.closeConn()
	}
	metrics.SetRegistered(0)
	m.ln.Shutdown()
	m.ln.Wait()
	m.rt.closeSinks()
	m.log.Info("process manager shut down")
}

func (m *Master) stopAndWait(ctx context.Context, ps []*ManagedProcess) {
	for _, mp := range ps {
		if err := mp.Stop(); err != nil && !errors.Is(err, ErrInvalidState) {
			m.log.Warn("stop during shutdown failed", "process", mp.Name(), "error", err)
		}
	}
	for _, mp := range ps {
		if err := mp.WaitStopped(ctx); err != nil {
			m.log.Warn("process did not stop in time, killing", "process", mp.Name())
			mp.kill()
			kctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = mp.WaitStopped(kctx)
			cancel()
		}
	}
}
