package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/loykin/procmaster/internal/env"
	"github.com/loykin/procmaster/internal/events"
	"github.com/loykin/procmaster/internal/history"
	"github.com/loykin/procmaster/internal/metrics"
	"github.com/loykin/procmaster/internal/process"
	"github.com/loykin/procmaster/internal/protocol"
	"github.com/loykin/procmaster/internal/respawn"
)

// ProcessSpec is the immutable description of a managed process.
type ProcessSpec struct {
	Name    string            `json:"name"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	// Policy decides about respawns; nil means respawn.Default.
	Policy respawn.Policy `json:"-"`
	// RespawnArgs are appended to Command when the process is launched by
	// a respawn rather than an explicit start.
	RespawnArgs []string `json:"respawn_args,omitempty"`
}

func (s ProcessSpec) clone() ProcessSpec {
	c := s
	c.Command = append([]string(nil), s.Command...)
	c.RespawnArgs = append([]string(nil), s.RespawnArgs...)
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	return c
}

// Status is a point-in-time view of a ManagedProcess.
type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Connected bool      `json:"connected"`
	Respawns  int       `json:"respawns"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastExit  string    `json:"last_exit,omitempty"`
	Command   []string  `json:"command"`
	Policy    string    `json:"policy"`
}

// runtime holds the collaborators a ManagedProcess shares with its Master.
type runtime struct {
	ctx         context.Context
	handler     process.Handler
	env         *env.Env
	log         *slog.Logger
	bus         *events.Bus
	stopTimeout time.Duration
	onCrash     func(name string)

	hmu     sync.Mutex
	sinks   []history.Sink
	closed  bool
	pending sync.WaitGroup
}

func (r *runtime) record(e history.Event) {
	r.hmu.Lock()
	if r.closed || len(r.sinks) == 0 {
		r.hmu.Unlock()
		return
	}
	r.pending.Add(1)
	sinks := r.sinks
	r.hmu.Unlock()
	go func() {
		defer r.pending.Done()
		history.Dispatch(context.Background(), r.log, sinks, e)
	}()
}

func (r *runtime) closeSinks() {
	r.hmu.Lock()
	if r.closed {
		r.hmu.Unlock()
		return
	}
	r.closed = true
	sinks := r.sinks
	r.hmu.Unlock()
	r.pending.Wait()
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			r.log.Warn("close history sink", "error", err)
		}
	}
}

// ManagedProcess is one supervised child and its lifecycle state machine.
// All mutable fields are guarded by mu; socket writes happen outside it.
type ManagedProcess struct {
	spec ProcessSpec
	rt   *runtime
	log  *slog.Logger

	mu            sync.Mutex
	state         State
	proc          process.Running
	gen           uint64
	conn          *protocol.Conn
	stopRequested bool
	history       respawn.History
	respawnTimer  *time.Timer
	killTimer     *time.Timer
	startedAt     time.Time
	lastExit      string
	stopListeners []func()
	stopped       chan struct{}
}

func newManagedProcess(spec ProcessSpec, rt *runtime) *ManagedProcess {
	if spec.Policy == nil {
		spec.Policy = respawn.NewDefault()
	}
	stopped := make(chan struct{})
	close(stopped)
	return &ManagedProcess{
		spec:    spec,
		rt:      rt,
		log:     rt.log.With("process", spec.Name),
		state:   StateStopped,
		stopped: stopped,
	}
}

func (mp *ManagedProcess) Name() string { return mp.spec.Name }

// Spec returns a copy of the launch description.
func (mp *ManagedProcess) Spec() ProcessSpec { return mp.spec.clone() }

func (mp *ManagedProcess) State() State {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.state
}

// Conn returns the bound socket or nil.
func (mp *ManagedProcess) Conn() *protocol.Conn {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.conn
}

func (mp *ManagedProcess) Status() Status {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	st := Status{
		Name:      mp.spec.Name,
		State:     mp.state.String(),
		Connected: mp.conn != nil,
		Respawns:  mp.history.Respawns,
		LastExit:  mp.lastExit,
		Command:   append([]string(nil), mp.spec.Command...),
		Policy:    mp.spec.Policy.Name(),
	}
	if mp.proc != nil {
		st.PID = mp.proc.Pid()
		st.StartedAt = mp.startedAt
	}
	return st
}

// setStateLocked records a transition. Entering Stopped releases waiters
// and fires the registered stop listeners once.
func (mp *ManagedProcess) setStateLocked(to State) {
	from := mp.state
	if from == to {
		return
	}
	mp.state = to
	name := mp.spec.Name
	metrics.RecordStateTransition(name, from.String(), to.String())
	metrics.SetCurrentState(name, from.String(), false)
	metrics.SetCurrentState(name, to.String(), true)
	mp.rt.bus.Publish(events.StateChanged{Name: name, From: from.String(), To: to.String(), At: time.Now()})
	mp.log.Debug("state changed", "from", from.String(), "to", to.String())

	if from == StateStopped {
		mp.stopped = make(chan struct{})
	}
	if to == StateStopped {
		close(mp.stopped)
		if ls := mp.stopListeners; len(ls) > 0 {
			mp.stopListeners = nil
			go func() {
				for _, fn := range ls {
					fn()
				}
			}()
		}
	}
}

func (mp *ManagedProcess) recordLocked(t history.EventType) {
	rec := history.Record{
		Name:     mp.spec.Name,
		State:    mp.state.String(),
		ExitErr:  mp.lastExit,
		Respawns: mp.history.Respawns,
	}
	if mp.proc != nil {
		rec.PID = mp.proc.Pid()
		rec.StartedAt = mp.startedAt
	}
	mp.rt.record(history.Event{Type: t, OccurredAt: time.Now(), Record: rec})
}

// Start launches the process. It is only valid from Stopped.
func (mp *ManagedProcess) Start() error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.rt.ctx.Err() != nil {
		return ErrShutdown
	}
	if mp.state != StateStopped {
		return errors.Wrapf(ErrInvalidState, "start %s: process is %s", mp.spec.Name, mp.state)
	}
	mp.stopRequested = false
	return mp.launchLocked(false)
}

func (mp *ManagedProcess) launchLocked(respawned bool) error {
	mp.setStateLocked(StateStarting)
	argv := append([]string(nil), mp.spec.Command...)
	if respawned {
		argv = append(argv, mp.spec.RespawnArgs...)
	}
	var environ []string
	if mp.rt.env != nil {
		environ = mp.rt.env.Compose(mp.spec.Env)
	}
	r, err := mp.rt.handler.Launch(process.LaunchSpec{
		Name:    mp.spec.Name,
		Command: argv,
		Env:     environ,
		WorkDir: mp.spec.WorkDir,
	})
	if err != nil {
		mp.lastExit = err.Error()
		// a failed respawn stays Starting until the policy has decided
		if !respawned {
			mp.setStateLocked(StateStopped)
		}
		return &LaunchError{Name: mp.spec.Name, Err: err}
	}
	mp.gen++
	mp.proc = r
	mp.startedAt = time.Now()
	mp.setStateLocked(StateRunning)
	metrics.IncStart(mp.spec.Name)
	mp.recordLocked(history.EventStart)
	mp.log.Info("process started", "pid", r.Pid(), "respawn", respawned)
	go mp.watch(mp.gen, r)
	return nil
}

// watch waits for one OS process and classifies its exit.
func (mp *ManagedProcess) watch(gen uint64, r process.Running) {
	<-r.Done()
	st := r.Exit()

	mp.mu.Lock()
	defer mp.mu.Unlock()
	if gen != mp.gen {
		return
	}
	if mp.killTimer != nil {
		mp.killTimer.Stop()
		mp.killTimer = nil
	}
	mp.lastExit = describeExit(st)
	exit := respawn.Exit{Err: st.Err, StartedAt: mp.startedAt, At: st.At, StopRequested: mp.stopRequested}
	mp.proc = nil

	if mp.stopRequested || mp.state == StateStopping {
		mp.log.Info("process stopped", "exit", mp.lastExit)
		mp.setStateLocked(StateStopped)
		mp.recordLocked(history.EventStop)
		return
	}
	mp.crashLocked(exit)
}

func describeExit(st process.ExitStatus) string {
	switch {
	case st.Signal != "":
		return "signal " + st.Signal
	case st.Err != nil:
		return st.Err.Error()
	default:
		return "exit status 0"
	}
}

func (mp *ManagedProcess) crashLocked(exit respawn.Exit) {
	name := mp.spec.Name
	metrics.IncCrash(name)
	d := mp.spec.Policy.Decide(exit, &mp.history)
	if mp.rt.ctx.Err() != nil {
		d = respawn.Decision{Reason: "manager shutting down"}
	}
	mp.log.Warn("process exited unexpectedly", "exit", mp.lastExit, "uptime", exit.Uptime(),
		"respawn", d.Respawn, "delay", d.Delay, "reason", d.Reason)
	mp.rt.bus.Publish(events.ProcessCrashed{Name: name, Err: mp.lastExit, Respawn: d.Respawn, Delay: d.Delay, Reason: d.Reason})
	mp.recordLocked(history.EventCrash)
	if fn := mp.rt.onCrash; fn != nil {
		go fn(name)
	}

	if !d.Respawn {
		mp.setStateLocked(StateStopped)
		return
	}
	metrics.IncRespawn(name)
	mp.setStateLocked(StateStarting)
	mp.respawnTimer = time.AfterFunc(d.Delay, mp.respawn)
}

func (mp *ManagedProcess) respawn() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.respawnTimer = nil
	if mp.stopRequested || mp.state != StateStarting || mp.proc != nil {
		return
	}
	if mp.rt.ctx.Err() != nil {
		mp.setStateLocked(StateStopped)
		return
	}
	mp.recordLocked(history.EventRespawn)
	if err := mp.launchLocked(true); err != nil {
		mp.log.Error("respawn failed", "error", err)
		mp.crashLocked(respawn.Exit{Err: err, At: time.Now()})
	}
}

// Stop asks the process to exit. It sends the shutdown directive over the
// bound socket, or terminates the OS process when there is none or the write
// fails, and returns without waiting for the exit. A process that does not
// exit within the stop timeout is killed.
func (mp *ManagedProcess) Stop() error {
	mp.mu.Lock()
	if mp.state != StateRunning && mp.state != StateStarting {
		st := mp.state
		mp.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "stop %s: process is %s", mp.spec.Name, st)
	}
	mp.stopRequested = true
	if mp.proc == nil {
		// respawn pending
		if mp.respawnTimer != nil {
			mp.respawnTimer.Stop()
			mp.respawnTimer = nil
		}
		mp.setStateLocked(StateStopped)
		mp.recordLocked(history.EventStop)
		mp.mu.Unlock()
		return nil
	}
	mp.setStateLocked(StateStopping)
	proc, conn, gen := mp.proc, mp.conn, mp.gen
	if mp.rt.stopTimeout > 0 {
		mp.killTimer = time.AfterFunc(mp.rt.stopTimeout, func() { mp.escalate(gen) })
	}
	mp.mu.Unlock()

	name := mp.spec.Name
	if conn != nil {
		err := conn.SendShutdown()
		if err == nil {
			metrics.IncStop(name, "directive")
			return nil
		}
		mp.log.Warn("shutdown directive failed, terminating", "error", err)
	}
	metrics.IncStop(name, "signal")
	if err := proc.Terminate(); err != nil {
		return errors.Wrapf(err, "terminate %s", name)
	}
	return nil
}

func (mp *ManagedProcess) escalate(gen uint64) {
	mp.mu.Lock()
	if gen != mp.gen || mp.proc == nil {
		mp.mu.Unlock()
		return
	}
	proc := mp.proc
	mp.killTimer = nil
	mp.mu.Unlock()

	mp.log.Warn("process did not exit in time, killing", "timeout", mp.rt.stopTimeout)
	metrics.IncStop(mp.spec.Name, "kill")
	if err := proc.Kill(); err != nil {
		mp.log.Error("kill failed", "error", err)
	}
}

// kill forces the current OS process, if any, to exit.
func (mp *ManagedProcess) kill() {
	mp.mu.Lock()
	proc := mp.proc
	mp.stopRequested = true
	mp.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
}

// SetConn binds c, closing any previously bound socket.
func (mp *ManagedProcess) SetConn(c *protocol.Conn) {
	mp.mu.Lock()
	old := mp.conn
	mp.conn = c
	mp.recordLocked(history.EventConnect)
	mp.mu.Unlock()
	if old != nil && old != c {
		mp.log.Info("superseding previous connection")
		_ = old.Close()
	}
	metrics.SetConnected(mp.spec.Name, c != nil)
}

// clearConn unbinds c if it is still the current socket.
func (mp *ManagedProcess) clearConn(c *protocol.Conn) bool {
	mp.mu.Lock()
	current := mp.conn == c
	if current {
		mp.conn = nil
		mp.recordLocked(history.EventDisconnect)
	}
	mp.mu.Unlock()
	_ = c.Close()
	if current {
		metrics.SetConnected(mp.spec.Name, false)
	}
	return current
}

func (mp *ManagedProcess) closeConn() {
	mp.mu.Lock()
	c := mp.conn
	mp.conn = nil
	mp.mu.Unlock()
	if c != nil {
		_ = c.Close()
		metrics.SetConnected(mp.spec.Name, false)
	}
}

// SendStdin forwards b to the process over its socket.
func (mp *ManagedProcess) SendStdin(b []byte) error {
	c := mp.Conn()
	if c == nil {
		return errors.Wrap(ErrNotConnected, mp.spec.Name)
	}
	return c.SendStdin(b)
}

// Down tells the process that the named server went down.
func (mp *ManagedProcess) Down(serverName string) error {
	c := mp.Conn()
	if c == nil {
		return errors.Wrap(ErrNotConnected, mp.spec.Name)
	}
	return c.SendDown(serverName)
}

// ReconnectToServerManager tells the process where the server manager now
// listens.
func (mp *ManagedProcess) ReconnectToServerManager(addr string, port int) error {
	c := mp.Conn()
	if c == nil {
		return errors.Wrap(ErrNotConnected, mp.spec.Name)
	}
	return c.SendReconnect(addr, port)
}

// RegisterStopListener runs fn once, the next time the process reaches
// Stopped.
func (mp *ManagedProcess) RegisterStopListener(fn func()) {
	mp.mu.Lock()
	mp.stopListeners = append(mp.stopListeners, fn)
	mp.mu.Unlock()
}

// WaitStopped blocks until the process is Stopped or ctx is done.
func (mp *ManagedProcess) WaitStopped(ctx context.Context) error {
	mp.mu.Lock()
	ch := mp.stopped
	mp.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
