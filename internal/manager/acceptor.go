package manager

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/loykin/procmaster/internal/events"
	"github.com/loykin/procmaster/internal/metrics"
	"github.com/loykin/procmaster/internal/protocol"
)

// InitializeConnection performs the handshake on a freshly accepted
// connection, binds it to the announced process and then serves the
// commands that process sends until the connection ends. A returned error
// makes the listener close conn.
func (m *Master) InitializeConnection(conn net.Conn) error {
	remote := conn.RemoteAddr().String()
	timeout := m.opts.HandshakeTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	r := bufio.NewReader(conn)
	name, err := protocol.ReadHandshake(r)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			err = errors.Errorf("did not receive any data within %s", timeout)
		}
		m.rejected(remote, err)
		return err
	}

	mp := m.lookup(name)
	if mp == nil {
		err := protocol.Violation("no process named %q", name)
		m.rejected(remote, err)
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := protocol.NewConn(conn, r)
	if err := m.bind(mp, c); err != nil {
		m.rejected(remote, err)
		return err
	}
	metrics.IncHandshake(metrics.HandshakeAccepted)
	m.opts.Bus.Publish(events.ConnectionAccepted{Name: name, Remote: remote})
	m.log.Info("process connected", "process", name, "remote", remote)
	if fn := m.opts.OnAccepted; fn != nil {
		fn(name, c)
	}

	m.serveCommands(mp, c)
	return nil
}

// bind attaches c to mp. The entry may have been removed, or the registry
// cleared by Shutdown, since it was looked up; c is then closed again.
func (m *Master) bind(mp *ManagedProcess, c *protocol.Conn) error {
	mp.SetConn(c)
	if m.shutdown.Load() {
		mp.clearConn(c)
		return ErrShutdown
	}
	m.mu.Lock()
	current := m.processes[mp.Name()] == mp
	m.mu.Unlock()
	if !current {
		mp.clearConn(c)
		return protocol.Violation("process %q was removed", mp.Name())
	}
	return nil
}

func (m *Master) rejected(remote string, err error) {
	result := metrics.HandshakeFailed
	if protocol.IsViolation(err) {
		result = metrics.HandshakeRejected
	}
	metrics.IncHandshake(result)
	m.opts.Bus.Publish(events.HandshakeRejected{Remote: remote, Reason: err.Error()})
}

// serveCommands reads commands from a bound connection until it fails.
// A malformed command is skipped when its name was recognised; anything
// else drops the connection.
func (m *Master) serveCommands(mp *ManagedProcess, c *protocol.Conn) {
	name := mp.Name()
	var cause error
	for {
		cmd, err := c.ReadCommand()
		if err != nil {
			if protocol.IsViolation(err) && cmd.Op != "" && cmd.Op != protocol.OpSendStdin && knownOp(cmd.Op) {
				m.log.Warn("ignoring malformed command", "process", name, "error", err)
				continue
			}
			cause = err
			break
		}
		m.dispatch(mp, cmd)
	}

	if mp.clearConn(c) {
		reason := "closed"
		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
			reason = cause.Error()
			m.log.Warn("connection lost", "process", name, "error", cause)
		} else {
			m.log.Info("connection closed", "process", name)
		}
		m.opts.Bus.Publish(events.ConnectionLost{Name: name, Err: reason})
	}
}

func knownOp(op protocol.Op) bool {
	switch op {
	case protocol.OpAdd, protocol.OpStart, protocol.OpStop, protocol.OpRemove, protocol.OpSendStdin,
		protocol.OpDown, protocol.OpReconnectServers, protocol.OpReconnectServer, protocol.OpShutdown:
		return true
	}
	return false
}

// dispatch runs one command against the Master API. Commands never get a
// reply; failures are logged by the API itself.
func (m *Master) dispatch(from *ManagedProcess, cmd protocol.Command) {
	m.log.Debug("command received", "process", from.Name(), "op", string(cmd.Op), "target", cmd.Name)
	switch cmd.Op {
	case protocol.OpAdd:
		m.AddProcess(cmd.Name, cmd.Args, cmd.Env, cmd.WorkDir, nil)
	case protocol.OpStart:
		m.StartProcess(cmd.Name)
	case protocol.OpStop:
		m.StopProcess(cmd.Name)
	case protocol.OpRemove:
		m.RemoveProcess(cmd.Name)
	case protocol.OpSendStdin:
		m.SendStdin(cmd.Name, cmd.Payload)
	case protocol.OpDown:
		if from.Name() == ServerManagerName {
			return
		}
		m.DownServer(cmd.Name)
	case protocol.OpReconnectServers:
		m.ReconnectServersToServerManager(cmd.Addr, cmd.Port)
	case protocol.OpReconnectServer:
		m.ReconnectProcessToServerManager(cmd.Name, cmd.Addr, cmd.Port)
	case protocol.OpShutdown:
		go m.Shutdown()
	}
}
