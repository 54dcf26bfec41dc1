package manager

import (
	"bufio"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procmaster/internal/events"
	"github.com/loykin/procmaster/internal/protocol"
)

// expectClosed asserts the master closes raw without sending anything.
func expectClosed(t *testing.T, raw net.Conn) {
	t.Helper()
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := raw.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection was not closed")
	}
}

func TestHandshakeBadFirstWordRejected(t *testing.T) {
	hs := newHarness(t, nil)
	rejected := make(chan events.HandshakeRejected, 1)
	cancel := events.Subscribe(hs.bus, func(e events.HandshakeRejected) { rejected <- e })
	defer cancel()
	hs.add("Worker1")

	raw := hs.dial(t)
	_, err := raw.Write([]byte("HELLO\x00Worker1\n"))
	require.NoError(t, err)
	expectClosed(t, raw)

	select {
	case e := <-rejected:
		assert.Contains(t, e.Reason, "HELLO")
	case <-time.After(waitFor):
		t.Fatal("no rejection event")
	}
	mp, _ := hs.m.Process("Worker1")
	assert.Nil(t, mp.Conn())
}

func TestHandshakeUnknownNameRejected(t *testing.T) {
	hs := newHarness(t, nil)
	raw := hs.dial(t)
	require.NoError(t, protocol.WriteHandshake(raw, "Ghost"))
	expectClosed(t, raw)
}

func TestHandshakeTimeout(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.HandshakeTimeout = 50 * time.Millisecond })
	rejected := make(chan events.HandshakeRejected, 1)
	cancel := events.Subscribe(hs.bus, func(e events.HandshakeRejected) { rejected <- e })
	defer cancel()

	raw := hs.dial(t)
	expectClosed(t, raw)
	select {
	case e := <-rejected:
		assert.Contains(t, e.Reason, "did not receive any data within")
	case <-time.After(waitFor):
		t.Fatal("no rejection event")
	}
}

func TestHandshakeNameSplitAcrossWords(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Server:one")
	raw := hs.dial(t)
	_, err := raw.Write([]byte("CONNECTED\x00Server:\x00one\n"))
	require.NoError(t, err)
	mp, _ := hs.m.Process("Server:one")
	require.Eventually(t, func() bool { return mp.Conn() != nil }, waitFor, tick)
}

func TestReconnectSupersedesPreviousConnection(t *testing.T) {
	var mu sync.Mutex
	var accepted []string
	hs := newHarness(t, func(o *Options) {
		o.OnAccepted = func(name string, _ *protocol.Conn) {
			mu.Lock()
			accepted = append(accepted, name)
			mu.Unlock()
		}
	})
	hs.add("Worker1")
	hs.m.StartProcess("Worker1")

	first := hs.connect(t, "Worker1")
	second := hs.connect(t, "Worker1")

	require.NoError(t, first.raw.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := first.ReadDirective()
	assert.ErrorIs(t, err, io.EOF)

	hs.m.SendStdin("Worker1", []byte("x"))
	assert.Equal(t, []byte("x"), second.read(t).Payload)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(accepted) == 2
	}, waitFor, tick)
}

func TestConnectionLossClearsBinding(t *testing.T) {
	hs := newHarness(t, nil)
	lost := make(chan events.ConnectionLost, 1)
	cancel := events.Subscribe(hs.bus, func(e events.ConnectionLost) { lost <- e })
	defer cancel()
	hs.add("Worker1")
	hs.m.StartProcess("Worker1")
	c := hs.connect(t, "Worker1")

	require.NoError(t, c.Close())
	mp, _ := hs.m.Process("Worker1")
	require.Eventually(t, func() bool { return mp.Conn() == nil }, waitFor, tick)
	select {
	case e := <-lost:
		assert.Equal(t, "Worker1", e.Name)
	case <-time.After(waitFor):
		t.Fatal("no connection lost event")
	}
	assert.Equal(t, StateRunning, mp.State(), "a lost socket does not stop the process")
}

func TestBindAfterRemovalClosesConnection(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	mp, ok := hs.m.Process("Worker1")
	require.True(t, ok)
	hs.m.RemoveProcess("Worker1")

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	c := protocol.NewConn(local, bufio.NewReader(local))
	err := hs.m.bind(mp, c)
	require.Error(t, err)
	assert.True(t, protocol.IsViolation(err))
	assert.Nil(t, mp.Conn())
	expectClosed(t, remote)
}

func TestBindKeepsRegisteredProcess(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	mp, _ := hs.m.Process("Worker1")

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	c := protocol.NewConn(local, bufio.NewReader(local))
	require.NoError(t, hs.m.bind(mp, c))
	assert.Same(t, c, mp.Conn())
}

func TestCommandsDriveTheMaster(t *testing.T) {
	hs := newHarness(t, nil)
	hs.m.AddServerManager([]string{"sm"}, nil, "", "127.0.0.1", 0)
	hs.m.StartProcess(ServerManagerName)
	sm := hs.connect(t, ServerManagerName)

	require.NoError(t, sm.SendCommand(protocol.Command{
		Op:      protocol.OpAdd,
		Name:    "Server:one",
		WorkDir: "/srv/one",
		Args:    []string{"java", "-server"},
		Env:     map[string]string{"JAVA_OPTS": "-Xmx64m"},
	}))
	require.NoError(t, sm.SendCommand(protocol.Command{Op: protocol.OpStart, Name: "Server:one"}))
	hs.waitState(t, "Server:one", StateRunning)

	launched := hs.h.Last("Server:one")
	assert.Equal(t, []string{"java", "-server"}, launched.Spec.Command)
	assert.Equal(t, "/srv/one", launched.Spec.WorkDir)
	assert.Contains(t, launched.Spec.Env, "JAVA_OPTS=-Xmx64m")

	one := hs.connect(t, "Server:one")
	require.NoError(t, sm.SendCommand(protocol.Command{Op: protocol.OpSendStdin, Name: "Server:one", Payload: []byte("input")}))
	assert.Equal(t, []byte("input"), one.read(t).Payload)

	require.NoError(t, sm.SendCommand(protocol.Command{Op: protocol.OpReconnectServer, Name: "Server:one", Addr: "127.0.0.1", Port: "5555"}))
	assert.Equal(t, 5555, one.read(t).Port)

	require.NoError(t, sm.SendCommand(protocol.Command{Op: protocol.OpStop, Name: "Server:one"}))
	assert.Equal(t, "SHUTDOWN", one.read(t).Kind)
	launched.End(nil)
	hs.waitState(t, "Server:one", StateStopped)

	require.NoError(t, sm.SendCommand(protocol.Command{Op: protocol.OpRemove, Name: "Server:one"}))
	require.Eventually(t, func() bool {
		_, ok := hs.m.Process("Server:one")
		return !ok
	}, waitFor, tick)
}

func TestMalformedCommandSkipped(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	hs.add("Worker2")
	hs.m.StartProcess("Worker1")
	c := hs.connect(t, "Worker1")

	require.NoError(t, c.Send("START"))
	require.NoError(t, c.Send("START", "Worker2"))
	hs.waitState(t, "Worker2", StateRunning)
	mp, _ := hs.m.Process("Worker1")
	assert.NotNil(t, mp.Conn())
}

func TestUnknownCommandDropsConnection(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	hs.m.StartProcess("Worker1")
	c := hs.connect(t, "Worker1")

	require.NoError(t, c.Send("FROBNICATE"))
	expectClosed(t, c.raw)
	mp, _ := hs.m.Process("Worker1")
	require.Eventually(t, func() bool { return mp.Conn() == nil }, waitFor, tick)
}

func TestDownFromServerManagerIgnored(t *testing.T) {
	hs := newHarness(t, nil)
	hs.m.AddServerManager([]string{"sm"}, nil, "", "127.0.0.1", 0)
	hs.add("Server:one")
	hs.m.StartProcess(ServerManagerName)
	hs.m.StartProcess("Server:one")
	sm := hs.connect(t, ServerManagerName)
	one := hs.connect(t, "Server:one")

	require.NoError(t, sm.SendCommand(protocol.Command{Op: protocol.OpDown, Name: "Server:two"}))
	require.NoError(t, one.SendCommand(protocol.Command{Op: protocol.OpDown, Name: "Server:three"}))

	d := sm.read(t)
	assert.Equal(t, "DOWN", d.Kind)
	assert.Equal(t, "Server:three", d.Server)
}

func TestShutdownCommand(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	hs.m.StartProcess("Worker1")
	c := hs.connect(t, "Worker1")

	require.NoError(t, c.SendCommand(protocol.Command{Op: protocol.OpShutdown}))
	select {
	case <-hs.m.Done():
	case <-time.After(waitFor):
		t.Fatal("shutdown did not complete")
	}
	assert.True(t, hs.h.Last("Worker1").Exited())
}

func TestShutdownClosesListener(t *testing.T) {
	hs := newHarness(t, nil)
	ep := hs.endpoint(t)
	hs.m.Shutdown()
	_, err := net.DialTimeout("tcp", ep, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestHandshakeReaderKeepsBufferedCommand(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	hs.add("Worker2")
	hs.m.StartProcess("Worker1")

	raw := hs.dial(t)
	buf, err := protocol.AppendMessage(nil, protocol.Connected, "Worker1")
	require.NoError(t, err)
	buf, err = protocol.AppendMessage(buf, "START", "Worker2")
	require.NoError(t, err)
	_, err = raw.Write(buf)
	require.NoError(t, err)

	hs.waitState(t, "Worker2", StateRunning)
}
