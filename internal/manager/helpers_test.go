package manager

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/procmaster/internal/env"
	"github.com/loykin/procmaster/internal/events"
	"github.com/loykin/procmaster/internal/process"
	"github.com/loykin/procmaster/internal/protocol"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type harness struct {
	m   *Master
	h   *process.FakeHandler
	bus *events.Bus
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &process.FakeHandler{}
	bus := events.New()
	opts := Options{
		Address:          "127.0.0.1",
		HandshakeTimeout: time.Second,
		StopTimeout:      200 * time.Millisecond,
		ShutdownTimeout:  time.Second,
		Handler:          h,
		Env:              env.New(false),
		Bus:              bus,
	}
	if tweak != nil {
		tweak(&opts)
	}
	m := New(opts)
	require.NoError(t, m.Start())
	t.Cleanup(m.Shutdown)
	return &harness{m: m, h: h, bus: bus}
}

func (hs *harness) endpoint(t *testing.T) string {
	t.Helper()
	addr, err := hs.m.Addr()
	require.NoError(t, err)
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port))
}

// dial connects and optionally writes raw bytes before anything else.
func (hs *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", hs.endpoint(t), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// child is the launched-process end of a bound connection.
type child struct {
	raw net.Conn
	*protocol.Conn
}

// connect dials back as name and waits until the master bound the socket.
func (hs *harness) connect(t *testing.T, name string) *child {
	t.Helper()
	mp, ok := hs.m.Process(name)
	require.True(t, ok)
	before := mp.Conn()
	raw := hs.dial(t)
	require.NoError(t, protocol.WriteHandshake(raw, name))
	c := &child{raw: raw, Conn: protocol.NewConn(raw, bufio.NewReader(raw))}
	require.Eventually(t, func() bool {
		cur := mp.Conn()
		return cur != nil && cur != before
	}, waitFor, tick)
	return c
}

// read returns the next directive sent to the child.
func (c *child) read(t *testing.T) protocol.Directive {
	t.Helper()
	require.NoError(t, c.raw.SetReadDeadline(time.Now().Add(waitFor)))
	d, err := c.ReadDirective()
	require.NoError(t, err)
	return d
}

func (hs *harness) add(name string, command ...string) {
	if len(command) == 0 {
		command = []string{"/opt/app/bin/" + name}
	}
	hs.m.AddProcess(name, command, nil, "", nil)
}

func (hs *harness) state(t *testing.T, name string) State {
	t.Helper()
	mp, ok := hs.m.Process(name)
	require.True(t, ok, "process %s not registered", name)
	return mp.State()
}

func (hs *harness) waitState(t *testing.T, name string, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return hs.state(t, name) == want }, waitFor, tick,
		"process %s never reached %s", name, want)
}
