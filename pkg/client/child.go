package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/loykin/procmaster/internal/protocol"
)

// Launch flags the manager appends to the server manager's command line.
const (
	FlagPMAddress = "interprocess-pm-address"
	FlagPMPort    = "interprocess-pm-port"
	FlagName      = "interprocess-name"
	FlagSMAddress = "interprocess-sm-address"
	FlagSMPort    = "interprocess-sm-port"
	FlagRestarted = "restarted-server-manager"
)

// Args is what a launched process learns from its command line.
type Args struct {
	PMAddress string
	PMPort    int
	Name      string
	SMAddress string
	SMPort    int
	Restarted bool
	// Rest holds arguments that are not launch flags.
	Rest []string
}

// ParseArgs extracts the launch flags from args, typically os.Args[1:].
// Flags take one or two leading dashes. Anything else, including unknown
// flags, is kept in Rest in its original order.
func ParseArgs(args []string) (Args, error) {
	var a Args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name := strings.TrimPrefix(strings.TrimPrefix(arg, "-"), "-")
		if name == arg {
			a.Rest = append(a.Rest, arg)
			continue
		}
		if name == FlagRestarted {
			a.Restarted = true
			continue
		}
		var dst *string
		var num *int
		switch name {
		case FlagPMAddress:
			dst = &a.PMAddress
		case FlagName:
			dst = &a.Name
		case FlagSMAddress:
			dst = &a.SMAddress
		case FlagPMPort:
			num = &a.PMPort
		case FlagSMPort:
			num = &a.SMPort
		default:
			a.Rest = append(a.Rest, arg)
			continue
		}
		if i+1 >= len(args) {
			return a, errors.Errorf("%s needs a value", arg)
		}
		i++
		if dst != nil {
			*dst = args[i]
			continue
		}
		n, err := strconv.Atoi(args[i])
		if err != nil || n < 0 || n > 65535 {
			return a, errors.Errorf("value for %s is not a port: %q", arg, args[i])
		}
		*num = n
	}
	return a, nil
}

// Child is the launched-process end of the manager connection.
type Child struct {
	name string
	conn *protocol.Conn
}

// Dial connects to the manager at addr:port and announces name.
func Dial(ctx context.Context, addr string, port int, name string) (*Child, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "dial process manager")
	}
	if err := protocol.WriteHandshake(raw, name); err != nil {
		_ = raw.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	return &Child{name: name, conn: protocol.NewConn(raw, bufio.NewReader(raw))}, nil
}

// DialArgs dials using the parsed launch flags.
func DialArgs(ctx context.Context, a Args) (*Child, error) {
	if a.PMAddress == "" || a.PMPort == 0 || a.Name == "" {
		return nil, errors.New("missing process manager address, port or name")
	}
	return Dial(ctx, a.PMAddress, a.PMPort, a.Name)
}

func (c *Child) Name() string { return c.name }

// Next blocks for the next directive. io.EOF means the manager closed the
// connection.
func (c *Child) Next() (Directive, error) {
	return c.conn.ReadDirective()
}

// Run hands every directive to fn until the connection ends, fn fails or
// ctx is done. A clean close by the manager returns nil.
func (c *Child) Run(ctx context.Context, fn func(Directive) error) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	for {
		d, err := c.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
}

func (c *Child) Add(name, workDir string, command []string, env map[string]string) error {
	return c.conn.SendCommand(protocol.Command{Op: protocol.OpAdd, Name: name, WorkDir: workDir, Args: command, Env: env})
}

func (c *Child) Start(name string) error {
	return c.conn.SendCommand(protocol.Command{Op: protocol.OpStart, Name: name})
}

func (c *Child) Stop(name string) error {
	return c.conn.SendCommand(protocol.Command{Op: protocol.OpStop, Name: name})
}

func (c *Child) Remove(name string) error {
	return c.conn.SendCommand(protocol.Command{Op: protocol.OpRemove, Name: name})
}

func (c *Child) SendStdin(name string, data []byte) error {
	return c.conn.SendCommand(protocol.Command{Op: protocol.OpSendStdin, Name: name, Payload: data})
}

func (c *Child) Down(serverName string) error {
	return c.conn.SendCommand(protocol.Command{Op: protocol.OpDown, Name: serverName})
}

func (c *Child) ReconnectServers(addr string, port int) error {
	return c.conn.SendCommand(protocol.Command{Op: protocol.OpReconnectServers, Addr: addr, Port: strconv.Itoa(port)})
}

func (c *Child) ReconnectServer(name, addr string, port int) error {
	return c.conn.SendCommand(protocol.Command{Op: protocol.OpReconnectServer, Name: name, Addr: addr, Port: strconv.Itoa(port)})
}

// Shutdown asks the manager to shut down everything.
func (c *Child) Shutdown() error {
	return c.conn.SendCommand(protocol.Command{Op: protocol.OpShutdown})
}

func (c *Child) Close() error { return c.conn.Close() }
