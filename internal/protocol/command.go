package protocol

import (
	"sort"
	"strconv"
	"strings"
)

// Op names a request a connected process sends to the manager.
type Op string

const (
	OpAdd              Op = "ADD"
	OpStart            Op = "START"
	OpStop             Op = "STOP"
	OpRemove           Op = "REMOVE"
	OpSendStdin        Op = "SEND_STDIN"
	OpDown             Op = "DOWN"
	OpReconnectServers Op = "RECONNECT_SERVERS"
	OpReconnectServer  Op = "RECONNECT_SERVER"
	OpShutdown         Op = "SHUTDOWN"
)

// Command is a decoded process-to-manager request. Addr and Port are kept
// as sent; the manager validates them.
type Command struct {
	Op      Op
	Name    string
	WorkDir string
	Args    []string
	Env     map[string]string
	Addr    string
	Port    string
	Payload []byte
}

// Words encodes the command header. Payload bytes are not part of it.
func (c Command) Words() []string {
	switch c.Op {
	case OpAdd:
		w := []string{string(c.Op), c.Name, c.WorkDir, strconv.Itoa(len(c.Args))}
		w = append(w, c.Args...)
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w = append(w, strconv.Itoa(len(keys)))
		for _, k := range keys {
			w = append(w, k+"="+c.Env[k])
		}
		return w
	case OpStart, OpStop, OpRemove:
		return []string{string(c.Op), c.Name}
	case OpSendStdin:
		return []string{string(c.Op), c.Name, strconv.Itoa(len(c.Payload))}
	case OpDown:
		return []string{string(c.Op), c.Name}
	case OpReconnectServers:
		return []string{string(c.Op), c.Addr, c.Port}
	case OpReconnectServer:
		return []string{string(c.Op), c.Name, c.Addr, c.Port}
	default:
		return []string{string(c.Op)}
	}
}

// ParseCommand decodes a command header. For SEND_STDIN it returns the
// number of payload bytes that follow the message.
func ParseCommand(words []string) (Command, int, error) {
	if len(words) == 0 {
		return Command{}, 0, Violation("empty command")
	}
	c := Command{Op: Op(words[0])}
	args := words[1:]
	want := func(n int) error {
		if len(args) != n {
			return Violation("%s takes %d arguments, got %d", c.Op, n, len(args))
		}
		return nil
	}

	switch c.Op {
	case OpAdd:
		return parseAdd(c, args)
	case OpStart, OpStop, OpRemove, OpDown:
		if err := want(1); err != nil {
			return c, 0, err
		}
		c.Name = args[0]
	case OpSendStdin:
		if err := want(2); err != nil {
			return c, 0, err
		}
		c.Name = args[0]
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n > MaxPayload {
			return c, 0, Violation("%s length %q", c.Op, args[1])
		}
		return c, n, nil
	case OpReconnectServers:
		if err := want(2); err != nil {
			return c, 0, err
		}
		c.Addr, c.Port = args[0], args[1]
	case OpReconnectServer:
		if err := want(3); err != nil {
			return c, 0, err
		}
		c.Name, c.Addr, c.Port = args[0], args[1], args[2]
	case OpShutdown:
		if err := want(0); err != nil {
			return c, 0, err
		}
	default:
		return c, 0, Violation("unknown command %q", words[0])
	}
	return c, 0, nil
}

func parseAdd(c Command, args []string) (Command, int, error) {
	if len(args) < 3 {
		return c, 0, Violation("%s truncated", c.Op)
	}
	c.Name, c.WorkDir = args[0], args[1]
	argc, err := strconv.Atoi(args[2])
	if err != nil || argc < 0 {
		return c, 0, Violation("%s argument count %q", c.Op, args[2])
	}
	rest := args[3:]
	if argc > len(rest) {
		return c, 0, Violation("%s argument count %d exceeds message", c.Op, argc)
	}
	c.Args = append([]string(nil), rest[:argc]...)
	rest = rest[argc:]
	if len(rest) == 0 {
		return c, 0, Violation("%s missing environment count", c.Op)
	}
	envc, err := strconv.Atoi(rest[0])
	if err != nil || envc < 0 || envc != len(rest)-1 {
		return c, 0, Violation("%s environment count %q", c.Op, rest[0])
	}
	c.Env = make(map[string]string, envc)
	for _, kv := range rest[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return c, 0, Violation("%s environment entry %q", c.Op, kv)
		}
		c.Env[k] = v
	}
	if c.Name == "" || len(c.Args) == 0 {
		return c, 0, Violation("%s needs a name and a command", c.Op)
	}
	return c, 0, nil
}

// SendCommand writes cmd, including its payload for SEND_STDIN.
func (c *Conn) SendCommand(cmd Command) error {
	if cmd.Op == OpSendStdin {
		return c.SendWithPayload(cmd.Payload, cmd.Words()...)
	}
	return c.Send(cmd.Words()...)
}

// ReadCommand reads the next command and any payload bound to it.
func (c *Conn) ReadCommand() (Command, error) {
	words, err := c.ReadMessage()
	if err != nil {
		return Command{}, err
	}
	cmd, n, err := ParseCommand(words)
	if err != nil {
		return cmd, err
	}
	if cmd.Op == OpSendStdin {
		if cmd.Payload, err = c.ReadPayload(n); err != nil {
			return cmd, err
		}
	}
	return cmd, nil
}
