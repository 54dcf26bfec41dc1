package protocol

import (
	"strconv"

	"github.com/pkg/errors"
)

// Directives sent by the manager to a connected process.
const (
	DirectiveShutdown  = "SHUTDOWN"
	DirectiveReconnect = "RECONNECT_SERVER_MANAGER"
	DirectiveDown      = "DOWN"
	DirectiveStdin     = "STDIN"
)

// Directive is a decoded manager-to-process message.
type Directive struct {
	Kind    string
	Addr    string
	Port    int
	Server  string
	Payload []byte
}

// SendShutdown asks the process to exit gracefully.
func (c *Conn) SendShutdown() error {
	return c.Send(DirectiveShutdown)
}

// SendReconnect tells the process where the server manager now listens.
func (c *Conn) SendReconnect(addr string, port int) error {
	return c.Send(DirectiveReconnect, addr, strconv.Itoa(port))
}

// SendDown notifies the process that the named server went down.
func (c *Conn) SendDown(server string) error {
	return c.Send(DirectiveDown, server)
}

// SendStdin forwards b verbatim to the process input.
func (c *Conn) SendStdin(b []byte) error {
	if len(b) > MaxPayload {
		return errors.Errorf("stdin payload of %d bytes exceeds %d", len(b), MaxPayload)
	}
	return c.SendWithPayload(b, DirectiveStdin, strconv.Itoa(len(b)))
}

// ReadDirective reads the next directive. It is used by launched processes.
func (c *Conn) ReadDirective() (Directive, error) {
	words, err := c.ReadMessage()
	if err != nil {
		return Directive{}, err
	}
	d := Directive{Kind: words[0]}
	switch d.Kind {
	case DirectiveShutdown:
		if len(words) != 1 {
			return d, Violation("%s takes no arguments", d.Kind)
		}
	case DirectiveReconnect:
		if len(words) != 3 {
			return d, Violation("%s needs address and port", d.Kind)
		}
		d.Addr = words[1]
		if d.Port, err = strconv.Atoi(words[2]); err != nil {
			return d, Violation("%s port %q", d.Kind, words[2])
		}
	case DirectiveDown:
		if len(words) != 2 {
			return d, Violation("%s needs a server name", d.Kind)
		}
		d.Server = words[1]
	case DirectiveStdin:
		if len(words) != 2 {
			return d, Violation("%s needs a length", d.Kind)
		}
		n, err := strconv.Atoi(words[1])
		if err != nil {
			return d, Violation("%s length %q", d.Kind, words[1])
		}
		if d.Payload, err = c.ReadPayload(n); err != nil {
			return d, err
		}
	default:
		return d, Violation("unknown directive %q", d.Kind)
	}
	return d, nil
}
