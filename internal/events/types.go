package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeProcessAdded uint32 = iota + 1
	TypeProcessRemoved
	TypeStateChanged
	TypeProcessCrashed
	TypeConnectionAccepted
	TypeConnectionLost
	TypeHandshakeRejected
	TypeShutdown
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ProcessAdded is published when a process enters the registry.
type ProcessAdded struct {
	Name    string
	Command []string
}

func (e ProcessAdded) Type() uint32 { return TypeProcessAdded }

// ProcessRemoved is published when a process leaves the registry.
type ProcessRemoved struct {
	Name string
}

func (e ProcessRemoved) Type() uint32 { return TypeProcessRemoved }

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	Name string
	From string
	To   string
	At   time.Time
}

func (e StateChanged) Type() uint32 { return TypeStateChanged }

// ProcessCrashed reports an exit nobody asked for and what the respawn
// policy decided about it.
type ProcessCrashed struct {
	Name    string
	Err     string
	Respawn bool
	Delay   time.Duration
	Reason  string
}

func (e ProcessCrashed) Type() uint32 { return TypeProcessCrashed }

// ConnectionAccepted is published after a successful handshake.
type ConnectionAccepted struct {
	Name   string
	Remote string
}

func (e ConnectionAccepted) Type() uint32 { return TypeConnectionAccepted }

// ConnectionLost is published when a bound socket fails or closes.
type ConnectionLost struct {
	Name string
	Err  string
}

func (e ConnectionLost) Type() uint32 { return TypeConnectionLost }

// HandshakeRejected is published when an incoming connection is refused.
type HandshakeRejected struct {
	Remote string
	Reason string
}

func (e HandshakeRejected) Type() uint32 { return TypeHandshakeRejected }

// Shutdown is published once when the manager begins shutting down.
type Shutdown struct {
	At time.Time
}

func (e Shutdown) Type() uint32 { return TypeShutdown }
