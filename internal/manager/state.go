package manager

import (
	"github.com/pkg/errors"
)

// ServerManagerName is the registry name of the distinguished process that
// supervises the application servers.
const ServerManagerName = "ServerManager"

// State is the lifecycle state of a ManagedProcess.
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//
// An exit nobody asked for leaves Running or Starting and lands in Starting
// (respawn pending) or Stopped, depending on the respawn policy.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Started reports whether the process still holds resources and so may
// not be removed.
func (s State) Started() bool { return s != StateStopped }

// Live reports whether the process is up or coming up. A stopping process
// is no longer live.
func (s State) Live() bool { return s == StateStarting || s == StateRunning }

var (
	ErrInvalidState   = errors.New("invalid state")
	ErrNotConnected   = errors.New("process is not connected")
	ErrShutdown       = errors.New("manager is shutting down")
	ErrLaunch         = errors.New("launch failed")
	ErrUnknownProcess = errors.New("unknown process")
	ErrDuplicate      = errors.New("process already exists")
)

// LaunchError is returned by Start when the OS process could not be created.
// It matches ErrLaunch with errors.Is.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string { return "launch " + e.Name + ": " + e.Err.Error() }

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }
