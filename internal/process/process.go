// Package process launches and signals the OS processes behind managed
// entries. Handler is the seam the manager depends on; OSHandler is the real
// implementation and FakeHandler a scripted stand-in for tests.
package process

import (
	"time"

	"github.com/pkg/errors"
)

// ErrEmptyCommand is returned when a launch has no program to run.
var ErrEmptyCommand = errors.New("empty command")

// LaunchSpec is everything needed to start one OS process.
type LaunchSpec struct {
	Name    string
	Command []string
	Env     []string
	WorkDir string
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Err    error
	Code   int
	Signal string
	At     time.Time
}

// Success reports a zero exit code without error.
func (e ExitStatus) Success() bool { return e.Err == nil && e.Code == 0 }

// Running is a launched process.
type Running interface {
	Pid() int
	// Done is closed once the process has exited and was reaped.
	Done() <-chan struct{}
	// Exit is valid after Done is closed.
	Exit() ExitStatus
	// Terminate asks the process to exit (SIGTERM to its group).
	Terminate() error
	// Kill forces the process to exit (SIGKILL to its group).
	Kill() error
}

// Handler starts processes.
type Handler interface {
	Launch(spec LaunchSpec) (Running, error)
}
