package process

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/loykin/procmaster/internal/logger"
)

// OSHandler launches real processes in their own process group. Output is
// written to rotated files when Log has a directory, discarded otherwise.
type OSHandler struct {
	Log    logger.Config
	Logger *slog.Logger
}

func (h *OSHandler) Launch(spec LaunchSpec) (Running, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, ErrEmptyCommand
	}
	// #nosec G204
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	outW, errW, err := h.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, err
	}
	var closers []io.Closer
	if outW != nil {
		cmd.Stdout = outW
		closers = append(closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		closers = append(closers, errW)
	}

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, pkgerrors.Wrapf(err, "start %s", spec.Command[0])
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{}), closers: closers}
	go p.wait()
	if h.Logger != nil {
		h.Logger.Debug("process launched", "process", spec.Name, "pid", cmd.Process.Pid, "command", spec.Command)
	}
	return p, nil
}

type osProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	closers []io.Closer

	mu   sync.Mutex
	exit ExitStatus
}

func (p *osProcess) wait() {
	err := p.cmd.Wait()
	st := ExitStatus{Err: err, At: time.Now()}
	if ps := p.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
		if sig := signalOf(ps); sig != "" {
			st.Signal = sig
		}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// the code and signal already describe it
		st.Err = nil
		if st.Code != 0 || st.Signal != "" {
			st.Err = ee
		}
	}
	for _, c := range p.closers {
		_ = c.Close()
	}
	p.mu.Lock()
	p.exit = st
	p.mu.Unlock()
	close(p.done)
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Exit() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *osProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return isZombie(p.Pid())
	}
}

func (p *osProcess) Terminate() error {
	if p.exited() {
		return nil
	}
	return signalGroup(p.Pid(), sigTerm)
}

func (p *osProcess) Kill() error {
	if p.exited() {
		return nil
	}
	return signalGroup(p.Pid(), sigKill)
}

// isZombie reports whether /proc shows pid as exited but not yet reaped.
// It is false where /proc is unavailable.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
