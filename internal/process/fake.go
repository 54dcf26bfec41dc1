package process

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// FakeHandler is a scripted Handler. Launched processes stay up until the
// test ends them or they are terminated.
type FakeHandler struct {
	mu       sync.Mutex
	nextPid  int
	launched []*FakeProcess
	failNext error

	// IgnoreTerminate makes new processes survive Terminate; only Kill ends them.
	IgnoreTerminate bool
	// OnLaunch runs after every successful launch.
	OnLaunch func(*FakeProcess)
	// OnTerminate runs on every Terminate, before the process reacts.
	OnTerminate func(*FakeProcess)
}

// FailNext makes the next Launch return err.
func (h *FakeHandler) FailNext(err error) {
	h.mu.Lock()
	h.failNext = err
	h.mu.Unlock()
}

func (h *FakeHandler) Launch(spec LaunchSpec) (Running, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, ErrEmptyCommand
	}
	h.mu.Lock()
	if err := h.failNext; err != nil {
		h.failNext = nil
		h.mu.Unlock()
		return nil, err
	}
	h.nextPid++
	p := &FakeProcess{
		Spec:            spec,
		pid:             1000 + h.nextPid,
		done:            make(chan struct{}),
		ignoreTerminate: h.IgnoreTerminate,
		onTerminate:     h.OnTerminate,
	}
	h.launched = append(h.launched, p)
	hook := h.OnLaunch
	h.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return p, nil
}

// Launched returns the processes launched for name, oldest first.
func (h *FakeHandler) Launched(name string) []*FakeProcess {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*FakeProcess
	for _, p := range h.launched {
		if p.Spec.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// Last returns the newest process launched for name, or nil.
func (h *FakeHandler) Last(name string) *FakeProcess {
	ps := h.Launched(name)
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

// FakeProcess is a Running controlled by the test.
type FakeProcess struct {
	Spec LaunchSpec

	pid             int
	done            chan struct{}
	once            sync.Once
	exit            ExitStatus
	ignoreTerminate bool
	onTerminate     func(*FakeProcess)

	terminated atomic.Int32
	killed     atomic.Int32
}

func (p *FakeProcess) Pid() int { return p.pid }

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Exit() ExitStatus { return p.exit }

// Exited reports whether the process has ended.
func (p *FakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// End makes the process exit with err. Later calls are ignored.
func (p *FakeProcess) End(err error) {
	p.once.Do(func() {
		p.exit = ExitStatus{Err: err, At: time.Now()}
		if err != nil {
			p.exit.Code = 1
		}
		close(p.done)
	})
}

// Crash ends the process with a non-zero exit.
func (p *FakeProcess) Crash() { p.End(errors.New("exit status 1")) }

func (p *FakeProcess) Terminate() error {
	p.terminated.Add(1)
	if p.onTerminate != nil {
		p.onTerminate(p)
	}
	if !p.ignoreTerminate {
		p.End(nil)
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	p.killed.Add(1)
	p.End(errors.New("signal: killed"))
	return nil
}

// Terminations and Kills count the signals received.
func (p *FakeProcess) Terminations() int { return int(p.terminated.Load()) }
func (p *FakeProcess) Kills() int        { return int(p.killed.Load()) }
