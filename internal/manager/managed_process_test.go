package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procmaster/internal/events"
	"github.com/loykin/procmaster/internal/process"
	"github.com/loykin/procmaster/internal/respawn"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.String())
	}
	assert.False(t, StateStopped.Started())
	assert.True(t, StateStarting.Started())
	assert.True(t, StateStopping.Started())

	assert.True(t, StateStarting.Live())
	assert.True(t, StateRunning.Live())
	assert.False(t, StateStopping.Live())
	assert.False(t, StateStopped.Live())
}

func TestLaunchErrorMatchesErrLaunch(t *testing.T) {
	err := error(&LaunchError{Name: "a", Err: process.ErrEmptyCommand})
	assert.ErrorIs(t, err, ErrLaunch)
	assert.ErrorIs(t, err, process.ErrEmptyCommand)
	assert.Contains(t, err.Error(), "launch a")
}

func TestStartOnlyFromStopped(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	mp, _ := hs.m.Process("Worker1")

	require.NoError(t, mp.Start())
	assert.Equal(t, StateRunning, mp.State())
	assert.ErrorIs(t, mp.Start(), ErrInvalidState)
	assert.Len(t, hs.h.Launched("Worker1"), 1)
}

func TestStopOnlyFromStarted(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	mp, _ := hs.m.Process("Worker1")
	assert.ErrorIs(t, mp.Stop(), ErrInvalidState)
}

func TestLaunchFailureLeavesStopped(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	mp, _ := hs.m.Process("Worker1")

	hs.h.FailNext(errors.New("exec: no such file"))
	err := mp.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.Equal(t, StateStopped, mp.State())
	assert.Contains(t, mp.Status().LastExit, "no such file")

	require.NoError(t, mp.Start())
	assert.Equal(t, StateRunning, mp.State())
}

func TestStopWithoutConnectionTerminates(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	hs.m.StartProcess("Worker1")

	hs.m.StopProcess("Worker1")
	hs.waitState(t, "Worker1", StateStopped)
	p := hs.h.Last("Worker1")
	assert.Equal(t, 1, p.Terminations())
	assert.Zero(t, p.Kills())
	assert.Len(t, hs.h.Launched("Worker1"), 1, "a requested stop must not respawn")
}

func TestStopSendsShutdownDirective(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.StopTimeout = 5 * time.Second })
	hs.add("Worker1")
	hs.m.StartProcess("Worker1")
	c := hs.connect(t, "Worker1")

	hs.m.StopProcess("Worker1")
	assert.Equal(t, StateStopping, hs.state(t, "Worker1"))
	d := c.read(t)
	assert.Equal(t, "SHUTDOWN", d.Kind)

	p := hs.h.Last("Worker1")
	assert.Zero(t, p.Terminations())
	p.End(nil)
	hs.waitState(t, "Worker1", StateStopped)
	assert.Len(t, hs.h.Launched("Worker1"), 1)
}

func TestStopEscalatesToKill(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.StopTimeout = 50 * time.Millisecond })
	hs.h.IgnoreTerminate = true
	hs.add("Stubborn")
	hs.m.StartProcess("Stubborn")

	hs.m.StopProcess("Stubborn")
	hs.waitState(t, "Stubborn", StateStopped)
	p := hs.h.Last("Stubborn")
	assert.Equal(t, 1, p.Terminations())
	assert.Equal(t, 1, p.Kills())
}

func TestCrashRespawnsWithRespawnArgs(t *testing.T) {
	hs := newHarness(t, nil)
	hs.m.add(ProcessSpec{
		Name:        "Worker1",
		Command:     []string{"app"},
		RespawnArgs: []string{"--respawned"},
	})
	crashed := make(chan events.ProcessCrashed, 1)
	cancel := events.Subscribe(hs.bus, func(e events.ProcessCrashed) { crashed <- e })
	defer cancel()

	hs.m.StartProcess("Worker1")
	first := hs.h.Last("Worker1")
	assert.Equal(t, []string{"app"}, first.Spec.Command)

	first.Crash()
	require.Eventually(t, func() bool { return len(hs.h.Launched("Worker1")) == 2 }, waitFor, tick)
	hs.waitState(t, "Worker1", StateRunning)
	second := hs.h.Last("Worker1")
	assert.Equal(t, []string{"app", "--respawned"}, second.Spec.Command)
	assert.NotEqual(t, first.Pid(), second.Pid())
	assert.Equal(t, 1, hs.m.Statuses()[0].Respawns)

	select {
	case e := <-crashed:
		assert.Equal(t, "Worker1", e.Name)
		assert.True(t, e.Respawn)
	case <-time.After(waitFor):
		t.Fatal("no crash event")
	}
}

func TestNeverPolicyStaysStopped(t *testing.T) {
	hs := newHarness(t, nil)
	hs.m.AddProcess("OneShot", []string{"job"}, nil, "", respawn.Never{})
	hs.m.StartProcess("OneShot")
	hs.h.Last("OneShot").Crash()

	hs.waitState(t, "OneShot", StateStopped)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, hs.h.Launched("OneShot"), 1)
	assert.Contains(t, hs.m.Statuses()[0].LastExit, "exit status 1")
}

func TestStopCancelsPendingRespawn(t *testing.T) {
	hs := newHarness(t, nil)
	hs.m.AddProcess("Slow", []string{"app"}, nil, "", respawn.NewDefault(time.Hour))
	hs.m.StartProcess("Slow")
	hs.h.Last("Slow").Crash()

	hs.waitState(t, "Slow", StateStarting)
	hs.m.StopProcess("Slow")
	assert.Equal(t, StateStopped, hs.state(t, "Slow"))
	assert.Len(t, hs.h.Launched("Slow"), 1)
}

func TestRespawnLaunchFailureConsultsPolicy(t *testing.T) {
	hs := newHarness(t, nil)
	hs.m.AddProcess("Flaky", []string{"app"}, nil, "", &respawn.RateLimited{Limit: 1, Period: time.Minute, Backoff: respawn.NewDefault(0)})
	hs.m.StartProcess("Flaky")

	hs.h.FailNext(errors.New("exec format error"))
	hs.h.Last("Flaky").Crash()

	hs.waitState(t, "Flaky", StateStopped)
	assert.Len(t, hs.h.Launched("Flaky"), 1)
	assert.Contains(t, hs.m.Statuses()[0].LastExit, "exec format error")
}

func TestFailedRespawnDoesNotSettleStopped(t *testing.T) {
	hs := newHarness(t, nil)
	hs.m.AddProcess("Flaky", []string{"app"}, nil, "", respawn.NewDefault(0))
	hs.m.StartProcess("Flaky")
	mp, _ := hs.m.Process("Flaky")

	var fired atomic.Int32
	require.NoError(t, hs.m.RegisterStopListener("Flaky", func() { fired.Add(1) }))
	var states []string
	var mu sync.Mutex
	cancel := events.Subscribe(hs.bus, func(e events.StateChanged) {
		mu.Lock()
		states = append(states, e.To)
		mu.Unlock()
	})
	defer cancel()

	hs.h.FailNext(errors.New("exec format error"))
	hs.h.Last("Flaky").Crash()

	require.Eventually(t, func() bool { return len(hs.h.Launched("Flaky")) == 2 }, waitFor, tick)
	hs.waitState(t, "Flaky", StateRunning)
	mu.Lock()
	assert.NotContains(t, states, StateStopped.String())
	mu.Unlock()
	assert.Zero(t, fired.Load())

	ctx, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, mp.WaitStopped(ctx), context.DeadlineExceeded)
}

func TestStopListenerAndWaitStopped(t *testing.T) {
	hs := newHarness(t, nil)
	hs.add("Worker1")
	hs.m.StartProcess("Worker1")

	fired := make(chan struct{})
	require.NoError(t, hs.m.RegisterStopListener("Worker1", func() { close(fired) }))
	assert.ErrorIs(t, hs.m.RegisterStopListener("nope", func() {}), ErrUnknownProcess)

	mp, _ := hs.m.Process("Worker1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mp.WaitStopped(ctx), context.DeadlineExceeded)

	hs.m.StopProcess("Worker1")
	require.NoError(t, mp.WaitStopped(context.Background()))
	select {
	case <-fired:
	case <-time.After(waitFor):
		t.Fatal("stop listener did not run")
	}
}

func TestStatusReportsRuntime(t *testing.T) {
	hs := newHarness(t, nil)
	hs.m.AddProcess("Worker1", []string{"app", "-x"}, map[string]string{"A": "1"}, "/tmp", nil)
	hs.m.StartProcess("Worker1")

	st, err := hs.m.Status("Worker1")
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, hs.h.Last("Worker1").Pid(), st.PID)
	assert.False(t, st.StartedAt.IsZero())
	assert.Equal(t, []string{"app", "-x"}, st.Command)
	assert.Equal(t, respawn.KindDefault, st.Policy)
	assert.Equal(t, "/tmp", hs.h.Last("Worker1").Spec.WorkDir)
	assert.Contains(t, hs.h.Last("Worker1").Spec.Env, "A=1")

	_, err = hs.m.Status("missing")
	assert.ErrorIs(t, err, ErrUnknownProcess)
}
