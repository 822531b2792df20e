package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	mu                  sync.Mutex
	starts              int
	stops               int
	startErrs           []error
	selfCheckErr        error
	running             bool
	startedWhileRunning bool
	exited              chan struct{}
	pipeR               *io.PipeReader
	pipeW               *io.PipeWriter
	logs                []string

	// checks counts SelfCheck calls. The call numbered holdCheck waits for
	// release and then fails.
	checks    int
	holdCheck int
	held      chan struct{}
	release   chan struct{}
}

func (p *fakeProcess) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.starts++
	if p.running {
		p.startedWhileRunning = true
	}
	if len(p.startErrs) > 0 {
		err := p.startErrs[0]
		p.startErrs = p.startErrs[1:]
		if err != nil {
			return err
		}
	}
	p.running = true
	p.exited = make(chan struct{})
	p.pipeR, p.pipeW = io.Pipe()
	return nil
}

func (p *fakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.exitLocked()
	return nil
}

func (p *fakeProcess) exitLocked() {
	if !p.running {
		return
	}
	p.running = false
	close(p.exited)
	_ = p.pipeW.Close()
}

func (p *fakeProcess) crash(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, line)
	p.exitLocked()
}

func (p *fakeProcess) SelfCheck(context.Context) (string, error) {
	p.mu.Lock()
	p.checks++
	if p.checks == p.holdCheck {
		p.mu.Unlock()
		close(p.held)
		<-p.release
		return "", errors.New("worker stopped answering")
	}
	defer p.mu.Unlock()
	if p.selfCheckErr != nil {
		return "", p.selfCheckErr
	}
	return "1.0.0", nil
}

func (p *fakeProcess) DrainCapturedLogs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.logs
	p.logs = nil
	return out
}

func (p *fakeProcess) Pipe() (io.Reader, io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pipeR, io.Discard
}

func (p *fakeProcess) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *fakeProcess) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

type statusRecorder struct {
	ch chan Status
}

func newRecorder() *statusRecorder {
	return &statusRecorder{ch: make(chan Status, 128)}
}

func (r *statusRecorder) SidecarStatus(s Status) { r.ch <- s }

func (r *statusRecorder) waitFor(t *testing.T, state State) Status {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-r.ch:
			if st.State == state {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", state)
			return Status{}
		}
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() Config {
	return Config{
		AutoRestart:     true,
		MaxRestartCount: 2,
		FailureWindow:   time.Minute,
		Backoff:         BackoffPolicy{Base: 20 * time.Millisecond, Factor: 2, Max: 100 * time.Millisecond},
		SustainedHealth: time.Hour,
	}
}

func newTestSupervisor(t *testing.T, cfg Config, proc *fakeProcess) (*Supervisor, *statusRecorder) {
	t.Helper()
	rec := newRecorder()
	s := New(cfg, proc, rec)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, rec
}

func TestStartReachesReady(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{}
	s, rec := newTestSupervisor(t, testConfig(), proc)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Starting, rec.waitFor(t, Starting).State)
	st := rec.waitFor(t, Ready)
	assert.Equal(t, "1.0.0", st.Version)
	assert.Equal(t, Ready, s.State())
	assert.NotNil(t, s.Client())
	assert.True(t, s.Client().IsConnected())
}

func TestCrashSequenceOpensBreaker(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{}
	s, rec := newTestSupervisor(t, testConfig(), proc)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	rec.waitFor(t, Ready)

	proc.crash("crash one")
	st := rec.waitFor(t, Restarting)
	assert.Equal(t, time.Duration(0), st.RetryIn)
	assert.Equal(t, 1, st.RestartCount)
	assert.False(t, st.Terminal)
	assert.Contains(t, st.Message, "crash one")
	rec.waitFor(t, Ready)
	assert.Equal(t, 2, proc.startCount())

	proc.crash("crash two")
	st = rec.waitFor(t, Restarting)
	assert.Equal(t, 20*time.Millisecond, st.RetryIn)
	assert.Equal(t, 2, st.RestartCount)
	assert.False(t, s.Breaker().IsOpen)
	rec.waitFor(t, Ready)
	assert.Equal(t, 3, proc.startCount())

	proc.crash("crash three")
	st = rec.waitFor(t, Failed)
	assert.True(t, st.Terminal)
	assert.Contains(t, st.Message, "circuit breaker open")
	assert.Contains(t, st.Message, "crash three")
	assert.True(t, s.Breaker().IsOpen)
	assert.Nil(t, s.Client())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, proc.startCount())
	assert.ErrorIs(t, s.Start(ctx), ErrBreakerOpen)

	require.NoError(t, s.Restart(ctx))
	assert.Equal(t, Ready, s.State())
	assert.False(t, s.Breaker().IsOpen)
	assert.Equal(t, 0, s.RestartCount())
	assert.Equal(t, 4, proc.startCount())
}

func TestSingleRestartAllowed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRestartCount = 1
	proc := &fakeProcess{}
	s, rec := newTestSupervisor(t, cfg, proc)

	require.NoError(t, s.Start(context.Background()))
	rec.waitFor(t, Ready)

	proc.crash("first")
	rec.waitFor(t, Restarting)
	rec.waitFor(t, Ready)

	proc.crash("second")
	st := rec.waitFor(t, Failed)
	assert.True(t, st.Terminal)

	s.HandleCrash("third")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, proc.startCount())
	assert.Equal(t, Failed, s.State())
}

func TestSustainedHealthResetsRestartCount(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRestartCount = 5
	proc := &fakeProcess{}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s, rec := newTestSupervisor(t, cfg, proc)
	s.now = clock.Now

	require.NoError(t, s.Start(context.Background()))
	rec.waitFor(t, Ready)

	proc.crash("a")
	rec.waitFor(t, Restarting)
	rec.waitFor(t, Ready)
	proc.crash("b")
	st := rec.waitFor(t, Restarting)
	assert.Equal(t, 2, st.RestartCount)
	rec.waitFor(t, Ready)

	clock.Advance(2 * time.Hour)
	proc.crash("c")
	st = rec.waitFor(t, Restarting)
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, time.Duration(0), st.RetryIn)
	assert.Equal(t, 1, s.Breaker().RapidFailureCount)
}

func TestRecoverStopsLiveProcessBeforeRestart(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{}
	s, rec := newTestSupervisor(t, testConfig(), proc)

	require.NoError(t, s.Start(context.Background()))
	rec.waitFor(t, Ready)

	s.Recover("worker hung")
	st := rec.waitFor(t, Restarting)
	assert.Contains(t, st.Message, "worker hung")
	rec.waitFor(t, Ready)

	time.Sleep(100 * time.Millisecond)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.False(t, proc.startedWhileRunning)
	assert.GreaterOrEqual(t, proc.stops, 1)
	assert.Equal(t, 2, proc.starts)
}

func TestStartFailureIsTerminalWithExcerpt(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{startErrs: []error{errors.New("exec: not found")}, logs: []string{"missing binary"}}
	s, rec := newTestSupervisor(t, testConfig(), proc)

	err := s.Start(context.Background())
	require.Error(t, err)

	st := rec.waitFor(t, Failed)
	assert.True(t, st.Terminal)
	assert.Contains(t, st.Message, "exec: not found")
	assert.Contains(t, st.Message, "missing binary")
}

func TestSelfCheckFailureStopsProcess(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{selfCheckErr: errors.New("no reply")}
	s, rec := newTestSupervisor(t, testConfig(), proc)

	require.Error(t, s.Start(context.Background()))
	rec.waitFor(t, Failed)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.False(t, proc.running)
	assert.Equal(t, 1, proc.stops)
}

func TestFailedRestartCountsAsCrash(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRestartCount = 1
	proc := &fakeProcess{startErrs: []error{nil, errors.New("port in use")}}
	s, rec := newTestSupervisor(t, cfg, proc)

	require.NoError(t, s.Start(context.Background()))
	rec.waitFor(t, Ready)

	proc.crash("boom")
	rec.waitFor(t, Restarting)
	st := rec.waitFor(t, Failed)
	assert.True(t, st.Terminal)
	assert.Contains(t, st.Message, "port in use")
	assert.Equal(t, 2, proc.startCount())
}

func TestShutdownCancelsPendingRestart(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRestartCount = 5
	cfg.Backoff = BackoffPolicy{Base: time.Hour, Factor: 2, Max: time.Hour}
	proc := &fakeProcess{}
	s := New(cfg, proc, newRecorder())
	rec := s.sink.(*statusRecorder)

	require.NoError(t, s.Start(context.Background()))
	rec.waitFor(t, Ready)
	proc.crash("a")
	rec.waitFor(t, Ready)
	proc.crash("b")
	st := rec.waitFor(t, Restarting)
	require.Equal(t, time.Hour, st.RetryIn)

	done := make(chan struct{})
	go func() {
		_ = s.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked on backoff")
	}
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, 2, proc.startCount())
}

func TestAutoRestartDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.AutoRestart = false
	proc := &fakeProcess{}
	s, rec := newTestSupervisor(t, cfg, proc)

	require.NoError(t, s.Start(context.Background()))
	rec.waitFor(t, Ready)
	proc.crash("gone")

	st := rec.waitFor(t, Failed)
	assert.True(t, st.Terminal)
	assert.Contains(t, st.Message, "auto-restart disabled")
	assert.Equal(t, 1, proc.startCount())
}

func TestStopIgnoresSubsequentExit(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{}
	s, rec := newTestSupervisor(t, testConfig(), proc)

	require.NoError(t, s.Start(context.Background()))
	rec.waitFor(t, Ready)
	require.NoError(t, s.Stop(context.Background()))
	rec.waitFor(t, Stopped)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, 1, proc.startCount())
}

func TestStaleRestartLeavesManualRestartAlone(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{
		holdCheck: 2,
		held:      make(chan struct{}),
		release:   make(chan struct{}),
	}
	s, rec := newTestSupervisor(t, testConfig(), proc)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	rec.waitFor(t, Ready)

	proc.crash("boom")
	rec.waitFor(t, Restarting)
	select {
	case <-proc.held:
	case <-time.After(3 * time.Second):
		t.Fatal("automatic restart never reached its self-check")
	}

	require.NoError(t, s.Restart(ctx))
	require.Equal(t, Ready, s.State())
	require.Equal(t, 3, proc.startCount())
	client := s.Client()

	close(proc.release)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, Ready, s.State())
	assert.Equal(t, 0, s.RestartCount())
	assert.False(t, s.Breaker().IsOpen)
	assert.Equal(t, 0, s.Breaker().RapidFailureCount)
	assert.Same(t, client, s.Client())
	assert.Equal(t, 3, proc.startCount())

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.True(t, proc.running)
	assert.False(t, proc.startedWhileRunning)
	assert.Equal(t, 2, proc.stops)
}
