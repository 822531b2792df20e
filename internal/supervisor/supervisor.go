package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kabilan108/murmur/internal/rpc"
)

const (
	DefaultSelfCheckTimeout = 15 * time.Second
	DefaultExcerptLines     = 10

	stopTimeout = 10 * time.Second
)

var (
	ErrBreakerOpen = errors.New("circuit breaker open, manual restart required")
	ErrNotReady    = errors.New("sidecar not ready")

	errSuperseded = errors.New("start superseded")
)

// Process is the slice of the process controller the supervisor needs.
type Process interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SelfCheck(ctx context.Context) (string, error)
	DrainCapturedLogs() []string
	Pipe() (io.Reader, io.Writer)
	Exited() <-chan struct{}
}

type Config struct {
	AutoRestart      bool
	MaxRestartCount  int
	FailureWindow    time.Duration
	Backoff          BackoffPolicy
	SustainedHealth  time.Duration
	SelfCheckTimeout time.Duration
	ExcerptLines     int
	ClientOptions    []rpc.Option
}

// Supervisor owns the worker's lifecycle: start, crash detection, backoff
// restarts and the circuit breaker.
type Supervisor struct {
	cfg  Config
	proc Process
	sink StatusSink
	log  *slog.Logger
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// procMu serializes proc.Start and proc.Stop. Both re-check gen while
	// holding it, so a superseded attempt never touches a newer worker.
	procMu sync.Mutex

	mu           sync.Mutex
	state        State
	restartCount int
	readySince   time.Time
	breaker      CircuitBreaker
	client       *rpc.Client
	version      string
	last         Status
	// gen is bumped by every start, stop and crash; goroutines started for
	// an older generation do nothing.
	gen uint64
}

func New(cfg Config, proc Process, sink StatusSink) *Supervisor {
	if cfg.SelfCheckTimeout <= 0 {
		cfg.SelfCheckTimeout = DefaultSelfCheckTimeout
	}
	if cfg.ExcerptLines <= 0 {
		cfg.ExcerptLines = DefaultExcerptLines
	}
	if sink == nil {
		sink = StatusFunc(func(Status) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		proc:   proc,
		sink:   sink,
		log:    slog.Default().With("component", "supervisor"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		state:  Stopped,
	}
}

// Start spawns the worker and waits for its self-check. A failure leaves
// the supervisor in Failed without scheduling a retry.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == Ready || s.state == Starting:
		s.mu.Unlock()
		return nil
	case s.breaker.IsOpen:
		s.mu.Unlock()
		return ErrBreakerOpen
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	err := s.launch(ctx, gen)
	if err == nil || errors.Is(err, errSuperseded) {
		return err
	}

	excerpt := s.excerpt()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return err
	}
	s.state = Failed
	st := s.statusLocked(withExcerpt(fmt.Sprintf("sidecar failed to start: %v", err), excerpt), true, 0)
	s.mu.Unlock()

	s.log.Error("sidecar failed to start", "err", err)
	s.emit(st)
	return err
}

// Stop shuts the worker down and cancels any pending restart.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	client := s.client
	s.client = nil
	prev := s.state
	s.state = Stopped
	st := s.statusLocked("sidecar stopped", false, 0)
	s.mu.Unlock()

	if client != nil {
		client.Shutdown()
	}
	_, err := s.stopProcess(ctx, gen)
	if prev != Stopped {
		s.emit(st)
	}
	return err
}

// Restart is the manual restart: it clears the breaker and the restart
// counter, then stops and starts the worker.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	s.breaker.Reset()
	s.restartCount = 0
	s.mu.Unlock()

	s.log.Info("manual restart requested")
	if err := s.Stop(ctx); err != nil {
		s.log.Warn("stop before restart failed", "err", err)
	}
	return s.Start(ctx)
}

// HandleCrash treats the current worker as crashed. It is a no-op unless
// the supervisor is Ready.
func (s *Supervisor) HandleCrash(reason string) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.handleCrash(gen, reason)
}

// Recover is the entry point for hang escalation from the watchdog.
func (s *Supervisor) Recover(reason string) {
	s.log.Warn("recovery requested", "reason", reason)
	s.HandleCrash(reason)
}

// Shutdown stops the worker and waits for supervisor goroutines.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.Stop(ctx)
	s.wg.Wait()
	return err
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

func (s *Supervisor) Breaker() CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker
}

// Status returns the most recently emitted status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Client returns the rpc client of the running worker, or nil when not Ready.
func (s *Supervisor) Client() *rpc.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return nil
	}
	return s.client
}

func (s *Supervisor) launch(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return errSuperseded
	}
	s.state = Starting
	st := s.statusLocked("starting sidecar", false, 0)
	s.mu.Unlock()
	s.emit(st)

	if err := s.spawn(ctx, gen); err != nil {
		return err
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.SelfCheckTimeout)
	version, err := s.proc.SelfCheck(checkCtx)
	cancel()
	if err != nil {
		if !s.stopOwned(gen) {
			return errSuperseded
		}
		return err
	}

	client, exited, err := s.attach(gen)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		// whoever bumped gen owns the process now
		client.Shutdown()
		return errSuperseded
	}
	old := s.client
	s.client = client
	s.version = version
	s.readySince = s.now()
	s.state = Ready
	st = s.statusLocked(fmt.Sprintf("sidecar ready (version %s)", version), false, 0)
	s.mu.Unlock()

	if old != nil {
		old.Shutdown()
	}
	s.log.Info("sidecar ready", "version", version, "restart_count", st.RestartCount)
	s.emit(st)

	s.wg.Add(1)
	go s.watchExit(gen, exited)
	return nil
}

func (s *Supervisor) watchExit(gen uint64, exited <-chan struct{}) {
	defer s.wg.Done()
	select {
	case <-exited:
		s.handleCrash(gen, "sidecar exited unexpectedly")
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) handleCrash(gen uint64, reason string) {
	s.mu.Lock()
	if gen != s.gen || s.state != Ready {
		s.mu.Unlock()
		return
	}
	if s.now().Sub(s.readySince) >= s.cfg.SustainedHealth {
		s.restartCount = 0
	}
	s.gen++
	gen = s.gen
	client := s.client
	s.client = nil
	s.mu.Unlock()

	s.log.Warn("sidecar crashed", "reason", reason)

	if client != nil {
		client.Shutdown()
	}
	s.stopOwned(gen)
	s.afterFailure(gen, reason, s.excerpt())
}

// afterFailure registers a failure with the breaker and either schedules
// the next start or parks the supervisor in Failed.
func (s *Supervisor) afterFailure(gen uint64, reason, excerpt string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	if s.breaker.RecordFailure(s.now(), s.cfg.FailureWindow, s.cfg.MaxRestartCount) {
		s.state = Failed
		msg := fmt.Sprintf("%s; circuit breaker open after %d rapid failures, manual restart required",
			reason, s.breaker.RapidFailureCount)
		st := s.statusLocked(withExcerpt(msg, excerpt), true, 0)
		s.mu.Unlock()
		s.log.Error("circuit breaker open", "failures", st.RestartCount, "reason", reason)
		s.emit(st)
		return
	}

	if !s.cfg.AutoRestart {
		s.state = Failed
		st := s.statusLocked(withExcerpt(reason+"; auto-restart disabled", excerpt), true, 0)
		s.mu.Unlock()
		s.emit(st)
		return
	}

	s.restartCount++
	delay := s.cfg.Backoff.Delay(s.restartCount)
	s.state = Restarting
	msg := fmt.Sprintf("%s; restarting in %s (attempt %d)", reason, delay, s.restartCount)
	st := s.statusLocked(withExcerpt(msg, excerpt), false, delay)
	s.mu.Unlock()

	s.emit(st)

	s.wg.Add(1)
	go s.restartAfter(gen, delay)
}

func (s *Supervisor) restartAfter(gen uint64, delay time.Duration) {
	defer s.wg.Done()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			return
		}
	}

	s.mu.Lock()
	if s.gen != gen || s.state != Restarting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.launch(s.ctx, gen)
	if err == nil || errors.Is(err, errSuperseded) || s.ctx.Err() != nil {
		return
	}
	s.log.Warn("restart attempt failed", "err", err)
	s.afterFailure(gen, fmt.Sprintf("restart failed: %v", err), s.excerpt())
}

func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Supervisor) spawn(ctx context.Context, gen uint64) error {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if !s.current(gen) {
		return errSuperseded
	}
	if err := s.proc.Start(ctx); err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	return nil
}

// attach connects an rpc client to the worker started for gen.
func (s *Supervisor) attach(gen uint64) (*rpc.Client, <-chan struct{}, error) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if !s.current(gen) {
		return nil, nil, errSuperseded
	}
	r, w := s.proc.Pipe()
	return rpc.NewClient(r, w, s.cfg.ClientOptions...), s.proc.Exited(), nil
}

// stopProcess stops the worker if gen still owns it. owned is false when a
// newer start or stop has taken the process over.
func (s *Supervisor) stopProcess(ctx context.Context, gen uint64) (owned bool, err error) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if !s.current(gen) {
		return false, nil
	}
	return true, s.proc.Stop(ctx)
}

func (s *Supervisor) stopOwned(gen uint64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	owned, err := s.stopProcess(ctx, gen)
	if err != nil {
		s.log.Warn("failed to stop sidecar", "err", err)
	}
	return owned
}

func (s *Supervisor) excerpt() string {
	lines := s.proc.DrainCapturedLogs()
	if len(lines) > s.cfg.ExcerptLines {
		lines = lines[len(lines)-s.cfg.ExcerptLines:]
	}
	return strings.Join(lines, "\n")
}

func (s *Supervisor) statusLocked(msg string, terminal bool, retryIn time.Duration) Status {
	s.last = Status{
		State:        s.state,
		RestartCount: s.restartCount,
		Message:      msg,
		Terminal:     terminal,
		RetryIn:      retryIn,
		Version:      s.version,
		At:           s.now(),
	}
	return s.last
}

func (s *Supervisor) emit(st Status) {
	s.sink.SidecarStatus(st)
}

func withExcerpt(msg, excerpt string) string {
	if excerpt == "" {
		return msg
	}
	return msg + "\nrecent output:\n" + excerpt
}
