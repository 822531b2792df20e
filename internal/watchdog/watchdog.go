package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval      = 15 * time.Second
	DefaultPingTimeout   = 5 * time.Second
	DefaultHangThreshold = 60 * time.Second
	DefaultMinSuspendGap = 60 * time.Second
)

// ErrNotRunning is returned by a Pinger when there is no worker to ping.
var ErrNotRunning = errors.New("worker not running")

type HealthStatus int

const (
	NotRunning HealthStatus = iota
	Healthy
	Unhealthy
	Hung
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Hung:
		return "hung"
	case NotRunning:
		return "not_running"
	default:
		return "unknown"
	}
}

type PowerEvent int

const (
	Suspending PowerEvent = iota
	Resumed
)

func (p PowerEvent) String() string {
	if p == Suspending {
		return "suspending"
	}
	return "resumed"
}

type EventKind int

const (
	HealthCheck EventKind = iota
	RecoveryRequested
	SystemResumed
	RevalidationNeeded
)

func (k EventKind) String() string {
	switch k {
	case HealthCheck:
		return "health_check"
	case RecoveryRequested:
		return "recovery_requested"
	case SystemResumed:
		return "system_resumed"
	case RevalidationNeeded:
		return "revalidation_needed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	Status HealthStatus
	Reason string
	At     time.Time
}

type EventSink interface {
	WatchdogEvent(Event)
}

type EventFunc func(Event)

func (f EventFunc) WatchdogEvent(e Event) { f(e) }

type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Config struct {
	Interval          time.Duration
	PingTimeout       time.Duration
	HangThreshold     time.Duration
	MinSuspendGap     time.Duration
	AutoRestartOnHang bool
}

type State struct {
	LastActivityAt      time.Time
	LastStatus          HealthStatus
	IsSuspended         bool
	RevalidationPending bool
}

// Watchdog classifies worker liveness and reports hangs and resumes. It
// never restarts the worker itself; a hang becomes a RecoveryRequested event.
type Watchdog struct {
	cfg  Config
	sink EventSink
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	state    State
	lastTick time.Time
	// recoveryRequested is set once per hang episode.
	recoveryRequested bool
}

func New(cfg Config, sink EventSink) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.HangThreshold <= 0 {
		cfg.HangThreshold = DefaultHangThreshold
	}
	if cfg.MinSuspendGap <= 0 {
		cfg.MinSuspendGap = DefaultMinSuspendGap
	}
	if sink == nil {
		sink = EventFunc(func(Event) {})
	}

	w := &Watchdog{
		cfg:  cfg,
		sink: sink,
		log:  slog.Default().With("component", "watchdog"),
		now:  time.Now,
	}
	w.state.LastActivityAt = w.now()
	w.state.LastStatus = NotRunning
	return w
}

// MarkActivity records that the worker answered something outside the
// watchdog's own probing.
func (w *Watchdog) MarkActivity() {
	w.mu.Lock()
	w.state.LastActivityAt = w.now()
	w.mu.Unlock()
}

// CheckHealth pings the worker and classifies the result. While suspended
// the ping is skipped and the previous status returned.
func (w *Watchdog) CheckHealth(ctx context.Context, p Pinger) HealthStatus {
	w.mu.Lock()
	if w.state.IsSuspended {
		status := w.state.LastStatus
		w.mu.Unlock()
		return status
	}
	w.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, w.cfg.PingTimeout)
	err := p.Ping(pctx)
	cancel()

	w.mu.Lock()
	if w.state.IsSuspended {
		status := w.state.LastStatus
		w.mu.Unlock()
		return status
	}

	now := w.now()
	idle := now.Sub(w.state.LastActivityAt)
	var status HealthStatus
	switch {
	case err == nil:
		status = Healthy
		w.state.LastActivityAt = now
		w.recoveryRequested = false
	case errors.Is(err, ErrNotRunning):
		status = NotRunning
		w.state.LastActivityAt = now
		w.recoveryRequested = false
	case idle < w.cfg.HangThreshold:
		status = Unhealthy
	default:
		status = Hung
	}
	w.state.LastStatus = status

	escalate := status == Hung && w.cfg.AutoRestartOnHang && !w.recoveryRequested
	if escalate {
		w.recoveryRequested = true
	}
	w.mu.Unlock()

	if err != nil && status != NotRunning {
		w.log.Warn("health check failed", "status", status, "idle", idle, "err", err)
	}

	w.sink.WatchdogEvent(Event{Kind: HealthCheck, Status: status, At: now})
	if escalate {
		reason := fmt.Sprintf("worker unresponsive for %s", idle.Round(time.Second))
		w.log.Error("requesting worker recovery", "reason", reason)
		w.sink.WatchdogEvent(Event{Kind: RecoveryRequested, Status: status, Reason: reason, At: now})
	}
	return status
}

func (w *Watchdog) OnPowerEvent(ev PowerEvent) {
	w.log.Info("power event", "event", ev)
	switch ev {
	case Suspending:
		w.mu.Lock()
		w.state.IsSuspended = true
		w.mu.Unlock()
	case Resumed:
		w.markResumed("power event")
	}
}

// markResumed flags revalidation and emits the resume events once until
// ClearRevalidation is called.
func (w *Watchdog) markResumed(source string) {
	w.mu.Lock()
	w.state.IsSuspended = false
	if w.state.RevalidationPending {
		w.mu.Unlock()
		return
	}
	now := w.now()
	w.state.RevalidationPending = true
	w.state.LastActivityAt = now
	w.mu.Unlock()

	w.log.Info("system resumed, revalidation pending", "source", source)
	w.sink.WatchdogEvent(Event{Kind: SystemResumed, Reason: source, At: now})
	w.sink.WatchdogEvent(Event{Kind: RevalidationNeeded, Reason: source, At: now})
}

func (w *Watchdog) IsRevalidationPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.RevalidationPending
}

func (w *Watchdog) ClearRevalidation() {
	w.mu.Lock()
	w.state.RevalidationPending = false
	w.mu.Unlock()
}

func (w *Watchdog) Status() HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.LastStatus
}

func (w *Watchdog) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run checks health every interval until ctx is done. A tick arriving far
// later than scheduled is treated as a resume from sleep.
func (w *Watchdog) Run(ctx context.Context, p Pinger) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.mu.Lock()
	w.lastTick = w.now().Round(0)
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.observeTick(w.now())
			w.CheckHealth(ctx, p)
		}
	}
}

// observeTick compares wall clock readings. The monotonic clock stops
// while the machine sleeps, so it cannot see a suspend.
func (w *Watchdog) observeTick(now time.Time) {
	now = now.Round(0)
	w.mu.Lock()
	gap := now.Sub(w.lastTick)
	w.lastTick = now
	w.mu.Unlock()

	if gap > max(3*w.cfg.Interval, w.cfg.MinSuspendGap) {
		w.log.Info("tick gap detected", "gap", gap)
		w.markResumed("tick gap")
	}
}
