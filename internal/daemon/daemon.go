package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kabilan108/murmur/internal/ipc"
	"github.com/kabilan108/murmur/internal/notifier"
	"github.com/kabilan108/murmur/internal/power"
	"github.com/kabilan108/murmur/internal/rpc"
	"github.com/kabilan108/murmur/internal/session"
	"github.com/kabilan108/murmur/internal/sidecar"
	"github.com/kabilan108/murmur/internal/storage"
	"github.com/kabilan108/murmur/internal/supervisor"
	"github.com/kabilan108/murmur/internal/typing"
	"github.com/kabilan108/murmur/internal/uievents"
	"github.com/kabilan108/murmur/internal/utils"
	"github.com/kabilan108/murmur/internal/watchdog"
)

const (
	shutdownTimeout = 10 * time.Second
	typingTimeout   = 30 * time.Second
	historyTimeout  = 5 * time.Second
)

var errWorkerGone = errors.New("transcription worker stopped")

// History persists session outcomes.
type History interface {
	SaveTranscript(ctx context.Context, t storage.Transcript) error
	Close() error
}

type modelStatus struct {
	Ready bool   `json:"ready"`
	Model string `json:"model,omitempty"`
}

type modelRequest struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Device   string `json:"device,omitempty"`
}

type deps struct {
	proc     supervisor.Process
	logs     func() []string
	notifier notifier.Notifier
	typer    typing.Typer
	history  History
	hub      *uievents.Hub
}

type Daemon struct {
	config    *utils.Config
	sup       *supervisor.Supervisor
	wd        *watchdog.Watchdog
	sessions  *session.Manager
	ipcServer *ipc.Server
	notifier  notifier.Notifier
	typer     typing.Typer
	history   History
	hub       *uievents.Hub
	logs      func() []string
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	lastError *string
	startTime time.Time
	stopOnce  sync.Once
}

func NewDaemon(cfg *utils.Config) (*Daemon, error) {
	ctrl := sidecar.NewController(sidecar.Config{
		Command:       cfg.Sidecar.Command,
		Args:          cfg.Sidecar.Args,
		Env:           cfg.Sidecar.Env,
		Dir:           cfg.Sidecar.WorkDir,
		PIDFile:       filepath.Join(utils.CACHE_DIR, "sidecar.pid"),
		StopTimeout:   cfg.Sidecar.StopTimeout(),
		LogBufferSize: cfg.Sidecar.LogBufferLines,
	})

	d := deps{
		proc:     ctrl,
		logs:     func() []string { return recordLines(ctrl.CapturedLogs()) },
		notifier: notifier.Nop{},
		hub:      uievents.NewHub(),
	}

	if cfg.App.Notifications {
		n, err := notifier.New()
		if err != nil {
			slog.Warn("desktop notifications disabled", "err", err)
		} else {
			d.notifier = n
		}
	}

	if cfg.App.TypeResult {
		t, err := typing.New(time.Duration(cfg.App.TypingDelayMS) * time.Millisecond)
		if err != nil {
			slog.Warn("typing disabled", "err", err)
		} else {
			d.typer = t
		}
	}

	if cfg.App.SaveHistory {
		db, err := storage.NewDB()
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		d.history = db
	}

	return newDaemon(cfg, d), nil
}

func newDaemon(cfg *utils.Config, d deps) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	daemon := &Daemon{
		config:    cfg,
		notifier:  d.notifier,
		typer:     d.typer,
		history:   d.history,
		hub:       d.hub,
		logs:      d.logs,
		log:       slog.Default().With("component", "daemon"),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	if daemon.notifier == nil {
		daemon.notifier = notifier.Nop{}
	}
	if daemon.logs == nil {
		daemon.logs = func() []string { return nil }
	}

	timeouts := rpc.Timeouts{
		Default:   cfg.RPC.DefaultTimeout(),
		PerMethod: rpc.DefaultTimeouts().PerMethod,
	}.With(cfg.RPC.MethodTimeouts())

	daemon.sup = supervisor.New(supervisor.Config{
		AutoRestart:     cfg.Supervisor.AutoRestart,
		MaxRestartCount: cfg.Supervisor.MaxRestartCount,
		FailureWindow:   cfg.Supervisor.FailureWindow(),
		Backoff: supervisor.BackoffPolicy{
			Base:   cfg.Supervisor.BackoffBase(),
			Factor: cfg.Supervisor.BackoffFactor,
			Max:    cfg.Supervisor.BackoffMax(),
		},
		SustainedHealth:  cfg.Supervisor.SustainedHealth(),
		SelfCheckTimeout: cfg.Sidecar.SelfCheckTimeout(),
		ClientOptions:    []rpc.Option{rpc.WithTimeouts(timeouts)},
	}, d.proc, supervisor.StatusFunc(daemon.onSidecarStatus))

	daemon.wd = watchdog.New(watchdog.Config{
		Interval:          cfg.Watchdog.Interval(),
		PingTimeout:       cfg.Watchdog.PingTimeout(),
		HangThreshold:     cfg.Watchdog.HangThreshold(),
		MinSuspendGap:     cfg.Watchdog.MinSuspendGap(),
		AutoRestartOnHang: cfg.Watchdog.AutoRestartOnHang,
	}, watchdog.EventFunc(daemon.onWatchdogEvent))

	daemon.sessions = session.NewManager(session.Config{
		MaxDuration:       cfg.Recording.MaxDuration(),
		TooShortThreshold: cfg.Recording.TooShort(),
		ResultWaitTimeout: cfg.Recording.ResultWaitTimeout(),
		DoubleTapWindow:   cfg.Recording.DoubleTap(),
		PollInterval:      cfg.Recording.PollInterval(),
	}, activityCaller{daemon}, session.EventFunc(daemon.onSessionEvent))

	daemon.ipcServer = ipc.NewServer(cfg.App.SocketPath, daemon)
	return daemon
}

func (d *Daemon) Run() error {
	d.log.Debug("starting murmur daemon...")

	ctx, stop := signal.NotifyContext(d.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.ipcServer.Start(); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}
	defer func() {
		if err := d.ipcServer.Stop(); err != nil {
			d.log.Error("failed to stop IPC server", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(d.wd.Run(gctx, d.pinger()))
	})
	g.Go(func() error {
		return ignoreCanceled(d.sessions.Run(gctx))
	})
	if d.config.App.UIAddr != "" && d.hub != nil {
		g.Go(func() error {
			if err := d.hub.Serve(gctx, d.config.App.UIAddr); err != nil {
				d.log.Warn("ui event stream unavailable", "err", err)
			}
			return nil
		})
	}
	if d.config.App.PowerEvents {
		g.Go(func() error {
			if err := power.Watch(gctx, d.wd.OnPowerEvent); err != nil {
				d.log.Warn("power events unavailable, relying on tick gaps", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		// a failed first start is reported as a status; `murmur restart` retries
		if err := d.sup.Start(gctx); err != nil {
			d.log.Error("sidecar did not start", "err", err)
		}
		return nil
	})

	d.log.Info("murmur daemon started successfully")

	err := g.Wait()
	if ctx.Err() != nil && d.ctx.Err() == nil {
		d.log.Debug("received signal, shutting down")
	}
	if shutdownErr := d.shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// Stop asks Run to return.
func (d *Daemon) Stop() {
	d.cancel()
}

func (d *Daemon) shutdown() error {
	var lastErr error
	d.stopOnce.Do(func() {
		d.log.Debug("shutting down daemon...")
		d.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := d.sup.Shutdown(ctx); err != nil {
			d.log.Error("failed to stop sidecar", "err", err)
			lastErr = err
		}
		d.wg.Wait()

		if err := d.notifier.Close(); err != nil {
			d.log.Error("failed to close notifier", "err", err)
			lastErr = err
		}
		if d.history != nil {
			if err := d.history.Close(); err != nil {
				d.log.Error("failed to close history", "err", err)
				lastErr = err
			}
		}

		d.log.Info("daemon shutdown complete")
	})
	return lastErr
}

func (d *Daemon) goAsync(fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.ctx)
	}()
}

func (d *Daemon) setLastError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		d.lastError = nil
		return
	}
	msg := err.Error()
	d.lastError = &msg
}

func (d *Daemon) startParams() session.StartParams {
	return session.StartParams{
		Device:   d.config.Sidecar.Device,
		Language: d.config.Sidecar.Language,
		Model:    d.config.Sidecar.Model,
	}
}

// call sends a request to the current worker, failing fast when none is
// ready. Successful calls count as worker activity.
func (d *Daemon) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	client := d.sup.Client()
	if client == nil {
		return nil, supervisor.ErrNotReady
	}
	raw, err := client.Call(ctx, method, params)
	if err == nil {
		d.wd.MarkActivity()
	}
	return raw, err
}

type activityCaller struct{ d *Daemon }

func (a activityCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return a.d.call(ctx, method, params)
}

func (d *Daemon) pinger() watchdog.Pinger {
	return watchdog.PingFunc(func(ctx context.Context) error {
		client := d.sup.Client()
		if client == nil {
			return watchdog.ErrNotRunning
		}
		_, err := client.Call(ctx, rpc.MethodPing, nil)
		return err
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func recordLines(records []sidecar.LogRecord) []string {
	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = r.String()
	}
	return lines
}

var ErrDaemonNotRunning = errors.New("daemon is not running, start it with `murmur daemon`")

// NotRunning rewrites a failure to reach the daemon socket into
// ErrDaemonNotRunning. Other errors pass through.
func NotRunning(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	return err
}
