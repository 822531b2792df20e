package daemon

import (
	"context"
	"time"

	"github.com/kabilan108/murmur/internal/ipc"
	"github.com/kabilan108/murmur/internal/session"
)

// implement CommandHandler interface

func (d *Daemon) HandleStart(ctx context.Context) error {
	_, err := d.sessions.Start(ctx, d.startParams())
	return err
}

func (d *Daemon) HandleStop(ctx context.Context) error {
	return d.sessions.Stop(ctx)
}

func (d *Daemon) HandleToggle(ctx context.Context) error {
	return d.sessions.Toggle(ctx, d.startParams())
}

func (d *Daemon) HandleCancel(ctx context.Context) error {
	return d.sessions.Cancel(ctx, "user")
}

// HandleRestart is the manual restart. It also closes an open circuit
// breaker.
func (d *Daemon) HandleRestart(ctx context.Context) error {
	return d.sup.Restart(ctx)
}

func (d *Daemon) HandlePause() error {
	d.sessions.SetDisabled(true)
	d.log.Info("recording paused")
	return nil
}

func (d *Daemon) HandleResume() error {
	d.sessions.SetDisabled(false)
	d.log.Info("recording resumed")
	return nil
}

func (d *Daemon) GetStatus() ipc.StatusData {
	snap := d.sessions.Status()
	sidecar := d.sup.Status()

	status := ipc.StatusData{
		Session:        snap.State.String(),
		SessionID:      snap.SessionID,
		WorkerReady:    snap.WorkerReady,
		Paused:         snap.Disabled,
		Sidecar:        d.sup.State().String(),
		SidecarVersion: sidecar.Version,
		SidecarMessage: sidecar.Message,
		RestartCount:   d.sup.RestartCount(),
		Health:         d.wd.Status().String(),
		Uptime:         time.Since(d.startTime).Round(time.Second),
	}

	if snap.State == session.Recording {
		elapsed := snap.Elapsed
		status.RecordingDuration = &elapsed
	}

	d.mu.RLock()
	if d.lastError != nil {
		msg := *d.lastError
		status.LastError = &msg
	} else if snap.LastError != "" {
		status.LastError = &snap.LastError
	}
	d.mu.RUnlock()

	return status
}

func (d *Daemon) GetLogs() []string {
	return d.logs()
}
