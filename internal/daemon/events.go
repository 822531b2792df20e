package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kabilan108/murmur/internal/notifier"
	"github.com/kabilan108/murmur/internal/rpc"
	"github.com/kabilan108/murmur/internal/session"
	"github.com/kabilan108/murmur/internal/storage"
	"github.com/kabilan108/murmur/internal/supervisor"
	"github.com/kabilan108/murmur/internal/uievents"
	"github.com/kabilan108/murmur/internal/watchdog"
)

type sidecarEvent struct {
	State        string `json:"state"`
	RestartCount int    `json:"restart_count"`
	Message      string `json:"message,omitempty"`
	Terminal     bool   `json:"terminal"`
	RetryInMs    int64  `json:"retry_in_ms,omitempty"`
	Version      string `json:"version,omitempty"`
}

type sessionEvent struct {
	Kind         string `json:"kind"`
	SessionID    string `json:"session_id"`
	Reason       string `json:"reason,omitempty"`
	Text         string `json:"text,omitempty"`
	RecordingMs  int64  `json:"recording_ms,omitempty"`
	ProcessingMs int64  `json:"processing_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

type healthEvent struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// onSidecarStatus runs on the supervisor's goroutine and must not block on
// the worker.
func (d *Daemon) onSidecarStatus(st supervisor.Status) {
	d.broadcast(uievents.TypeSidecar, sidecarEvent{
		State:        st.State.String(),
		RestartCount: st.RestartCount,
		Message:      st.Message,
		Terminal:     st.Terminal,
		RetryInMs:    st.RetryIn.Milliseconds(),
		Version:      st.Version,
	})
	if content, ok := notifier.ForSidecar(st); ok {
		d.notify(content)
	}

	if st.State != supervisor.Ready {
		d.sessions.SetWorkerReady(false)
		if st.State != supervisor.Starting {
			d.sessions.Abort(errWorkerGone)
		}
		if st.State == supervisor.Failed {
			d.setLastError(errors.New(st.Message))
		}
		return
	}

	client := d.sup.Client()
	if client == nil {
		return
	}
	d.setLastError(nil)
	notes, unsubscribe := client.Subscribe()
	d.goAsync(func(ctx context.Context) {
		defer unsubscribe()
		d.routeNotifications(ctx, client, notes)
	})
	d.goAsync(func(ctx context.Context) {
		d.loadModel(ctx, client)
	})
}

// loadModel asks a freshly started worker to load the configured model and
// marks it ready for sessions once it has.
func (d *Daemon) loadModel(ctx context.Context, client *rpc.Client) {
	req := modelRequest{
		Model:    d.config.Sidecar.Model,
		Language: d.config.Sidecar.Language,
		Device:   d.config.Sidecar.Device,
	}
	d.log.Info("loading model", "model", req.Model)

	var status modelStatus
	if err := client.CallResult(ctx, rpc.MethodModelLoad, req, &status); err != nil {
		if ctx.Err() == nil {
			d.log.Error("failed to load model", "model", req.Model, "err", err)
			d.setLastError(fmt.Errorf("failed to load model %s: %w", req.Model, err))
		}
		return
	}
	d.wd.MarkActivity()

	if d.sup.Client() != client {
		return
	}
	// an empty reply means the load finished
	d.sessions.SetWorkerReady(true)
	d.log.Info("model loaded", "model", req.Model)
}

func (d *Daemon) routeNotifications(ctx context.Context, client *rpc.Client, notes <-chan rpc.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			d.wd.MarkActivity()
			d.handleNotification(client, n)
		}
	}
}

func (d *Daemon) handleNotification(client *rpc.Client, n rpc.Notification) {
	switch n.Method {
	case rpc.NotifyTranscriptionComplete:
		var res session.Result
		if err := json.Unmarshal(n.Params, &res); err != nil {
			d.log.Warn("bad transcription result", "err", err)
			return
		}
		d.sessions.OnResult(res)
	case rpc.NotifyTranscriptionError:
		var f session.Failure
		if err := json.Unmarshal(n.Params, &f); err != nil {
			d.log.Warn("bad transcription error", "err", err)
			return
		}
		d.sessions.OnError(f)
	case rpc.NotifyModelStatus:
		var status modelStatus
		if err := json.Unmarshal(n.Params, &status); err != nil {
			d.log.Warn("bad model status", "err", err)
			return
		}
		if d.sup.Client() == client {
			d.sessions.SetWorkerReady(status.Ready)
		}
	default:
		d.log.Debug("ignoring notification", "method", n.Method)
	}
}

func (d *Daemon) onWatchdogEvent(ev watchdog.Event) {
	switch ev.Kind {
	case watchdog.HealthCheck:
		d.broadcast(uievents.TypeHealth, healthEvent{Status: ev.Status.String(), Reason: ev.Reason})
	case watchdog.RecoveryRequested:
		d.goAsync(func(context.Context) {
			d.sup.Recover(ev.Reason)
		})
	case watchdog.SystemResumed:
		d.log.Info("system resumed", "reason", ev.Reason)
	case watchdog.RevalidationNeeded:
		d.goAsync(d.revalidate)
	}
}

// revalidate checks the worker still has its model after a resume and
// reloads it when it does not.
func (d *Daemon) revalidate(ctx context.Context) {
	client := d.sup.Client()
	if client == nil {
		// the next Ready loads the model anyway
		d.wd.ClearRevalidation()
		return
	}

	var status modelStatus
	err := client.CallResult(ctx, rpc.MethodModelStatus, nil, &status)
	switch {
	case err != nil:
		d.log.Warn("model status check after resume failed, recovering", "err", err)
		d.sup.Recover("model status check failed after resume")
	case !status.Ready:
		d.log.Info("model unloaded during sleep, reloading")
		d.sessions.SetWorkerReady(false)
		d.loadModel(ctx, client)
	default:
		d.wd.MarkActivity()
	}
	d.wd.ClearRevalidation()
}

func (d *Daemon) onSessionEvent(ev session.Event) {
	data := sessionEvent{
		Kind:         ev.Kind.String(),
		SessionID:    ev.SessionID,
		Reason:       ev.Reason,
		RecordingMs:  ev.RecordingDuration.Milliseconds(),
		ProcessingMs: ev.ProcessingDuration.Milliseconds(),
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	if ev.Kind == session.Completed {
		data.Text = ev.Text
	}
	d.broadcast(uievents.TypeSession, data)

	if content, ok := notifier.ForSession(ev); ok {
		d.notify(content)
	}

	switch ev.Kind {
	case session.Started:
		d.setLastError(nil)
	case session.Completed:
		d.goAsync(func(ctx context.Context) {
			d.deliver(ctx, ev)
		})
	case session.Failed:
		d.setLastError(ev.Err)
		d.record(ev, storage.OutcomeFailed)
	case session.TimedOut:
		d.setLastError(fmt.Errorf("no transcription after %s", d.config.Recording.ResultWaitTimeout()))
		d.record(ev, storage.OutcomeTimedOut)
	}
}

// deliver types the transcription into the focused window and saves it.
func (d *Daemon) deliver(ctx context.Context, ev session.Event) {
	d.record(ev, storage.OutcomeCompleted)

	if d.typer == nil || ev.Text == "" {
		return
	}
	typeCtx, cancel := context.WithTimeout(ctx, typingTimeout)
	defer cancel()
	if err := d.typer.TypeText(typeCtx, ev.Text); err != nil && ctx.Err() == nil {
		d.log.Error("typing failed", "session_id", ev.SessionID, "err", err)
		d.setLastError(fmt.Errorf("typing failed: %w", err))
	}
}

func (d *Daemon) record(ev session.Event, outcome string) {
	if d.history == nil {
		return
	}
	t := storage.Transcript{
		SessionID:    ev.SessionID,
		Timestamp:    ev.At,
		Outcome:      outcome,
		RecordingMs:  ev.RecordingDuration.Milliseconds(),
		ProcessingMs: ev.ProcessingDuration.Milliseconds(),
		Text:         ev.Text,
		Model:        d.config.Sidecar.Model,
	}
	if ev.Err != nil {
		t.Error = ev.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := d.history.SaveTranscript(ctx, t); err != nil {
		d.log.Warn("failed to save transcript", "session_id", ev.SessionID, "err", err)
	}
}

func (d *Daemon) broadcast(msgType string, data any) {
	if d.hub != nil {
		d.hub.Broadcast(msgType, data)
	}
}

func (d *Daemon) notify(content notifier.NotificationContent) {
	if err := d.notifier.Notify(content); err != nil {
		d.log.Warn("failed to update notification", "err", err)
	}
}
