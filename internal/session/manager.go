package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kabilan108/murmur/internal/rpc"
)

const cancelTimeout = 5 * time.Second

type startRequest struct {
	SessionID string `json:"session_id"`
	StartParams
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// Manager owns the single active recording session and correlates worker
// results back to it.
type Manager struct {
	cfg  Config
	rpc  Dispatcher
	sink EventSink
	log  *slog.Logger
	now  func() time.Time

	mu          sync.Mutex
	state       State
	active      *Session
	stoppedAt   time.Time
	recorded    time.Duration
	lastToggle  time.Time
	workerReady bool
	disabled    bool
	lastErr     error
}

func NewManager(cfg Config, d Dispatcher, sink EventSink) *Manager {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ResultWaitTimeout <= 0 {
		cfg.ResultWaitTimeout = def.ResultWaitTimeout
	}
	if sink == nil {
		sink = EventFunc(func(Event) {})
	}
	return &Manager{
		cfg:  cfg,
		rpc:  d,
		sink: sink,
		log:  slog.Default().With("component", "session"),
		now:  time.Now,
	}
}

func (m *Manager) Start(ctx context.Context, params StartParams) (Session, error) {
	m.mu.Lock()
	switch {
	case m.state != Idle:
		m.mu.Unlock()
		return Session{}, ErrAlreadyActive
	case m.disabled:
		m.mu.Unlock()
		return Session{}, ErrDisabled
	case !m.workerReady:
		m.mu.Unlock()
		return Session{}, ErrWorkerNotReady
	}

	now := m.now()
	sess := &Session{ID: uuid.NewString(), StartedAt: now, StartedWall: now.Round(0)}
	m.active = sess
	m.state = Recording
	m.lastErr = nil
	m.mu.Unlock()

	m.log.Info("starting session", "session_id", sess.ID)

	_, err := m.rpc.Call(ctx, rpc.MethodRecordingStart, startRequest{SessionID: sess.ID, StartParams: params})
	if err != nil {
		err = fmt.Errorf("failed to start recording: %w", err)
		m.failIfActive(sess.ID, err)
		return Session{}, err
	}

	if !m.isActive(sess.ID) {
		m.log.Info("session ended before start completed", "session_id", sess.ID)
		return *sess, nil
	}
	m.emit(Event{Kind: Started, SessionID: sess.ID, At: sess.StartedWall})
	return *sess, nil
}

func (m *Manager) Stop(ctx context.Context) error {
	return m.stop(ctx, "")
}

// stop ends the recording of the session with the given id, or of any
// session when id is empty.
func (m *Manager) stop(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.state != Recording || (id != "" && m.active.ID != id) {
		m.mu.Unlock()
		return ErrNotRecording
	}
	sess := m.active
	now := m.now()
	elapsed := now.Sub(sess.StartedAt)

	if elapsed < m.cfg.TooShortThreshold {
		m.clearLocked()
		m.mu.Unlock()

		m.log.Info("recording too short, discarding", "session_id", sess.ID, "elapsed", elapsed)
		m.emit(Event{Kind: TooShort, SessionID: sess.ID, RecordingDuration: elapsed, At: now})
		m.cancelRemote(ctx, sess.ID)
		return nil
	}

	m.state = Transcribing
	m.stoppedAt = now
	m.recorded = elapsed
	m.mu.Unlock()

	m.emit(Event{Kind: Stopped, SessionID: sess.ID, RecordingDuration: elapsed, At: now})

	// the stop runs on its own deadline; the caller leaving must not fail a
	// session whose transcription is still coming
	raw, err := m.rpc.Call(context.WithoutCancel(ctx), rpc.MethodRecordingStop, sessionRequest{SessionID: sess.ID})
	if err != nil {
		err = fmt.Errorf("failed to stop recording: %w", err)
		m.failIfActive(sess.ID, err)
		return err
	}

	// some workers answer stop with the transcription itself
	var res Result
	if len(raw) > 0 && json.Unmarshal(raw, &res) == nil && res.Text != "" {
		if res.SessionID == "" {
			res.SessionID = sess.ID
		}
		m.OnResult(res)
	}
	return nil
}

// Toggle starts a session when idle and stops it when recording. A second
// toggle within the double-tap window cancels instead.
func (m *Manager) Toggle(ctx context.Context, params StartParams) error {
	m.mu.Lock()
	now := m.now()
	sinceLast := now.Sub(m.lastToggle)
	m.lastToggle = now
	state := m.state
	m.mu.Unlock()

	switch state {
	case Idle:
		_, err := m.Start(ctx, params)
		return err
	case Recording:
		if sinceLast < m.cfg.DoubleTapWindow {
			return m.Cancel(ctx, "double_tap")
		}
		return m.Stop(ctx)
	default:
		return ErrBusy
	}
}

func (m *Manager) Cancel(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrNotActive
	}
	sess := m.active
	m.clearLocked()
	m.mu.Unlock()

	m.log.Info("session cancelled", "session_id", sess.ID, "reason", reason)
	m.emit(Event{Kind: Cancelled, SessionID: sess.ID, Reason: reason, At: m.now()})
	m.cancelRemote(ctx, sess.ID)
	return nil
}

// OnResult accepts a transcription for the active session. Results for any
// other session are dropped.
func (m *Manager) OnResult(res Result) bool {
	m.mu.Lock()
	if m.active == nil || m.active.ID != res.SessionID || m.state != Transcribing {
		state := m.state
		m.mu.Unlock()
		m.log.Info("dropping stale result", "session_id", res.SessionID, "state", state)
		return false
	}
	now := m.now()
	recorded := m.recorded
	processing := now.Sub(m.stoppedAt)
	m.clearLocked()
	m.mu.Unlock()

	if res.DurationMs > 0 {
		recorded = time.Duration(res.DurationMs) * time.Millisecond
	}
	if res.ProcessingMs > 0 {
		processing = time.Duration(res.ProcessingMs) * time.Millisecond
	}

	m.emit(Event{
		Kind:               Completed,
		SessionID:          res.SessionID,
		Text:               res.Text,
		RecordingDuration:  recorded,
		ProcessingDuration: processing,
		At:                 now,
	})
	return true
}

// OnError fails the active session if the ids match.
func (m *Manager) OnError(f Failure) bool {
	msg := f.Message
	if f.Kind != "" {
		msg = fmt.Sprintf("%s (%s)", f.Message, f.Kind)
	}

	if !m.failIfActive(f.SessionID, errors.New(msg)) {
		m.log.Info("dropping stale error", "session_id", f.SessionID, "message", f.Message)
		return false
	}
	return true
}

// Abort fails whatever session is active, e.g. when the worker went away.
func (m *Manager) Abort(err error) bool {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return false
	}
	id := m.active.ID
	m.mu.Unlock()
	return m.failIfActive(id, err)
}

// CheckMaxDuration stops the recording once it has run for MaxDuration.
func (m *Manager) CheckMaxDuration(ctx context.Context) bool {
	m.mu.Lock()
	if m.state != Recording || m.cfg.MaxDuration <= 0 {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	elapsed := now.Sub(m.active.StartedAt)
	if elapsed < m.cfg.MaxDuration {
		m.mu.Unlock()
		return false
	}
	id := m.active.ID
	m.mu.Unlock()

	m.log.Info("max recording duration reached", "session_id", id, "elapsed", elapsed)
	m.emit(Event{Kind: MaxDurationReached, SessionID: id, RecordingDuration: elapsed, At: now})
	if err := m.stop(ctx, id); err != nil && !errors.Is(err, ErrNotRecording) {
		m.log.Warn("auto-stop failed", "session_id", id, "err", err)
	}
	return true
}

// CheckResultTimeout gives up on a transcription that has not produced a
// result within ResultWaitTimeout.
func (m *Manager) CheckResultTimeout(ctx context.Context) bool {
	m.mu.Lock()
	if m.state != Transcribing {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	waited := now.Sub(m.stoppedAt)
	if waited < m.cfg.ResultWaitTimeout {
		m.mu.Unlock()
		return false
	}
	sess := m.active
	m.lastErr = fmt.Errorf("no result after %s", waited.Round(time.Second))
	m.clearLocked()
	m.mu.Unlock()

	m.log.Warn("timed out waiting for transcription", "session_id", sess.ID, "waited", waited)
	m.emit(Event{Kind: TimedOut, SessionID: sess.ID, At: now})
	m.cancelRemote(ctx, sess.ID)
	return true
}

// Run polls the duration limits until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckMaxDuration(ctx)
			m.CheckResultTimeout(ctx)
		}
	}
}

func (m *Manager) SetWorkerReady(ready bool) {
	m.mu.Lock()
	changed := m.workerReady != ready
	m.workerReady = ready
	m.mu.Unlock()
	if changed {
		m.log.Info("worker readiness changed", "ready", ready)
	}
}

func (m *Manager) SetDisabled(disabled bool) {
	m.mu.Lock()
	m.disabled = disabled
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:       m.state,
		WorkerReady: m.workerReady,
		Disabled:    m.disabled,
	}
	if m.active != nil {
		snap.SessionID = m.active.ID
		snap.Elapsed = m.now().Sub(m.active.StartedAt)
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

func (m *Manager) isActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.ID == id
}

func (m *Manager) failIfActive(id string, err error) bool {
	m.mu.Lock()
	if m.active == nil || m.active.ID != id {
		m.mu.Unlock()
		return false
	}
	m.lastErr = err
	m.clearLocked()
	m.mu.Unlock()

	m.log.Error("session failed", "session_id", id, "err", err)
	m.emit(Event{Kind: Failed, SessionID: id, Err: err, At: m.now()})
	return true
}

func (m *Manager) clearLocked() {
	m.active = nil
	m.state = Idle
	m.stoppedAt = time.Time{}
	m.recorded = 0
}

func (m *Manager) cancelRemote(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if _, err := m.rpc.Call(ctx, rpc.MethodRecordingCancel, sessionRequest{SessionID: id}); err != nil {
		m.log.Warn("failed to cancel recording on worker", "session_id", id, "err", err)
	}
}

func (m *Manager) emit(e Event) {
	m.sink.SessionEvent(e)
}
