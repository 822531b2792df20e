package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	DefaultMaxDuration       = 5 * time.Minute
	DefaultTooShortThreshold = 300 * time.Millisecond
	DefaultResultWaitTimeout = 60 * time.Second
	DefaultDoubleTapWindow   = 400 * time.Millisecond
	DefaultPollInterval      = 250 * time.Millisecond
)

var (
	ErrAlreadyActive  = errors.New("a recording session is already active")
	ErrWorkerNotReady = errors.New("transcription worker is not ready")
	ErrDisabled       = errors.New("recording is disabled")
	ErrNotRecording   = errors.New("not recording")
	ErrNotActive      = errors.New("no active session")
	ErrBusy           = errors.New("transcription in progress")
)

type State int

const (
	Idle State = iota
	Recording
	Transcribing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Transcribing:
		return "transcribing"
	default:
		return "unknown"
	}
}

type Config struct {
	MaxDuration       time.Duration
	TooShortThreshold time.Duration
	ResultWaitTimeout time.Duration
	DoubleTapWindow   time.Duration
	PollInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDuration:       DefaultMaxDuration,
		TooShortThreshold: DefaultTooShortThreshold,
		ResultWaitTimeout: DefaultResultWaitTimeout,
		DoubleTapWindow:   DefaultDoubleTapWindow,
		PollInterval:      DefaultPollInterval,
	}
}

type Session struct {
	ID string
	// StartedAt carries a monotonic reading; durations are measured from it.
	StartedAt time.Time
	// StartedWall is the wall-clock start for display and history.
	StartedWall time.Time
}

type EventKind int

const (
	Started EventKind = iota
	Stopped
	TooShort
	Cancelled
	Completed
	Failed
	TimedOut
	MaxDurationReached
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case TooShort:
		return "too_short"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case MaxDurationReached:
		return "max_duration_reached"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind      EventKind
	SessionID string
	// Reason is set for Cancelled.
	Reason string
	// Text is set for Completed.
	Text               string
	RecordingDuration  time.Duration
	ProcessingDuration time.Duration
	Err                error
	At                 time.Time
}

type EventSink interface {
	SessionEvent(Event)
}

type EventFunc func(Event)

func (f EventFunc) SessionEvent(e Event) { f(e) }

// Dispatcher sends a request to the transcription worker.
type Dispatcher interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// StartParams are forwarded to the worker with recording.start.
type StartParams struct {
	Device   string `json:"device,omitempty"`
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Result is the payload of a completed transcription.
type Result struct {
	SessionID    string `json:"session_id"`
	Text         string `json:"text"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	ProcessingMs int64  `json:"processing_ms,omitempty"`
}

// Failure is the payload of a failed transcription.
type Failure struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
}

type Snapshot struct {
	State       State
	SessionID   string
	Elapsed     time.Duration
	WorkerReady bool
	Disabled    bool
	LastError   string
}
