package ipc

import (
	"time"
)

// Command represents a request from cli to daemon
type Command struct {
	ID        string    `json:"id"`             // unique identifier for request correlation
	Action    string    `json:"action"`         // command action, see Action* constants
	Args      []string  `json:"args,omitempty"` // optional command arguments
	Timestamp time.Time `json:"timestamp"`      // request timestamp
}

// Response represents daemon's reply to cli command
type Response struct {
	ID      string            `json:"id"`              // matches request id
	Success bool              `json:"success"`         // whether command succeeded
	Error   string            `json:"error,omitempty"` // error message if failed
	Data    map[string]string `json:"data,omitempty"`  // additional response data
}

// StatusData is the daemon's view of the session and the sidecar.
type StatusData struct {
	Session           string
	SessionID         string
	RecordingDuration *time.Duration
	WorkerReady       bool
	Paused            bool
	LastError         *string

	Sidecar        string
	SidecarVersion string
	SidecarMessage string
	RestartCount   int
	Health         string

	Uptime time.Duration
}

// CommandActions define the available CLI commands
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionToggle  = "toggle"
	ActionCancel  = "cancel"
	ActionStatus  = "status"
	ActionRestart = "restart"
	ActionLogs    = "logs"
	ActionPause   = "pause"
	ActionResume  = "resume"
)

// Socket configuration
const (
	SocketPath = "/tmp/murmur.sock"
)

// Response data keys
const (
	DataKeySession           = "session"
	DataKeySessionID         = "session_id"
	DataKeyRecordingDuration = "recording_duration"
	DataKeyWorkerReady       = "worker_ready"
	DataKeyPaused            = "paused"
	DataKeyLastError         = "last_error"
	DataKeySidecar           = "sidecar"
	DataKeySidecarVersion    = "sidecar_version"
	DataKeySidecarMessage    = "sidecar_message"
	DataKeyRestartCount      = "restart_count"
	DataKeyHealth            = "health"
	DataKeyUptime            = "uptime"
	DataKeyLogs              = "logs"
)

// Error messages
const (
	ErrInvalidCommand = "invalid command"
)
