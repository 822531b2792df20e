package rpc

import (
	"encoding/json"
	"strconv"
)

// MaxLineBytes caps a single newline-delimited message from the worker.
const MaxLineBytes = 1 << 20

const (
	MethodPing            = "system.ping"
	MethodShutdown        = "system.shutdown"
	MethodModelLoad       = "model.load"
	MethodModelStatus     = "model.status"
	MethodModelDownload   = "model.download"
	MethodRecordingStart  = "recording.start"
	MethodRecordingStop   = "recording.stop"
	MethodRecordingCancel = "recording.cancel"

	NotifyTranscriptionComplete = "event.transcription_complete"
	NotifyTranscriptionError    = "event.transcription_error"
	NotifyModelStatus           = "event.model_status"
)

type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type WireError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    *WireErrorData `json:"data,omitempty"`
}

type WireErrorData struct {
	Kind string `json:"kind,omitempty"`
}

// envelope is the union of everything the worker may write on one line.
type envelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

func (e *envelope) hasID() bool {
	return len(e.ID) > 0 && string(e.ID) != "null"
}

func (e *envelope) numericID() (uint64, bool) {
	id, err := strconv.ParseUint(string(e.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// PingResult is the payload of a successful system.ping.
type PingResult struct {
	Version string `json:"version"`
}
