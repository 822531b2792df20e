package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ServerConnectionDeadline = 30 * time.Second
	commandTimeout           = 20 * time.Second
)

// CommandHandler defines the interface for handling daemon commands
type CommandHandler interface {
	HandleStart(ctx context.Context) error
	HandleStop(ctx context.Context) error
	HandleToggle(ctx context.Context) error
	HandleCancel(ctx context.Context) error
	HandleRestart(ctx context.Context) error
	HandlePause() error
	HandleResume() error
	GetStatus() StatusData
	GetLogs() []string
}

// Server represents the IPC server that listens for CLI commands
type Server struct {
	socketPath string
	listener   net.Listener
	handler    CommandHandler

	mu      sync.RWMutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(socketPath string, handler CommandHandler) *Server {
	if socketPath == "" {
		socketPath = SocketPath
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		socketPath: socketPath,
		handler:    handler,
		running:    false,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Debug("starting ipc server", "path", s.socketPath)

	if s.running {
		return fmt.Errorf("server is already running")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove existing socket file", "err", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.running = true

	go s.acceptConnections()
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	slog.Debug("stopping ipc server")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			slog.Error("failed to close listener", "err", err)
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove socket file", "err", err)
	}

	s.running = false
	return nil
}

func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("failed to accept connection", "err", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close connection", "err", err)
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(ServerConnectionDeadline)); err != nil {
		slog.Warn("failed to set connection deadline", "err", err)
	}

	var cmd Command
	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(&cmd); err != nil {
		slog.Error("failed to decode command", "err", err)
		s.sendResponse(conn, &Response{Error: ErrInvalidCommand})
		return
	}

	slog.Debug("received command", "action", cmd.Action, "id", cmd.ID)

	response := s.processCommand(&cmd)
	s.sendResponse(conn, response)
}

func (s *Server) processCommand(cmd *Command) *Response {
	response := &Response{
		ID:   cmd.ID,
		Data: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()

	var err error

	switch cmd.Action {
	case ActionStart:
		err = s.handler.HandleStart(ctx)
	case ActionStop:
		err = s.handler.HandleStop(ctx)
	case ActionToggle:
		err = s.handler.HandleToggle(ctx)
	case ActionCancel:
		err = s.handler.HandleCancel(ctx)
	case ActionRestart:
		err = s.handler.HandleRestart(ctx)
	case ActionPause:
		err = s.handler.HandlePause()
	case ActionResume:
		err = s.handler.HandleResume()
	case ActionStatus:
		encodeStatus(response.Data, s.handler.GetStatus())
	case ActionLogs:
		response.Data[DataKeyLogs] = strings.Join(s.handler.GetLogs(), "\n")
	default:
		err = fmt.Errorf("unknown action: %s", cmd.Action)
		response.Error = ErrInvalidCommand
	}

	if err != nil {
		if response.Error == "" {
			response.Error = err.Error()
		}
		slog.Error("command failed", "action", cmd.Action, "err", err)
		return response
	}

	response.Success = true
	if cmd.Action != ActionStatus && cmd.Action != ActionLogs {
		response.Data[DataKeySession] = s.handler.GetStatus().Session
	}
	return response
}

func encodeStatus(data map[string]string, status StatusData) {
	data[DataKeySession] = status.Session
	data[DataKeyWorkerReady] = strconv.FormatBool(status.WorkerReady)
	data[DataKeyPaused] = strconv.FormatBool(status.Paused)
	data[DataKeySidecar] = status.Sidecar
	data[DataKeyRestartCount] = strconv.Itoa(status.RestartCount)
	data[DataKeyHealth] = status.Health
	data[DataKeyUptime] = status.Uptime.String()

	if status.SessionID != "" {
		data[DataKeySessionID] = status.SessionID
	}
	if status.RecordingDuration != nil {
		data[DataKeyRecordingDuration] = status.RecordingDuration.String()
	}
	if status.LastError != nil {
		data[DataKeyLastError] = *status.LastError
	}
	if status.SidecarVersion != "" {
		data[DataKeySidecarVersion] = status.SidecarVersion
	}
	if status.SidecarMessage != "" {
		data[DataKeySidecarMessage] = status.SidecarMessage
	}
}

func (s *Server) sendResponse(conn net.Conn, response *Response) {
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(response); err != nil {
		slog.Error("failed to encode response", "err", err)
		return
	}

	if response.Success {
		slog.Debug("sent success response", "id", response.ID)
	} else {
		slog.Debug("sent error response", "id", response.ID, "error", response.Error)
	}
}
