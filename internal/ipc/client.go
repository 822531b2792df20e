package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

const defaultClientTimeout = 30 * time.Second

// client represents an ipc client for communicating with the daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = SocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    defaultClientTimeout,
	}
}

func (c *Client) SendCommand(ctx context.Context, action string, args ...string) (*Response, error) {
	cmd := Command{
		ID:        uuid.New().String(),
		Action:    action,
		Args:      args,
		Timestamp: time.Now(),
	}

	slog.Debug("sending command", "action", cmd.Action, "id", cmd.ID)

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.connect(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("failed to close connection", "err", closeErr)
		}
	}()

	if deadline, ok := timeoutCtx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			slog.Warn("failed to set connection deadline", "err", err)
		}
	}

	if err := json.NewEncoder(conn).Encode(&cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var response Response
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}

	if response.ID != cmd.ID {
		slog.Error("response ID mismatch", "expected", cmd.ID, "got", response.ID)
		return nil, fmt.Errorf("response ID mismatch")
	}

	slog.Debug("received response", "action", cmd.Action, "success", response.Success)
	return &response, nil
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		slog.Debug("failed to dial unix socket", "err", err)
		return nil, err
	}
	return conn, nil
}

func (c *Client) Status(ctx context.Context) (*Response, error) {
	return c.SendCommand(ctx, ActionStatus)
}

func (c *Client) Logs(ctx context.Context) (*Response, error) {
	return c.SendCommand(ctx, ActionLogs)
}

func (c *Client) IsConnected(ctx context.Context) bool {
	testCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conn, err := c.connect(testCtx)
	if err != nil {
		return false
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("failed to close test connection", "err", closeErr)
		}
	}()

	return true
}

// WaitForDaemon waits for the daemon to become available
func (c *Client) WaitForDaemon(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.IsConnected(ctx) {
				return nil
			}
		}
	}
}
