package ipc

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu      sync.Mutex
	actions []string
	failOn  string
	status  StatusData
	logs    []string
}

func (h *fakeHandler) record(action string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = append(h.actions, action)
	if h.failOn == action {
		return errors.New(action + " refused")
	}
	return nil
}

func (h *fakeHandler) HandleStart(context.Context) error   { return h.record(ActionStart) }
func (h *fakeHandler) HandleStop(context.Context) error    { return h.record(ActionStop) }
func (h *fakeHandler) HandleToggle(context.Context) error  { return h.record(ActionToggle) }
func (h *fakeHandler) HandleCancel(context.Context) error  { return h.record(ActionCancel) }
func (h *fakeHandler) HandleRestart(context.Context) error { return h.record(ActionRestart) }
func (h *fakeHandler) HandlePause() error                  { return h.record(ActionPause) }
func (h *fakeHandler) HandleResume() error                 { return h.record(ActionResume) }
func (h *fakeHandler) GetStatus() StatusData               { return h.status }
func (h *fakeHandler) GetLogs() []string                   { return h.logs }

func startServer(t *testing.T, h CommandHandler) *Client {
	t.Helper()
	// unix socket paths are length limited, keep it short
	dir, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(dir, "m.sock")

	srv := NewServer(path, h)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return NewClient(path)
}

func TestCommandsRoundTrip(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{status: StatusData{Session: "recording"}}
	c := startServer(t, h)
	ctx := context.Background()

	for _, action := range []string{ActionStart, ActionStop, ActionToggle, ActionCancel, ActionRestart, ActionPause, ActionResume} {
		resp, err := c.SendCommand(ctx, action)
		require.NoError(t, err, action)
		assert.True(t, resp.Success, action)
		assert.Equal(t, "recording", resp.Data[DataKeySession])
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.actions, 7)
}

func TestHandlerErrorIsReported(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{failOn: ActionStart}
	c := startServer(t, h)

	resp, err := c.SendCommand(context.Background(), ActionStart)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "start refused", resp.Error)
}

func TestUnknownAction(t *testing.T) {
	t.Parallel()

	c := startServer(t, &fakeHandler{})
	resp, err := c.SendCommand(context.Background(), "dance")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrInvalidCommand, resp.Error)
}

func TestStatusEncoding(t *testing.T) {
	t.Parallel()

	elapsed := 1500 * time.Millisecond
	lastErr := "no result after 60s"
	h := &fakeHandler{status: StatusData{
		Session:           "recording",
		SessionID:         "abc",
		RecordingDuration: &elapsed,
		WorkerReady:       true,
		LastError:         &lastErr,
		Sidecar:           "restarting",
		SidecarMessage:    "restarting in 2s",
		RestartCount:      2,
		Health:            "unhealthy",
		Uptime:            time.Minute,
	}}
	c := startServer(t, h)

	resp, err := c.Status(context.Background())
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "abc", resp.Data[DataKeySessionID])
	assert.Equal(t, "1.5s", resp.Data[DataKeyRecordingDuration])
	assert.Equal(t, "true", resp.Data[DataKeyWorkerReady])
	assert.Equal(t, "false", resp.Data[DataKeyPaused])
	assert.Equal(t, "2", resp.Data[DataKeyRestartCount])
	assert.Equal(t, "restarting", resp.Data[DataKeySidecar])
	assert.Equal(t, lastErr, resp.Data[DataKeyLastError])
	assert.Equal(t, "1m0s", resp.Data[DataKeyUptime])
	assert.NotContains(t, resp.Data, DataKeySidecarVersion)
}

func TestLogs(t *testing.T) {
	t.Parallel()

	c := startServer(t, &fakeHandler{logs: []string{"one", "two"}})
	resp, err := c.Logs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", resp.Data[DataKeyLogs])
}

func TestClientWithoutDaemon(t *testing.T) {
	t.Parallel()

	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	assert.False(t, c.IsConnected(context.Background()))

	_, err := c.SendCommand(context.Background(), ActionStatus)
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForDaemon(ctx, 10*time.Millisecond), context.DeadlineExceeded)
}
