package uievents

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastReachesClients(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(TypeSession, map[string]string{"state": "recording"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeSession, msg["type"])
		assert.Equal(t, map[string]any{"state": "recording"}, msg["data"])
	}
}

func TestLatestStateReplayedOnConnect(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	hub.Broadcast(TypeSidecar, "starting")
	hub.Broadcast(TypeSidecar, "ready")

	conn := dial(t, srv)
	msg := readMessage(t, conn)
	assert.Equal(t, TypeSidecar, msg["type"])
	assert.Equal(t, "ready", msg["data"])
}

func TestClientRemovedOnClose(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	// no clients left, must not block
	hub.Broadcast(TypeHealth, "healthy")
}

func TestForeignOriginRefused(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path

	header := http.Header{"Origin": []string{"https://example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, hub.ClientCount())

	header = http.Header{"Origin": []string{"http://localhost:5173"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestServeRequiresLoopback(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"0.0.0.0:0", ":0", "192.168.1.10:7070", "nonsense"} {
		err := NewHub().Serve(context.Background(), addr)
		assert.Error(t, err, addr)
	}

	assert.True(t, LoopbackAddr("127.0.0.1:7070"))
	assert.True(t, LoopbackAddr("[::1]:7070"))
	assert.True(t, LoopbackAddr("localhost:7070"))
}
