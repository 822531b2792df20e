// Package uievents pushes daemon state to UI clients over a websocket.
package uievents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	Path = "/events"

	clientBuffer = 64
	writeWait    = 5 * time.Second
)

const (
	TypeSidecar = "sidecar"
	TypeSession = "session"
	TypeHealth  = "health"
)

type Message struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Hub fans messages out to every connected client. The last message of each
// type is replayed to clients when they connect.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	last    map[string]Message
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: loopbackOrigin},
		log:     slog.Default().With("component", "uievents"),
		clients: make(map[string]*client),
		last:    make(map[string]Message),
	}
}

func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, h.handleWS)
	return mux
}

// Serve listens on addr until ctx is done. addr must be a loopback address.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	if !LoopbackAddr(addr) {
		return fmt.Errorf("ui address %q is not a loopback address", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	h.log.Info("ui event stream listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// LoopbackAddr reports whether a host:port address binds only loopback.
func LoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return loopbackHost(host)
}

func loopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// loopbackOrigin refuses browser pages from other hosts. Local tools send no
// Origin at all.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return loopbackHost(u.Hostname())
}

func (h *Hub) Broadcast(msgType string, data any) {
	msg := Message{Type: msgType, At: time.Now(), Data: data}

	h.mu.Lock()
	h.last[msgType] = msg
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("ui client too slow, dropping message", "client", c.id, "type", msgType)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan Message, clientBuffer)}

	h.mu.Lock()
	for _, msg := range h.last {
		c.send <- msg
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.log.Debug("ui client connected", "client", c.id)
	go h.writer(c)
	h.reader(c)
}

func (h *Hub) writer(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.log.Debug("ui client write failed", "client", c.id, "err", err)
			break
		}
	}
	_ = c.conn.Close()
}

// reader drains the connection so close frames are seen; clients have
// nothing to say.
func (h *Hub) reader(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		close(c.send)
		_ = c.conn.Close()
		h.log.Debug("ui client disconnected", "client", c.id)
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
