package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	outboxSize       = 64
	subscriberBuffer = 64
	logPreviewBytes  = 200
)

type callResult struct {
	result json.RawMessage
	err    error
}

// Client correlates requests and responses over a newline-delimited JSON
// stream. One goroutine owns the read half and one owns the write half.
type Client struct {
	log      *slog.Logger
	timeouts Timeouts

	nextID atomic.Uint64
	outbox chan []byte

	mu      sync.Mutex
	pending map[uint64]chan callResult
	subs    map[int]chan Notification
	nextSub int

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Client)

func WithTimeouts(t Timeouts) Option {
	return func(c *Client) { c.timeouts = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient starts the reader and writer goroutines. r is the worker's
// stdout and w its stdin.
func NewClient(r io.Reader, w io.Writer, opts ...Option) *Client {
	c := &Client{
		log:      slog.Default().With("component", "rpc"),
		timeouts: DefaultTimeouts(),
		outbox:   make(chan []byte, outboxSize),
		pending:  make(map[uint64]chan callResult),
		subs:     make(map[int]chan Notification),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop(r)
	go c.writeLoop(w)

	return c
}

// Call sends a request and waits for its response, the method's timeout,
// or ctx, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, c.disconnectedErr()
	}

	id := c.nextID.Add(1)
	line, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, &SerializationError{Method: method, Err: err}
	}

	slot := make(chan callResult, 1)
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, c.disconnectedErr()
	}
	c.pending[id] = slot
	c.mu.Unlock()

	timeout := c.timeouts.For(method)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.outbox <- line:
	case <-c.closed:
		res := <-slot
		return res.result, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return nil, &TimeoutError{Method: method, After: timeout}
	}

	select {
	case res := <-slot:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(id)
		c.log.Warn("request timed out", "method", method, "id", id, "after", timeout)
		return nil, &TimeoutError{Method: method, After: timeout}
	}
}

// CallResult is Call followed by decoding the result into out.
func (c *Client) CallResult(ctx context.Context, method string, params, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &SerializationError{Method: method, Err: err}
	}
	return nil
}

// Subscribe registers a notification listener. The channel is closed when
// the client disconnects or cancel is called.
func (c *Client) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s)
		}
	}
}

func (c *Client) IsConnected() bool {
	return !c.isClosed()
}

// Done is closed once the client has disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the reason the client disconnected, or nil while connected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Shutdown fails every pending call with ErrDisconnected. The underlying
// pipes are left to their owner.
func (c *Client) Shutdown() {
	c.closeWith(ErrDisconnected)
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) disconnectedErr() error {
	cause := c.Err()
	if cause == nil || errors.Is(cause, ErrDisconnected) {
		return ErrDisconnected
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, cause)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		close(c.closed)
		pending := c.pending
		c.pending = make(map[uint64]chan callResult)
		subs := c.subs
		c.subs = make(map[int]chan Notification)
		c.mu.Unlock()

		err := c.disconnectedErr()
		for _, slot := range pending {
			slot <- callResult{err: err}
		}
		for _, s := range subs {
			close(s)
		}

		if len(pending) > 0 {
			c.log.Info("failed pending requests on disconnect", "count", len(pending), "cause", cause)
		}
	})
}

func (c *Client) writeLoop(w io.Writer) {
	for {
		select {
		case <-c.closed:
			return
		case line := <-c.outbox:
			line = append(line, '\n')
			if _, err := w.Write(line); err != nil {
				c.log.Warn("write to worker failed", "err", err)
				c.closeWith(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes+1)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.dispatch(line)
	}

	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		err = &ProtocolError{Reason: fmt.Sprintf("line exceeds %d bytes", MaxLineBytes)}
		c.log.Error("closing connection", "err", err)
	case err == nil:
		err = io.EOF
	default:
		c.log.Warn("read from worker failed", "err", err)
	}
	c.closeWith(err)
}

func (c *Client) dispatch(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.log.Warn("discarding malformed line", "err", err, "line", preview(line))
		return
	}

	switch {
	case env.hasID() && env.Method == "":
		id, ok := env.numericID()
		if !ok {
			c.log.Warn("discarding response with non-numeric id", "id", string(env.ID))
			return
		}
		c.resolve(id, &env)
	case env.Method != "" && !env.hasID():
		c.publish(Notification{Method: env.Method, Params: env.Params})
	default:
		c.log.Warn("discarding unexpected message", "line", preview(line))
	}
}

func (c *Client) resolve(id uint64, env *envelope) {
	c.mu.Lock()
	slot, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Warn("dropping response for unknown request", "id", id)
		return
	}

	if env.Error != nil {
		slot <- callResult{err: remoteErrorFrom(env.Error)}
		return
	}
	slot <- callResult{result: env.Result}
}

func (c *Client) publish(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return
	}
	for _, s := range c.subs {
		select {
		case s <- n:
		default:
			c.log.Warn("subscriber full, dropping notification", "method", n.Method)
		}
	}
}

func preview(line []byte) string {
	if len(line) > logPreviewBytes {
		return string(line[:logPreviewBytes]) + "..."
	}
	return string(line)
}
