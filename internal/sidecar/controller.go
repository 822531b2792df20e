package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kabilan108/murmur/internal/rpc"
)

const (
	DefaultStopTimeout = 3 * time.Second

	killWait    = 2 * time.Second
	readerSize  = 64 * 1024
	pingLine    = `{"id":0,"method":"` + rpc.MethodPing + `"}`
	goodbyeLine = `{"method":"` + rpc.MethodShutdown + `"}`
)

var (
	ErrAlreadyRunning = errors.New("sidecar already running")
	ErrNotRunning     = errors.New("sidecar not running")
)

type Config struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	// PIDFile, when set, records the worker pid so a stale worker left by a
	// previous daemon can be killed on the next start.
	PIDFile       string
	StopTimeout   time.Duration
	LogBufferSize int
}

// Controller owns a single worker process: spawning it, its pipes, and
// observing its exit. It never restarts anything on its own.
type Controller struct {
	cfg  Config
	log  *slog.Logger
	logs *LogBuffer

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   *lineSink
	stdout  *bufio.Reader
	outFile *os.File
	exited  chan struct{}
	exitErr error
}

func NewController(cfg Config) *Controller {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Controller{
		cfg:  cfg,
		log:  slog.Default().With("component", "sidecar"),
		logs: NewLogBuffer(cfg.LogBufferSize),
	}
}

func (c *Controller) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cfg.Command == "" {
		return errors.New("sidecar command not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return ErrAlreadyRunning
	}

	c.killStale()

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.WaitDelay = killWait

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open sidecar stdin: %w", err)
	}
	// stdout is our own pipe rather than StdoutPipe: Wait closes the latter,
	// dropping whatever the worker wrote just before exiting.
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("failed to open sidecar stdout: %w", err)
	}
	cmd.Stdout = outW
	stderr := &lineWriter{emit: func(line string) { c.capture(Stderr, line) }}
	cmd.Stderr = stderr

	err = cmd.Start()
	_ = outW.Close()
	if err != nil {
		_ = outR.Close()
		return fmt.Errorf("failed to start sidecar: %w", err)
	}

	if c.outFile != nil {
		_ = c.outFile.Close()
	}
	exited := make(chan struct{})
	c.cmd = cmd
	c.stdin = &lineSink{w: stdin}
	c.outFile = outR
	c.stdout = bufio.NewReaderSize(outR, readerSize)
	c.exited = exited
	c.exitErr = nil

	c.log.Info("started sidecar", "pid", cmd.Process.Pid, "command", c.cfg.Command)

	if c.cfg.PIDFile != "" {
		if err := os.WriteFile(c.cfg.PIDFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
			c.log.Warn("failed to write pid file", "path", c.cfg.PIDFile, "err", err)
		}
	}

	go c.monitor(cmd, stderr, exited)

	return nil
}

func (c *Controller) monitor(cmd *exec.Cmd, stderr *lineWriter, exited chan struct{}) {
	err := cmd.Wait()
	stderr.Flush()

	c.mu.Lock()
	if c.cmd == cmd {
		c.cmd = nil
		c.exitErr = err
	}
	c.mu.Unlock()

	if c.cfg.PIDFile != "" {
		_ = os.Remove(c.cfg.PIDFile)
	}

	if err != nil {
		c.log.Warn("sidecar exited", "pid", cmd.Process.Pid, "err", err)
	} else {
		c.log.Info("sidecar exited", "pid", cmd.Process.Pid)
	}
	close(exited)
}

// Stop asks the worker to exit via the shutdown notification, then kills
// it if it is still running after the stop timeout.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cmd, stdin, exited := c.cmd, c.stdin, c.exited
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if stdin != nil {
		// a worker that stopped reading would block this write; the kill
		// below unblocks it
		go func() {
			if _, err := stdin.Write([]byte(goodbyeLine + "\n")); err != nil {
				c.log.Debug("failed to send shutdown to sidecar", "err", err)
			}
			_ = stdin.Close()
		}()
	}

	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
		c.log.Warn("sidecar did not exit in time, killing", "pid", cmd.Process.Pid, "timeout", c.cfg.StopTimeout)
	case <-ctx.Done():
		c.log.Warn("stop cancelled, killing sidecar", "pid", cmd.Process.Pid)
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill sidecar: %w", err)
	}

	select {
	case <-exited:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("sidecar pid %d did not exit after kill", cmd.Process.Pid)
	}
}

// SelfCheck sends a ping directly over the pipe and waits for the reply.
// It must run before an rpc.Client is attached to the same pipes.
func (c *Controller) SelfCheck(ctx context.Context) (string, error) {
	if err := c.WriteLine([]byte(pingLine)); err != nil {
		return "", fmt.Errorf("self-check: %w", err)
	}

	type reply struct {
		line string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		for {
			line, err := c.ReadLine()
			if err != nil {
				ch <- reply{err: err}
				return
			}
			if !strings.HasPrefix(line, "{") {
				c.capture(Stdout, line)
				continue
			}
			ch <- reply{line: line}
			return
		}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("self-check: %w", r.err)
		}
		return parsePingReply(r.line)
	case <-ctx.Done():
		return "", fmt.Errorf("self-check: %w", ctx.Err())
	}
}

func parsePingReply(line string) (string, error) {
	var resp rpc.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return "", fmt.Errorf("self-check: %w", &rpc.ProtocolError{Reason: "invalid ping reply: " + err.Error()})
	}
	if resp.Error != nil {
		re := &rpc.RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
		if resp.Error.Data != nil {
			re.Kind = resp.Error.Data.Kind
		}
		return "", fmt.Errorf("self-check: %w", re)
	}
	var result rpc.PingResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return "", fmt.Errorf("self-check: %w", &rpc.SerializationError{Method: rpc.MethodPing, Err: err})
		}
	}
	return result.Version, nil
}

// WriteLine writes one message followed by a newline to the worker's stdin.
func (c *Controller) WriteLine(line []byte) error {
	c.mu.Lock()
	stdin := c.stdin
	running := c.cmd != nil
	c.mu.Unlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := stdin.Write(buf)
	return err
}

// ReadLine reads one line from the worker's stdout, enforcing the same
// size cap as the rpc client.
func (c *Controller) ReadLine() (string, error) {
	c.mu.Lock()
	r := c.stdout
	c.mu.Unlock()

	if r == nil {
		return "", ErrNotRunning
	}

	var buf []byte
	for {
		frag, err := r.ReadSlice('\n')
		buf = append(buf, frag...)
		if len(buf) > rpc.MaxLineBytes+1 {
			return "", &rpc.ProtocolError{Reason: fmt.Sprintf("line exceeds %d bytes", rpc.MaxLineBytes)}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				break
			}
			return "", err
		}
		break
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// Pipe returns the worker's stdout and stdin for an rpc.Client.
func (c *Controller) Pipe() (io.Reader, io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil || c.stdout == nil {
		return nil, nil
	}
	return c.stdout, c.stdin
}

// Exited is closed when the current worker process exits.
func (c *Controller) Exited() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

func (c *Controller) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// DrainCapturedLogs returns and clears the captured output.
func (c *Controller) DrainCapturedLogs() []string {
	records := c.logs.Drain()
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, r.String())
	}
	return lines
}

// CapturedLogs returns the captured output without clearing it.
func (c *Controller) CapturedLogs() []LogRecord {
	return c.logs.Snapshot()
}

func (c *Controller) capture(stream Stream, line string) {
	c.logs.Push(stream, line)
	c.log.Debug("sidecar output", "stream", stream, "line", line)
}

func (c *Controller) killStale() {
	if c.cfg.PIDFile == "" {
		return
	}
	data, err := os.ReadFile(c.cfg.PIDFile)
	if err != nil {
		return
	}
	defer os.Remove(c.cfg.PIDFile)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Kill(); err == nil {
		c.log.Info("terminated stale sidecar", "pid", pid)
	}
}

// lineSink serializes writes to the worker's stdin. Every caller writes
// whole lines, so holding the lock per Write keeps lines from interleaving.
type lineSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func (s *lineSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *lineSink) Close() error {
	return s.w.Close()
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line != "" {
			w.emit(line)
		}
	}
	if len(w.buf) > rpc.MaxLineBytes {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}
