package sidecar

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoWorker = `#!/usr/bin/env bash
echo "booting" >&2
while IFS= read -r line; do
  case "$line" in
    *'"system.ping"'*)
      echo "warming up"
      echo '{"id":0,"result":{"version":"9.9.9"}}'
      ;;
    *'"system.shutdown"'*)
      echo "bye" >&2
      exit 0
      ;;
  esac
done
`

func writeScript(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o755))
	return path
}

func waitExited(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("sidecar did not exit")
	}
}

func TestControllerSelfCheckAndGracefulStop(t *testing.T) {
	t.Parallel()

	c := NewController(Config{Command: writeScript(t, "worker.sh", echoWorker), StopTimeout: 2 * time.Second})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	assert.True(t, c.Running())
	assert.NotZero(t, c.PID())

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	version, err := c.SelfCheck(sctx)
	require.NoError(t, err)
	assert.Equal(t, "9.9.9", version)

	require.NoError(t, c.Stop(ctx))
	waitExited(t, c)
	assert.NoError(t, c.ExitErr())
	assert.False(t, c.Running())

	logs := strings.Join(c.DrainCapturedLogs(), "\n")
	assert.Contains(t, logs, "[stderr] booting")
	assert.Contains(t, logs, "[stdout] warming up")
	assert.Contains(t, logs, "[stderr] bye")
	assert.Empty(t, c.DrainCapturedLogs())
}

func TestControllerKillsUnresponsiveWorker(t *testing.T) {
	t.Parallel()

	script := `#!/usr/bin/env bash
trap '' TERM INT
exec 0<&-
while true; do sleep 0.05; done
`
	c := NewController(Config{Command: writeScript(t, "stubborn.sh", script), StopTimeout: 100 * time.Millisecond})
	require.NoError(t, c.Start(context.Background()))

	start := time.Now()
	require.NoError(t, c.Stop(context.Background()))
	waitExited(t, c)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Error(t, c.ExitErr())
}

func TestControllerReportsCrashAndCapturesOutput(t *testing.T) {
	t.Parallel()

	script := `#!/usr/bin/env bash
echo "fatal: model file missing" >&2
exit 3
`
	c := NewController(Config{Command: writeScript(t, "crash.sh", script)})
	require.NoError(t, c.Start(context.Background()))
	waitExited(t, c)

	require.Error(t, c.ExitErr())
	logs := c.DrainCapturedLogs()
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0], "fatal: model file missing")

	assert.NoError(t, c.Stop(context.Background()))
}

func TestControllerKeepsOutputWrittenBeforeExit(t *testing.T) {
	t.Parallel()

	script := `#!/usr/bin/env bash
echo '{"id":7,"error":{"code":-32000,"message":"out of memory"}}'
exit 3
`
	c := NewController(Config{Command: writeScript(t, "last-words.sh", script)})
	require.NoError(t, c.Start(context.Background()))
	waitExited(t, c)

	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Contains(t, line, "out of memory")
}

func TestControllerStopDoesNotSplitLines(t *testing.T) {
	t.Parallel()

	script := `#!/usr/bin/env bash
while IFS= read -r line; do
  printf '%s\n' "$line" >&2
  case "$line" in
    *'"system.shutdown"'*) exit 0 ;;
  esac
done
`
	c := NewController(Config{
		Command:       writeScript(t, "echo-stderr.sh", script),
		StopTimeout:   5 * time.Second,
		LogBufferSize: 1000,
	})
	require.NoError(t, c.Start(context.Background()))

	payload := `{"method":"noise","params":"` + strings.Repeat("x", 8*1024) + `"}`
	_, w := c.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 20 {
			if _, err := w.Write([]byte(payload + "\n")); err != nil {
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
	waitExited(t, c)
	<-done

	var sawGoodbye bool
	for _, r := range c.CapturedLogs() {
		switch r.Line {
		case payload:
		case goodbyeLine:
			sawGoodbye = true
		default:
			t.Fatalf("interleaved line of %d bytes", len(r.Line))
		}
	}
	assert.True(t, sawGoodbye)
}

func TestControllerSelfCheckFailsWhenWorkerDies(t *testing.T) {
	t.Parallel()

	c := NewController(Config{Command: writeScript(t, "die.sh", "#!/usr/bin/env bash\nexit 1\n")})
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.SelfCheck(ctx)
	assert.Error(t, err)
}

func TestControllerSelfCheckRemoteError(t *testing.T) {
	t.Parallel()

	script := `#!/usr/bin/env bash
read -r line
echo '{"id":0,"error":{"code":-32001,"message":"no gpu","data":{"kind":"device"}}}'
read -r line
`
	c := NewController(Config{Command: writeScript(t, "err.sh", script), StopTimeout: time.Second})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.SelfCheck(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gpu")
}

func TestControllerRejectsSecondStart(t *testing.T) {
	t.Parallel()

	c := NewController(Config{Command: writeScript(t, "worker.sh", echoWorker), StopTimeout: time.Second})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)
}

func TestControllerWritesAndClearsPIDFile(t *testing.T) {
	t.Parallel()

	pidFile := filepath.Join(t.TempDir(), "sidecar.pid")
	c := NewController(Config{
		Command:     writeScript(t, "worker.sh", echoWorker),
		PIDFile:     pidFile,
		StopTimeout: time.Second,
	})
	require.NoError(t, c.Start(context.Background()))

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(string(data)))

	require.NoError(t, c.Stop(context.Background()))
	waitExited(t, c)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(pidFile)
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestControllerWithoutCommand(t *testing.T) {
	t.Parallel()

	c := NewController(Config{})
	assert.Error(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.WriteLine([]byte("{}")), ErrNotRunning)
	assert.NoError(t, c.Stop(context.Background()))
}
