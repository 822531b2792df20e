package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// logger

type MultiHandler struct {
	fileHandler   slog.Handler
	stderrHandler slog.Handler
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.fileHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

func (h *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error

	if h.fileHandler.Enabled(ctx, record.Level) {
		if err := h.fileHandler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}

	if h.stderrHandler.Enabled(ctx, record.Level) {
		if err := h.stderrHandler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("handler errors: %v", errs)
	}

	return nil
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &MultiHandler{
		fileHandler:   h.fileHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	return &MultiHandler{
		fileHandler:   h.fileHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

type Logger struct {
	logFile *os.File
}

var LevelMap = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

func ParseLevel(level string) (slog.Level, error) {
	l, ok := LevelMap[strings.ToUpper(level)]
	if !ok {
		return 0, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}

// NewHandler builds the file+stderr handler. Stderr gets text when it is a
// terminal and JSON otherwise, so journald and pipes stay machine readable.
func NewHandler(file io.Writer, stderr *os.File, level slog.Level) *MultiHandler {
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{AddSource: true, Level: level})

	var stderrHandler slog.Handler
	if isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd()) {
		stderrHandler = slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	} else {
		stderrHandler = slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})
	}
	return &MultiHandler{fileHandler, stderrHandler}
}

func SetupLogger(level string) *Logger {
	logLevel, err := ParseLevel(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := createDir(CACHE_DIR); err != nil {
		panic(err)
	}

	logFile, err := os.OpenFile(
		filepath.Join(CACHE_DIR, AppName+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666,
	)
	if err != nil {
		panic(fmt.Errorf("failed to open log file: %w", err))
	}

	slog.SetDefault(slog.New(NewHandler(logFile, os.Stderr, logLevel)))
	return &Logger{logFile}
}

func (l *Logger) Close() {
	if l.logFile != nil {
		l.logFile.Close()
	}
}

// files

type AppDir int

const (
	CacheDir AppDir = iota
	ConfigDir
)

func createDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0o755)
		if err != nil {
			return fmt.Errorf("unable to create directory: %w", err)
		}
	}
	return nil
}

func CreateAppDir(ad AppDir) func(name string) (string, error) {
	var d string
	switch ad {
	case CacheDir:
		d = CACHE_DIR
	case ConfigDir:
		d = CONFIG_DIR
	}
	return func(name string) (string, error) {
		fp := filepath.Join(d, name)
		if err := createDir(fp); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
		return fp, nil
	}
}

func EnsureDirectories() error {
	for _, d := range []string{CONFIG_DIR, CACHE_DIR} {
		if err := createDir(d); err != nil {
			return err
		}
	}
	return nil
}

func ExitIfError(err error, code int) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(code)
	}
}
