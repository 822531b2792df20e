package typing

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

type Typer interface {
	TypeText(ctx context.Context, text string) error
	IsAvailable() bool
}

// New picks xdotool when present and falls back to copying to the
// clipboard with xclip.
func New(delay time.Duration) (Typer, error) {
	xdotoolTyper := &XdotoolTyper{Delay: delay}
	if xdotoolTyper.IsAvailable() {
		slog.Debug("using xdotool for text input")
		return xdotoolTyper, nil
	}

	xclipTyper := &XclipTyper{}
	if xclipTyper.IsAvailable() {
		slog.Warn("xdotool not available, falling back to xclip (clipboard)")
		return xclipTyper, nil
	}

	return nil, fmt.Errorf("neither xdotool nor xclip available")
}

type XdotoolTyper struct {
	// Delay is waited after typing so the focused window settles before
	// the next session can type again.
	Delay time.Duration
}

func (x *XdotoolTyper) IsAvailable() bool {
	_, err := exec.LookPath("xdotool")
	return err == nil
}

func (x *XdotoolTyper) TypeText(ctx context.Context, text string) error {
	if text == "" {
		slog.Debug("empty text provided, nothing to type")
		return nil
	}

	cmd := exec.CommandContext(ctx, "xdotool", "type", "--clearmodifiers", "--", text)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			slog.Debug("typing cancelled by context")
			return ctx.Err()
		}
		slog.Error("xdotool command failed", "err", err)
		return fmt.Errorf("failed to type text with xdotool: %w", err)
	}

	if x.Delay > 0 {
		select {
		case <-time.After(x.Delay):
		case <-ctx.Done():
			slog.Debug("typing cancelled during delay")
			return ctx.Err()
		}
	}

	slog.Debug("successfully typed", "chars", len([]rune(text)))
	return nil
}

type XclipTyper struct{}

func (x *XclipTyper) IsAvailable() bool {
	_, err := exec.LookPath("xclip")
	return err == nil
}

func (x *XclipTyper) TypeText(ctx context.Context, text string) error {
	if text == "" {
		slog.Debug("empty text provided, nothing to copy")
		return nil
	}

	cmd := exec.CommandContext(ctx, "xclip", "-selection", "clipboard")
	cmd.Stdin = strings.NewReader(text)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			slog.Debug("clipboard operation cancelled by context")
			return ctx.Err()
		}
		slog.Error("xclip command failed", "err", err)
		return fmt.Errorf("failed to copy text to clipboard with xclip: %w", err)
	}

	slog.Debug("text copied to clipboard")
	return nil
}
