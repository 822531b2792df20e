// Package power reports system sleep and wake from systemd-logind.
package power

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/kabilan108/murmur/internal/watchdog"
)

const (
	logindInterface = "org.freedesktop.login1.Manager"
	logindPath      = "/org/freedesktop/login1"
	signalSleep     = "PrepareForSleep"
)

// Watch forwards PrepareForSleep signals from the system bus to handle
// until ctx is done.
func Watch(ctx context.Context, handle func(watchdog.PowerEvent)) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchMember(signalSleep),
	); err != nil {
		return fmt.Errorf("failed to subscribe to logind sleep signals: %w", err)
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	slog.Debug("watching logind for sleep events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			ev, ok := eventFromSignal(sig)
			if !ok {
				continue
			}
			slog.Info("power event", "event", ev.String())
			handle(ev)
		}
	}
}

// eventFromSignal maps PrepareForSleep(true) to Suspending and
// PrepareForSleep(false) to Resumed.
func eventFromSignal(sig *dbus.Signal) (watchdog.PowerEvent, bool) {
	if sig == nil || sig.Name != logindInterface+"."+signalSleep || len(sig.Body) != 1 {
		return 0, false
	}
	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		return 0, false
	}
	if sleeping {
		return watchdog.Suspending, true
	}
	return watchdog.Resumed, true
}
