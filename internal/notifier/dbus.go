package notifier

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"
)

type Notifier interface {
	Notify(content NotificationContent) error
	Close() error
}

type DBusNotifier struct {
	conn           *dbus.Conn
	notificationID uint32
	mu             sync.Mutex
}

const (
	dbusService  = "org.freedesktop.Notifications"
	dbusPath     = "/org/freedesktop/Notifications"
	methodNotify = "org.freedesktop.Notifications.Notify"
	methodClose  = "org.freedesktop.Notifications.CloseNotification"
)

func New() (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		slog.Error("failed to connect to session D-Bus", "err", err)
		return nil, fmt.Errorf("failed to connect to D-Bus session bus: %w", err)
	}

	// test connection by checking if notifications service is available
	var names []string
	err = conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names)
	if err != nil {
		conn.Close()
		slog.Error("failed to list D-Bus names", "err", err)
		return nil, fmt.Errorf("failed to query D-Bus services: %w", err)
	}

	if !slices.Contains(names, dbusService) {
		conn.Close()
		slog.Warn("notification service not available, D-Bus notification service may not be running")
		return nil, fmt.Errorf("notification service %s not available", dbusService)
	}

	slog.Debug("dbus notifier initialized successfully")
	return &DBusNotifier{conn: conn}, nil
}

// Notify replaces the previous notification so the user sees one popup
// that tracks the daemon.
func (n *DBusNotifier) Notify(content NotificationContent) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return fmt.Errorf("D-Bus connection is closed")
	}

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(content.Urgency),
	}

	call := n.conn.Object(dbusService, dbusPath).Call(
		methodNotify, 0,
		title,            // app_name
		n.notificationID, // replaces_id
		content.Icon,     // app_icon
		content.Title,    // summary
		content.Body,     // body
		[]string{},       // actions
		hints,            // hints
		int32(-1),        // expire_timeout
	)
	if call.Err != nil {
		slog.Error("failed to send notification", "err", call.Err)
		return fmt.Errorf("failed to send notification: %w", call.Err)
	}

	var newID uint32
	if err := call.Store(&newID); err != nil {
		return fmt.Errorf("failed to get notification ID: %w", err)
	}

	n.notificationID = newID
	slog.Debug("notification sent", "id", newID, "body", content.Body)
	return nil
}

// Close dismisses the current notification
func (n *DBusNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return nil
	}

	if n.notificationID != 0 {
		call := n.conn.Object(dbusService, dbusPath).Call(methodClose, 0, n.notificationID)
		if call.Err != nil {
			slog.Warn("failed to close notification", "err", call.Err)
		}
		n.notificationID = 0
	}

	if err := n.conn.Close(); err != nil {
		return fmt.Errorf("failed to close D-Bus connection: %w", err)
	}

	n.conn = nil
	slog.Debug("dbus notifier closed")
	return nil
}

// Nop discards notifications. Used when the session bus is unavailable or
// notifications are turned off.
type Nop struct{}

func (Nop) Notify(NotificationContent) error { return nil }
func (Nop) Close() error                     { return nil }
