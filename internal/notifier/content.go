package notifier

import (
	"fmt"
	"time"

	"github.com/kabilan108/murmur/internal/session"
	"github.com/kabilan108/murmur/internal/supervisor"
)

type NotificationContent struct {
	Title   string
	Body    string
	Icon    string
	Urgency byte
}

const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

const title = "murmur"

// formatDuration formats a duration into a readable string (e.g., "0:15", "1:30")
func formatDuration(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// ForSidecar maps a supervisor transition to a notification. The second
// return is false for transitions that should not interrupt the user.
func ForSidecar(st supervisor.Status) (NotificationContent, bool) {
	switch st.State {
	case supervisor.Ready:
		if st.RestartCount == 0 {
			return NotificationContent{}, false
		}
		return NotificationContent{
			Title:   title,
			Body:    "transcription worker recovered",
			Icon:    "audio-input-microphone",
			Urgency: urgencyLow,
		}, true
	case supervisor.Restarting:
		return NotificationContent{
			Title:   title,
			Body:    fmt.Sprintf("transcription worker crashed, restarting in %s", st.RetryIn.Round(time.Millisecond)),
			Icon:    "view-refresh",
			Urgency: urgencyNormal,
		}, true
	case supervisor.Failed:
		body := "transcription worker failed"
		if st.Terminal {
			body += ", run `murmur restart` to try again"
		}
		if st.Message != "" {
			body += "\n" + st.Message
		}
		return NotificationContent{
			Title:   title,
			Body:    body,
			Icon:    "dialog-error",
			Urgency: urgencyCritical,
		}, true
	default:
		return NotificationContent{}, false
	}
}

// ForSession maps a session event to a notification.
func ForSession(ev session.Event) (NotificationContent, bool) {
	switch ev.Kind {
	case session.Started:
		return NotificationContent{Title: title, Body: "recording audio", Icon: "media-record", Urgency: urgencyLow}, true
	case session.Stopped:
		return NotificationContent{
			Title:   title,
			Body:    fmt.Sprintf("transcribing %s of audio", formatDuration(ev.RecordingDuration)),
			Icon:    "process-working-symbolic",
			Urgency: urgencyLow,
		}, true
	case session.TooShort:
		return NotificationContent{Title: title, Body: "recording too short, discarded", Icon: "dialog-information", Urgency: urgencyLow}, true
	case session.Cancelled:
		return NotificationContent{Title: title, Body: "recording cancelled", Icon: "dialog-information", Urgency: urgencyLow}, true
	case session.Completed:
		return NotificationContent{
			Title:   title,
			Body:    fmt.Sprintf("transcribed %d characters", len([]rune(ev.Text))),
			Icon:    "audio-input-microphone",
			Urgency: urgencyLow,
		}, true
	case session.MaxDurationReached:
		return NotificationContent{Title: title, Body: "maximum recording length reached, transcribing", Icon: "dialog-warning", Urgency: urgencyNormal}, true
	case session.TimedOut:
		return NotificationContent{Title: title, Body: "transcription timed out", Icon: "dialog-error", Urgency: urgencyCritical}, true
	case session.Failed:
		body := "transcription failed"
		if ev.Err != nil {
			body += ": " + ev.Err.Error()
		}
		return NotificationContent{Title: title, Body: body, Icon: "dialog-error", Urgency: urgencyCritical}, true
	default:
		return NotificationContent{}, false
	}
}
