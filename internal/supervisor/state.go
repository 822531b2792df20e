package supervisor

import "time"

type State int

const (
	Stopped State = iota
	Starting
	Ready
	Restarting
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Restarting:
		return "restarting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is emitted on every supervisor transition.
type Status struct {
	State        State
	RestartCount int
	Message      string
	// Terminal is set when no automatic retry will follow; a manual
	// restart is required.
	Terminal bool
	// RetryIn is the backoff before the next automatic start when State
	// is Restarting.
	RetryIn time.Duration
	Version string
	At      time.Time
}

type StatusSink interface {
	SidecarStatus(Status)
}

type StatusFunc func(Status)

func (f StatusFunc) SidecarStatus(s Status) { f(s) }
