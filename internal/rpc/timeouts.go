package rpc

import "time"

const DefaultTimeout = 10 * time.Second

// Timeouts maps a method to its deadline. Methods not listed use Default.
type Timeouts struct {
	Default   time.Duration
	PerMethod map[string]time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default: DefaultTimeout,
		PerMethod: map[string]time.Duration{
			MethodPing:          5 * time.Second,
			MethodModelLoad:     5 * time.Minute,
			MethodModelDownload: 30 * time.Minute,
			MethodRecordingStop: 60 * time.Second,
		},
	}
}

func (t Timeouts) For(method string) time.Duration {
	if d, ok := t.PerMethod[method]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultTimeout
}

// With returns a copy of t with the given overrides applied.
func (t Timeouts) With(overrides map[string]time.Duration) Timeouts {
	merged := make(map[string]time.Duration, len(t.PerMethod)+len(overrides))
	for m, d := range t.PerMethod {
		merged[m] = d
	}
	for m, d := range overrides {
		merged[m] = d
	}
	t.PerMethod = merged
	return t
}
