package power

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"

	"github.com/kabilan108/murmur/internal/watchdog"
)

func TestEventFromSignal(t *testing.T) {
	name := logindInterface + "." + signalSleep

	ev, ok := eventFromSignal(&dbus.Signal{Name: name, Body: []any{true}})
	assert.True(t, ok)
	assert.Equal(t, watchdog.Suspending, ev)

	ev, ok = eventFromSignal(&dbus.Signal{Name: name, Body: []any{false}})
	assert.True(t, ok)
	assert.Equal(t, watchdog.Resumed, ev)

	for _, sig := range []*dbus.Signal{
		nil,
		{Name: "org.freedesktop.login1.Manager.SessionNew", Body: []any{true}},
		{Name: name},
		{Name: name, Body: []any{"yes"}},
	} {
		_, ok := eventFromSignal(sig)
		assert.False(t, ok)
	}
}
