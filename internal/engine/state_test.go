package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovebox/irrigationd/internal/model"
)

func TestBusyFlagExclusive(t *testing.T) {
	s := NewState()

	require.NoError(t, s.AcquireBusy("valve-1"))
	assert.True(t, s.Busy("valve-1"))
	assert.ErrorIs(t, s.AcquireBusy("valve-1"), model.ErrActuatorBusy)

	require.NoError(t, s.AcquireBusy("valve-2"), "flags are per actuator")

	s.ReleaseBusy("valve-1")
	assert.False(t, s.Busy("valve-1"))
	require.NoError(t, s.AcquireBusy("valve-1"))
}

func TestSettlingWindow(t *testing.T) {
	s := NewState()
	now := time.Date(2026, time.March, 15, 8, 0, 0, 0, time.UTC)

	assert.False(t, s.InSettling("valve-1", now))

	s.StartSettling("valve-1", now, 30*time.Minute)
	assert.True(t, s.InSettling("valve-1", now))
	assert.True(t, s.InSettling("valve-1", now.Add(29*time.Minute)))
	assert.False(t, s.InSettling("valve-1", now.Add(30*time.Minute)), "window is half-open")
	assert.False(t, s.InSettling("valve-2", now))

	s.ClearSettling("valve-1")
	assert.False(t, s.InSettling("valve-1", now))
}

func TestFiredResetsAtMidnight(t *testing.T) {
	s := NewState()
	today := model.NewDate(2026, time.March, 15)
	tomorrow := model.NewDate(2026, time.March, 16)

	assert.False(t, s.HasFired(today, "inst-1", 0))
	s.MarkFired(today, "inst-1", 0)
	assert.True(t, s.HasFired(today, "inst-1", 0))
	assert.False(t, s.HasFired(today, "inst-1", 1), "keyed per event")

	assert.False(t, s.HasFired(tomorrow, "inst-1", 0), "a new day clears fired markers")
}

func TestDeferredLifecycle(t *testing.T) {
	s := NewState()
	today := model.NewDate(2026, time.March, 15)

	s.MarkDeferred(today, "inst-1", 0)
	assert.True(t, s.Deferred(today, "inst-1", 0))

	// Firing consumes the deferral.
	s.MarkFired(today, "inst-1", 0)
	assert.False(t, s.Deferred(today, "inst-1", 0))

	s.MarkDeferred(today, "inst-1", 1)
	s.DropDeferred(today, "inst-1", 1)
	assert.False(t, s.Deferred(today, "inst-1", 1))

	s.MarkDeferred(today, "inst-1", 2)
	tomorrow := model.NewDate(2026, time.March, 16)
	assert.False(t, s.Deferred(tomorrow, "inst-1", 2), "deferrals never cross a day boundary")
}
