// Package engine is the execution core: the periodic evaluator, the bounded
// dose worker pool, the power-loss recovery manager and the facade tying
// them together.
package engine

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/grovebox/irrigationd/internal/model"
)

// State is the only mutable structure shared between the evaluator and the
// dose workers: per-actuator busy flags, autopilot settling windows and the
// fired-today markers for scheduled events. All access goes through this
// guarded API; there are no ambient globals.
type State struct {
	mu sync.Mutex

	busy map[string]struct{}

	// settling holds per-actuator "do not re-trigger until" instants.
	// go-cache expires stale entries on its own; comparisons use the
	// caller's clock so tests can drive time.
	settling *gocache.Cache

	// fired marks scheduled events that already ran, keyed by
	// instance/event/date, and deferred marks pool-exhausted starts
	// awaiting retry within their window.
	fired    map[string]struct{}
	deferred map[string]struct{}
	firedDay model.Date

	// lighting is the last photoperiod state issued per actuator. In
	// dry-run mode the hardware never changes, so this shadow is what
	// keeps lighting evaluation idempotent.
	lighting map[string]bool
}

func NewState() *State {
	return &State{
		busy:     make(map[string]struct{}),
		settling: gocache.New(gocache.NoExpiration, 10*time.Minute),
		fired:    make(map[string]struct{}),
		deferred: make(map[string]struct{}),
		lighting: make(map[string]bool),
	}
}

// LightingState returns the last lighting state issued for the actuator;
// ok is false before the first switch of this process.
func (s *State) LightingState(actuatorID string) (on, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	on, ok = s.lighting[actuatorID]
	return on, ok
}

// SetLightingState records the lighting state just issued (or, in dry-run,
// the state that would have been issued).
func (s *State) SetLightingState(actuatorID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lighting[actuatorID] = on
}

// AcquireBusy sets the actuator's busy flag. It fails with ErrActuatorBusy
// when a dose worker already owns the actuator; at most one worker is ever
// active per actuator.
func (s *State) AcquireBusy(actuatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.busy[actuatorID]; taken {
		return fmt.Errorf("%s: %w", actuatorID, model.ErrActuatorBusy)
	}
	s.busy[actuatorID] = struct{}{}
	return nil
}

// ReleaseBusy clears the busy flag; called from the worker's completion
// path.
func (s *State) ReleaseBusy(actuatorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, actuatorID)
}

// Busy reports whether a dose worker currently owns the actuator.
func (s *State) Busy(actuatorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, taken := s.busy[actuatorID]
	return taken
}

// StartSettling opens an autopilot cooldown for the actuator, ending at
// now+window.
func (s *State) StartSettling(actuatorID string, now time.Time, window time.Duration) {
	// Keep the cache entry a little past the window so InSettling can
	// still compare against an injected clock near the boundary.
	s.settling.Set(actuatorID, now.Add(window), window+time.Minute)
}

// InSettling reports whether the actuator's settling period is still open
// at now.
func (s *State) InSettling(actuatorID string, now time.Time) bool {
	v, ok := s.settling.Get(actuatorID)
	if !ok {
		return false
	}
	until, ok := v.(time.Time)
	return ok && now.Before(until)
}

// ClearSettling drops any settling marker for the actuator; used when no
// schedule covers the actuator anymore so a stale window cannot linger.
func (s *State) ClearSettling(actuatorID string) {
	s.settling.Delete(actuatorID)
}

func firedKey(instanceID string, eventIndex int) string {
	return fmt.Sprintf("%s/%d", instanceID, eventIndex)
}

// rollDay drops fired/deferred markers when the calendar date changes, so
// "once per day" resets at midnight without unbounded growth.
func (s *State) rollDay(today model.Date) {
	if s.firedDay == today {
		return
	}
	s.fired = make(map[string]struct{})
	s.deferred = make(map[string]struct{})
	s.firedDay = today
}

// MarkFired records that a scheduled event ran today.
func (s *State) MarkFired(today model.Date, instanceID string, eventIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay(today)
	key := firedKey(instanceID, eventIndex)
	s.fired[key] = struct{}{}
	delete(s.deferred, key)
}

// HasFired reports whether a scheduled event already ran today.
func (s *State) HasFired(today model.Date, instanceID string, eventIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay(today)
	_, ok := s.fired[firedKey(instanceID, eventIndex)]
	return ok
}

// MarkDeferred records a start that was refused by a full worker pool; the
// evaluator retries it on later cycles while the event window is still open.
func (s *State) MarkDeferred(today model.Date, instanceID string, eventIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay(today)
	s.deferred[firedKey(instanceID, eventIndex)] = struct{}{}
}

// Deferred reports whether the event has a pending pool-exhausted retry.
func (s *State) Deferred(today model.Date, instanceID string, eventIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay(today)
	_, ok := s.deferred[firedKey(instanceID, eventIndex)]
	return ok
}

// DropDeferred discards a deferral whose window closed before a slot freed
// up; the dose is not carried into a later window.
func (s *State) DropDeferred(today model.Date, instanceID string, eventIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay(today)
	delete(s.deferred, firedKey(instanceID, eventIndex))
}
