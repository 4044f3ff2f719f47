package model

import (
	"errors"
	"fmt"
	"time"
)

// EventKind discriminates the four dosing event shapes. Duration events carry
// a fixed run time; volume events are converted through actuator calibration.
// Autopilot events fire on a sensor threshold instead of the clock.
type EventKind uint8

const (
	EventDurationScheduled EventKind = iota
	EventVolumeScheduled
	EventDurationAutopilot
	EventVolumeAutopilot
)

func (k EventKind) String() string {
	switch k {
	case EventDurationScheduled:
		return "duration"
	case EventVolumeScheduled:
		return "volume"
	case EventDurationAutopilot:
		return "autopilot_duration"
	case EventVolumeAutopilot:
		return "autopilot_volume"
	default:
		return fmt.Sprintf("event_kind(%d)", uint8(k))
	}
}

// SensorDriven reports whether the event fires on sensor feedback rather
// than at a fixed start time.
func (k EventKind) SensorDriven() bool {
	return k == EventDurationAutopilot || k == EventVolumeAutopilot
}

// VolumeBased reports whether the dose length comes from calibration.
func (k EventKind) VolumeBased() bool {
	return k == EventVolumeScheduled || k == EventVolumeAutopilot
}

// Event is one dosing rule inside a schedule, scoped to the time-of-day
// window [Start, End). Scheduled kinds fire once per day at Start; autopilot
// kinds fire on a setpoint crossing any time inside the window, then hold off
// for the settling period.
type Event struct {
	Kind  EventKind
	Start TimeOfDay
	End   TimeOfDay

	// DurationSec is the run time for duration kinds.
	DurationSec uint32
	// VolumeML is the requested delivery for volume kinds.
	VolumeML float64

	// SensorID names the trigger sensor for autopilot kinds.
	SensorID string
	// TriggerSetpoint fires the event when the sensor value drops to or
	// below it (a dry-soil style trigger, matching the firmware).
	TriggerSetpoint float64
	// SettlingMinutes is the autopilot cooldown. Configured in minutes,
	// converted to seconds at this boundary; all internal arithmetic is
	// on time.Duration.
	SettlingMinutes uint16
}

// Duration returns the fixed run time of a duration event.
func (e Event) Duration() time.Duration {
	return time.Duration(e.DurationSec) * time.Second
}

// Settling returns the autopilot cooldown as a duration.
func (e Event) Settling() time.Duration {
	return time.Duration(e.SettlingMinutes) * time.Minute
}

// InWindow reports whether t falls inside the event's active window.
func (e Event) InWindow(t TimeOfDay) bool {
	return t.InWindow(e.Start, e.End)
}

func (e Event) Validate() error {
	if !e.Start.Valid() || !e.End.Valid() {
		return fmt.Errorf("event window %s-%s out of range", e.Start, e.End)
	}
	switch e.Kind {
	case EventDurationScheduled, EventDurationAutopilot:
		if e.DurationSec == 0 {
			return errors.New("duration event requires a positive duration")
		}
	case EventVolumeScheduled, EventVolumeAutopilot:
		if e.VolumeML <= 0 {
			return errors.New("volume event requires a positive volume")
		}
	default:
		return fmt.Errorf("unknown event kind %d", e.Kind)
	}
	if e.Kind.SensorDriven() && e.SensorID == "" {
		return errors.New("autopilot event requires a sensor id")
	}
	return nil
}

// ScheduleInstance is the unit of scheduling authority: one actuator, one
// inclusive date range, one priority. The evaluator only ever reads
// instances; all mutation goes through the repository, which bumps Version
// on every save.
type ScheduleInstance struct {
	ID         string
	TemplateID string
	ActuatorID string
	StartDate  Date
	EndDate    Date
	// Priority orders competing instances; the lowest value wins, ties
	// break on ID so resolution is reproducible.
	Priority int32
	Lighting *Photoperiod
	Events   []Event
	Version  uint32
}

// Covers reports whether the instance is in effect on the given date.
func (s *ScheduleInstance) Covers(today Date) bool {
	return !s.StartDate.After(today) && !s.EndDate.Before(today)
}

func (s *ScheduleInstance) Validate() error {
	if s.ID == "" {
		return errors.New("instance id is required")
	}
	if s.ActuatorID == "" {
		return errors.New("instance actuator id is required")
	}
	if s.StartDate.After(s.EndDate) {
		return fmt.Errorf("instance %s: start date %s after end date %s", s.ID, s.StartDate, s.EndDate)
	}
	if s.Lighting != nil && !s.Lighting.Valid() {
		return fmt.Errorf("instance %s: invalid photoperiod", s.ID)
	}
	for i, e := range s.Events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("instance %s event %d: %w", s.ID, i, err)
		}
	}
	return nil
}

// ScheduleTemplate is an undated, unbound blueprint used only to seed new
// instances.
type ScheduleTemplate struct {
	ID       string
	Name     string
	Lighting *Photoperiod
	Events   []Event
	Version  uint32
}

func (t *ScheduleTemplate) Validate() error {
	if t.ID == "" {
		return errors.New("template id is required")
	}
	if t.Lighting != nil && !t.Lighting.Valid() {
		return fmt.Errorf("template %s: invalid photoperiod", t.ID)
	}
	for i, e := range t.Events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("template %s event %d: %w", t.ID, i, err)
		}
	}
	return nil
}

// Instantiate seeds a new instance from the template. Date range, actuator
// binding and priority are supplied by the caller; events and lighting are
// copied so later template edits never reach live instances.
func (t *ScheduleTemplate) Instantiate(id, actuatorID string, start, end Date, priority int32) *ScheduleInstance {
	inst := &ScheduleInstance{
		ID:         id,
		TemplateID: t.ID,
		ActuatorID: actuatorID,
		StartDate:  start,
		EndDate:    end,
		Priority:   priority,
		Events:     append([]Event(nil), t.Events...),
	}
	if t.Lighting != nil {
		lp := *t.Lighting
		inst.Lighting = &lp
	}
	return inst
}
