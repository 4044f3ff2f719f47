package model

import "time"

// DoseKind tags a dose record with why the actuator ran. Recovery doses are
// tagged distinctly so operators can tell a replayed remainder from a normal
// dose in the log.
type DoseKind uint8

const (
	DoseScheduled DoseKind = iota
	DoseAutopilot
	DoseRecovery
	DoseLightingOn
	DoseLightingOff
)

func (k DoseKind) String() string {
	switch k {
	case DoseScheduled:
		return "scheduled"
	case DoseAutopilot:
		return "autopilot"
	case DoseRecovery:
		return "recovery"
	case DoseLightingOn:
		return "lighting_on"
	case DoseLightingOff:
		return "lighting_off"
	default:
		return "unknown"
	}
}

// Dosing reports whether the record represents a timed activation (as
// opposed to a lighting state change). Only dosing records participate in
// power-loss recovery.
func (k DoseKind) Dosing() bool {
	return k == DoseScheduled || k == DoseAutopilot || k == DoseRecovery
}

// DoseRecord is one append-only log entry. A record with a zero CompletedAt
// is "incomplete": the worker wrote its start entry but never closed it,
// which is exactly the state a power loss leaves behind and what drives
// recovery.
type DoseRecord struct {
	ID         string
	ActuatorID string
	InstanceID string
	Kind       DoseKind
	Requested  time.Duration
	Actual     time.Duration
	StartedAt  time.Time
	CompletedAt time.Time
	DryRun     bool
}

// Incomplete reports whether the dose was started but never closed.
func (r DoseRecord) Incomplete() bool {
	return r.Kind.Dosing() && r.CompletedAt.IsZero()
}
