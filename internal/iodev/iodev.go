// Package iodev defines the hardware-abstraction boundary the scheduling
// engine drives. The engine never touches pins or transports directly; it
// talks to a Provider, and the shipped providers (MQTT-backed and simulated)
// live in subpackages.
package iodev

import (
	"context"

	"github.com/grovebox/irrigationd/internal/model"
)

// ActuatorKind mirrors the binary-output types the controller hardware
// knows. Only solenoids and pumps dose; only lighting follows the
// photoperiod. The remaining kinds are enumerable but ignored by the
// scheduling engine.
type ActuatorKind string

const (
	KindSolenoid ActuatorKind = "solenoid"
	KindPump     ActuatorKind = "pump"
	KindLighting ActuatorKind = "lighting"
	KindFan      ActuatorKind = "fan"
	KindHeater   ActuatorKind = "heater"
	KindGeneric  ActuatorKind = "generic"
)

// Doses reports whether the kind delivers water and is subject to dose
// events and recovery.
func (k ActuatorKind) Doses() bool {
	return k == KindSolenoid || k == KindPump
}

// Actuator describes one controllable output.
type Actuator struct {
	ID   string       `json:"id"`
	Kind ActuatorKind `json:"kind"`
	// ScheduleEnabled gates the evaluator per actuator; a disabled
	// actuator can still be driven manually through the IO layer.
	ScheduleEnabled bool `json:"schedule_enabled"`
}

// Provider is the IO collaborator contract. State calls are synchronous and
// assumed idempotent by the engine; all calls take a context because the
// backing transport may be remote.
type Provider interface {
	// SetActuatorState commands an actuator on or off.
	SetActuatorState(ctx context.Context, actuatorID string, on bool) error
	// ActuatorState reads the last known on/off state.
	ActuatorState(ctx context.Context, actuatorID string) (bool, error)
	// SensorValue reads the current conditioned value of a sensor.
	SensorValue(ctx context.Context, sensorID string) (float64, error)
	// Calibration returns flow calibration for a dosing actuator.
	Calibration(ctx context.Context, actuatorID string) (model.Calibration, error)
	// Actuators enumerates every configured actuator, in stable order.
	Actuators(ctx context.Context) ([]Actuator, error)
	// EnsureAllOff is the boot-time safety backstop: every actuator is
	// commanded off regardless of recorded state.
	EnsureAllOff(ctx context.Context) error
}

// ActuatorsByKind filters the provider's enumeration to one kind.
func ActuatorsByKind(ctx context.Context, p Provider, kind ActuatorKind) ([]Actuator, error) {
	all, err := p.Actuators(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Actuator, 0, len(all))
	for _, a := range all {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out, nil
}
