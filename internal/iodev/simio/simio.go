// Package simio is an in-process hardware provider: simulated valves,
// lighting relays and soil-moisture sensors. It backs the --simulate run
// mode and the engine's tests, where real MQTT hardware is unavailable.
package simio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/iodev"
	"github.com/grovebox/irrigationd/internal/model"
)

// Moisture drift rates, fractions per minute of the 0..1 range. Watering
// raises moisture while a dosing actuator is on; otherwise it dries out.
const (
	gainPerMin  = 0.006
	decayPerMin = 0.001
	defaultSeed = 0.30
)

type channel struct {
	actuator    iodev.Actuator
	on          bool
	calibration model.Calibration
	lastSwitch  time.Time
}

type sensor struct {
	moisture float64
	lastTick time.Time
	// linkedActuator, when set, makes moisture respond to that actuator's
	// on/off state.
	linkedActuator string
}

// Provider implements iodev.Provider entirely in memory.
type Provider struct {
	mu       sync.Mutex
	channels map[string]*channel
	sensors  map[string]*sensor
	logger   *zap.SugaredLogger
	clock    func() time.Time
}

func NewProvider(logger *zap.SugaredLogger, clock func() time.Time) *Provider {
	if clock == nil {
		clock = time.Now
	}
	return &Provider{
		channels: make(map[string]*channel),
		sensors:  make(map[string]*sensor),
		logger:   logger,
		clock:    clock,
	}
}

// AddActuator registers a simulated output channel.
func (p *Provider) AddActuator(act iodev.Actuator, cal model.Calibration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[act.ID] = &channel{actuator: act, calibration: cal}
}

// AddSensor registers a simulated moisture sensor. linkedActuator may be
// empty for a free-running sensor.
func (p *Provider) AddSensor(sensorID, linkedActuator string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sensors[sensorID] = &sensor{
		moisture:       defaultSeed,
		lastTick:       p.clock(),
		linkedActuator: linkedActuator,
	}
}

// SetSensorValue pins a sensor to an exact reading; the drift model resumes
// from there.
func (p *Provider) SetSensorValue(sensorID string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sensors[sensorID]
	if !ok {
		s = &sensor{}
		p.sensors[sensorID] = s
	}
	s.moisture = clamp01(value / 100)
	s.lastTick = p.clock()
}

func (p *Provider) SetActuatorState(_ context.Context, actuatorID string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[actuatorID]
	if !ok {
		return fmt.Errorf("simio: unknown actuator %q: %w", actuatorID, model.ErrNotFound)
	}
	p.advanceLinked(actuatorID)
	ch.on = on
	ch.lastSwitch = p.clock()
	p.logger.Debugw("simulated actuator switched", "actuator", actuatorID, "on", on)
	return nil
}

func (p *Provider) ActuatorState(_ context.Context, actuatorID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[actuatorID]
	if !ok {
		return false, fmt.Errorf("simio: unknown actuator %q: %w", actuatorID, model.ErrNotFound)
	}
	return ch.on, nil
}

func (p *Provider) SensorValue(_ context.Context, sensorID string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sensors[sensorID]
	if !ok {
		return 0, fmt.Errorf("simio: unknown sensor %q: %w", sensorID, model.ErrNotFound)
	}
	p.tickSensor(s)
	return s.moisture * 100, nil
}

func (p *Provider) Calibration(_ context.Context, actuatorID string) (model.Calibration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[actuatorID]
	if !ok {
		return model.Calibration{}, fmt.Errorf("simio: unknown actuator %q: %w", actuatorID, model.ErrNotFound)
	}
	return ch.calibration, nil
}

func (p *Provider) Actuators(_ context.Context) ([]iodev.Actuator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]iodev.Actuator, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch.actuator)
	}
	return out, nil
}

func (p *Provider) EnsureAllOff(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.channels {
		if ch.on {
			p.advanceLinked(id)
			ch.on = false
			ch.lastSwitch = p.clock()
			p.logger.Infow("simulated actuator forced off", "actuator", id)
		}
	}
	return nil
}

// tickSensor advances the drift model to now. Callers hold p.mu.
func (p *Provider) tickSensor(s *sensor) {
	now := p.clock()
	minutes := now.Sub(s.lastTick).Minutes()
	if minutes <= 0 {
		return
	}
	watering := false
	if s.linkedActuator != "" {
		if ch, ok := p.channels[s.linkedActuator]; ok {
			watering = ch.on
		}
	}
	if watering {
		s.moisture = clamp01(s.moisture + gainPerMin*minutes)
	} else {
		s.moisture = clamp01(s.moisture - decayPerMin*minutes)
	}
	s.lastTick = now
}

// advanceLinked ticks every sensor tied to the actuator so a state change
// does not retroactively apply the new rate to the elapsed interval.
// Callers hold p.mu.
func (p *Provider) advanceLinked(actuatorID string) {
	for _, s := range p.sensors {
		if s.linkedActuator == actuatorID {
			p.tickSensor(s)
		}
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
