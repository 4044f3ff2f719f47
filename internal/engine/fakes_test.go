package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grovebox/irrigationd/internal/iodev"
	"github.com/grovebox/irrigationd/internal/model"
)

// fakeIO is an in-memory Provider that records every actuator command.
type fakeIO struct {
	mu        sync.Mutex
	actuators []iodev.Actuator
	states    map[string]bool
	sensors   map[string]float64
	sensorErr map[string]error
	cals      map[string]model.Calibration
	commands  []string
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		states:    make(map[string]bool),
		sensors:   make(map[string]float64),
		sensorErr: make(map[string]error),
		cals:      make(map[string]model.Calibration),
	}
}

func (f *fakeIO) addActuator(id string, kind iodev.ActuatorKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actuators = append(f.actuators, iodev.Actuator{ID: id, Kind: kind, ScheduleEnabled: true})
}

func (f *fakeIO) setSensor(id string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sensors[id] = value
}

func (f *fakeIO) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeIO) SetActuatorState(_ context.Context, actuatorID string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[actuatorID] = on
	f.commands = append(f.commands, fmt.Sprintf("%s:%v", actuatorID, on))
	return nil
}

func (f *fakeIO) ActuatorState(_ context.Context, actuatorID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[actuatorID], nil
}

func (f *fakeIO) SensorValue(_ context.Context, sensorID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sensorErr[sensorID]; err != nil {
		return 0, err
	}
	v, ok := f.sensors[sensorID]
	if !ok {
		return 0, fmt.Errorf("sensor %q: %w", sensorID, model.ErrNotFound)
	}
	return v, nil
}

func (f *fakeIO) Calibration(_ context.Context, actuatorID string) (model.Calibration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cals[actuatorID], nil
}

func (f *fakeIO) Actuators(_ context.Context) ([]iodev.Actuator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]iodev.Actuator(nil), f.actuators...), nil
}

func (f *fakeIO) EnsureAllOff(ctx context.Context) error {
	f.mu.Lock()
	ids := make([]string, 0, len(f.actuators))
	for _, a := range f.actuators {
		ids = append(ids, a.ID)
	}
	f.mu.Unlock()
	for _, id := range ids {
		if err := f.SetActuatorState(ctx, id, false); err != nil {
			return err
		}
	}
	return nil
}

// memLog is an in-memory dose log.
type memLog struct {
	mu      sync.Mutex
	records map[string]model.DoseRecord
	order   []string
}

func newMemLog() *memLog {
	return &memLog{records: make(map[string]model.DoseRecord)}
}

func (m *memLog) Append(rec model.DoseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *memLog) Complete(id string, completedAt time.Time, actual time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("complete unknown record %q", id)
	}
	rec.CompletedAt = completedAt
	rec.Actual = actual
	m.records[id] = rec
	return nil
}

func (m *memLog) FindIncomplete(actuatorID string) ([]model.DoseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DoseRecord
	for _, id := range m.order {
		rec := m.records[id]
		if rec.ActuatorID == actuatorID && rec.Incomplete() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memLog) LastAutopilot(actuatorID string) (model.DoseRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last model.DoseRecord
	var found bool
	for _, id := range m.order {
		rec := m.records[id]
		if rec.ActuatorID != actuatorID || rec.Kind != model.DoseAutopilot {
			continue
		}
		if !found || !rec.StartedAt.Before(last.StartedAt) {
			last, found = rec, true
		}
	}
	return last, found, nil
}

func (m *memLog) byID(id string) (model.DoseRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

func (m *memLog) byKind(kind model.DoseKind) []model.DoseRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DoseRecord
	for _, id := range m.order {
		if rec := m.records[id]; rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// stubResolver serves fixed instances per actuator.
type stubResolver struct {
	byActuator map[string]*model.ScheduleInstance
	errFor     map[string]error
}

func (s *stubResolver) Resolve(actuatorID string, _ model.Date) (*model.ScheduleInstance, error) {
	if err := s.errFor[actuatorID]; err != nil {
		return nil, err
	}
	return s.byActuator[actuatorID], nil
}

// stubConverter returns a fixed duration or error for every volume.
type stubConverter struct {
	duration time.Duration
	err      error
}

func (s *stubConverter) DurationForVolume(context.Context, string, float64) (time.Duration, error) {
	return s.duration, s.err
}
