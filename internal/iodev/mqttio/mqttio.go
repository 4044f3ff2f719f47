// Package mqttio bridges the engine to field hardware over MQTT: actuator
// commands out, actuator state and sensor readings in. Readings are cached
// with a freshness TTL so the engine never doses on stale telemetry.
package mqttio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/iodev"
	"github.com/grovebox/irrigationd/internal/model"
	"github.com/grovebox/irrigationd/pkg/dedup"
	"github.com/grovebox/irrigationd/pkg/mqttbus"
)

const (
	commandTopicPrefix = "irrigation/command/"
	stateTopicPrefix   = "irrigation/state/"
	sensorTopicPrefix  = "sensor/data/"

	commandQoS = 1
	sensorQoS  = 0
)

// ActuatorDef is one actuator entry of the devices config file.
type ActuatorDef struct {
	ID              string  `json:"id"`
	Kind            string  `json:"kind"`
	ScheduleEnabled bool    `json:"enable_schedule_execution"`
	FlowRateMLPerS  float64 `json:"flow_rate_ml_per_second,omitempty"`
	EmitterCount    int     `json:"num_emitters,omitempty"`
	LPHPerEmitter   float64 `json:"lph_per_emitter,omitempty"`
}

// SensorDef is one sensor entry of the devices config file. ActuatorID
// links the sensor to the actuator that waters its soil; the simulated
// provider uses the link to drive its moisture drift.
type SensorDef struct {
	ID         string `json:"id"`
	ActuatorID string `json:"actuator_id,omitempty"`
}

// DeviceConfig is the parsed devices inventory.
type DeviceConfig struct {
	Actuators []ActuatorDef `json:"actuators"`
	Sensors   []SensorDef   `json:"sensors,omitempty"`
}

// LoadDevicesFile reads the JSON device inventory. A bare top-level array
// is accepted as an actuators-only inventory.
func LoadDevicesFile(path string) (DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("devices file %s: %w", path, err)
	}
	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		var defs []ActuatorDef
		if arrErr := json.Unmarshal(raw, &defs); arrErr != nil {
			return DeviceConfig{}, fmt.Errorf("devices file %s: %w", path, err)
		}
		cfg = DeviceConfig{Actuators: defs}
	}

	known := make(map[string]struct{}, len(cfg.Actuators))
	for i, d := range cfg.Actuators {
		if d.ID == "" {
			return DeviceConfig{}, fmt.Errorf("devices file %s: actuator %d has no id", path, i)
		}
		known[d.ID] = struct{}{}
	}
	for i, s := range cfg.Sensors {
		if s.ID == "" {
			return DeviceConfig{}, fmt.Errorf("devices file %s: sensor %d has no id", path, i)
		}
		if s.ActuatorID != "" {
			if _, ok := known[s.ActuatorID]; !ok {
				return DeviceConfig{}, fmt.Errorf("devices file %s: sensor %q links unknown actuator %q", path, s.ID, s.ActuatorID)
			}
		}
	}
	return cfg, nil
}

// command is the wire shape of an actuator command. MessageID lets the
// device side deduplicate QoS 1 redeliveries.
type command struct {
	MessageID string `json:"message_id"`
	State     string `json:"state"`
}

// stateReport is what devices publish (retained) on their state topic.
type stateReport struct {
	MessageID string `json:"message_id"`
	On        bool   `json:"on"`
}

// sensorReading is the wire shape of one telemetry sample.
type sensorReading struct {
	MessageID string  `json:"message_id"`
	SensorID  string  `json:"sensor_id"`
	Value     float64 `json:"value"`
}

// Provider implements iodev.Provider on an MQTT session.
type Provider struct {
	client mqtt.Client
	logger *zap.SugaredLogger

	actuators    []iodev.Actuator
	calibrations map[string]model.Calibration

	// readings expire so a dead sensor surfaces as an error, not as its
	// last value forever.
	readings *gocache.Cache
	dedupe   *dedup.Deduper

	mu     sync.Mutex
	states map[string]bool
}

func NewProvider(client mqtt.Client, defs []ActuatorDef, sensorTTL time.Duration, logger *zap.SugaredLogger) *Provider {
	if sensorTTL <= 0 {
		sensorTTL = 5 * time.Minute
	}
	p := &Provider{
		client:       client,
		logger:       logger,
		calibrations: make(map[string]model.Calibration, len(defs)),
		readings:     gocache.New(sensorTTL, sensorTTL),
		dedupe:       dedup.New(10 * time.Minute),
		states:       make(map[string]bool, len(defs)),
	}
	for _, d := range defs {
		p.actuators = append(p.actuators, iodev.Actuator{
			ID:              d.ID,
			Kind:            iodev.ActuatorKind(d.Kind),
			ScheduleEnabled: d.ScheduleEnabled,
		})
		p.calibrations[d.ID] = model.Calibration{
			RateMLPerSec:  d.FlowRateMLPerS,
			EmitterCount:  d.EmitterCount,
			LPHPerEmitter: d.LPHPerEmitter,
		}
	}
	return p
}

// Run subscribes to the inbound topics and blocks until ctx is cancelled.
func (p *Provider) Run(ctx context.Context) {
	topics := map[string]byte{
		sensorTopicPrefix + "+": sensorQoS,
		stateTopicPrefix + "+":  commandQoS,
	}
	consumer := mqttbus.NewConsumer(p.client, topics, p.handleMessage, p.logger)
	consumer.Run(ctx)
}

func (p *Provider) handleMessage(topic string, payload []byte) error {
	switch {
	case len(topic) > len(sensorTopicPrefix) && topic[:len(sensorTopicPrefix)] == sensorTopicPrefix:
		return p.handleSensor(topic[len(sensorTopicPrefix):], payload)
	case len(topic) > len(stateTopicPrefix) && topic[:len(stateTopicPrefix)] == stateTopicPrefix:
		return p.handleState(topic[len(stateTopicPrefix):], payload)
	default:
		return fmt.Errorf("unexpected topic %q", topic)
	}
}

func (p *Provider) handleSensor(sensorID string, payload []byte) error {
	var r sensorReading
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("sensor %s payload: %w", sensorID, err)
	}
	if r.SensorID != "" {
		sensorID = r.SensorID
	}
	p.readings.Set(sensorID, r.Value, gocache.DefaultExpiration)
	return nil
}

func (p *Provider) handleState(actuatorID string, payload []byte) error {
	var r stateReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("state %s payload: %w", actuatorID, err)
	}
	if !p.dedupe.FirstSeen(r.MessageID) {
		return nil
	}
	p.mu.Lock()
	p.states[actuatorID] = r.On
	p.mu.Unlock()
	return nil
}

func (p *Provider) SetActuatorState(ctx context.Context, actuatorID string, on bool) error {
	if _, ok := p.calibrations[actuatorID]; !ok {
		return fmt.Errorf("mqttio: unknown actuator %q: %w", actuatorID, model.ErrNotFound)
	}
	state := "off"
	if on {
		state = "on"
	}
	payload, err := json.Marshal(command{MessageID: uuid.NewString(), State: state})
	if err != nil {
		return err
	}

	pub := mqttbus.NewPublisher(p.client, commandTopicPrefix+actuatorID, commandQoS, p.logger)
	done := make(chan error, 1)
	go func() { done <- pub.Publish(payload) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("command %s: %w", actuatorID, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	// Optimistic local state; the device's retained state report corrects
	// it if the command was lost downstream of the broker.
	p.mu.Lock()
	p.states[actuatorID] = on
	p.mu.Unlock()
	return nil
}

func (p *Provider) ActuatorState(_ context.Context, actuatorID string) (bool, error) {
	if _, ok := p.calibrations[actuatorID]; !ok {
		return false, fmt.Errorf("mqttio: unknown actuator %q: %w", actuatorID, model.ErrNotFound)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Absent means no report since boot; the boot-time safety shutdown
	// makes off the correct assumption.
	return p.states[actuatorID], nil
}

func (p *Provider) SensorValue(_ context.Context, sensorID string) (float64, error) {
	v, ok := p.readings.Get(sensorID)
	if !ok {
		return 0, fmt.Errorf("mqttio: no fresh reading for sensor %q: %w", sensorID, model.ErrNotFound)
	}
	value, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("mqttio: bad cached reading for sensor %q", sensorID)
	}
	return value, nil
}

func (p *Provider) Calibration(_ context.Context, actuatorID string) (model.Calibration, error) {
	cal, ok := p.calibrations[actuatorID]
	if !ok {
		return model.Calibration{}, fmt.Errorf("mqttio: unknown actuator %q: %w", actuatorID, model.ErrNotFound)
	}
	return cal, nil
}

func (p *Provider) Actuators(_ context.Context) ([]iodev.Actuator, error) {
	out := make([]iodev.Actuator, len(p.actuators))
	copy(out, p.actuators)
	return out, nil
}

// EnsureAllOff commands every dosing and lighting channel off. Called at
// boot so a crash that left a valve open cannot outlast a restart.
func (p *Provider) EnsureAllOff(ctx context.Context) error {
	var firstErr error
	for _, act := range p.actuators {
		if !act.Kind.Doses() && act.Kind != iodev.KindLighting {
			continue
		}
		if err := p.SetActuatorState(ctx, act.ID, false); err != nil {
			p.logger.Errorw("safety shutdown command failed", "actuator", act.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
