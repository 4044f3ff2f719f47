package doselog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/model"
)

// TrendConfig configures the InfluxDB mirror for historical trending.
type TrendConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// TrendMirror copies dose records into InfluxDB so operators can chart
// dosing history next to sensor trends. Mirroring is best-effort: the file
// log is the durable record, and an unreachable Influx never blocks or
// fails a dose.
type TrendMirror struct {
	writeAPI    api.WriteAPIBlocking
	measurement string
	logger      *zap.SugaredLogger
}

func NewTrendMirror(cfg TrendConfig, logger *zap.SugaredLogger) (*TrendMirror, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "dose_events"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &TrendMirror{
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
		logger:      logger,
	}, nil
}

func (m *TrendMirror) write(rec model.DoseRecord, phase string, at time.Time) {
	tags := map[string]string{
		"actuator_id": rec.ActuatorID,
		"kind":        rec.Kind.String(),
		"phase":       phase,
	}
	fields := map[string]interface{}{
		"record_id":     rec.ID,
		"instance_id":   rec.InstanceID,
		"requested_sec": rec.Requested.Seconds(),
		"actual_sec":    rec.Actual.Seconds(),
		"dry_run":       rec.DryRun,
	}
	point := influxdb2.NewPoint(m.measurement, tags, fields, at)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return m.writeAPI.WritePoint(ctx, point)
	}, bo)
	if err != nil {
		m.logger.Warnw("trend mirror write failed", "actuator", rec.ActuatorID, "phase", phase, "error", err)
	}
}

// MirroredLog decorates a Log with the trend mirror. It satisfies Log, so
// the engine wires it in place of the bare file log when Influx is
// configured.
type MirroredLog struct {
	inner  Log
	mirror *TrendMirror

	// completion points need the original record's tags; the file log
	// already tracks open records, so keep a small shadow here instead
	// of widening the Log interface.
	mu       sync.Mutex
	openByID map[string]model.DoseRecord
}

func NewMirroredLog(inner Log, mirror *TrendMirror) *MirroredLog {
	return &MirroredLog{inner: inner, mirror: mirror, openByID: make(map[string]model.DoseRecord)}
}

func (m *MirroredLog) Append(rec model.DoseRecord) error {
	if err := m.inner.Append(rec); err != nil {
		return err
	}
	if rec.Incomplete() {
		m.mu.Lock()
		m.openByID[rec.ID] = rec
		m.mu.Unlock()
	}
	go m.mirror.write(rec, "start", rec.StartedAt)
	return nil
}

func (m *MirroredLog) Complete(id string, completedAt time.Time, actual time.Duration) error {
	if err := m.inner.Complete(id, completedAt, actual); err != nil {
		return err
	}
	m.mu.Lock()
	rec, ok := m.openByID[id]
	if ok {
		delete(m.openByID, id)
	}
	m.mu.Unlock()
	if ok {
		rec.CompletedAt = completedAt
		rec.Actual = actual
		go m.mirror.write(rec, "complete", completedAt)
	}
	return nil
}

func (m *MirroredLog) FindIncomplete(actuatorID string) ([]model.DoseRecord, error) {
	return m.inner.FindIncomplete(actuatorID)
}

func (m *MirroredLog) LastAutopilot(actuatorID string) (model.DoseRecord, bool, error) {
	return m.inner.LastAutopilot(actuatorID)
}
