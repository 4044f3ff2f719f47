package schedule

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/grovebox/irrigationd/internal/model"
)

// CalibrationSource is the slice of the IO layer the calculator needs.
type CalibrationSource interface {
	Calibration(ctx context.Context, actuatorID string) (model.Calibration, error)
}

// DoseCalculator converts a requested delivery volume into a run duration
// using actuator flow calibration. The derived flow rate is computed once
// per actuator and cached; calibration changes require a restart, matching
// the firmware's load-once behavior.
type DoseCalculator struct {
	source CalibrationSource

	mu    sync.Mutex
	rates map[string]float64
}

func NewDoseCalculator(source CalibrationSource) *DoseCalculator {
	return &DoseCalculator{source: source, rates: make(map[string]float64)}
}

// DurationForVolume returns how long the actuator must run to deliver
// volumeML. A missing or non-positive flow rate fails with ErrNotCalibrated
// rather than guessing a dose. The result is rounded half-up to whole
// seconds and never below one second for a positive volume.
func (d *DoseCalculator) DurationForVolume(ctx context.Context, actuatorID string, volumeML float64) (time.Duration, error) {
	if volumeML <= 0 {
		return 0, fmt.Errorf("volume %.2f ml: %w", volumeML, model.ErrNotCalibrated)
	}
	rate, err := d.flowRate(ctx, actuatorID)
	if err != nil {
		return 0, err
	}
	seconds := math.Floor(volumeML/rate + 0.5)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second, nil
}

func (d *DoseCalculator) flowRate(ctx context.Context, actuatorID string) (float64, error) {
	d.mu.Lock()
	rate, ok := d.rates[actuatorID]
	d.mu.Unlock()
	if ok {
		return rate, nil
	}

	cal, err := d.source.Calibration(ctx, actuatorID)
	if err != nil {
		return 0, fmt.Errorf("calibration for %s: %w", actuatorID, err)
	}
	rate = cal.FlowRate()
	if rate <= 0 {
		return 0, fmt.Errorf("actuator %s: %w", actuatorID, model.ErrNotCalibrated)
	}

	d.mu.Lock()
	d.rates[actuatorID] = rate
	d.mu.Unlock()
	return rate, nil
}
