package model

// Calibration is flow-rate data for one dosing actuator, owned by the IO
// layer and consumed read-only. Two shapes exist in the field: a directly
// measured ml/s rate, or an emitter count with a per-emitter LPH rating from
// which a rate is derived. Absence of either is a valid state; volume events
// then fail fast with ErrNotCalibrated instead of guessing a dose.
type Calibration struct {
	// RateMLPerSec is the measured flow rate. Takes precedence when set.
	RateMLPerSec float64
	// EmitterCount and LPHPerEmitter describe drip-line hardware.
	EmitterCount  int
	LPHPerEmitter float64
}

// FlowRate returns the usable ml/s rate, or 0 when the actuator is not
// calibrated.
func (c Calibration) FlowRate() float64 {
	if c.RateMLPerSec > 0 {
		return c.RateMLPerSec
	}
	if c.EmitterCount > 0 && c.LPHPerEmitter > 0 {
		// LPH per emitter -> ml/s across all emitters.
		return float64(c.EmitterCount) * c.LPHPerEmitter * 1000.0 / 3600.0
	}
	return 0
}

// Calibrated reports whether a usable flow rate exists.
func (c Calibration) Calibrated() bool { return c.FlowRate() > 0 }
