package iodev

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/model"
)

// BreakerProvider wraps a Provider with a circuit breaker so a wedged
// transport fails fast instead of stalling every evaluator cycle on
// timeouts. State-changing calls bypass the breaker: refusing to switch a
// valve off because the breaker is open would be worse than the slow call.
type BreakerProvider struct {
	inner  Provider
	cb     *gobreaker.CircuitBreaker
	logger *zap.SugaredLogger
}

func NewBreakerProvider(inner Provider, logger *zap.SugaredLogger) *BreakerProvider {
	settings := gobreaker.Settings{
		Name:    "iodev",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("io breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerProvider{inner: inner, cb: gobreaker.NewCircuitBreaker(settings), logger: logger}
}

func (b *BreakerProvider) SetActuatorState(ctx context.Context, actuatorID string, on bool) error {
	return b.inner.SetActuatorState(ctx, actuatorID, on)
}

func (b *BreakerProvider) ActuatorState(ctx context.Context, actuatorID string) (bool, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.ActuatorState(ctx, actuatorID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *BreakerProvider) SensorValue(ctx context.Context, sensorID string) (float64, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.SensorValue(ctx, sensorID)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (b *BreakerProvider) Calibration(ctx context.Context, actuatorID string) (model.Calibration, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Calibration(ctx, actuatorID)
	})
	if err != nil {
		return model.Calibration{}, err
	}
	return v.(model.Calibration), nil
}

func (b *BreakerProvider) Actuators(ctx context.Context) ([]Actuator, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Actuators(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Actuator), nil
}

func (b *BreakerProvider) EnsureAllOff(ctx context.Context) error {
	return b.inner.EnsureAllOff(ctx)
}
