// Package metrics records engine observability data. Implementations are
// fire-and-forget: they never block and never propagate errors into the
// scheduling path.
package metrics

import "time"

// Sink is the recording interface the engine components hold.
type Sink interface {
	// Evaluator
	CycleStarted()
	CycleCompleted(duration time.Duration, actuatorsEvaluated int)
	IOError(op string)

	// Dose workers
	DoseStarted(kind string)
	DoseCompleted(kind string, requested, actual time.Duration)
	PoolExhausted()

	// Lighting
	LightingSwitched(on bool)

	// Recovery
	RecoveryResumed()
	RecoveryClosed()
}

// Noop discards everything; used in tests and when metrics are disabled.
type Noop struct{}

func (Noop) CycleStarted()                                {}
func (Noop) CycleCompleted(time.Duration, int)            {}
func (Noop) IOError(string)                               {}
func (Noop) DoseStarted(string)                           {}
func (Noop) DoseCompleted(string, time.Duration, time.Duration) {}
func (Noop) PoolExhausted()                               {}
func (Noop) LightingSwitched(bool)                        {}
func (Noop) RecoveryResumed()                             {}
func (Noop) RecoveryClosed()                              {}
