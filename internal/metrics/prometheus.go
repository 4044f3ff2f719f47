package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink on the Prometheus client library.
// Registration failures are logged and the affected series silently dropped;
// a metrics hiccup must never take the scheduler down.
type PrometheusSink struct {
	cyclesTotal        prometheus.Counter
	cycleDuration      prometheus.Histogram
	actuatorsEvaluated prometheus.Counter
	ioErrorsTotal      *prometheus.CounterVec

	dosesStartedTotal   *prometheus.CounterVec
	dosesCompletedTotal *prometheus.CounterVec
	doseDriftSeconds    prometheus.Histogram
	poolExhaustedTotal  prometheus.Counter

	lightingSwitchesTotal *prometheus.CounterVec

	recoveryResumedTotal prometheus.Counter
	recoveryClosedTotal  prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer, logger *zap.SugaredLogger) *PrometheusSink {
	s := &PrometheusSink{
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigationd_evaluator_cycles_total",
			Help: "Total evaluator cycles run.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "irrigationd_evaluator_cycle_duration_seconds",
			Help:    "Duration of each evaluator cycle.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}),
		actuatorsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigationd_evaluator_actuators_evaluated_total",
			Help: "Total per-actuator evaluations across all cycles.",
		}),
		ioErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigationd_io_errors_total",
			Help: "Hardware-layer call failures by operation.",
		}, []string{"op"}),
		dosesStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigationd_doses_started_total",
			Help: "Dose workers started by dose kind.",
		}, []string{"kind"}),
		dosesCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigationd_doses_completed_total",
			Help: "Dose workers completed by dose kind.",
		}, []string{"kind"}),
		doseDriftSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "irrigationd_dose_drift_seconds",
			Help:    "Absolute difference between requested and actual dose duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		poolExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigationd_worker_pool_exhausted_total",
			Help: "Doses deferred because no worker slot was free.",
		}),
		lightingSwitchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigationd_lighting_switches_total",
			Help: "Lighting state changes issued by the evaluator.",
		}, []string{"state"}),
		recoveryResumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigationd_recovery_doses_resumed_total",
			Help: "Interrupted doses re-armed by the recovery manager.",
		}),
		recoveryClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigationd_recovery_doses_closed_total",
			Help: "Interrupted doses closed with negligible remaining time.",
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"irrigationd_evaluator_cycles_total":                s.cyclesTotal,
		"irrigationd_evaluator_cycle_duration_seconds":      s.cycleDuration,
		"irrigationd_evaluator_actuators_evaluated_total":   s.actuatorsEvaluated,
		"irrigationd_io_errors_total":                       s.ioErrorsTotal,
		"irrigationd_doses_started_total":                   s.dosesStartedTotal,
		"irrigationd_doses_completed_total":                 s.dosesCompletedTotal,
		"irrigationd_dose_drift_seconds":                    s.doseDriftSeconds,
		"irrigationd_worker_pool_exhausted_total":           s.poolExhaustedTotal,
		"irrigationd_lighting_switches_total":               s.lightingSwitchesTotal,
		"irrigationd_recovery_doses_resumed_total":          s.recoveryResumedTotal,
		"irrigationd_recovery_doses_closed_total":           s.recoveryClosedTotal,
	} {
		if err := reg.Register(c); err != nil {
			logger.Warnw("metrics registration failed", "metric", name, "error", err)
		}
	}
	return s
}

func (s *PrometheusSink) CycleStarted() { s.cyclesTotal.Inc() }

func (s *PrometheusSink) CycleCompleted(duration time.Duration, actuatorsEvaluated int) {
	s.cycleDuration.Observe(duration.Seconds())
	s.actuatorsEvaluated.Add(float64(actuatorsEvaluated))
}

func (s *PrometheusSink) IOError(op string) { s.ioErrorsTotal.WithLabelValues(op).Inc() }

func (s *PrometheusSink) DoseStarted(kind string) { s.dosesStartedTotal.WithLabelValues(kind).Inc() }

func (s *PrometheusSink) DoseCompleted(kind string, requested, actual time.Duration) {
	s.dosesCompletedTotal.WithLabelValues(kind).Inc()
	drift := (actual - requested).Seconds()
	if drift < 0 {
		drift = -drift
	}
	s.doseDriftSeconds.Observe(drift)
}

func (s *PrometheusSink) PoolExhausted() { s.poolExhaustedTotal.Inc() }

func (s *PrometheusSink) LightingSwitched(on bool) {
	state := "off"
	if on {
		state = "on"
	}
	s.lightingSwitchesTotal.WithLabelValues(state).Inc()
}

func (s *PrometheusSink) RecoveryResumed() { s.recoveryResumedTotal.Inc() }
func (s *PrometheusSink) RecoveryClosed()  { s.recoveryClosedTotal.Inc() }
