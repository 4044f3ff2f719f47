package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/doselog"
	"github.com/grovebox/irrigationd/internal/iodev"
	"github.com/grovebox/irrigationd/internal/metrics"
	"github.com/grovebox/irrigationd/internal/model"
)

// ResumedDose describes one interrupted dose the recovery pass re-armed.
type ResumedDose struct {
	ActuatorID string
	OldRecord  string
	NewRecord  string
	Remaining  time.Duration
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Scanned int
	Resumed []ResumedDose
	Closed  []string
}

// RecoveryManager replays the dose log after a restart. An open record means
// power was lost mid-dose; the manager delivers the remaining water through a
// fresh recovery-tagged worker, or closes the record outright when too little
// of the dose is left to matter. It never re-checks schedule eligibility:
// the decision to water was already made before the outage.
type RecoveryManager struct {
	log          doselog.Log
	provider     iodev.Provider
	pool         *WorkerPool
	sink         metrics.Sink
	logger       *zap.SugaredLogger
	clock        func() time.Time
	minRemaining time.Duration
}

func NewRecoveryManager(
	log doselog.Log,
	provider iodev.Provider,
	pool *WorkerPool,
	sink metrics.Sink,
	logger *zap.SugaredLogger,
	clock func() time.Time,
	minRemaining time.Duration,
) *RecoveryManager {
	if minRemaining <= 0 {
		minRemaining = time.Second
	}
	return &RecoveryManager{
		log:          log,
		provider:     provider,
		pool:         pool,
		sink:         sink,
		logger:       logger,
		clock:        clock,
		minRemaining: minRemaining,
	}
}

// Recover scans every known actuator for incomplete dose records and settles
// each one. The pass is idempotent: every handled record is closed, so a
// second pass over the same log finds nothing to do.
func (r *RecoveryManager) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	actuators, err := r.provider.Actuators(ctx)
	if err != nil {
		return report, err
	}

	for _, act := range actuators {
		if !act.Kind.Doses() {
			continue
		}
		open, err := r.log.FindIncomplete(act.ID)
		if err != nil {
			r.logger.Warnw("recovery scan failed", "actuator", act.ID, "error", err)
			continue
		}
		for _, rec := range open {
			report.Scanned++
			r.settle(ctx, act, rec, &report)
		}
	}

	if report.Scanned > 0 {
		r.logger.Infow("recovery pass complete",
			"scanned", report.Scanned, "resumed", len(report.Resumed), "closed", len(report.Closed))
	}
	return report, nil
}

func (r *RecoveryManager) settle(ctx context.Context, act iodev.Actuator, rec model.DoseRecord, report *RecoveryReport) {
	now := r.clock()
	elapsed := now.Sub(rec.StartedAt)
	remaining := rec.Requested - elapsed

	if remaining < r.minRemaining {
		// Nearly or fully delivered before the outage. Close the record
		// with what we know was run; no new actuation.
		actual := rec.Requested
		if elapsed < actual {
			actual = elapsed
		}
		if actual < 0 {
			actual = 0
		}
		if err := r.log.Complete(rec.ID, now, actual); err != nil {
			r.logger.Errorw("recovery close failed", "record", rec.ID, "error", err)
			return
		}
		r.sink.RecoveryClosed()
		report.Closed = append(report.Closed, rec.ID)
		r.logger.Infow("interrupted dose closed",
			"actuator", act.ID, "record", rec.ID, "requested", rec.Requested, "remaining", remaining)
		return
	}

	// Re-arm the remainder first; only once a recovery worker owns the
	// delivery is the old record closed. If the pool refuses, the record
	// stays open and the next recovery pass picks it up.
	newID, err := r.pool.Start(ctx, DoseRequest{
		ActuatorID: act.ID,
		InstanceID: rec.InstanceID,
		Kind:       model.DoseRecovery,
		Duration:   remaining,
	})
	if err != nil {
		if errors.Is(err, model.ErrWorkerPoolExhausted) || errors.Is(err, model.ErrActuatorBusy) {
			r.logger.Warnw("recovery dose deferred", "actuator", act.ID, "record", rec.ID, "error", err)
		} else {
			r.logger.Errorw("recovery dose start failed", "actuator", act.ID, "record", rec.ID, "error", err)
		}
		return
	}

	if err := r.log.Complete(rec.ID, now, elapsed); err != nil {
		r.logger.Errorw("interrupted record close failed", "record", rec.ID, "error", err)
	}
	r.sink.RecoveryResumed()
	report.Resumed = append(report.Resumed, ResumedDose{
		ActuatorID: act.ID,
		OldRecord:  rec.ID,
		NewRecord:  newID,
		Remaining:  remaining,
	})
	r.logger.Infow("interrupted dose resumed",
		"actuator", act.ID, "old_record", rec.ID, "new_record", newID,
		"requested", rec.Requested, "remaining", remaining)
}
