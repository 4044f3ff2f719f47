package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/doselog"
	"github.com/grovebox/irrigationd/internal/iodev"
	"github.com/grovebox/irrigationd/internal/metrics"
	"github.com/grovebox/irrigationd/internal/model"
)

// instanceResolver is the slice of the conflict resolver the evaluator uses.
type instanceResolver interface {
	Resolve(actuatorID string, today model.Date) (*model.ScheduleInstance, error)
}

// doseConverter is the slice of the dose calculator the evaluator uses.
type doseConverter interface {
	DurationForVolume(ctx context.Context, actuatorID string, volumeML float64) (time.Duration, error)
}

// Evaluator walks every schedule-enabled actuator on a fixed cadence,
// resolves its authoritative instance and turns time and sensor state into
// dosing decisions. Failures are isolated per actuator: one broken sensor
// never aborts the cycle for the rest of the field.
type Evaluator struct {
	tick     time.Duration
	provider iodev.Provider
	resolver instanceResolver
	calc     doseConverter
	pool     *WorkerPool
	state    *State
	log      doselog.Log
	sink     metrics.Sink
	logger   *zap.SugaredLogger
	clock    func() time.Time
	dryRun   func() bool
}

func NewEvaluator(
	tick time.Duration,
	provider iodev.Provider,
	resolver instanceResolver,
	calc doseConverter,
	pool *WorkerPool,
	state *State,
	log doselog.Log,
	sink metrics.Sink,
	logger *zap.SugaredLogger,
	clock func() time.Time,
	dryRun func() bool,
) *Evaluator {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Evaluator{
		tick:     tick,
		provider: provider,
		resolver: resolver,
		calc:     calc,
		pool:     pool,
		state:    state,
		log:      log,
		sink:     sink,
		logger:   logger,
		clock:    clock,
		dryRun:   dryRun,
	}
}

// Run blocks until the context is cancelled, evaluating once immediately
// and then on every tick. Worker completion notifications are drained here
// so the evaluator always knows a slot came back before its next cycle.
func (e *Evaluator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.logger.Infow("evaluator started", "tick", e.tick, "dry_run", e.dryRun())
	e.Cycle(ctx, e.clock())

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("evaluator stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Cycle(ctx, e.clock())
		case c := <-e.pool.Completions():
			if c.Err != nil {
				e.logger.Warnw("dose worker failed", "actuator", c.ActuatorID, "record", c.RecordID, "error", c.Err)
			} else {
				e.logger.Debugw("dose worker done", "actuator", c.ActuatorID, "record", c.RecordID)
			}
		}
	}
}

// RebuildSettling reconstructs the in-memory settling set from the dose log
// after a restart. The markers are never persisted on their own: the newest
// autopilot dose per actuator plus the active instance's settling length say
// everything a rebuild needs. Without this, a restart right after a
// sensor-triggered dose would let the same trigger fire again immediately.
func (e *Evaluator) RebuildSettling(ctx context.Context) {
	now := e.clock()
	today := model.DateOf(now)

	actuators, err := e.provider.Actuators(ctx)
	if err != nil {
		e.sink.IOError("list_actuators")
		e.logger.Warnw("settling rebuild skipped, cannot enumerate actuators", "error", err)
		return
	}

	for _, act := range actuators {
		if !act.Kind.Doses() {
			continue
		}
		rec, ok, err := e.log.LastAutopilot(act.ID)
		if err != nil {
			e.logger.Warnw("settling rebuild failed for actuator", "actuator", act.ID, "error", err)
			continue
		}
		if !ok || rec.CompletedAt.IsZero() {
			// Never dosed on sensor input, or still open (recovery owns it).
			continue
		}

		inst, err := e.resolver.Resolve(act.ID, today)
		if err != nil || inst == nil {
			continue
		}
		window := maxAutopilotSettling(inst)
		if window <= 0 || !rec.CompletedAt.Add(window).After(now) {
			continue
		}
		e.state.StartSettling(act.ID, rec.CompletedAt, window)
		e.logger.Infow("settling window rebuilt",
			"actuator", act.ID, "dosed_at", rec.CompletedAt, "until", rec.CompletedAt.Add(window))
	}
}

// maxAutopilotSettling is the longest settling period among an instance's
// sensor-driven events. The log does not record which event triggered a
// dose, so the rebuild suppresses conservatively.
func maxAutopilotSettling(inst *model.ScheduleInstance) time.Duration {
	var max time.Duration
	for _, ev := range inst.Events {
		if ev.Kind != model.EventDurationAutopilot && ev.Kind != model.EventVolumeAutopilot {
			continue
		}
		if s := ev.Settling(); s > max {
			max = s
		}
	}
	return max
}

// Cycle evaluates every actuator once, as of now. Exported so tests (and
// the recovery path) can drive the engine with a controlled clock.
func (e *Evaluator) Cycle(ctx context.Context, now time.Time) {
	e.sink.CycleStarted()
	started := time.Now()

	actuators, err := e.provider.Actuators(ctx)
	if err != nil {
		e.sink.IOError("list_actuators")
		e.logger.Errorw("cannot enumerate actuators, skipping cycle", "error", err)
		return
	}
	// Stable, repeatable processing order.
	sort.Slice(actuators, func(i, j int) bool { return actuators[i].ID < actuators[j].ID })

	evaluated := 0
	for _, act := range actuators {
		if !act.ScheduleEnabled {
			continue
		}
		evaluated++
		e.evaluateActuator(ctx, act, now)
	}
	e.sink.CycleCompleted(time.Since(started), evaluated)
}

func (e *Evaluator) evaluateActuator(ctx context.Context, act iodev.Actuator, now time.Time) {
	today := model.DateOf(now)
	inst, err := e.resolver.Resolve(act.ID, today)
	if err != nil {
		e.logger.Warnw("resolve failed", "actuator", act.ID, "error", err)
		return
	}
	if inst == nil {
		// No schedule applies today; make sure no settling window from a
		// lapsed instance lingers.
		if act.Kind.Doses() {
			e.state.ClearSettling(act.ID)
		}
		return
	}

	switch {
	case act.Kind == iodev.KindLighting:
		e.evaluateLighting(ctx, act, inst, now)
	case act.Kind.Doses():
		e.evaluateDosing(ctx, act, inst, now)
	}
}

// evaluateLighting drives the photoperiod. It is idempotent: a state change
// is issued only when the desired state differs from the actuator's last
// known state.
func (e *Evaluator) evaluateLighting(ctx context.Context, act iodev.Actuator, inst *model.ScheduleInstance, now time.Time) {
	if inst.Lighting == nil {
		return
	}
	want := inst.Lighting.Contains(model.TimeOfDayFrom(now))

	// Dry-run never drives the hardware, so the last issued state is the
	// shadow to compare against; otherwise every cycle inside the window
	// would log a fresh switch.
	var current bool
	if shadow, ok := e.state.LightingState(act.ID); ok && e.dryRun() {
		current = shadow
	} else {
		hw, err := e.provider.ActuatorState(ctx, act.ID)
		if err != nil {
			e.sink.IOError("actuator_state")
			e.logger.Warnw("lighting state read failed", "actuator", act.ID, "error", err)
			return
		}
		current = hw
	}
	if current == want {
		return
	}

	if !e.dryRun() {
		if err := e.provider.SetActuatorState(ctx, act.ID, want); err != nil {
			e.sink.IOError("set_actuator_state")
			e.logger.Errorw("lighting switch failed", "actuator", act.ID, "want_on", want, "error", err)
			return
		}
	}
	e.state.SetLightingState(act.ID, want)

	kind := model.DoseLightingOff
	if want {
		kind = model.DoseLightingOn
	}
	rec := model.DoseRecord{
		ID:          uuid.NewString(),
		ActuatorID:  act.ID,
		InstanceID:  inst.ID,
		Kind:        kind,
		StartedAt:   now,
		CompletedAt: now,
		DryRun:      e.dryRun(),
	}
	if err := e.log.Append(rec); err != nil {
		e.logger.Warnw("lighting record not written", "actuator", act.ID, "error", err)
	}
	e.sink.LightingSwitched(want)
	e.logger.Infow("lighting switched", "actuator", act.ID, "on", want, "window", inst.Lighting.On.String()+"-"+inst.Lighting.Off.String())
}

// evaluateDosing walks the instance's events in declared order and starts at
// most one dose worker. The first matching event wins; once a worker owns
// the actuator, the busy flag suppresses everything else.
func (e *Evaluator) evaluateDosing(ctx context.Context, act iodev.Actuator, inst *model.ScheduleInstance, now time.Time) {
	if e.state.Busy(act.ID) {
		return
	}
	today := model.DateOf(now)
	tod := model.TimeOfDayFrom(now)

	for idx, ev := range inst.Events {
		var started bool
		switch ev.Kind {
		case model.EventDurationScheduled, model.EventVolumeScheduled:
			started = e.tryScheduled(ctx, act, inst, idx, ev, today, tod)
		case model.EventDurationAutopilot, model.EventVolumeAutopilot:
			started = e.tryAutopilot(ctx, act, inst, idx, ev, now, tod)
		default:
			e.logger.Warnw("unknown event kind", "instance", inst.ID, "event", idx, "kind", uint8(ev.Kind))
		}
		if started {
			return
		}
	}
}

func (e *Evaluator) tryScheduled(ctx context.Context, act iodev.Actuator, inst *model.ScheduleInstance, idx int, ev model.Event, today model.Date, tod model.TimeOfDay) bool {
	if e.state.HasFired(today, inst.ID, idx) {
		return false
	}

	due := tod == ev.Start
	if !due {
		// A start refused earlier for pool exhaustion is retried while
		// its window is still open, and only within that window.
		if !e.state.Deferred(today, inst.ID, idx) {
			return false
		}
		if !ev.InWindow(tod) {
			e.state.DropDeferred(today, inst.ID, idx)
			e.logger.Warnw("deferred dose window closed, dropping",
				"actuator", act.ID, "instance", inst.ID, "event", idx)
			return false
		}
	}

	duration, ok := e.doseDuration(ctx, act.ID, inst.ID, idx, ev)
	if !ok {
		return false
	}

	return e.startDose(ctx, act, inst, idx, ev, today, DoseRequest{
		ActuatorID: act.ID,
		InstanceID: inst.ID,
		Kind:       model.DoseScheduled,
		Duration:   duration,
	}, true)
}

func (e *Evaluator) tryAutopilot(ctx context.Context, act iodev.Actuator, inst *model.ScheduleInstance, idx int, ev model.Event, now time.Time, tod model.TimeOfDay) bool {
	if !ev.InWindow(tod) {
		return false
	}
	if e.state.InSettling(act.ID, now) {
		return false
	}

	value, err := e.provider.SensorValue(ctx, ev.SensorID)
	if err != nil {
		e.sink.IOError("sensor_value")
		e.logger.Warnw("sensor read failed", "sensor", ev.SensorID, "actuator", act.ID, "error", err)
		return false
	}
	if value > ev.TriggerSetpoint {
		return false
	}

	duration, ok := e.doseDuration(ctx, act.ID, inst.ID, idx, ev)
	if !ok {
		return false
	}

	started := e.startDose(ctx, act, inst, idx, ev, model.DateOf(now), DoseRequest{
		ActuatorID: act.ID,
		InstanceID: inst.ID,
		Kind:       model.DoseAutopilot,
		Duration:   duration,
	}, false)
	if started {
		e.state.StartSettling(act.ID, now, ev.Settling())
		e.logger.Infow("autopilot dose triggered",
			"actuator", act.ID, "sensor", ev.SensorID, "value", value,
			"setpoint", ev.TriggerSetpoint, "settling", ev.Settling())
	}
	return started
}

// doseDuration resolves an event's run time, via calibration for volume
// kinds. A non-calibrated actuator skips the event with a log entry; it is
// never defaulted to a guessed duration.
func (e *Evaluator) doseDuration(ctx context.Context, actuatorID, instanceID string, idx int, ev model.Event) (time.Duration, bool) {
	if !ev.Kind.VolumeBased() {
		return ev.Duration(), true
	}
	duration, err := e.calc.DurationForVolume(ctx, actuatorID, ev.VolumeML)
	if err != nil {
		if errors.Is(err, model.ErrNotCalibrated) {
			e.logger.Warnw("volume event skipped, actuator not calibrated",
				"actuator", actuatorID, "instance", instanceID, "event", idx, "volume_ml", ev.VolumeML)
		} else {
			e.sink.IOError("calibration")
			e.logger.Warnw("volume conversion failed",
				"actuator", actuatorID, "instance", instanceID, "event", idx, "error", err)
		}
		return 0, false
	}
	return duration, true
}

// startDose hands the request to the pool. Returns true when this actuator
// is settled for the cycle (started, busy, or deferred); false means the
// next event may still be considered.
func (e *Evaluator) startDose(ctx context.Context, act iodev.Actuator, inst *model.ScheduleInstance, idx int, ev model.Event, today model.Date, req DoseRequest, deferrable bool) bool {
	recordID, err := e.pool.Start(ctx, req)
	switch {
	case err == nil:
		e.state.MarkFired(today, inst.ID, idx)
		e.logger.Infow("dose started",
			"actuator", act.ID, "instance", inst.ID, "event", idx,
			"kind", req.Kind.String(), "duration", req.Duration, "record", recordID)
		return true
	case errors.Is(err, model.ErrWorkerPoolExhausted):
		e.sink.PoolExhausted()
		if deferrable {
			e.state.MarkDeferred(today, inst.ID, idx)
		}
		e.logger.Warnw("worker pool exhausted, dose deferred",
			"actuator", act.ID, "instance", inst.ID, "event", idx)
		return true
	case errors.Is(err, model.ErrActuatorBusy):
		// Lost a race with a worker started earlier in this cycle.
		return true
	default:
		e.logger.Errorw("dose start failed", "actuator", act.ID, "instance", inst.ID, "event", idx, "error", err)
		return true
	}
}
