package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/iodev"
	"github.com/grovebox/irrigationd/internal/metrics"
	"github.com/grovebox/irrigationd/internal/model"
)

// evalHarness wires an Evaluator against the in-memory fakes.
type evalHarness struct {
	io       *fakeIO
	resolver *stubResolver
	calc     *stubConverter
	log      *memLog
	state    *State
	pool     *WorkerPool
	eval     *Evaluator
}

func newEvalHarness(t *testing.T, poolSize int) *evalHarness {
	t.Helper()
	h := &evalHarness{
		io:       newFakeIO(),
		resolver: &stubResolver{byActuator: map[string]*model.ScheduleInstance{}, errFor: map[string]error{}},
		calc:     &stubConverter{},
		log:      newMemLog(),
		state:    NewState(),
	}
	logger := zap.NewNop().Sugar()
	h.pool = NewWorkerPool(poolSize, h.io, h.log, h.state, metrics.Noop{}, logger,
		time.Now, func() bool { return false })
	h.eval = NewEvaluator(time.Minute, h.io, h.resolver, h.calc, h.pool, h.state,
		h.log, metrics.Noop{}, logger, time.Now, func() bool { return false })
	return h
}

func at(hhmm string) time.Time {
	tod := model.MustTimeOfDay(hhmm)
	return time.Date(2026, time.March, 15, int(tod)/60, int(tod)%60, 0, 0, time.UTC)
}

func lightingInstance(actuatorID string) *model.ScheduleInstance {
	return &model.ScheduleInstance{
		ID:         "inst-light",
		ActuatorID: actuatorID,
		StartDate:  model.NewDate(2026, time.January, 1),
		EndDate:    model.NewDate(2026, time.December, 31),
		Lighting:   &model.Photoperiod{On: model.MustTimeOfDay("20:00"), Off: model.MustTimeOfDay("06:00")},
	}
}

func dosingInstance(actuatorID string, events ...model.Event) *model.ScheduleInstance {
	return &model.ScheduleInstance{
		ID:         "inst-dose",
		ActuatorID: actuatorID,
		StartDate:  model.NewDate(2026, time.January, 1),
		EndDate:    model.NewDate(2026, time.December, 31),
		Events:     events,
	}
}

func TestLightingFollowsPhotoperiod(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("lamp-1", iodev.KindLighting)
	h.resolver.byActuator["lamp-1"] = lightingInstance("lamp-1")

	// 23:30 is inside a 20:00->06:00 wrap window.
	h.eval.Cycle(context.Background(), at("23:30"))
	on, _ := h.io.ActuatorState(context.Background(), "lamp-1")
	assert.True(t, on)
	require.Len(t, h.log.byKind(model.DoseLightingOn), 1)
	assert.False(t, h.log.byKind(model.DoseLightingOn)[0].Incomplete())

	// A second cycle in the same state issues nothing.
	h.eval.Cycle(context.Background(), at("23:31"))
	assert.Len(t, h.io.commandLog(), 1, "lighting evaluation is idempotent")

	// 05:59 still inside the window.
	h.eval.Cycle(context.Background(), at("05:59"))
	assert.Len(t, h.io.commandLog(), 1)

	// 06:00 the window closes.
	h.eval.Cycle(context.Background(), at("06:00"))
	on, _ = h.io.ActuatorState(context.Background(), "lamp-1")
	assert.False(t, on)
	assert.Len(t, h.log.byKind(model.DoseLightingOff), 1)
}

func TestScheduledEventFiresOncePerDay(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.resolver.byActuator["valve-1"] = dosingInstance("valve-1", model.Event{
		Kind:        model.EventDurationScheduled,
		Start:       model.MustTimeOfDay("08:00"),
		End:         model.MustTimeOfDay("09:00"),
		DurationSec: 1,
	})

	h.eval.Cycle(context.Background(), at("07:59"))
	assert.Empty(t, h.log.byKind(model.DoseScheduled), "not due yet")

	h.eval.Cycle(context.Background(), at("08:00"))
	require.Len(t, h.log.byKind(model.DoseScheduled), 1)
	assert.True(t, h.state.HasFired(model.NewDate(2026, time.March, 15), "inst-dose", 0))

	waitCompletion(t, h.pool)
	h.pool.Drain()

	// Later cycles inside the window must not refire.
	h.eval.Cycle(context.Background(), at("08:30"))
	assert.Len(t, h.log.byKind(model.DoseScheduled), 1)
}

func TestScheduledEventDeferredOnPoolExhaustion(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.io.addActuator("valve-2", iodev.KindSolenoid)
	h.resolver.byActuator["valve-2"] = dosingInstance("valve-2", model.Event{
		Kind:        model.EventDurationScheduled,
		Start:       model.MustTimeOfDay("08:00"),
		End:         model.MustTimeOfDay("09:00"),
		DurationSec: 1,
	})
	h.resolver.byActuator["valve-2"].ID = "inst-deferred"

	// Fill the only slot with an unrelated dose.
	_, err := h.pool.Start(context.Background(), DoseRequest{
		ActuatorID: "valve-1", Kind: model.DoseScheduled, Duration: 300 * time.Millisecond})
	require.NoError(t, err)

	today := model.NewDate(2026, time.March, 15)
	h.eval.Cycle(context.Background(), at("08:00"))
	assert.True(t, h.state.Deferred(today, "inst-deferred", 0))
	assert.False(t, h.state.HasFired(today, "inst-deferred", 0))

	waitCompletion(t, h.pool)
	h.pool.Drain()

	// A later cycle inside the window picks the deferral up.
	h.eval.Cycle(context.Background(), at("08:05"))
	assert.True(t, h.state.HasFired(today, "inst-deferred", 0))
	recs := h.log.byKind(model.DoseScheduled)
	require.Len(t, recs, 2)
	assert.Equal(t, "valve-2", recs[1].ActuatorID)

	waitCompletion(t, h.pool)
	h.pool.Drain()
}

func TestDeferredDoseDroppedWhenWindowCloses(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-2", iodev.KindSolenoid)
	h.resolver.byActuator["valve-2"] = dosingInstance("valve-2", model.Event{
		Kind:        model.EventDurationScheduled,
		Start:       model.MustTimeOfDay("08:00"),
		End:         model.MustTimeOfDay("09:00"),
		DurationSec: 1,
	})

	today := model.NewDate(2026, time.March, 15)
	h.state.MarkDeferred(today, "inst-dose", 0)

	h.eval.Cycle(context.Background(), at("09:00"))
	assert.False(t, h.state.Deferred(today, "inst-dose", 0), "expired deferral is discarded")
	assert.Empty(t, h.log.byKind(model.DoseScheduled), "a missed window is never watered late")
}

func TestAutopilotTriggerAndSettling(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.io.setSensor("soil-1", 45)
	h.resolver.byActuator["valve-1"] = dosingInstance("valve-1", model.Event{
		Kind:            model.EventDurationAutopilot,
		Start:           model.MustTimeOfDay("06:00"),
		End:             model.MustTimeOfDay("18:00"),
		DurationSec:     1,
		SensorID:        "soil-1",
		TriggerSetpoint: 30,
		SettlingMinutes: 30,
	})

	// Moist soil: above the setpoint, nothing fires.
	h.eval.Cycle(context.Background(), at("08:00"))
	assert.Empty(t, h.log.byKind(model.DoseAutopilot))

	// Soil dries to the setpoint: the dose fires and settling opens.
	h.io.setSensor("soil-1", 30)
	h.eval.Cycle(context.Background(), at("08:01"))
	require.Len(t, h.log.byKind(model.DoseAutopilot), 1)
	assert.True(t, h.state.InSettling("valve-1", at("08:02")))

	waitCompletion(t, h.pool)
	h.pool.Drain()

	// Still dry inside the settling window: suppressed.
	h.io.setSensor("soil-1", 20)
	h.eval.Cycle(context.Background(), at("08:15"))
	assert.Len(t, h.log.byKind(model.DoseAutopilot), 1)

	// Settling expired and still dry: fires again.
	h.eval.Cycle(context.Background(), at("08:31"))
	assert.Len(t, h.log.byKind(model.DoseAutopilot), 2)

	waitCompletion(t, h.pool)
	h.pool.Drain()
}

func TestAutopilotIgnoredOutsideWindow(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.io.setSensor("soil-1", 10)
	h.resolver.byActuator["valve-1"] = dosingInstance("valve-1", model.Event{
		Kind:            model.EventDurationAutopilot,
		Start:           model.MustTimeOfDay("06:00"),
		End:             model.MustTimeOfDay("18:00"),
		DurationSec:     1,
		SensorID:        "soil-1",
		TriggerSetpoint: 30,
		SettlingMinutes: 30,
	})

	h.eval.Cycle(context.Background(), at("19:00"))
	assert.Empty(t, h.log.byKind(model.DoseAutopilot), "bone-dry soil outside the window stays dry")
}

func TestVolumeEventSkippedWhenNotCalibrated(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.calc.err = model.ErrNotCalibrated
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.resolver.byActuator["valve-1"] = dosingInstance("valve-1", model.Event{
		Kind:     model.EventVolumeScheduled,
		Start:    model.MustTimeOfDay("08:00"),
		End:      model.MustTimeOfDay("09:00"),
		VolumeML: 250,
	})

	h.eval.Cycle(context.Background(), at("08:00"))
	assert.Empty(t, h.log.byKind(model.DoseScheduled))
	assert.False(t, h.state.Busy("valve-1"))
}

func TestVolumeEventUsesConvertedDuration(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.calc.duration = time.Second
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.resolver.byActuator["valve-1"] = dosingInstance("valve-1", model.Event{
		Kind:     model.EventVolumeScheduled,
		Start:    model.MustTimeOfDay("08:00"),
		End:      model.MustTimeOfDay("09:00"),
		VolumeML: 250,
	})

	h.eval.Cycle(context.Background(), at("08:00"))
	recs := h.log.byKind(model.DoseScheduled)
	require.Len(t, recs, 1)
	assert.Equal(t, time.Second, recs[0].Requested)

	waitCompletion(t, h.pool)
	h.pool.Drain()
}

func TestActuatorFailuresAreIsolated(t *testing.T) {
	h := newEvalHarness(t, 2)
	h.io.addActuator("valve-bad", iodev.KindSolenoid)
	h.io.addActuator("valve-good", iodev.KindSolenoid)
	h.resolver.errFor["valve-bad"] = errors.New("index corrupted")
	h.resolver.byActuator["valve-good"] = dosingInstance("valve-good", model.Event{
		Kind:        model.EventDurationScheduled,
		Start:       model.MustTimeOfDay("08:00"),
		End:         model.MustTimeOfDay("09:00"),
		DurationSec: 1,
	})

	h.eval.Cycle(context.Background(), at("08:00"))
	recs := h.log.byKind(model.DoseScheduled)
	require.Len(t, recs, 1, "one broken actuator never stops the others")
	assert.Equal(t, "valve-good", recs[0].ActuatorID)

	waitCompletion(t, h.pool)
	h.pool.Drain()
}

func TestDisabledActuatorSkipped(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.io.mu.Lock()
	h.io.actuators[0].ScheduleEnabled = false
	h.io.mu.Unlock()
	h.resolver.byActuator["valve-1"] = dosingInstance("valve-1", model.Event{
		Kind:        model.EventDurationScheduled,
		Start:       model.MustTimeOfDay("08:00"),
		End:         model.MustTimeOfDay("09:00"),
		DurationSec: 1,
	})

	h.eval.Cycle(context.Background(), at("08:00"))
	assert.Empty(t, h.log.byKind(model.DoseScheduled))
}

func TestNoCoverageClearsSettling(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.state.StartSettling("valve-1", at("08:00"), time.Hour)

	h.eval.Cycle(context.Background(), at("08:05"))
	assert.False(t, h.state.InSettling("valve-1", at("08:06")), "a lapsed schedule leaves no settling residue")
}

func TestSensorErrorSkipsAutopilotEvent(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.io.sensorErr["soil-1"] = errors.New("sensor offline")
	h.resolver.byActuator["valve-1"] = dosingInstance("valve-1", model.Event{
		Kind:            model.EventDurationAutopilot,
		Start:           model.MustTimeOfDay("06:00"),
		End:             model.MustTimeOfDay("18:00"),
		DurationSec:     1,
		SensorID:        "soil-1",
		TriggerSetpoint: 30,
	})

	h.eval.Cycle(context.Background(), at("08:00"))
	assert.Empty(t, h.log.byKind(model.DoseAutopilot), "an unreadable sensor never waters")
}

func TestRebuildSettlingSuppressesAfterRestart(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.io.setSensor("soil-1", 20)
	h.resolver.byActuator["valve-1"] = dosingInstance("valve-1", model.Event{
		Kind:            model.EventDurationAutopilot,
		Start:           model.MustTimeOfDay("06:00"),
		End:             model.MustTimeOfDay("18:00"),
		DurationSec:     1,
		SensorID:        "soil-1",
		TriggerSetpoint: 30,
		SettlingMinutes: 60,
	})
	// The log survived the restart; the settling marker did not.
	require.NoError(t, h.log.Append(model.DoseRecord{
		ID:          "pre-restart",
		ActuatorID:  "valve-1",
		Kind:        model.DoseAutopilot,
		Requested:   time.Second,
		Actual:      time.Second,
		StartedAt:   at("08:00"),
		CompletedAt: at("08:00"),
	}))

	clock := at("08:20")
	eval := NewEvaluator(time.Minute, h.io, h.resolver, h.calc, h.pool, h.state,
		h.log, metrics.Noop{}, zap.NewNop().Sugar(),
		func() time.Time { return clock }, func() bool { return false })

	eval.RebuildSettling(context.Background())
	require.True(t, h.state.InSettling("valve-1", at("08:20")))

	eval.Cycle(context.Background(), at("08:30"))
	assert.Empty(t, h.log.byKind(model.DoseAutopilot)[1:], "dry soil inside the rebuilt window stays untriggered")

	eval.Cycle(context.Background(), at("09:05"))
	require.Len(t, h.log.byKind(model.DoseAutopilot), 2, "the trigger fires again once the window lapses")

	waitCompletion(t, h.pool)
	h.pool.Drain()
}

func TestRebuildSettlingIgnoresStaleDoses(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("valve-1", iodev.KindSolenoid)
	h.resolver.byActuator["valve-1"] = dosingInstance("valve-1", model.Event{
		Kind:            model.EventDurationAutopilot,
		Start:           model.MustTimeOfDay("06:00"),
		End:             model.MustTimeOfDay("18:00"),
		DurationSec:     1,
		SensorID:        "soil-1",
		TriggerSetpoint: 30,
		SettlingMinutes: 60,
	})
	require.NoError(t, h.log.Append(model.DoseRecord{
		ID:          "long-ago",
		ActuatorID:  "valve-1",
		Kind:        model.DoseAutopilot,
		Requested:   time.Second,
		Actual:      time.Second,
		StartedAt:   at("06:00"),
		CompletedAt: at("06:00"),
	}))

	clock := at("08:20")
	eval := NewEvaluator(time.Minute, h.io, h.resolver, h.calc, h.pool, h.state,
		h.log, metrics.Noop{}, zap.NewNop().Sugar(),
		func() time.Time { return clock }, func() bool { return false })

	eval.RebuildSettling(context.Background())
	assert.False(t, h.state.InSettling("valve-1", at("08:20")), "a window that already lapsed is not rebuilt")
}

func TestDryRunLightingIsIdempotent(t *testing.T) {
	h := newEvalHarness(t, 1)
	h.io.addActuator("lamp-1", iodev.KindLighting)
	h.resolver.byActuator["lamp-1"] = lightingInstance("lamp-1")

	eval := NewEvaluator(time.Minute, h.io, h.resolver, h.calc, h.pool, h.state,
		h.log, metrics.Noop{}, zap.NewNop().Sugar(), time.Now, func() bool { return true })

	eval.Cycle(context.Background(), at("23:30"))
	eval.Cycle(context.Background(), at("23:31"))
	eval.Cycle(context.Background(), at("23:32"))

	assert.Empty(t, h.io.commandLog(), "dry-run never touches the hardware")
	require.Len(t, h.log.byKind(model.DoseLightingOn), 1, "one record per state transition, not per cycle")
	assert.True(t, h.log.byKind(model.DoseLightingOn)[0].DryRun)

	// The window closing is a new transition and is logged once.
	eval.Cycle(context.Background(), at("06:00"))
	eval.Cycle(context.Background(), at("06:01"))
	assert.Len(t, h.log.byKind(model.DoseLightingOff), 1)
	assert.Empty(t, h.io.commandLog())
}
