package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/iodev"
	"github.com/grovebox/irrigationd/internal/metrics"
	"github.com/grovebox/irrigationd/internal/model"
)

type memSaver struct {
	saved []*model.ScheduleInstance
}

func (m *memSaver) SaveInstance(inst *model.ScheduleInstance) error {
	m.saved = append(m.saved, inst)
	return nil
}

func newEngineHarness(t *testing.T) (*Engine, *fakeIO, *memSaver, *State, *WorkerPool, *memLog) {
	t.Helper()
	io := newFakeIO()
	log := newMemLog()
	state := NewState()
	saver := &memSaver{}
	logger := zap.NewNop().Sugar()
	dry := new(atomic.Bool)
	pool := NewWorkerPool(2, io, log, state, metrics.Noop{}, logger, time.Now, dry.Load)
	resolver := &stubResolver{byActuator: map[string]*model.ScheduleInstance{}, errFor: map[string]error{}}
	eval := NewEvaluator(time.Minute, io, resolver, &stubConverter{}, pool, state,
		log, metrics.Noop{}, logger, time.Now, dry.Load)
	rec := NewRecoveryManager(log, io, pool, metrics.Noop{}, logger, time.Now, 50*time.Millisecond)
	eng := NewEngine(io, eval, rec, pool, state, saver, logger, dry)
	return eng, io, saver, state, pool, log
}

func TestEngineLifecycle(t *testing.T) {
	eng, io, _, _, _, _ := newEngineHarness(t)
	io.addActuator("valve-1", iodev.KindSolenoid)
	io.states["valve-1"] = true // crash left the valve open

	assert.Equal(t, StateStopped, eng.ExecState())

	require.NoError(t, eng.Start(context.Background()))
	assert.Equal(t, StateRunning, eng.ExecState())
	assert.Contains(t, io.commandLog(), "valve-1:false", "boot runs the safety shutdown")

	assert.Error(t, eng.Start(context.Background()), "double start is rejected")

	eng.SetDryRun(true)
	assert.Equal(t, StateDryRun, eng.ExecState())
	assert.True(t, eng.DryRun())

	eng.Stop()
	assert.Equal(t, StateStopped, eng.ExecState())
	eng.Stop() // second stop is a no-op
}

func TestEngineStartRunsRecovery(t *testing.T) {
	eng, io, _, _, _, log := newEngineHarness(t)
	io.addActuator("valve-1", iodev.KindSolenoid)
	require.NoError(t, log.Append(model.DoseRecord{
		ID:         "old-1",
		ActuatorID: "valve-1",
		Kind:       model.DoseScheduled,
		Requested:  300 * time.Millisecond,
		StartedAt:  time.Now().Add(-100 * time.Millisecond),
	}))

	require.NoError(t, eng.Start(context.Background()))
	recovered := log.byKind(model.DoseRecovery)
	require.Len(t, recovered, 1, "startup replays the interrupted dose")

	eng.Stop() // waits for the resumed dose to finish

	old, ok := log.byID("old-1")
	require.True(t, ok)
	assert.False(t, old.Incomplete(), "the interrupted record is closed once re-armed")
	done, ok := log.byID(recovered[0].ID)
	require.True(t, ok)
	assert.False(t, done.Incomplete())
}

func TestSaveInstanceDeactivatesBusyActuator(t *testing.T) {
	eng, io, saver, state, pool, _ := newEngineHarness(t)
	io.addActuator("valve-1", iodev.KindSolenoid)

	_, err := pool.Start(context.Background(), DoseRequest{
		ActuatorID: "valve-1", Kind: model.DoseScheduled, Duration: 200 * time.Millisecond})
	require.NoError(t, err)
	state.StartSettling("valve-1", time.Now(), time.Hour)

	inst := &model.ScheduleInstance{ID: "inst-1", ActuatorID: "valve-1"}
	require.NoError(t, eng.SaveInstance(context.Background(), inst))

	assert.Contains(t, io.commandLog(), "valve-1:false", "editing a live actuator switches it off first")
	assert.False(t, state.InSettling("valve-1", time.Now().Add(time.Minute)))
	require.Len(t, saver.saved, 1)
	assert.Same(t, inst, saver.saved[0])

	waitCompletion(t, pool)
	pool.Drain()
}

func TestSaveInstanceIdleActuatorSavesDirectly(t *testing.T) {
	eng, io, saver, _, _, _ := newEngineHarness(t)
	io.addActuator("valve-1", iodev.KindSolenoid)

	inst := &model.ScheduleInstance{ID: "inst-1", ActuatorID: "valve-1"}
	require.NoError(t, eng.SaveInstance(context.Background(), inst))
	assert.Empty(t, io.commandLog(), "no hardware traffic for an idle actuator")
	assert.Len(t, saver.saved, 1)
}
