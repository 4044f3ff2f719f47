package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/model"
)

// ExecutionState is the engine's coarse run mode.
type ExecutionState int

const (
	StateStopped ExecutionState = iota
	StateRunning
	StateDryRun
)

func (s ExecutionState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDryRun:
		return "dry-run"
	default:
		return "unknown"
	}
}

// Engine owns the full execution lifecycle: safety shutdown at boot,
// power-loss recovery, the evaluator loop and a drained stop.
type Engine struct {
	provider  safetyProvider
	evaluator *Evaluator
	recovery  *RecoveryManager
	pool      *WorkerPool
	state     *State
	repo      instanceSaver
	logger    *zap.SugaredLogger

	dryRun *atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// safetyProvider is the slice of the hardware layer the facade drives
// directly: the boot-time shutdown and pre-save deactivation.
type safetyProvider interface {
	EnsureAllOff(ctx context.Context) error
	SetActuatorState(ctx context.Context, actuatorID string, on bool) error
}

// instanceSaver is the repository slice behind the facade's edit path.
type instanceSaver interface {
	SaveInstance(inst *model.ScheduleInstance) error
}

func NewEngine(
	provider safetyProvider,
	evaluator *Evaluator,
	recovery *RecoveryManager,
	pool *WorkerPool,
	state *State,
	repo instanceSaver,
	logger *zap.SugaredLogger,
	dryRun *atomic.Bool,
) *Engine {
	if dryRun == nil {
		dryRun = new(atomic.Bool)
	}
	return &Engine{
		provider:  provider,
		evaluator: evaluator,
		recovery:  recovery,
		pool:      pool,
		state:     state,
		repo:      repo,
		logger:    logger,
		dryRun:    dryRun,
	}
}

// DryRun reports whether actuation is suppressed. The evaluator and pool
// read this through a closure, so flipping it takes effect on the next
// decision, not the next restart.
func (e *Engine) DryRun() bool { return e.dryRun.Load() }

// SetDryRun flips actuation suppression at runtime. Doses already running
// finish in the mode they started in.
func (e *Engine) SetDryRun(on bool) {
	if e.dryRun.Swap(on) != on {
		e.logger.Infow("dry-run mode changed", "dry_run", on)
	}
}

// ExecState reports the engine's current run mode.
func (e *Engine) ExecState() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return StateStopped
	}
	if e.dryRun.Load() {
		return StateDryRun
	}
	return StateRunning
}

// Start brings the engine up: all actuators are commanded off (a restart
// may follow a crash that left a valve open), the dose log is replayed for
// interrupted doses, and the evaluator loop begins. Safe to call once;
// a second Start while running is an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already running")
	}

	if !e.dryRun.Load() {
		if err := e.provider.EnsureAllOff(ctx); err != nil {
			return err
		}
	}

	report, err := e.recovery.Recover(ctx)
	if err != nil {
		return err
	}
	if report.Scanned > 0 {
		e.logger.Infow("startup recovery",
			"scanned", report.Scanned, "resumed", len(report.Resumed), "closed", len(report.Closed))
	}
	e.evaluator.RebuildSettling(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go func() {
		defer close(e.done)
		_ = e.evaluator.Run(runCtx)
	}()

	e.logger.Infow("engine started", "dry_run", e.dryRun.Load())
	return nil
}

// Stop cancels the evaluator loop and waits for every live dose worker to
// finish. Running doses are not cut short: a stop request means "no new
// work", not "slam the valves shut".
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.cancel()
	done := e.done
	e.running = false
	e.mu.Unlock()

	<-done
	e.pool.Drain()
	e.logger.Info("engine stopped")
}

// TriggerRecoveryCheck runs an on-demand recovery pass; exposed for
// operator tooling. Harmless when nothing is open.
func (e *Engine) TriggerRecoveryCheck(ctx context.Context) (RecoveryReport, error) {
	return e.recovery.Recover(ctx)
}

// SaveInstance persists a schedule edit. When the targeted actuator is
// mid-dose, it is commanded off first so a replaced definition never keeps
// water flowing; its settling marker is dropped so the new events start
// from a clean slate.
func (e *Engine) SaveInstance(ctx context.Context, inst *model.ScheduleInstance) error {
	if e.state.Busy(inst.ActuatorID) && !e.dryRun.Load() {
		if err := e.provider.SetActuatorState(ctx, inst.ActuatorID, false); err != nil {
			return fmt.Errorf("deactivate %s before save: %w", inst.ActuatorID, err)
		}
		e.logger.Infow("actuator deactivated for schedule edit", "actuator", inst.ActuatorID, "instance", inst.ID)
	}
	e.state.ClearSettling(inst.ActuatorID)
	return e.repo.SaveInstance(inst)
}
