package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/doselog"
	"github.com/grovebox/irrigationd/internal/iodev"
	"github.com/grovebox/irrigationd/internal/metrics"
	"github.com/grovebox/irrigationd/internal/model"
)

// Dose worker lifecycle states. Every accepted dose runs exactly one worker
// through starting -> active -> stopping -> complete; there is no mid-dose
// cancellation, a started dose runs to completion or to hardware failure.
const (
	doseStateStarting = "starting"
	doseStateActive   = "active"
	doseStateStopping = "stopping"
	doseStateComplete = "complete"
)

// DoseRequest asks the pool to run one actuator for an exact duration.
type DoseRequest struct {
	ActuatorID string
	InstanceID string
	Kind       model.DoseKind
	Duration   time.Duration
}

// Completion is a worker's report back to the evaluator's loop.
type Completion struct {
	ActuatorID string
	RecordID   string
	Kind       model.DoseKind
	Requested  time.Duration
	Actual     time.Duration
	Err        error
}

// WorkerStatus is one live worker's lifecycle snapshot.
type WorkerStatus struct {
	RecordID   string
	ActuatorID string
	Kind       model.DoseKind
	State      string
}

// doseWorker pairs a running dose with its lifecycle machine. The machine is
// the single source of truth for where the worker is: Live reads it for
// operator visibility, and the off command is issued only from the stopping
// state.
type doseWorker struct {
	req     DoseRequest
	machine *fsm.FSM
}

// WorkerPool runs a bounded number of concurrent dose workers. Each worker
// owns one actuator-activation lifecycle independent of the evaluator's
// cadence: it commands the actuator on, sleeps on a monotonic timer for the
// exact requested duration, commands it off (best-effort — the boot-time
// safety shutdown is the backstop for a stuck actuator, not an in-worker
// retry loop), and writes the end dose record. The pool can enumerate
// and await all live workers, so shutdown never orphans a running dose.
type WorkerPool struct {
	slots       chan struct{}
	provider    iodev.Provider
	log         doselog.Log
	state       *State
	sink        metrics.Sink
	logger      *zap.SugaredLogger
	clock       func() time.Time
	dryRun      func() bool
	completions chan Completion

	mu   sync.Mutex
	live map[string]*doseWorker // record id -> worker
	wg   sync.WaitGroup
}

func NewWorkerPool(
	size int,
	provider iodev.Provider,
	log doselog.Log,
	state *State,
	sink metrics.Sink,
	logger *zap.SugaredLogger,
	clock func() time.Time,
	dryRun func() bool,
) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		slots:       make(chan struct{}, size),
		provider:    provider,
		log:         log,
		state:       state,
		sink:        sink,
		logger:      logger,
		clock:       clock,
		dryRun:      dryRun,
		completions: make(chan Completion, size*4),
	}
}

func (p *WorkerPool) newDoseFSM(recordID, actuatorID string) *fsm.FSM {
	return fsm.NewFSM(
		doseStateStarting,
		fsm.Events{
			{Name: "activate", Src: []string{doseStateStarting}, Dst: doseStateActive},
			{Name: "deactivate", Src: []string{doseStateActive}, Dst: doseStateStopping},
			{Name: "finish", Src: []string{doseStateStarting, doseStateStopping}, Dst: doseStateComplete},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				p.logger.Debugw("dose worker transition",
					"record", recordID, "actuator", actuatorID, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// Completions exposes worker completion notifications. The channel is
// buffered; the pool never blocks on a slow consumer.
func (p *WorkerPool) Completions() <-chan Completion { return p.completions }

// Start accepts a dose, writes its start record and spawns the worker. The
// start frame is durable before Start returns: recovery closes a
// predecessor record the moment Start succeeds, so the replacement must
// already be on disk or a crash in between would drop the dose. Start fails
// with ErrActuatorBusy when a worker already owns the actuator and
// ErrWorkerPoolExhausted when no slot is free; both are recoverable, logged
// conditions, never a crash.
func (p *WorkerPool) Start(ctx context.Context, req DoseRequest) (string, error) {
	if req.Duration <= 0 {
		return "", fmt.Errorf("dose for %s: non-positive duration %s", req.ActuatorID, req.Duration)
	}
	if err := p.state.AcquireBusy(req.ActuatorID); err != nil {
		return "", err
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.state.ReleaseBusy(req.ActuatorID)
		return "", fmt.Errorf("dose for %s: %w", req.ActuatorID, model.ErrWorkerPoolExhausted)
	}

	recordID := uuid.NewString()
	dry := p.dryRun()
	w := &doseWorker{req: req, machine: p.newDoseFSM(recordID, req.ActuatorID)}

	if err := p.log.Append(model.DoseRecord{
		ID:         recordID,
		ActuatorID: req.ActuatorID,
		InstanceID: req.InstanceID,
		Kind:       req.Kind,
		Requested:  req.Duration,
		StartedAt:  p.clock(),
		DryRun:     dry,
	}); err != nil {
		// The dose still runs: watering the crop outranks bookkeeping.
		p.logger.Errorw("dose start record not written", "record", recordID, "actuator", req.ActuatorID, "error", err)
	}

	p.mu.Lock()
	if p.live == nil {
		p.live = make(map[string]*doseWorker)
	}
	p.live[recordID] = w
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(recordID, w, dry)

	p.sink.DoseStarted(req.Kind.String())
	return recordID, nil
}

// Live returns a lifecycle snapshot of every running worker, ordered by
// record id.
func (p *WorkerPool) Live() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStatus, 0, len(p.live))
	for id, w := range p.live {
		out = append(out, WorkerStatus{
			RecordID:   id,
			ActuatorID: w.req.ActuatorID,
			Kind:       w.req.Kind,
			State:      w.machine.Current(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// Drain blocks until every live worker has completed.
func (p *WorkerPool) Drain() { p.wg.Wait() }

func (p *WorkerPool) run(recordID string, w *doseWorker, dry bool) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.live, recordID)
		p.mu.Unlock()
		p.state.ReleaseBusy(w.req.ActuatorID)
		<-p.slots
	}()

	req := w.req
	ctx := context.Background()

	// started is taken after the on command returns so the hold measures
	// actual valve-open time; Go's time package gives us the monotonic
	// reading, so the hold cannot drift with wall-clock adjustments.
	if !dry {
		onCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.provider.SetActuatorState(onCtx, req.ActuatorID, true)
		cancel()
		if err != nil {
			p.logger.Errorw("actuator on command failed", "actuator", req.ActuatorID, "error", err)
			p.sink.IOError("set_actuator_on")
			p.closeRecord(recordID, 0)
			p.transition(w, recordID, "finish")
			p.notify(Completion{ActuatorID: req.ActuatorID, RecordID: recordID, Kind: req.Kind, Requested: req.Duration, Err: err})
			return
		}
	}
	p.transition(w, recordID, "activate")

	started := time.Now()
	timer := time.NewTimer(req.Duration)
	<-timer.C

	p.transition(w, recordID, "deactivate")
	// The off command belongs to the stopping state; a worker that never
	// reached it has nothing to switch off.
	if !dry && w.machine.Is(doseStateStopping) {
		offCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.provider.SetActuatorState(offCtx, req.ActuatorID, false)
		cancel()
		if err != nil {
			// Logged, not retried indefinitely; see the pool doc comment.
			p.logger.Errorw("actuator off command failed", "actuator", req.ActuatorID, "error", err)
			p.sink.IOError("set_actuator_off")
		}
	}

	actual := time.Since(started)
	p.closeRecord(recordID, actual)
	p.transition(w, recordID, "finish")

	p.sink.DoseCompleted(req.Kind.String(), req.Duration, actual)
	p.logger.Infow("dose complete",
		"actuator", req.ActuatorID, "kind", req.Kind.String(),
		"requested", req.Duration, "actual", actual, "dry_run", dry)
	p.notify(Completion{ActuatorID: req.ActuatorID, RecordID: recordID, Kind: req.Kind, Requested: req.Duration, Actual: actual})
}

// transition advances the worker's machine; an invalid transition means the
// worker logic and the lifecycle model disagree, which is worth a loud log
// but never kills a running dose.
func (p *WorkerPool) transition(w *doseWorker, recordID, event string) {
	if err := w.machine.Event(context.Background(), event); err != nil {
		p.logger.Errorw("dose lifecycle transition refused",
			"record", recordID, "actuator", w.req.ActuatorID, "event", event,
			"state", w.machine.Current(), "error", err)
	}
}

func (p *WorkerPool) closeRecord(recordID string, actual time.Duration) {
	if err := p.log.Complete(recordID, p.clock(), actual); err != nil {
		p.logger.Errorw("dose end record not written", "record", recordID, "error", err)
	}
}

func (p *WorkerPool) notify(c Completion) {
	select {
	case p.completions <- c:
	default:
		p.logger.Debugw("completion channel full, dropping notification", "record", c.RecordID)
	}
}
