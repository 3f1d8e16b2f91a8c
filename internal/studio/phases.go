package studio

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/user/austudio/internal/types"
)

// Run lifecycle events.
const (
	runBegin    = "begin"
	runComplete = "complete"
	runFail     = "fail"
	runCancel   = "cancel"
)

// PhaseTracker tracks the ordered phase list for one generation run plus the
// run's overall lifecycle. Phases arrive from the backend in declaration
// order; names not seen before are appended, so backends may report phases
// the client does not know in advance.
type PhaseTracker struct {
	run    *fsm.FSM
	order  []string
	byName map[string]*types.PhaseResult
}

// NewPhaseTracker creates a tracker in the idle state.
func NewPhaseTracker() *PhaseTracker {
	run := fsm.NewFSM(
		string(types.RunIdle),
		fsm.Events{
			{Name: runBegin, Src: []string{string(types.RunIdle)}, Dst: string(types.RunRunning)},
			{Name: runComplete, Src: []string{string(types.RunRunning)}, Dst: string(types.RunCompleted)},
			{Name: runFail, Src: []string{string(types.RunRunning)}, Dst: string(types.RunFailed)},
			{Name: runCancel, Src: []string{string(types.RunRunning)}, Dst: string(types.RunCancelled)},
		},
		fsm.Callbacks{},
	)
	return &PhaseTracker{
		run:    run,
		byName: make(map[string]*types.PhaseResult),
	}
}

// statusRank orders phase statuses so updates can only move forward.
// done and error share a rank: both are terminal for the phase.
func statusRank(s types.PhaseStatus) int {
	switch s {
	case types.PhasePending:
		return 0
	case types.PhaseActive:
		return 1
	case types.PhaseDone, types.PhaseError:
		return 2
	}
	return -1
}

// Begin moves the run from idle to running.
func (t *PhaseTracker) Begin() error {
	return t.run.Event(context.Background(), runBegin)
}

// Complete marks the run completed. No-op if already terminal.
func (t *PhaseTracker) Complete() { t.fire(runComplete) }

// Fail marks the run failed. No-op if already terminal.
func (t *PhaseTracker) Fail() { t.fire(runFail) }

// Cancel marks the run cancelled. No-op if already terminal.
func (t *PhaseTracker) Cancel() { t.fire(runCancel) }

func (t *PhaseTracker) fire(event string) {
	// Terminal states are sticky; a second terminal transition is ignored.
	_ = t.run.Event(context.Background(), event)
}

// State returns the run's lifecycle state.
func (t *PhaseTracker) State() types.RunState {
	return types.RunState(t.run.Current())
}

// Terminal reports whether the run has ended.
func (t *PhaseTracker) Terminal() bool {
	return t.State().Terminal()
}

// Apply records a phase update. Unknown statuses and updates that would move
// a phase backward are ignored, which makes duplicate or late deliveries
// harmless. Updates after the run ends are dropped.
func (t *PhaseTracker) Apply(name string, status types.PhaseStatus, detail string) {
	if t.Terminal() {
		return
	}
	rank := statusRank(status)
	if rank < 0 {
		return
	}

	phase, ok := t.byName[name]
	if !ok {
		t.order = append(t.order, name)
		t.byName[name] = &types.PhaseResult{Name: name, Status: status, Detail: detail}
		return
	}

	cur := statusRank(phase.Status)
	if rank < cur {
		return
	}
	if rank == cur && status != phase.Status {
		// done and error share a rank but a phase settles on one of them.
		return
	}
	phase.Status = status
	if detail != "" {
		phase.Detail = detail
	}
}

// Results returns a copy of the phase list in declaration order.
func (t *PhaseTracker) Results() []types.PhaseResult {
	out := make([]types.PhaseResult, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.byName[name])
	}
	return out
}
