package studio

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/austudio/internal/types"
	"github.com/user/austudio/pkg/codegen"
)

var (
	// ErrRunActive is returned when Generate is called while a run is
	// streaming. Concurrent generates are rejected, never interleaved.
	ErrRunActive = errors.New("a generation run is already active")

	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt must not be empty")
)

// Opener opens one streaming run against the generation backend.
type Opener interface {
	Open(ctx context.Context, req codegen.Request) Stream
}

// Stream yields decoded frames for one run and supports cooperative abort.
type Stream interface {
	Events() <-chan codegen.Event
	Abort()
}

// BudgetGuard vets a request before a stream is opened. A non-nil error
// refuses the run with no state touched.
type BudgetGuard interface {
	Check(prompt string, project *codegen.AusProject) error
}

type transportOpener struct {
	t *codegen.Transport
}

func (o transportOpener) Open(ctx context.Context, req codegen.Request) Stream {
	return o.t.Open(ctx, req)
}

// Backend adapts a codegen.Transport to the Opener interface.
func Backend(t *codegen.Transport) Opener {
	return transportOpener{t: t}
}

// Snapshot is one observation of a session's state bundle. All maps and
// slices are copies, safe to read after the session moves on.
type Snapshot struct {
	SessionKey    types.SessionKey             `json:"session_key"`
	RunID         types.RunID                  `json:"run_id,omitempty"`
	RunState      types.RunState               `json:"run_state"`
	Messages      []types.StudioMessage        `json:"messages"`
	Files         map[string]codegen.AusFile   `json:"files"`
	Phases        []types.PhaseResult          `json:"phases"`
	Project       *codegen.AusProject          `json:"project,omitempty"`
	StreamingText string                       `json:"streaming_text"`
	IsStreaming   bool                         `json:"is_streaming"`
	Error         string                       `json:"error,omitempty"`
	UpdatedAt     time.Time                    `json:"updated_at"`
}

// Session owns the state bundle for one studio conversation: the transcript,
// the current run's phases, the merged project, and the live streaming text.
// All mutation happens inside the active run's dispatch path under one
// mutex; frames arriving after a terminal transition are discarded.
type Session struct {
	key    types.SessionKey
	opener Opener
	guard  BudgetGuard

	mu             sync.Mutex
	messages       []types.StudioMessage
	phases         *PhaseTracker
	merger         *Merger
	accum          *Accumulator
	pendingMeta    *codegen.ProjectMeta
	project        *codegen.AusProject
	isStreaming    bool
	errMsg         string
	runID          types.RunID
	assistantTurns int
	stream         Stream
	done           chan struct{}
	createdAt      time.Time
	updatedAt      time.Time

	subs    map[int]chan Snapshot
	nextSub int
}

// Option configures optional session behavior.
type Option func(*Session)

// WithBudgetGuard installs a pre-flight request size check.
func WithBudgetGuard(g BudgetGuard) Option {
	return func(s *Session) { s.guard = g }
}

// NewSession creates an idle session with no project.
func NewSession(key types.SessionKey, opener Opener, opts ...Option) *Session {
	now := time.Now()
	s := &Session{
		key:       key,
		opener:    opener,
		phases:    NewPhaseTracker(),
		merger:    NewMerger(),
		accum:     &Accumulator{},
		subs:      make(map[int]chan Snapshot),
		createdAt: now,
		updatedAt: now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the session's key.
func (s *Session) Key() types.SessionKey {
	return s.key
}

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Generate starts a new run for prompt. An optional base project makes this
// a refine run; otherwise the session's current project (if any) is used, so
// successive calls refine what earlier calls built. Returns ErrRunActive
// while a run is streaming; the in-progress run is never disturbed.
func (s *Session) Generate(ctx context.Context, prompt string, base ...*codegen.AusProject) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.isStreaming {
		s.mu.Unlock()
		return ErrRunActive
	}

	project := s.project
	if len(base) > 0 && base[0] != nil {
		project = base[0]
	}

	if s.guard != nil {
		if err := s.guard.Check(prompt, project); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	s.project = project
	s.runID = types.NewRunID()
	s.messages = append(s.messages, types.NewMessage(types.RoleUser, prompt))
	s.phases = NewPhaseTracker()
	_ = s.phases.Begin()
	s.merger = NewMerger()
	s.accum = &Accumulator{}
	s.pendingMeta = nil
	s.errMsg = ""
	s.assistantTurns = 0
	s.isStreaming = true
	s.done = make(chan struct{})
	s.updatedAt = time.Now()

	stream := s.opener.Open(ctx, codegen.Request{Prompt: prompt, Project: project})
	s.stream = stream
	snap := s.snapshotLocked()
	s.mu.Unlock()

	slog.Debug("run started", "session_key", string(s.key), "run_id", string(snap.RunID), "refine", project != nil)

	s.publish(snap)
	go s.consume(stream)
	return nil
}

// Stop aborts the active run. The run ends cancelled, any in-progress
// assistant text is finalized, and applied file writes are kept. Idempotent
// after completion; cancellation never sets the error string.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.isStreaming {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	snap := s.finishLocked(types.RunCancelled, "")
	s.mu.Unlock()

	if stream != nil {
		stream.Abort()
	}
	s.publish(snap)
}

// Wait blocks until the active run ends or ctx is done. Returns immediately
// when no run is streaming.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	if !s.isStreaming {
		s.mu.Unlock()
		return nil
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the observable state bundle.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers for a snapshot after every applied frame. Slow
// consumers miss intermediate snapshots rather than blocking the dispatch
// loop; the terminal snapshot can be recovered via Snapshot after Wait.
// The returned cancel func unregisters and closes the channel.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 64)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// consume drains one run's stream. Runs in its own goroutine; it is the
// only writer to session state while the run is live.
func (s *Session) consume(stream Stream) {
	for ev := range stream.Events() {
		s.apply(ev)
	}

	// The channel closed without a terminal frame. Normal endings (done,
	// error, stop) have already finished the run; anything else means the
	// backend hung up mid-stream.
	s.mu.Lock()
	if !s.isStreaming {
		s.mu.Unlock()
		return
	}
	snap := s.finishLocked(types.RunFailed, "generation stream ended unexpectedly")
	s.mu.Unlock()
	s.publish(snap)
}

// apply dispatches one frame. Frames arriving after the run's terminal
// transition are discarded so a late frame can never corrupt settled state.
func (s *Session) apply(ev codegen.Event) {
	s.mu.Lock()
	if !s.isStreaming || s.phases.Terminal() {
		s.mu.Unlock()
		return
	}

	switch ev.Type {
	case codegen.EventMessageDelta:
		s.accum.Append(ev.Delta.Text)
	case codegen.EventPhaseUpdate:
		s.flushTurnLocked()
		s.phases.Apply(ev.Phase.Name, types.PhaseStatus(ev.Phase.Status), ev.Phase.Detail)
	case codegen.EventFileWrite:
		s.flushTurnLocked()
		s.merger.ApplyWrite(ev.File.Path, ev.File.Content)
	case codegen.EventFileDelete:
		s.flushTurnLocked()
		s.merger.ApplyDelete(ev.Del.Path)
	case codegen.EventProjectMeta:
		s.flushTurnLocked()
		s.pendingMeta = ev.Meta
	case codegen.EventError:
		snap := s.finishLocked(types.RunFailed, ev.Err.Message)
		s.mu.Unlock()
		s.publish(snap)
		return
	case codegen.EventDone:
		snap := s.finishLocked(types.RunCompleted, "")
		s.mu.Unlock()
		s.publish(snap)
		return
	default:
		s.mu.Unlock()
		return
	}

	s.updatedAt = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// flushTurnLocked finalizes a completed burst of assistant text when a
// non-delta frame arrives.
func (s *Session) flushTurnLocked() {
	if s.accum.Len() > 0 {
		s.messages = append(s.messages, s.accum.Finalize())
		s.assistantTurns++
	}
}

// finishLocked ends the run in the given terminal state. Partial progress is
// never discarded: whatever files and messages were applied stay, and the
// merged project reflects them. A completed run always records at least one
// assistant turn, even with empty content.
func (s *Session) finishLocked(state types.RunState, errMsg string) Snapshot {
	if s.accum.Len() > 0 || (state == types.RunCompleted && s.assistantTurns == 0) {
		s.messages = append(s.messages, s.accum.Finalize())
		s.assistantTurns++
	}

	s.project = s.merger.MergeInto(s.project, s.pendingMeta)
	s.merger = NewMerger()
	s.pendingMeta = nil

	switch state {
	case types.RunCompleted:
		s.phases.Complete()
	case types.RunFailed:
		s.phases.Fail()
	case types.RunCancelled:
		s.phases.Cancel()
	}

	s.errMsg = errMsg
	s.isStreaming = false
	s.updatedAt = time.Now()
	close(s.done)

	slog.Debug("run finished",
		"session_key", string(s.key),
		"run_id", string(s.runID),
		"state", string(state),
		"files", len(s.project.Files),
	)

	return s.snapshotLocked()
}

// snapshotLocked builds the observable bundle. Files is the live merged
// view: the durable project plus this run's writes so far, so the UI renders
// progress without waiting for the terminal merge.
func (s *Session) snapshotLocked() Snapshot {
	live := s.merger.MergeInto(s.project, s.pendingMeta)

	messages := make([]types.StudioMessage, len(s.messages))
	copy(messages, s.messages)

	return Snapshot{
		SessionKey:    s.key,
		RunID:         s.runID,
		RunState:      s.phases.State(),
		Messages:      messages,
		Files:         live.Files,
		Phases:        s.phases.Results(),
		Project:       s.project.Clone(),
		StreamingText: s.accum.Text(),
		IsStreaming:   s.isStreaming,
		Error:         s.errMsg,
		UpdatedAt:     s.updatedAt,
	}
}

// publish fans a snapshot out to subscribers without blocking dispatch.
func (s *Session) publish(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
