package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/austudio/internal/studio"
	"github.com/user/austudio/internal/types"
	"github.com/user/austudio/pkg/codegen"
)

var (
	// ErrBusy is returned when the global concurrency cap is exhausted.
	// Per-session rejection of overlapping runs is studio.ErrRunActive;
	// ErrBusy means other sessions hold all the slots.
	ErrBusy = errors.New("generation capacity exhausted")

	// ErrUnknownSession is returned for operations on a key that was never
	// resolved.
	ErrUnknownSession = errors.New("unknown session")
)

// Gateway owns the session registry and admits generation runs under a
// global concurrency cap. Each session serializes its own runs; the gateway's
// semaphore limits how many sessions stream at once.
type Gateway struct {
	opener   studio.Opener
	guard    studio.BudgetGuard
	sem      *semaphore.Weighted
	onFinish func(studio.Snapshot)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[types.SessionKey]*studio.Session
}

// Option configures optional gateway behavior.
type Option func(*Gateway)

// WithBudgetGuard installs a pre-flight request size check on every session
// the gateway creates.
func WithBudgetGuard(g studio.BudgetGuard) Option {
	return func(gw *Gateway) { gw.guard = g }
}

// WithOnRunFinished sets a callback invoked with the terminal snapshot of
// every run that ends while the gateway is running.
func WithOnRunFinished(fn func(studio.Snapshot)) Option {
	return func(gw *Gateway) { gw.onFinish = fn }
}

// New creates a Gateway backed by the given opener. maxConcurrent caps
// simultaneous streaming runs across all sessions; values <= 0 default to 2.
func New(opener studio.Opener, maxConcurrent int64, opts ...Option) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	g := &Gateway{
		opener:   opener,
		sem:      semaphore.NewWeighted(maxConcurrent),
		sessions: make(map[types.SessionKey]*studio.Session),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start initialises the gateway's context. Must be called before Generate.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
}

// Stop cancels the gateway context, aborts any streaming runs, and waits for
// their watchers to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// Resolve returns the session for key, creating it on first use.
func (g *Gateway) Resolve(key types.SessionKey) *studio.Session {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sess, ok := g.sessions[key]; ok {
		return sess
	}
	var opts []studio.Option
	if g.guard != nil {
		opts = append(opts, studio.WithBudgetGuard(g.guard))
	}
	sess := studio.NewSession(key, g.opener, opts...)
	g.sessions[key] = sess
	slog.Debug("session created", "session_key", string(key))
	return sess
}

// Lookup returns the session for key without creating one.
func (g *Gateway) Lookup(key types.SessionKey) (*studio.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sess, ok := g.sessions[key]
	return sess, ok
}

// Sessions returns all known sessions ordered by key.
func (g *Gateway) Sessions() []*studio.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*studio.Session, 0, len(g.sessions))
	for _, sess := range g.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Generate admits a run for the session identified by key. Returns ErrBusy
// when the concurrency cap is exhausted, or whatever the session's Generate
// returns. A released slot is guaranteed for every admitted run.
func (g *Gateway) Generate(ctx context.Context, key types.SessionKey, prompt string, base ...*codegen.AusProject) error {
	sess := g.Resolve(key)

	if !g.sem.TryAcquire(1) {
		return ErrBusy
	}
	if err := sess.Generate(ctx, prompt, base...); err != nil {
		g.sem.Release(1)
		return err
	}

	g.wg.Add(1)
	go g.watch(sess)
	return nil
}

// StopRun aborts the active run for key, if any.
func (g *Gateway) StopRun(key types.SessionKey) error {
	sess, ok := g.Lookup(key)
	if !ok {
		return ErrUnknownSession
	}
	sess.Stop()
	return nil
}

// watch holds the run's semaphore slot until the run ends, then reports the
// terminal snapshot. A gateway shutdown aborts the run first so the slot is
// always returned.
func (g *Gateway) watch(sess *studio.Session) {
	defer g.wg.Done()
	defer g.sem.Release(1)

	if err := sess.Wait(g.ctx); err != nil {
		sess.Stop()
		return
	}

	snap := sess.Snapshot()
	slog.Info("run finished",
		"session_key", string(snap.SessionKey),
		"run_id", string(snap.RunID),
		"state", string(snap.RunState),
		"files", len(snap.Files),
	)
	if g.onFinish != nil {
		g.onFinish(snap)
	}
}
