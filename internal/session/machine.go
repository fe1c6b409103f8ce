// Package session implements the typed session state machine. A session is
// always in exactly one of six states; each state is a value exposing only
// the transitions legal from it. Transition methods are single-shot: the
// first call computes the successor, repeated calls of the same method return
// the cached successor, and any other method on a state the machine has left
// fails with an InvalidStateError.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"

	"github.com/steel-dev/steel-browser-go/internal/plugins"
	"github.com/steel-dev/steel-browser-go/internal/scheduler"
	"github.com/steel-dev/steel-browser-go/internal/stats"
	"github.com/steel-dev/steel-browser-go/internal/types"
)

// StateName identifies a lifecycle state.
type StateName string

// The six lifecycle states.
const (
	StateIdle      StateName = "idle"
	StateLaunching StateName = "launching"
	StateLive      StateName = "live"
	StateDraining  StateName = "draining"
	StateClosed    StateName = "closed"
	StateError     StateName = "error"
)

// State is the sealed interface over the six state values. Operations live
// on the concrete types so that only legal transitions are expressible;
// callers that hold a State narrow it with a type switch.
type State interface {
	Name() StateName
	sealed()
}

// BrowserDriver is the slice of the driver the state machine needs.
type BrowserDriver interface {
	Launch(ctx context.Context, cfg *types.SessionConfig) (*rod.Browser, *rod.Page, error)
	Close() error
	ForceClose() error
	UserDataDir() string
}

// ContextCodec restores and snapshots session context around the lifecycle.
type ContextCodec interface {
	Restore(ctx context.Context, browser *rod.Browser, page *rod.Page, sc *types.SessionContext) error
	Snapshot(ctx context.Context, browser *rod.Browser, userDataDir string) (*types.SessionContext, error)
}

// Options wires a Machine's collaborators.
type Options struct {
	Driver BrowserDriver
	Hooks  *plugins.Fabric
	// NewCodec builds a fresh codec per session.
	NewCodec func() ContextCodec
	// PreparePage, if set, runs against the primary page after launch and
	// before context restore (fingerprint injection). A failure is logged by
	// the caller and does not abort the launch.
	PreparePage func(page *rod.Page, cfg *types.SessionConfig) error
}

// Machine owns the current state and the per-session machinery (scheduler,
// codec, timing recorder). It enforces the transition diagram:
//
//	Idle → Launching → {Live | Error}
//	Live → {Draining | Error(crashed)}
//	Draining → {Closed | Error(draining)}
//	Error → {Idle | Closed}
//	Closed → Idle
//
// Transition serialisation is the caller's job (the Orchestrator mutex);
// Current is safe for concurrent lock-free reads.
type Machine struct {
	opts Options

	current atomic.Value // stateBox

	// Per-session machinery, replaced on Idle.Start.
	sessionMu sync.Mutex
	sched     *scheduler.Scheduler
	codec     ContextCodec
	rec       *stats.Recorder

	snapshotOnEnd atomic.Bool
	lastSnapshot  atomic.Pointer[types.SessionContext]
}

// NewMachine creates a machine in Idle.
func NewMachine(opts Options) *Machine {
	m := &Machine{opts: opts}
	m.snapshotOnEnd.Store(true)
	m.sched = scheduler.New()
	m.rec = stats.NewRecorder()
	m.current.Store(stateBox{s: &Idle{m: m, slot: &transitionSlot{}}})
	return m
}

// Current returns the state the machine is in. Callers accept that the
// machine may transition concurrently; this is a point-in-time read.
func (m *Machine) Current() State {
	return m.current.Load().(stateBox).s
}

// Scheduler returns the active session's task scheduler.
func (m *Machine) Scheduler() *scheduler.Scheduler {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	return m.sched
}

// Recorder returns the active session's phase timing recorder.
func (m *Machine) Recorder() *stats.Recorder {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	return m.rec
}

// SetSnapshotOnEnd controls whether draining captures a final context
// snapshot before the browser closes. Defaults to on.
func (m *Machine) SetSnapshotOnEnd(v bool) {
	m.snapshotOnEnd.Store(v)
}

// LastSnapshot returns the most recent end-of-session context snapshot, or
// nil if none has been taken.
func (m *Machine) LastSnapshot() *types.SessionContext {
	return m.lastSnapshot.Load()
}

// beginSession swaps in fresh per-session machinery.
func (m *Machine) beginSession() (*scheduler.Scheduler, ContextCodec, *stats.Recorder) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	m.sched = scheduler.New()
	if m.opts.NewCodec != nil {
		m.codec = m.opts.NewCodec()
	}
	m.rec = stats.NewRecorder()
	return m.sched, m.codec, m.rec
}

// publish makes next the externally observable state.
func (m *Machine) publish(next State) {
	m.current.Store(stateBox{s: next})
}

// stateBox gives every stored state the same concrete type, as atomic.Value
// requires.
type stateBox struct{ s State }

// transitionSlot implements the single-shot cached-successor contract shared
// by every state value. The mutex is held for the whole transition so a
// concurrent second call blocks and then reads the cached result; the side
// effects run exactly once.
type transitionSlot struct {
	mu     sync.Mutex
	done   bool
	method string
	next   State
	err    error
}

// resolve runs fn under the slot. If the slot already resolved via the same
// method the cached successor is returned; via a different method the state
// has moved and the call is invalid.
func (s *transitionSlot) resolve(method string, state StateName, fn func() (State, error)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		if s.method == method {
			return s.next, s.err
		}
		return nil, types.NewInvalidStateError(method, string(state)+" (already "+s.method+")")
	}

	next, err := fn()
	s.done = true
	s.method = method
	s.next = next
	s.err = err
	return next, err
}
