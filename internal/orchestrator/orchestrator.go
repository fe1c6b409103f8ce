// Package orchestrator is the single-instance façade over the session
// runtime. It serialises every state-changing operation on one mutex, owns
// the crash-recovery policy, and fronts the browser's control protocol with
// a WebSocket reverse proxy. At most one live session exists per instance.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/steel-dev/steel-browser-go/internal/config"
	"github.com/steel-dev/steel-browser-go/internal/driver"
	"github.com/steel-dev/steel-browser-go/internal/fingerprint"
	"github.com/steel-dev/steel-browser-go/internal/metrics"
	"github.com/steel-dev/steel-browser-go/internal/plugins"
	"github.com/steel-dev/steel-browser-go/internal/session"
	"github.com/steel-dev/steel-browser-go/internal/sessionctx"
	"github.com/steel-dev/steel-browser-go/internal/stats"
	"github.com/steel-dev/steel-browser-go/internal/types"
)

// Driver is the slice of the browser driver the orchestrator consumes.
// *driver.Driver satisfies it; tests substitute fakes.
type Driver interface {
	session.BrowserDriver
	Events() <-chan driver.Event
	ControlURL() string
	GetBrowser() *rod.Browser
	GetPrimaryPage() *rod.Page
	SetPrimaryPage(page *rod.Page)
	UserAgent() string
}

// LifecycleHook is a caller-registered callback run around launch/shutdown,
// outside the plugin fabric.
type LifecycleHook func(ctx context.Context, cfg types.SessionConfig)

// Orchestrator drives the session state machine. All state-changing
// operations serialise on mu; read accessors are lock-free point-in-time
// snapshots.
type Orchestrator struct {
	cfg     *config.Config
	drv     Driver
	machine *session.Machine
	hooks   *plugins.Fabric
	fp      *fingerprint.Manager

	mu sync.Mutex // serialises launch/shutdown/startNewSession/endSession/crash

	// Caller-registered lifecycle hooks (not plugins).
	hookMu        sync.Mutex
	launchHooks   []LifecycleHook
	shutdownHooks []LifecycleHook

	// Last config a session launched with; cleared on crash per policy.
	currentConfig atomic.Pointer[types.SessionConfig]

	// browserDone is closed whenever the running browser goes away, for
	// proxied sockets to tear down. Replaced on every launch.
	doneMu      sync.Mutex
	browserDone chan struct{}

	// Custom WebSocket handler; when set it wins over the reverse proxy.
	wsHandler atomic.Pointer[http.HandlerFunc]

	newCodec func() session.ContextCodec

	stopCh  chan struct{}
	eventWG sync.WaitGroup
}

// New wires an orchestrator. Call Run to start consuming driver events, and
// Close on shutdown.
func New(cfg *config.Config, drv Driver, fabric *plugins.Fabric, fp *fingerprint.Manager) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		drv:         drv,
		hooks:       fabric,
		fp:          fp,
		stopCh:      make(chan struct{}),
		browserDone: make(chan struct{}),
		newCodec:    func() session.ContextCodec { return sessionctx.New() },
	}
	o.machine = session.NewMachine(session.Options{
		Driver:      drv,
		Hooks:       fabric,
		NewCodec:    func() session.ContextCodec { return o.newCodec() },
		PreparePage: o.preparePage,
	})
	return o
}

// preparePage injects the fingerprint profile into the primary page.
func (o *Orchestrator) preparePage(page *rod.Page, cfg *types.SessionConfig) error {
	if o.fp == nil {
		return nil
	}
	profile := o.fp.Lookup(cfg.Fingerprint, cfg.DeviceConfig.Device)
	return fingerprint.Inject(page, profile)
}

// Run starts the driver event consumer. Call once.
func (o *Orchestrator) Run() {
	o.eventWG.Add(1)
	go func() {
		defer o.eventWG.Done()
		o.eventLoop()
	}()
}

// Close stops the event consumer and shuts the session down.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Shutdown(ctx)
	close(o.stopCh)
	o.eventWG.Wait()
	return err
}

// eventLoop consumes driver runtime events and applies crash and security
// policy. It is the only reader of the driver event stream.
func (o *Orchestrator) eventLoop() {
	for {
		select {
		case <-o.stopCh:
			return
		case ev, ok := <-o.drv.Events():
			if !ok {
				return
			}
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ev driver.Event) {
	switch ev.Kind {
	case driver.EventDisconnected:
		o.handleCrash()
	case driver.EventFileProtocolViolation:
		metrics.FileProtocolViolationsTotal.Inc()
		o.handleFileProtocolViolation(ev.URL)
	case driver.EventTargetCreated:
		log.Debug().Str("target", string(ev.TargetID)).Msg("Target created")
	case driver.EventTargetChanged:
		log.Debug().Str("target", string(ev.TargetID)).Msg("Target changed")
	case driver.EventTargetDestroyed:
		log.Debug().Str("target", string(ev.TargetID)).Msg("Target destroyed")
	}
}

// handleCrash applies the crash policy: Live sessions move to
// Error(crashed); with keep-alive the runtime recovers and relaunches with
// the default config, never the crashed session's config.
func (o *Orchestrator) handleCrash() {
	o.mu.Lock()
	defer o.mu.Unlock()

	live, ok := o.machine.Current().(*session.Live)
	if !ok {
		// A disconnect outside Live is either a close in progress or a
		// drain failure; the active transition owns the outcome.
		log.Debug().Str("state", string(o.machine.Current().Name())).Msg("Disconnect outside live state, ignoring")
		return
	}

	log.Error().Msg("Browser crashed while live")
	o.signalBrowserDone()
	o.currentConfig.Store(nil)

	failed, err := live.Crash(types.ErrBrowserCrashed)
	if err != nil {
		log.Error().Err(err).Msg("Crash transition failed")
		return
	}

	idle, err := failed.Recover()
	if err != nil {
		log.Error().Err(err).Msg("Crash recovery failed")
		return
	}

	if !o.cfg.KeepAlive {
		log.Info().Msg("Keep-alive disabled, session left idle after crash")
		return
	}

	// Relaunch with the runtime default config: a poisoned session config
	// must not crash the runtime in a loop.
	if _, err := o.launchFromIdle(context.Background(), idle, o.cfg.DefaultSessionConfig()); err != nil {
		log.Error().Err(err).Msg("Relaunch after crash failed")
	}
}

// handleFileProtocolViolation drains the live session. The session lands in
// Closed and stays there: a security stop does not auto-restart.
func (o *Orchestrator) handleFileProtocolViolation(url string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	live, ok := o.machine.Current().(*session.Live)
	if !ok {
		log.Warn().Str("url", url).Str("state", string(o.machine.Current().Name())).
			Msg("File protocol violation outside live state, ignoring")
		return
	}

	log.Warn().Str("url", url).Msg("File protocol violation, draining session")
	o.endLocked(context.Background(), live, "file-protocol-violation")
}

// Launch starts a session. If one is already live its browser is returned.
// From Idle it runs the caller-registered launch hooks and drives
// Idle → Launching → Live, surfacing any launch error.
func (o *Orchestrator) Launch(ctx context.Context, cfg *types.SessionConfig) (*rod.Browser, error) {
	if plugins.InHook(ctx) {
		return nil, types.ErrReentrantCall
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	switch st := o.machine.Current().(type) {
	case *session.Live:
		return st.Browser(), nil
	case *session.Idle:
		launch := o.cfg.DefaultSessionConfig()
		if cfg != nil {
			launch = cfg.Clone()
		}
		return o.launchFromIdle(ctx, st, launch)
	default:
		return nil, types.NewInvalidStateError("launch", string(st.Name()))
	}
}

// launchFromIdle drives Idle → Launching → {Live | Error}. Callers hold mu.
func (o *Orchestrator) launchFromIdle(ctx context.Context, idle *session.Idle, cfg types.SessionConfig) (*rod.Browser, error) {
	o.runLaunchHooks(ctx, cfg)

	launching, err := idle.Start(cfg)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	next, err := launching.AwaitLaunch(ctx)
	metrics.ObserveLaunch(started, err == nil)
	if err != nil {
		return nil, err
	}
	live, ok := next.(*session.Live)
	if !ok {
		return nil, fmt.Errorf("unexpected launch successor %q", next.Name())
	}

	stored := cfg.Clone()
	o.currentConfig.Store(&stored)
	o.resetBrowserDone()
	return live.Browser(), nil
}

// Shutdown ends whatever is running: Live drains to Closed, Error
// terminates, Idle and Closed are no-ops. Shutdown hooks run with the last
// known session config.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if plugins.InHook(ctx) {
		return types.ErrReentrantCall
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if cfg := o.currentConfig.Load(); cfg != nil {
		o.runShutdownHooks(ctx, *cfg)
	}

	switch st := o.machine.Current().(type) {
	case *session.Live:
		return o.endLocked(ctx, st, "shutdown")
	case *session.Draining:
		_, err := st.AwaitDrain(ctx)
		o.signalBrowserDone()
		return err
	case *session.Errored:
		_, err := st.Terminate()
		o.signalBrowserDone()
		return err
	default:
		return nil
	}
}

// endLocked drains a live session to Closed. Callers hold mu.
func (o *Orchestrator) endLocked(ctx context.Context, live *session.Live, reason string) error {
	draining, err := live.End(reason)
	if err != nil {
		return err
	}
	_, err = draining.AwaitDrain(ctx)
	o.signalBrowserDone()
	return err
}

// EndSession drives Live → Draining → Closed → Idle. With keep-alive (the
// default) the runtime immediately relaunches with its default config so the
// HTTP surface stays ready.
func (o *Orchestrator) EndSession(ctx context.Context, reason string) error {
	if plugins.InHook(ctx) {
		return types.ErrReentrantCall
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	live, ok := o.machine.Current().(*session.Live)
	if !ok {
		return types.NewInvalidStateError("endSession", string(o.machine.Current().Name()))
	}

	if cfg := o.currentConfig.Load(); cfg != nil {
		o.runShutdownHooks(ctx, *cfg)
	}
	o.currentConfig.Store(nil)

	if err := o.endLocked(ctx, live, reason); err != nil {
		return err
	}

	closed, ok := o.machine.Current().(*session.Closed)
	if !ok {
		return fmt.Errorf("unexpected state %q after drain", o.machine.Current().Name())
	}
	idle, err := closed.Restart()
	if err != nil {
		return err
	}

	if o.cfg.KeepAlive {
		if _, err := o.launchFromIdle(ctx, idle, o.cfg.DefaultSessionConfig()); err != nil {
			return err
		}
	}
	return nil
}

// StartNewSession replaces whatever is running with a session using cfg:
// a live session is ended first, Closed restarts, Error recovers.
func (o *Orchestrator) StartNewSession(ctx context.Context, cfg types.SessionConfig) (*rod.Browser, error) {
	if plugins.InHook(ctx) {
		return nil, types.ErrReentrantCall
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	var idle *session.Idle
	switch st := o.machine.Current().(type) {
	case *session.Idle:
		idle = st
	case *session.Live:
		if cfgPtr := o.currentConfig.Load(); cfgPtr != nil {
			o.runShutdownHooks(ctx, *cfgPtr)
		}
		if err := o.endLocked(ctx, st, "replaced"); err != nil {
			return nil, err
		}
		closed, ok := o.machine.Current().(*session.Closed)
		if !ok {
			return nil, fmt.Errorf("unexpected state %q after drain", o.machine.Current().Name())
		}
		next, err := closed.Restart()
		if err != nil {
			return nil, err
		}
		idle = next
	case *session.Closed:
		next, err := st.Restart()
		if err != nil {
			return nil, err
		}
		idle = next
	case *session.Errored:
		next, err := st.Recover()
		if err != nil {
			return nil, err
		}
		idle = next
	default:
		return nil, types.NewInvalidStateError("startNewSession", string(st.Name()))
	}

	return o.launchFromIdle(ctx, idle, cfg)
}

// GetBrowserState snapshots the current session context without any state
// transition.
func (o *Orchestrator) GetBrowserState(ctx context.Context) (*types.SessionContext, error) {
	browser := o.drv.GetBrowser()
	if browser == nil {
		return nil, types.ErrBrowserNotRunning
	}
	codec := o.newCodec()
	snap, err := codec.Snapshot(ctx, browser, o.drv.UserDataDir())
	if snap == nil {
		return nil, err
	}
	// Partial snapshots are served; the error was already logged.
	return snap, nil
}

// RefreshPrimaryPage opens a fresh page, notifies plugins about the outgoing
// one, closes it, and rebinds the primary.
func (o *Orchestrator) RefreshPrimaryPage(ctx context.Context) error {
	if plugins.InHook(ctx) {
		return types.ErrReentrantCall
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	live, ok := o.machine.Current().(*session.Live)
	if !ok {
		return types.NewInvalidStateError("refreshPrimaryPage", string(o.machine.Current().Name()))
	}

	browser := live.Browser()
	newPage, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("creating replacement page: %w", err)
	}

	cfg := live.Config()
	if err := o.preparePage(newPage, &cfg); err != nil {
		log.Warn().Err(err).Msg("Fingerprint injection on refreshed page failed")
	}

	old := live.PrimaryPage()
	if old != nil {
		o.hooks.EmitBeforePageClose(ctx, old)
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing outgoing primary page failed")
		}
	}

	live.RebindPrimaryPage(newPage)
	o.drv.SetPrimaryPage(newPage)
	log.Info().Msg("Primary page refreshed")
	return nil
}

// Read accessors. Lock-free: callers observe a point-in-time snapshot and
// the session may transition concurrently.

// IsRunning reports whether a session is live.
func (o *Orchestrator) IsRunning() bool {
	_, ok := o.machine.Current().(*session.Live)
	return ok
}

// GetSessionState names the current lifecycle state.
func (o *Orchestrator) GetSessionState() string {
	return string(o.machine.Current().Name())
}

// GetUserAgent returns the running browser's user agent, or "".
func (o *Orchestrator) GetUserAgent() string {
	return o.drv.UserAgent()
}

// GetBrowser returns the browser handle, or nil.
func (o *Orchestrator) GetBrowser() *rod.Browser {
	return o.drv.GetBrowser()
}

// GetPrimaryPage returns the primary page, or nil.
func (o *Orchestrator) GetPrimaryPage() *rod.Page {
	return o.drv.GetPrimaryPage()
}

// Timings returns the active session's phase timing snapshot.
func (o *Orchestrator) Timings() stats.Timings {
	return o.machine.Recorder().Snapshot()
}

// CurrentConfig returns the config of the running session, or nil.
func (o *Orchestrator) CurrentConfig() *types.SessionConfig {
	return o.currentConfig.Load()
}

// LastSnapshot returns the most recent end-of-session context snapshot.
func (o *Orchestrator) LastSnapshot() *types.SessionContext {
	return o.machine.LastSnapshot()
}

// SetSnapshotOnEnd controls end-of-session context capture.
func (o *Orchestrator) SetSnapshotOnEnd(v bool) {
	o.machine.SetSnapshotOnEnd(v)
}

// WaitUntil enqueues best-effort background work on the active session's
// scheduler. Open to plugins: background work is the one thing a hook may
// schedule. Failures are logged, never propagated; drain cancels whatever is
// still running.
func (o *Orchestrator) WaitUntil(ctx context.Context, label string, fn func(context.Context) error) {
	// Background work enqueued from a hook outlives the hook's deadline;
	// only drain cancels it.
	if plugins.InHook(ctx) {
		ctx = context.WithoutCancel(ctx)
	}
	o.machine.Scheduler().WaitUntil(ctx, label, fn)
}

// RegisterPlugin adds a plugin to the hook fabric.
func (o *Orchestrator) RegisterPlugin(p plugins.Plugin) {
	o.hooks.Register(p)
}

// RegisterLaunchHook adds a caller hook run before every launch.
func (o *Orchestrator) RegisterLaunchHook(h LifecycleHook) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.launchHooks = append(o.launchHooks, h)
}

// RegisterShutdownHook adds a caller hook run before every shutdown.
func (o *Orchestrator) RegisterShutdownHook(h LifecycleHook) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.shutdownHooks = append(o.shutdownHooks, h)
}

func (o *Orchestrator) runLaunchHooks(ctx context.Context, cfg types.SessionConfig) {
	o.hookMu.Lock()
	hooks := append([]LifecycleHook(nil), o.launchHooks...)
	o.hookMu.Unlock()
	for _, h := range hooks {
		h(ctx, cfg)
	}
}

func (o *Orchestrator) runShutdownHooks(ctx context.Context, cfg types.SessionConfig) {
	o.hookMu.Lock()
	hooks := append([]LifecycleHook(nil), o.shutdownHooks...)
	o.hookMu.Unlock()
	for _, h := range hooks {
		h(ctx, cfg)
	}
}

// signalBrowserDone wakes proxied sockets bound to the outgoing browser.
func (o *Orchestrator) signalBrowserDone() {
	o.doneMu.Lock()
	defer o.doneMu.Unlock()
	select {
	case <-o.browserDone:
		// Already closed.
	default:
		close(o.browserDone)
	}
}

// resetBrowserDone arms the done channel for a new launch.
func (o *Orchestrator) resetBrowserDone() {
	o.doneMu.Lock()
	defer o.doneMu.Unlock()
	select {
	case <-o.browserDone:
		o.browserDone = make(chan struct{})
	default:
	}
}

// browserDoneChan returns the channel tied to the current browser.
func (o *Orchestrator) browserDoneChan() <-chan struct{} {
	o.doneMu.Lock()
	defer o.doneMu.Unlock()
	return o.browserDone
}
