package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/steel-dev/steel-browser-go/internal/config"
	"github.com/steel-dev/steel-browser-go/internal/driver"
	"github.com/steel-dev/steel-browser-go/internal/plugins"
	"github.com/steel-dev/steel-browser-go/internal/session"
	"github.com/steel-dev/steel-browser-go/internal/types"
)

// fakeDriver implements Driver without a browser process.
type fakeDriver struct {
	mu          sync.Mutex
	launches    int
	closes      int
	forceCloses int
	launchErr   error
	running     bool
	controlURL  string

	events chan driver.Event
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan driver.Event, 16)}
}

func (d *fakeDriver) Launch(ctx context.Context, cfg *types.SessionConfig) (*rod.Browser, *rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	if d.launchErr != nil {
		return nil, nil, d.launchErr
	}
	d.running = true
	return &rod.Browser{}, &rod.Page{}, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	d.running = false
	return nil
}

func (d *fakeDriver) ForceClose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCloses++
	d.running = false
	return nil
}

func (d *fakeDriver) UserDataDir() string              { return "" }
func (d *fakeDriver) Events() <-chan driver.Event      { return d.events }
func (d *fakeDriver) ControlURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controlURL
}
func (d *fakeDriver) GetBrowser() *rod.Browser         { return nil }
func (d *fakeDriver) GetPrimaryPage() *rod.Page        { return nil }
func (d *fakeDriver) SetPrimaryPage(page *rod.Page)    {}
func (d *fakeDriver) UserAgent() string                { return "FakeAgent/1.0" }

func (d *fakeDriver) counts() (launches, closes, forceCloses int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches, d.closes, d.forceCloses
}

// fakeCodec satisfies session.ContextCodec without CDP.
type fakeCodec struct {
	mu        sync.Mutex
	snapshots int
}

func (c *fakeCodec) Restore(ctx context.Context, browser *rod.Browser, page *rod.Page, sc *types.SessionContext) error {
	return nil
}

func (c *fakeCodec) Snapshot(ctx context.Context, browser *rod.Browser, userDataDir string) (*types.SessionContext, error) {
	c.mu.Lock()
	c.snapshots++
	c.mu.Unlock()
	return &types.SessionContext{}, nil
}

// cyclePlugin counts enter/exit live cycles and the crash hook order.
type cyclePlugin struct {
	mu    sync.Mutex
	order []string
}

func (p *cyclePlugin) Name() string { return "cycle" }
func (p *cyclePlugin) record(s string) error {
	p.mu.Lock()
	p.order = append(p.order, s)
	p.mu.Unlock()
	return nil
}
func (p *cyclePlugin) OnEnterLive(ctx context.Context) error { return p.record("enterLive") }
func (p *cyclePlugin) OnExitLive(ctx context.Context) error  { return p.record("exitLive") }
func (p *cyclePlugin) OnCrash(ctx context.Context, cause error) error {
	return p.record("crash")
}
func (p *cyclePlugin) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}
func (p *cyclePlugin) count(name string) int {
	n := 0
	for _, s := range p.recorded() {
		if s == name {
			n++
		}
	}
	return n
}

func testHostConfig() *config.Config {
	return &config.Config{
		Headless:      true,
		KeepAlive:     true,
		LaunchTimeout: 2 * time.Second,
		DrainTimeout:  500 * time.Millisecond,
		HookTimeout:   time.Second,
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, drv *fakeDriver, hookPlugins ...plugins.Plugin) *Orchestrator {
	t.Helper()
	fabric := plugins.New(cfg.HookTimeout)
	for _, p := range hookPlugins {
		fabric.Register(p)
	}
	o := New(cfg, drv, fabric, nil)
	o.newCodec = func() session.ContextCodec { return &fakeCodec{} }
	o.Run()
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLaunchFromIdle(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(t, testHostConfig(), drv)

	if o.IsRunning() {
		t.Fatal("running before launch")
	}
	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !o.IsRunning() {
		t.Error("not running after launch")
	}
	if o.GetSessionState() != "live" {
		t.Errorf("state = %s", o.GetSessionState())
	}
	if ua := o.GetUserAgent(); ua == "" {
		t.Error("user agent is empty while live")
	}
}

func TestLaunchWhileLiveReturnsExisting(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(t, testHostConfig(), drv)

	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatalf("second Launch: %v", err)
	}
	if launches, _, _ := drv.counts(); launches != 1 {
		t.Errorf("driver launched %d times, want 1", launches)
	}
}

func TestEndSessionKeepAliveRestarts(t *testing.T) {
	drv := newFakeDriver()
	p := &cyclePlugin{}
	o := newTestOrchestrator(t, testHostConfig(), drv, p)

	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := o.EndSession(context.Background(), "release"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	// Keep-alive: the runtime is live again when EndSession returns.
	if !o.IsRunning() {
		t.Error("not running after keep-alive EndSession")
	}
	if launches, closes, _ := drv.counts(); launches != 2 || closes != 1 {
		t.Errorf("driver calls = %d launches / %d closes, want 2/1", launches, closes)
	}
	if got := p.count("exitLive"); got != 1 {
		t.Errorf("exitLive fired %d times, want 1", got)
	}
	if got := p.count("enterLive"); got != 2 {
		t.Errorf("enterLive fired %d times, want 2", got)
	}
}

func TestEndSessionWithoutKeepAlive(t *testing.T) {
	cfg := testHostConfig()
	cfg.KeepAlive = false
	drv := newFakeDriver()
	o := newTestOrchestrator(t, cfg, drv)

	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := o.EndSession(context.Background(), "release"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if o.IsRunning() {
		t.Error("still running without keep-alive")
	}
	if o.GetSessionState() != "idle" {
		t.Errorf("state = %s, want idle", o.GetSessionState())
	}
}

func TestCrashRecoveryKeepAlive(t *testing.T) {
	drv := newFakeDriver()
	p := &cyclePlugin{}
	o := newTestOrchestrator(t, testHostConfig(), drv, p)

	custom := types.DefaultSessionConfig()
	custom.UserAgent = "CustomAgent/9"
	if _, err := o.StartNewSession(context.Background(), custom); err != nil {
		t.Fatal(err)
	}

	drv.events <- driver.Event{Kind: driver.EventDisconnected}

	waitFor(t, "relaunch after crash", func() bool {
		launches, _, _ := drv.counts()
		return launches == 2 && o.IsRunning()
	})

	// Relaunch uses the default config, never the crashed session's.
	if cfg := o.CurrentConfig(); cfg == nil || cfg.UserAgent == "CustomAgent/9" {
		t.Errorf("relaunch config = %+v, want runtime default", cfg)
	}
	if _, _, forceCloses := drv.counts(); forceCloses != 1 {
		t.Errorf("forceCloses = %d, want 1 (crash recovery)", forceCloses)
	}

	order := p.recorded()
	// enterLive, crash, exitLive, enterLive
	if len(order) != 4 || order[1] != "crash" || order[2] != "exitLive" || order[3] != "enterLive" {
		t.Errorf("hook order = %v", order)
	}
}

func TestCrashWithoutKeepAliveLeavesIdle(t *testing.T) {
	cfg := testHostConfig()
	cfg.KeepAlive = false
	drv := newFakeDriver()
	o := newTestOrchestrator(t, cfg, drv)

	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	drv.events <- driver.Event{Kind: driver.EventDisconnected}

	waitFor(t, "recovered idle state", func() bool {
		return o.GetSessionState() == "idle"
	})
	if launches, _, _ := drv.counts(); launches != 1 {
		t.Errorf("unexpected relaunch without keep-alive: %d launches", launches)
	}
	if o.CurrentConfig() != nil {
		t.Error("session config not cleared after crash")
	}
}

func TestLaunchFailureSurfaces(t *testing.T) {
	drv := newFakeDriver()
	drv.launchErr = types.NewLaunchError("resolve", types.ErrExecutableNotFound)
	o := newTestOrchestrator(t, testHostConfig(), drv)

	_, err := o.Launch(context.Background(), nil)
	if err == nil {
		t.Fatal("Launch succeeded with failing driver")
	}
	if !errors.Is(err, types.ErrExecutableNotFound) {
		t.Errorf("error = %v", err)
	}
	if o.GetSessionState() != "error" {
		t.Errorf("state = %s, want error", o.GetSessionState())
	}
	if _, _, forceCloses := drv.counts(); forceCloses != 0 {
		t.Errorf("ForceClose called %d times after launch failure, want 0", forceCloses)
	}

	// StartNewSession recovers the error state and launches fresh.
	drv.mu.Lock()
	drv.launchErr = nil
	drv.mu.Unlock()
	if _, err := o.StartNewSession(context.Background(), types.DefaultSessionConfig()); err != nil {
		t.Fatalf("StartNewSession after error: %v", err)
	}
	if !o.IsRunning() {
		t.Error("not running after recovery")
	}
}

func TestStartNewSessionReplacesLive(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(t, testHostConfig(), drv)

	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	next := types.DefaultSessionConfig()
	next.UserAgent = "Second/1.0"
	if _, err := o.StartNewSession(context.Background(), next); err != nil {
		t.Fatalf("StartNewSession: %v", err)
	}

	if launches, closes, _ := drv.counts(); launches != 2 || closes != 1 {
		t.Errorf("driver calls = %d launches / %d closes, want 2/1", launches, closes)
	}
	if cfg := o.CurrentConfig(); cfg == nil || cfg.UserAgent != "Second/1.0" {
		t.Errorf("current config = %+v", cfg)
	}
}

func TestFileProtocolViolationDrainsWithoutRestart(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(t, testHostConfig(), drv)

	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	drv.events <- driver.Event{Kind: driver.EventFileProtocolViolation, URL: "file:///etc/passwd"}

	waitFor(t, "drain to closed", func() bool {
		return o.GetSessionState() == "closed"
	})
	if launches, _, _ := drv.counts(); launches != 1 {
		t.Errorf("security stop relaunched the browser: %d launches", launches)
	}
}

func TestShutdownFromLive(t *testing.T) {
	drv := newFakeDriver()
	var shutdownCfg *types.SessionConfig
	o := newTestOrchestrator(t, testHostConfig(), drv)
	o.RegisterShutdownHook(func(ctx context.Context, cfg types.SessionConfig) {
		shutdownCfg = &cfg
	})

	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if o.GetSessionState() != "closed" {
		t.Errorf("state = %s, want closed", o.GetSessionState())
	}
	if shutdownCfg == nil {
		t.Error("shutdown hook did not run with the last config")
	}
	// Shutdown is idempotent from closed.
	if err := o.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestLaunchHookRuns(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(t, testHostConfig(), drv)

	var gotCfg *types.SessionConfig
	o.RegisterLaunchHook(func(ctx context.Context, cfg types.SessionConfig) {
		gotCfg = &cfg
	})

	custom := types.DefaultSessionConfig()
	custom.Timezone = "UTC"
	if _, err := o.StartNewSession(context.Background(), custom); err != nil {
		t.Fatal(err)
	}
	if gotCfg == nil || gotCfg.Timezone != "UTC" {
		t.Errorf("launch hook cfg = %+v", gotCfg)
	}
}

// reentrantPlugin tries to drive state changes from inside a hook.
type reentrantPlugin struct {
	o   *Orchestrator
	mu  sync.Mutex
	err error
}

func (p *reentrantPlugin) Name() string { return "reentrant" }
func (p *reentrantPlugin) OnEnterLive(ctx context.Context) error {
	err := p.o.EndSession(ctx, "from-hook")
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	return nil
}

func TestReentrantStateChangeRejected(t *testing.T) {
	drv := newFakeDriver()
	cfg := testHostConfig()
	fabric := plugins.New(cfg.HookTimeout)
	o := New(cfg, drv, fabric, nil)
	o.newCodec = func() session.ContextCodec { return &fakeCodec{} }
	p := &reentrantPlugin{o: o}
	fabric.Register(p)
	o.Run()
	t.Cleanup(func() { _ = o.Close(context.Background()) })

	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "reentrant call outcome", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err != nil
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	if !errors.Is(p.err, types.ErrReentrantCall) {
		t.Errorf("reentrant EndSession error = %v, want ErrReentrantCall", p.err)
	}
	// The session survived the plugin's attempt.
	if !o.IsRunning() {
		t.Error("session no longer live after reentrant attempt")
	}
}

func TestObservedTransitionsAreLegal(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(t, testHostConfig(), drv)

	if _, err := o.Launch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := o.EndSession(context.Background(), "cycle"); err != nil {
		t.Fatal(err)
	}

	snap := o.Timings()
	legalNext := map[string][]string{
		"launching": {"live", "error"},
		"live":      {"draining", "error"},
		"draining":  {"closed", "error"},
		"closed":    {},
		"error":     {},
	}
	for i := 1; i < len(snap.Transitions); i++ {
		prev, cur := snap.Transitions[i-1], snap.Transitions[i]
		ok := false
		for _, legal := range legalNext[prev] {
			if cur == legal {
				ok = true
			}
		}
		if !ok {
			t.Errorf("illegal observed transition %s → %s (sequence %v)", prev, cur, snap.Transitions)
		}
	}
}
