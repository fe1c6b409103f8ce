// Package driver owns the headless browser process. It launches and
// terminates the browser, translates CDP target and lifecycle events into a
// narrow typed event stream, and enforces the file-protocol guard at the
// network layer. The driver never re-launches itself: that decision belongs
// to the Orchestrator.
package driver

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/devices"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/steel-dev/steel-browser-go/internal/config"
	"github.com/steel-dev/steel-browser-go/internal/security"
	"github.com/steel-dev/steel-browser-go/internal/types"
)

// eventBuffer sizes the driver's event channel. Target churn is bursty while
// a page farm spins up; the consumer normally drains within a tick.
const eventBuffer = 64

// closeGrace bounds how long a graceful Close waits for the browser to
// acknowledge before escalating to a process kill.
const closeGrace = 5 * time.Second

// Driver supervises at most one browser process at a time.
//
// Lock ordering: mu protects handles only and is never held across process
// spawn, CDP calls, or close waits.
type Driver struct {
	cfg *config.Config

	mu          sync.Mutex
	launcher    *launcher.Launcher
	browser     *rod.Browser
	primaryPage *rod.Page
	controlURL  string
	userDataDir string
	userAgent   string

	router        *rod.HijackRouter
	monitorCancel context.CancelFunc
	closing       bool

	events chan Event
}

// New creates a driver bound to the host configuration. The driver is
// reusable across launch/close cycles; events from all cycles share one
// stream.
func New(cfg *config.Config) *Driver {
	return &Driver{
		cfg:    cfg,
		events: make(chan Event, eventBuffer),
	}
}

// Events returns the driver's runtime event stream.
func (d *Driver) Events() <-chan Event {
	return d.events
}

// GetBrowser returns the live browser handle, or nil between sessions.
func (d *Driver) GetBrowser() *rod.Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browser
}

// GetPrimaryPage returns the primary page, or nil between sessions.
func (d *Driver) GetPrimaryPage() *rod.Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.primaryPage
}

// SetPrimaryPage rebinds the primary page handle after a page refresh.
func (d *Driver) SetPrimaryPage(page *rod.Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.primaryPage = page
}

// ControlURL returns the browser's control-protocol endpoint, or "" between
// sessions.
func (d *Driver) ControlURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controlURL
}

// UserDataDir returns the effective profile directory of the current launch.
func (d *Driver) UserDataDir() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userDataDir
}

// UserAgent returns the user agent reported by the running browser.
func (d *Driver) UserAgent() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userAgent
}

// Launch resolves the executable, composes the argument vector, starts the
// browser, connects over CDP, and binds the primary page. Any failure after
// the process exists triggers an internal force-close so no orphan survives.
func (d *Driver) Launch(ctx context.Context, cfg *types.SessionConfig) (*rod.Browser, *rod.Page, error) {
	d.mu.Lock()
	if d.browser != nil {
		d.mu.Unlock()
		return nil, nil, types.NewLaunchError("spawn", fmt.Errorf("a browser is already running"))
	}
	d.closing = false
	d.mu.Unlock()

	// Check before the expensive spawn; the caller's deadline may already
	// have fired while waiting on the orchestrator mutex.
	select {
	case <-ctx.Done():
		return nil, nil, types.NewLaunchError("spawn", ctx.Err())
	default:
	}

	bin, err := d.resolveExecutable()
	if err != nil {
		return nil, nil, types.NewLaunchError("resolve", err)
	}

	args, err := composeArgs(cfg, composeEnv{
		ExtraArgs:  d.cfg.ExtraChromeArgs,
		FilterArgs: d.cfg.FilterChromeArgs,
		IsRoot:     os.Geteuid() == 0,
		HasDisplay: os.Getenv("DISPLAY") != "",
		OS:         runtime.GOOS,
	})
	if err != nil {
		return nil, nil, types.NewLaunchError("resolve", err)
	}

	l := launcher.New().Bin(bin)
	// Clear rod's default headless flag; the composed args carry the mode.
	l = l.Headless(false)
	if cfg.UserDataDir != "" {
		l = l.UserDataDir(cfg.UserDataDir)
	}
	for _, a := range args {
		if a.Value == "" {
			l = l.Set(flags.Flag(a.Name))
		} else {
			l = l.Set(flags.Flag(a.Name), a.Value)
		}
	}
	if cfg.Timezone != "" {
		l = l.Env(append(os.Environ(), "TZ="+cfg.Timezone)...)
	}

	userDataDir := l.Get(flags.UserDataDir)
	if err := writeUserPreferences(userDataDir, cfg.UserPreferences); err != nil {
		log.Warn().Err(err).Msg("Failed to write browser preferences, continuing with defaults")
	}

	log.Info().
		Bool("headless", cfg.Headless).
		Str("bin", bin).
		Str("proxy", security.RedactProxyURL(cfg.ProxyURL)).
		Strs("args", argStrings(args)).
		Msg("Launching browser")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, types.NewLaunchError("spawn", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, nil, types.NewLaunchError("connect", err)
	}

	// Everything below is post-launch setup: a failure here force-closes the
	// process before surfacing, so the caller never inherits an orphan.
	page, err := d.setup(browser, cfg)
	if err != nil {
		d.killPartial(l, browser)
		return nil, nil, types.NewLaunchError("setup", err)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		if v, verr := (proto.BrowserGetVersion{}).Call(browser); verr == nil {
			userAgent = v.UserAgent
		} else {
			log.Warn().Err(verr).Msg("Could not read browser user agent")
		}
	}

	router, err := d.installFileGuard(browser)
	if err != nil {
		d.killPartial(l, browser)
		return nil, nil, types.NewLaunchError("setup", err)
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.launcher = l
	d.browser = browser
	d.primaryPage = page
	d.controlURL = controlURL
	d.userDataDir = userDataDir
	d.userAgent = userAgent
	d.router = router
	d.monitorCancel = monitorCancel
	d.mu.Unlock()

	go d.monitor(monitorCtx, browser)

	log.Info().
		Str("control_url", controlURL).
		Str("user_data_dir", userDataDir).
		Msg("Browser launched")

	return browser, page, nil
}

// setup binds the primary page and applies device emulation.
func (d *Driver) setup(browser *rod.Browser, cfg *types.SessionConfig) (*rod.Page, error) {
	pages, err := browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("enumerating pages: %w", err)
	}

	var page *rod.Page
	if len(pages) > 0 {
		page = pages.First()
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return nil, fmt.Errorf("creating primary page: %w", err)
		}
	}

	if cfg.DeviceConfig.Device == types.DeviceMobile {
		if err := page.Emulate(devices.IPhoneX); err != nil {
			return nil, fmt.Errorf("applying mobile emulation: %w", err)
		}
	}

	return page, nil
}

// installFileGuard intercepts every request in the browser and aborts those
// targeting file:// URLs, emitting a violation event. Interception is
// installed exactly once per launch and covers pages created later.
func (d *Driver) installFileGuard(browser *rod.Browser) (*rod.HijackRouter, error) {
	router := browser.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		u := h.Request.URL().String()
		if security.IsFileProtocol(u) {
			log.Warn().Str("url", u).Msg("Aborting file:// request")
			h.Response.Fail(proto.NetworkErrorReasonAccessDenied)
			d.emit(Event{Kind: EventFileProtocolViolation, URL: u})
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("installing request interception: %w", err)
	}
	go router.Run()
	return router, nil
}

// monitor forwards CDP target events onto the driver's event stream. The
// EachEvent wait returns when the CDP connection ends; if that happens
// outside a deliberate close it is a crash and surfaces as a disconnect.
func (d *Driver) monitor(ctx context.Context, browser *rod.Browser) {
	wait := browser.Context(ctx).EachEvent(
		func(e *proto.TargetTargetCreated) {
			if string(e.TargetInfo.Type) != "page" {
				return
			}
			d.emit(Event{Kind: EventTargetCreated, Target: e.TargetInfo, TargetID: e.TargetInfo.TargetID})
		},
		func(e *proto.TargetTargetInfoChanged) {
			if string(e.TargetInfo.Type) != "page" {
				return
			}
			d.emit(Event{Kind: EventTargetChanged, Target: e.TargetInfo, TargetID: e.TargetInfo.TargetID})
			// A page that ends up on a file:// URL slipped past request
			// interception (e.g. an in-process navigation). Report and close.
			if security.IsFileProtocol(e.TargetInfo.URL) {
				d.emit(Event{Kind: EventFileProtocolViolation, URL: e.TargetInfo.URL, TargetID: e.TargetInfo.TargetID})
				if page, perr := browser.PageFromTarget(e.TargetInfo.TargetID); perr == nil {
					if cerr := page.Close(); cerr != nil {
						log.Warn().Err(cerr).Msg("Failed to close page after file:// navigation")
					}
				}
			}
		},
		func(e *proto.TargetTargetDestroyed) {
			d.emit(Event{Kind: EventTargetDestroyed, TargetID: e.TargetID})
		},
	)
	wait()

	d.mu.Lock()
	deliberate := d.closing
	d.mu.Unlock()
	if ctx.Err() == nil && !deliberate {
		log.Error().Msg("Browser connection lost")
		d.emit(Event{Kind: EventDisconnected})
	}
}

// Close gracefully terminates the browser: detach all listeners, ask the
// browser to close, then send the termination signal to the process.
func (d *Driver) Close() error {
	return d.shutdown(true)
}

// ForceClose skips the graceful close and kills the process directly.
// Safe to call when no browser is running.
func (d *Driver) ForceClose() error {
	return d.shutdown(false)
}

func (d *Driver) shutdown(graceful bool) error {
	d.mu.Lock()
	l := d.launcher
	browser := d.browser
	router := d.router
	monitorCancel := d.monitorCancel
	d.closing = true
	d.launcher = nil
	d.browser = nil
	d.primaryPage = nil
	d.controlURL = ""
	d.userDataDir = ""
	d.userAgent = ""
	d.router = nil
	d.monitorCancel = nil
	d.mu.Unlock()

	if browser == nil {
		return nil
	}

	// Detach all listeners before releasing the handles.
	if monitorCancel != nil {
		monitorCancel()
	}
	if router != nil {
		if err := router.Stop(); err != nil {
			log.Debug().Err(err).Msg("Request interception stop reported an error")
		}
	}

	var closeErr error
	if graceful {
		done := make(chan error, 1)
		go func() { done <- browser.Close() }()
		select {
		case err := <-done:
			if err != nil {
				log.Warn().Err(err).Msg("Graceful browser close failed")
				closeErr = err
			}
		case <-time.After(closeGrace):
			log.Warn().Dur("grace", closeGrace).Msg("Graceful browser close timed out")
			closeErr = fmt.Errorf("browser close timed out after %s", closeGrace)
		}
	}

	if l != nil {
		l.Kill()
		l.Cleanup()
	}

	log.Info().Bool("graceful", graceful).Msg("Browser terminated")
	return closeErr
}

// killPartial tears down a partially launched browser during launch failure.
func (d *Driver) killPartial(l *launcher.Launcher, browser *rod.Browser) {
	if err := browser.Close(); err != nil {
		log.Debug().Err(err).Msg("Browser close during launch cleanup failed")
	}
	l.Kill()
	l.Cleanup()
}

// resolveExecutable picks the browser binary: the configured override wins,
// otherwise rod's platform discovery runs.
func (d *Driver) resolveExecutable() (string, error) {
	if d.cfg.ExecutablePath != "" {
		if _, err := os.Stat(d.cfg.ExecutablePath); err != nil {
			return "", fmt.Errorf("%w: %s", types.ErrExecutableNotFound, d.cfg.ExecutablePath)
		}
		return d.cfg.ExecutablePath, nil
	}
	if bin, has := launcher.LookPath(); has {
		return bin, nil
	}
	return "", types.ErrExecutableNotFound
}
