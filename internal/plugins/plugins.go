// Package plugins provides the hook fabric: fan-out of session state
// transitions to registered observers. Plugins observe, they never mediate;
// a plugin failure is logged and swallowed so it cannot corrupt a transition.
package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/steel-dev/steel-browser-go/internal/types"
)

// Plugin is the base contract every plugin satisfies. All hook callbacks are
// optional: a plugin implements only the narrow hook interfaces it cares
// about and the fabric discovers them by type assertion.
type Plugin interface {
	Name() string
}

// Hook interfaces. Each corresponds to one transition observation point.
type (
	// EnterLiveHook fires after the session becomes Live, before any external
	// caller can observe isRunning()==true.
	EnterLiveHook interface {
		OnEnterLive(ctx context.Context) error
	}

	// ExitLiveHook fires when the session leaves Live.
	ExitLiveHook interface {
		OnExitLive(ctx context.Context) error
	}

	// EnterDrainingHook fires when draining begins, with the reason.
	EnterDrainingHook interface {
		OnEnterDraining(ctx context.Context, reason string) error
	}

	// EnterErrorHook fires when the session enters Error.
	EnterErrorHook interface {
		OnEnterError(ctx context.Context, failedFrom types.FailedFrom, cause error) error
	}

	// ClosedHook fires once the session is Closed.
	ClosedHook interface {
		OnClosed(ctx context.Context) error
	}

	// LaunchFailedHook fires when a launch attempt fails.
	LaunchFailedHook interface {
		OnLaunchFailed(ctx context.Context, cause error) error
	}

	// CrashHook fires on browser disconnect while Live, before OnExitLive.
	CrashHook interface {
		OnCrash(ctx context.Context, cause error) error
	}

	// BeforePageCloseHook fires with the outgoing page before it is closed.
	BeforePageCloseHook interface {
		OnBeforePageClose(ctx context.Context, page *rod.Page) error
	}

	// SessionEndHook fires during drain, before the browser is closed.
	SessionEndHook interface {
		OnSessionEnd(ctx context.Context, reason string) error
	}
)

// hookCtxKey marks contexts handed to hook callbacks. State-changing runtime
// methods reject marked contexts so a plugin cannot drive transitions from
// inside a hook.
type hookCtxKey struct{}

// InHook reports whether ctx originated from a hook dispatch.
func InHook(ctx context.Context) bool {
	return ctx.Value(hookCtxKey{}) != nil
}

// Fabric holds the registered plugins and dispatches hook callbacks to them
// in registration order. Dispatch for a single transition is sequential;
// cross-transition ordering is the caller's (the Orchestrator's) concern.
type Fabric struct {
	mu          sync.RWMutex
	plugins     []Plugin
	byName      map[string]bool
	hookTimeout time.Duration
}

// New creates a fabric. hookTimeout bounds each individual callback; zero
// selects the default of 10 seconds.
func New(hookTimeout time.Duration) *Fabric {
	if hookTimeout <= 0 {
		hookTimeout = 10 * time.Second
	}
	return &Fabric{
		byName:      make(map[string]bool),
		hookTimeout: hookTimeout,
	}
}

// Register adds a plugin. Registration is idempotent-with-warning: a second
// plugin with the same name is ignored.
func (f *Fabric) Register(p Plugin) {
	name := p.Name()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byName[name] {
		log.Warn().Str("plugin", name).Msg("Plugin already registered, ignoring")
		return
	}
	f.byName[name] = true
	f.plugins = append(f.plugins, p)
	log.Debug().Str("plugin", name).Msg("Plugin registered")
}

// Names returns the registered plugin names in registration order.
func (f *Fabric) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, len(f.plugins))
	for i, p := range f.plugins {
		names[i] = p.Name()
	}
	return names
}

// snapshot returns the plugin slice without holding the lock during dispatch.
func (f *Fabric) snapshot() []Plugin {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Plugin, len(f.plugins))
	copy(out, f.plugins)
	return out
}

// dispatch runs call for every plugin that implements the hook, in
// registration order. Each callback gets a marked, deadline-bounded context.
// Panics and errors are logged with the plugin name and swallowed; a slow
// callback is abandoned at the deadline (its context is cancelled) and
// dispatch moves on.
func (f *Fabric) dispatch(ctx context.Context, hook string, call func(p Plugin, ctx context.Context) (bool, error)) {
	for _, p := range f.snapshot() {
		f.invoke(ctx, hook, p, call)
	}
}

func (f *Fabric) invoke(ctx context.Context, hook string, p Plugin, call func(p Plugin, ctx context.Context) (bool, error)) {
	hookCtx, cancel := context.WithTimeout(context.WithValue(ctx, hookCtxKey{}, true), f.hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		implemented, err := call(p, hookCtx)
		if !implemented {
			done <- nil
			return
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			hookErr := &types.HookError{Plugin: p.Name(), Hook: hook, Err: err}
			log.Warn().Err(hookErr).Str("plugin", p.Name()).Str("hook", hook).Msg("Plugin hook failed")
		}
	case <-hookCtx.Done():
		log.Warn().
			Str("plugin", p.Name()).
			Str("hook", hook).
			Dur("deadline", f.hookTimeout).
			Msg("Plugin hook exceeded deadline, abandoning")
	}
}

// EmitEnterLive notifies EnterLiveHook plugins.
func (f *Fabric) EmitEnterLive(ctx context.Context) {
	f.dispatch(ctx, "OnEnterLive", func(p Plugin, ctx context.Context) (bool, error) {
		if h, ok := p.(EnterLiveHook); ok {
			return true, h.OnEnterLive(ctx)
		}
		return false, nil
	})
}

// EmitExitLive notifies ExitLiveHook plugins.
func (f *Fabric) EmitExitLive(ctx context.Context) {
	f.dispatch(ctx, "OnExitLive", func(p Plugin, ctx context.Context) (bool, error) {
		if h, ok := p.(ExitLiveHook); ok {
			return true, h.OnExitLive(ctx)
		}
		return false, nil
	})
}

// EmitEnterDraining notifies EnterDrainingHook plugins.
func (f *Fabric) EmitEnterDraining(ctx context.Context, reason string) {
	f.dispatch(ctx, "OnEnterDraining", func(p Plugin, ctx context.Context) (bool, error) {
		if h, ok := p.(EnterDrainingHook); ok {
			return true, h.OnEnterDraining(ctx, reason)
		}
		return false, nil
	})
}

// EmitEnterError notifies EnterErrorHook plugins.
func (f *Fabric) EmitEnterError(ctx context.Context, failedFrom types.FailedFrom, cause error) {
	f.dispatch(ctx, "OnEnterError", func(p Plugin, ctx context.Context) (bool, error) {
		if h, ok := p.(EnterErrorHook); ok {
			return true, h.OnEnterError(ctx, failedFrom, cause)
		}
		return false, nil
	})
}

// EmitClosed notifies ClosedHook plugins.
func (f *Fabric) EmitClosed(ctx context.Context) {
	f.dispatch(ctx, "OnClosed", func(p Plugin, ctx context.Context) (bool, error) {
		if h, ok := p.(ClosedHook); ok {
			return true, h.OnClosed(ctx)
		}
		return false, nil
	})
}

// EmitLaunchFailed notifies LaunchFailedHook plugins.
func (f *Fabric) EmitLaunchFailed(ctx context.Context, cause error) {
	f.dispatch(ctx, "OnLaunchFailed", func(p Plugin, ctx context.Context) (bool, error) {
		if h, ok := p.(LaunchFailedHook); ok {
			return true, h.OnLaunchFailed(ctx, cause)
		}
		return false, nil
	})
}

// EmitCrash notifies CrashHook plugins.
func (f *Fabric) EmitCrash(ctx context.Context, cause error) {
	f.dispatch(ctx, "OnCrash", func(p Plugin, ctx context.Context) (bool, error) {
		if h, ok := p.(CrashHook); ok {
			return true, h.OnCrash(ctx, cause)
		}
		return false, nil
	})
}

// EmitBeforePageClose notifies BeforePageCloseHook plugins.
func (f *Fabric) EmitBeforePageClose(ctx context.Context, page *rod.Page) {
	f.dispatch(ctx, "OnBeforePageClose", func(p Plugin, ctx context.Context) (bool, error) {
		if h, ok := p.(BeforePageCloseHook); ok {
			return true, h.OnBeforePageClose(ctx, page)
		}
		return false, nil
	})
}

// EmitSessionEnd notifies SessionEndHook plugins.
func (f *Fabric) EmitSessionEnd(ctx context.Context, reason string) {
	f.dispatch(ctx, "OnSessionEnd", func(p Plugin, ctx context.Context) (bool, error) {
		if h, ok := p.(SessionEndHook); ok {
			return true, h.OnSessionEnd(ctx, reason)
		}
		return false, nil
	})
}
