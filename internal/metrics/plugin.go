package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/steel-dev/steel-browser-go/internal/types"
)

// Plugin exports session lifecycle transitions as Prometheus metrics. It is
// a regular hook-fabric plugin: purely observational, and a failure here can
// never affect a transition.
type Plugin struct {
	mu        sync.Mutex
	liveSince time.Time
}

// NewPlugin creates the metrics plugin.
func NewPlugin() *Plugin {
	return &Plugin{}
}

// Name implements plugins.Plugin.
func (p *Plugin) Name() string { return "metrics" }

// OnEnterLive marks the session live.
func (p *Plugin) OnEnterLive(ctx context.Context) error {
	p.mu.Lock()
	p.liveSince = time.Now()
	p.mu.Unlock()
	SessionTransitionsTotal.WithLabelValues("live").Inc()
	SessionLive.Set(1)
	return nil
}

// OnExitLive records the live duration.
func (p *Plugin) OnExitLive(ctx context.Context) error {
	p.mu.Lock()
	since := p.liveSince
	p.liveSince = time.Time{}
	p.mu.Unlock()
	if !since.IsZero() {
		SessionDuration.Observe(time.Since(since).Seconds())
	}
	SessionLive.Set(0)
	return nil
}

// OnEnterDraining counts the transition.
func (p *Plugin) OnEnterDraining(ctx context.Context, reason string) error {
	SessionTransitionsTotal.WithLabelValues("draining").Inc()
	return nil
}

// OnEnterError counts the transition.
func (p *Plugin) OnEnterError(ctx context.Context, failedFrom types.FailedFrom, cause error) error {
	SessionTransitionsTotal.WithLabelValues("error").Inc()
	return nil
}

// OnClosed counts the transition.
func (p *Plugin) OnClosed(ctx context.Context) error {
	SessionTransitionsTotal.WithLabelValues("closed").Inc()
	return nil
}

// OnCrash counts the crash.
func (p *Plugin) OnCrash(ctx context.Context, cause error) error {
	CrashesTotal.Inc()
	return nil
}

// OnLaunchFailed counts the failed attempt.
func (p *Plugin) OnLaunchFailed(ctx context.Context, cause error) error {
	LaunchFailuresTotal.Inc()
	return nil
}
