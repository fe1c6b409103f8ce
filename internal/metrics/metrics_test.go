package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/steel-dev/steel-browser-go/internal/types"
)

func TestPluginLiveGauge(t *testing.T) {
	p := NewPlugin()
	ctx := context.Background()

	if err := p.OnEnterLive(ctx); err != nil {
		t.Fatalf("OnEnterLive: %v", err)
	}
	if got := testutil.ToFloat64(SessionLive); got != 1 {
		t.Errorf("SessionLive = %v, want 1", got)
	}

	time.Sleep(5 * time.Millisecond)
	if err := p.OnExitLive(ctx); err != nil {
		t.Fatalf("OnExitLive: %v", err)
	}
	if got := testutil.ToFloat64(SessionLive); got != 0 {
		t.Errorf("SessionLive = %v, want 0", got)
	}
}

func TestPluginCounters(t *testing.T) {
	p := NewPlugin()
	ctx := context.Background()

	crashesBefore := testutil.ToFloat64(CrashesTotal)
	failuresBefore := testutil.ToFloat64(LaunchFailuresTotal)

	if err := p.OnCrash(ctx, types.ErrBrowserCrashed); err != nil {
		t.Fatal(err)
	}
	if err := p.OnLaunchFailed(ctx, types.ErrExecutableNotFound); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(CrashesTotal) - crashesBefore; got != 1 {
		t.Errorf("CrashesTotal delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(LaunchFailuresTotal) - failuresBefore; got != 1 {
		t.Errorf("LaunchFailuresTotal delta = %v, want 1", got)
	}
}

func TestPluginTransitionsLabelled(t *testing.T) {
	p := NewPlugin()
	ctx := context.Background()

	before := testutil.ToFloat64(SessionTransitionsTotal.WithLabelValues("draining"))
	if err := p.OnEnterDraining(ctx, "test"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(SessionTransitionsTotal.WithLabelValues("draining")) - before; got != 1 {
		t.Errorf("draining transition delta = %v, want 1", got)
	}

	before = testutil.ToFloat64(SessionTransitionsTotal.WithLabelValues("error"))
	if err := p.OnEnterError(ctx, types.FailedFromCrashed, types.ErrBrowserCrashed); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(SessionTransitionsTotal.WithLabelValues("error")) - before; got != 1 {
		t.Errorf("error transition delta = %v, want 1", got)
	}
}

func TestPluginExitWithoutEnter(t *testing.T) {
	p := NewPlugin()
	// Must not panic or observe a bogus duration.
	if err := p.OnExitLive(context.Background()); err != nil {
		t.Fatal(err)
	}
}
