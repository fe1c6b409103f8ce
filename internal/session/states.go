package session

import (
	"context"
	"errors"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/steel-dev/steel-browser-go/internal/scheduler"
	"github.com/steel-dev/steel-browser-go/internal/stats"
	"github.com/steel-dev/steel-browser-go/internal/types"
)

// Idle is the rest state: no browser, no session machinery running.
type Idle struct {
	m    *Machine
	slot *transitionSlot
}

// Name implements State.
func (s *Idle) Name() StateName { return StateIdle }
func (s *Idle) sealed()         {}

// Start stores the config and moves to Launching. No I/O happens here; the
// browser is launched by Launching.AwaitLaunch.
func (s *Idle) Start(cfg types.SessionConfig) (*Launching, error) {
	next, err := s.slot.resolve("start", StateIdle, func() (State, error) {
		clone := cfg.Clone()
		sched, codec, rec := s.m.beginSession()
		rec.Enter(stats.PhaseLaunching)
		launching := &Launching{
			m:     s.m,
			slot:  &transitionSlot{},
			cfg:   &clone,
			sched: sched,
			codec: codec,
			rec:   rec,
		}
		s.m.publish(launching)
		return launching, nil
	})
	if err != nil {
		return nil, err
	}
	return next.(*Launching), nil
}

// Launching waits for browser readiness. It resolves exactly once, to Live
// or to Error(failedFrom=launching).
type Launching struct {
	m     *Machine
	slot  *transitionSlot
	cfg   *types.SessionConfig
	sched *scheduler.Scheduler
	codec ContextCodec
	rec   *stats.Recorder
}

// Name implements State.
func (s *Launching) Name() StateName { return StateLaunching }
func (s *Launching) sealed()         {}

// Config exposes the pending session configuration to observers.
func (s *Launching) Config() types.SessionConfig { return s.cfg.Clone() }

// launchResult carries the driver handles out of the critical section.
type launchResult struct {
	browser *rod.Browser
	page    *rod.Page
}

// AwaitLaunch launches the browser under a critical task with the session's
// launch deadline, prepares the primary page, restores session context, and
// announces Live. Idempotent: concurrent and repeated calls share one launch.
func (s *Launching) AwaitLaunch(ctx context.Context) (State, error) {
	return s.slot.resolve("awaitLaunch", StateLaunching, func() (State, error) {
		deadline := time.Duration(s.cfg.TimeoutLaunchMS) * time.Millisecond

		result, err := scheduler.RunCritical(s.sched, ctx, "browser-launch", deadline,
			func(taskCtx context.Context) (launchResult, error) {
				browser, page, lerr := s.m.opts.Driver.Launch(taskCtx, s.cfg)
				if lerr != nil {
					return launchResult{}, lerr
				}

				if s.m.opts.PreparePage != nil && !s.cfg.SkipFingerprintInjection {
					if perr := s.m.opts.PreparePage(page, s.cfg); perr != nil {
						log.Warn().Err(perr).Msg("Page preparation failed, continuing without it")
					}
				}

				// Context restore completes before Live is announced. A
				// partial restore is an observability event, never fatal.
				if s.cfg.SessionContext != nil && s.codec != nil {
					if rerr := s.codec.Restore(taskCtx, browser, page, s.cfg.SessionContext); rerr != nil {
						log.Warn().Err(rerr).Msg("Session context restore incomplete")
					}
				}
				return launchResult{browser: browser, page: page}, nil
			})

		if err != nil {
			var launchErr *types.LaunchError
			if !errors.As(err, &launchErr) {
				err = types.NewLaunchError("launch", err)
			}
			s.rec.Stop()
			s.rec.Mark("error")
			failed := &Errored{
				m:          s.m,
				slot:       &transitionSlot{},
				Err:        err,
				FailedFrom: types.FailedFromLaunching,
			}
			s.m.publish(failed)
			s.m.opts.Hooks.EmitLaunchFailed(ctx, err)
			s.m.opts.Hooks.EmitEnterError(ctx, types.FailedFromLaunching, err)
			return failed, err
		}

		s.rec.Enter(stats.PhaseLive)
		live := &Live{
			m:       s.m,
			slot:    &transitionSlot{},
			cfg:     s.cfg,
			sched:   s.sched,
			codec:   s.codec,
			rec:     s.rec,
			browser: result.browser,
			page:    result.page,
		}
		// EnterLive hooks complete before the state is observable externally.
		s.m.opts.Hooks.EmitEnterLive(ctx)
		s.m.publish(live)
		return live, nil
	})
}

// Live is the operational state: the browser accepts work.
type Live struct {
	m       *Machine
	slot    *transitionSlot
	cfg     *types.SessionConfig
	sched   *scheduler.Scheduler
	codec   ContextCodec
	rec     *stats.Recorder
	browser *rod.Browser
	page    *rod.Page
}

// Name implements State.
func (s *Live) Name() StateName { return StateLive }
func (s *Live) sealed()         {}

// Browser returns the live browser handle.
func (s *Live) Browser() *rod.Browser { return s.browser }

// PrimaryPage returns the session's primary page.
func (s *Live) PrimaryPage() *rod.Page { return s.page }

// Config returns the configuration this session launched with.
func (s *Live) Config() types.SessionConfig { return s.cfg.Clone() }

// RebindPrimaryPage swaps the primary page handle (page refresh). The
// browser and lifecycle state are untouched.
func (s *Live) RebindPrimaryPage(page *rod.Page) { s.page = page }

// End synchronously moves to Draining. Scheduled tasks keep running until
// Draining.AwaitDrain is called; no browser I/O happens here.
func (s *Live) End(reason string) (*Draining, error) {
	next, err := s.slot.resolve("end", StateLive, func() (State, error) {
		s.rec.Enter(stats.PhaseDraining)
		s.m.opts.Hooks.EmitExitLive(context.Background())
		draining := &Draining{
			m:       s.m,
			slot:    &transitionSlot{},
			cfg:     s.cfg,
			sched:   s.sched,
			codec:   s.codec,
			rec:     s.rec,
			browser: s.browser,
			Reason:  reason,
		}
		s.m.publish(draining)
		s.m.opts.Hooks.EmitEnterDraining(context.Background(), reason)
		return draining, nil
	})
	if err != nil {
		return nil, err
	}
	return next.(*Draining), nil
}

// Crash records a browser disconnect and moves to Error(crashed).
// Hook order: OnCrash, then OnExitLive, then OnEnterError.
func (s *Live) Crash(cause error) (*Errored, error) {
	next, err := s.slot.resolve("crash", StateLive, func() (State, error) {
		if cause == nil {
			cause = types.ErrBrowserCrashed
		}
		s.m.opts.Hooks.EmitCrash(context.Background(), cause)
		s.m.opts.Hooks.EmitExitLive(context.Background())
		s.rec.Stop()
		s.rec.Mark("error")
		failed := &Errored{
			m:          s.m,
			slot:       &transitionSlot{},
			Err:        cause,
			FailedFrom: types.FailedFromCrashed,
		}
		s.m.publish(failed)
		s.m.opts.Hooks.EmitEnterError(context.Background(), types.FailedFromCrashed, cause)
		return failed, nil
	})
	if err != nil {
		return nil, err
	}
	return next.(*Errored), nil
}

// Draining is the wind-down state: no new critical work, in-flight work gets
// a bounded chance to finish.
type Draining struct {
	m       *Machine
	slot    *transitionSlot
	cfg     *types.SessionConfig
	sched   *scheduler.Scheduler
	codec   ContextCodec
	rec     *stats.Recorder
	browser *rod.Browser

	// Reason records why the session is ending.
	Reason string
}

// Name implements State.
func (s *Draining) Name() StateName { return StateDraining }
func (s *Draining) sealed()         {}

// AwaitDrain drains the scheduler, fires session-end hooks, snapshots the
// context if requested, closes the browser, and cancels whatever remains.
// Resolves to Closed, or to Error(failedFrom=draining) when the drain
// deadline was exceeded or the browser refused to close. Idempotent.
func (s *Draining) AwaitDrain(ctx context.Context) (State, error) {
	return s.slot.resolve("awaitDrain", StateDraining, func() (State, error) {
		deadline := time.Duration(s.cfg.TimeoutDrainMS) * time.Millisecond

		drainErr := s.sched.Drain(deadline)

		s.m.opts.Hooks.EmitSessionEnd(ctx, s.Reason)

		if s.m.snapshotOnEnd.Load() && s.codec != nil && s.browser != nil {
			snap, serr := s.codec.Snapshot(ctx, s.browser, s.m.opts.Driver.UserDataDir())
			if serr != nil {
				log.Warn().Err(serr).Msg("End-of-session context snapshot incomplete")
			}
			if snap != nil {
				s.m.lastSnapshot.Store(snap)
			}
		}

		closeErr := s.m.opts.Driver.Close()

		// Nothing survives into Closed: background tasks are cancelled
		// before the successor becomes observable.
		s.sched.CancelAll("session closed")
		s.rec.Stop()

		if drainErr != nil || closeErr != nil {
			reason := "drain deadline exceeded"
			cause := drainErr
			if drainErr == nil {
				reason = "browser close failed"
				cause = closeErr
			}
			err := &types.DrainError{Reason: reason, Err: cause}
			s.rec.Mark("error")
			failed := &Errored{
				m:          s.m,
				slot:       &transitionSlot{},
				Err:        err,
				FailedFrom: types.FailedFromDraining,
			}
			s.m.publish(failed)
			s.m.opts.Hooks.EmitEnterError(ctx, types.FailedFromDraining, err)
			return failed, err
		}

		s.rec.Mark("closed")
		closed := &Closed{m: s.m, slot: &transitionSlot{}}
		s.m.publish(closed)
		s.m.opts.Hooks.EmitClosed(ctx)
		return closed, nil
	})
}

// Closed is the clean terminal state. It can be reset to Idle on request.
type Closed struct {
	m    *Machine
	slot *transitionSlot
}

// Name implements State.
func (s *Closed) Name() StateName { return StateClosed }
func (s *Closed) sealed()         {}

// Restart resets to Idle. Pure: no I/O, no hooks.
func (s *Closed) Restart() (*Idle, error) {
	next, err := s.slot.resolve("restart", StateClosed, func() (State, error) {
		idle := &Idle{m: s.m, slot: &transitionSlot{}}
		s.m.publish(idle)
		return idle, nil
	})
	if err != nil {
		return nil, err
	}
	return next.(*Idle), nil
}

// Errored is terminal until explicitly recovered or terminated.
type Errored struct {
	m    *Machine
	slot *transitionSlot

	// Err is the recorded cause.
	Err error
	// FailedFrom is the state the session failed out of.
	FailedFrom types.FailedFrom
}

// Name implements State.
func (s *Errored) Name() StateName { return StateError }
func (s *Errored) sealed()         {}

// Recover returns to Idle. Unless the failure happened during launch (where
// no process ever existed) the driver is force-closed first so nothing leaks.
func (s *Errored) Recover() (*Idle, error) {
	next, err := s.slot.resolve("recover", StateError, func() (State, error) {
		if s.FailedFrom != types.FailedFromLaunching {
			if err := s.m.opts.Driver.ForceClose(); err != nil {
				log.Warn().Err(err).Msg("Force close during recover failed")
			}
		}
		s.m.Scheduler().CancelAll("session recovered")
		idle := &Idle{m: s.m, slot: &transitionSlot{}}
		s.m.publish(idle)
		return idle, nil
	})
	if err != nil {
		return nil, err
	}
	return next.(*Idle), nil
}

// Terminate moves to Closed, always force-closing the driver first.
func (s *Errored) Terminate() (*Closed, error) {
	next, err := s.slot.resolve("terminate", StateError, func() (State, error) {
		if err := s.m.opts.Driver.ForceClose(); err != nil {
			log.Warn().Err(err).Msg("Force close during terminate failed")
		}
		s.m.Scheduler().CancelAll("session terminated")
		closed := &Closed{m: s.m, slot: &transitionSlot{}}
		s.m.publish(closed)
		s.m.opts.Hooks.EmitClosed(context.Background())
		return closed, nil
	})
	if err != nil {
		return nil, err
	}
	return next.(*Closed), nil
}
