package deadline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls tick and reconciliation cadence. Zero values fall back to
// the production defaults (1s countdown ticks, 5s polls).
type Config struct {
	Tick         time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// Hooks is what one invitation watch drives. All callbacks run on the
// scheduler's goroutine except Poll, which runs on its own so a slow fetch
// cannot stall the countdown.
type Hooks struct {
	// Deadline is the invitation's fixed expiry.
	Deadline func() time.Time
	// ShouldResolve consults the auto-resolution policy.
	ShouldResolve func(now time.Time) bool
	// OnTick reports whole seconds remaining, never negative.
	OnTick func(secondsRemaining int)
	// OnExpire fires once when the deadline passes.
	OnExpire func()
	// OnResolve fires once when the policy says stop waiting.
	OnResolve func()
	// Poll re-fetches authoritative state and feeds it through the same
	// idempotent entry points as pushed events.
	Poll func(ctx context.Context)
}

// Scheduler drives wall-clock deadlines and the reconciliation poll. Local
// countdowns here are presentational; server truth always wins because poll
// results and pushed events share one ingestion path.
type Scheduler struct {
	tick   time.Duration
	poll   time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewScheduler(cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		tick:   cfg.Tick,
		poll:   cfg.PollInterval,
		now:    cfg.Now,
		logger: logger,
	}
	if s.tick <= 0 {
		s.tick = time.Second
	}
	if s.poll <= 0 {
		s.poll = 5 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// WatchInvitation runs a countdown for one invitation until it expires,
// resolves, or ctx is cancelled. Expiry and resolve each fire at most once
// per watch.
func (s *Scheduler) WatchInvitation(ctx context.Context, h Hooks) {
	go s.watch(ctx, h)
}

func (s *Scheduler) watch(ctx context.Context, h Hooks) {
	tick := time.NewTicker(s.tick)
	defer tick.Stop()
	poll := time.NewTicker(s.poll)
	defer poll.Stop()

	var polling atomic.Bool

	for {
		select {
		case <-ctx.Done():
			return

		case <-tick.C:
			now := s.now()
			remaining := h.Deadline().Sub(now)
			secs := int(remaining / time.Second)
			if secs < 0 {
				secs = 0
			}
			if h.OnTick != nil {
				h.OnTick(secs)
			}

			if h.ShouldResolve != nil && h.ShouldResolve(now) {
				if h.OnResolve != nil {
					h.OnResolve()
				}
				return
			}
			if remaining <= 0 {
				if h.OnExpire != nil {
					h.OnExpire()
				}
				return
			}

		case <-poll.C:
			if h.Poll == nil {
				continue
			}
			// Skip a beat rather than stack fetches behind a slow server.
			if !polling.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer polling.Store(false)
				h.Poll(ctx)
			}()
		}
	}
}

// ReadyCountdown runs the short local "get ready" delay. It is purely a UI
// pacing device: it never feeds the run state machine, and the run's
// scheduled end stays anchored to the server clock regardless of when this
// finishes.
func ReadyCountdown(ctx context.Context, d time.Duration, onTick func(secondsRemaining int), onDone func()) {
	go func() {
		remaining := int(d / time.Second)
		tick := time.NewTicker(time.Second)
		defer tick.Stop()

		if onTick != nil {
			onTick(remaining)
		}
		for remaining > 0 {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				remaining--
				if onTick != nil {
					onTick(remaining)
				}
			}
		}
		if onDone != nil {
			onDone()
		}
	}()
}
