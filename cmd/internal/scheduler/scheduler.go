// Package scheduler keeps a signed-in session's credential fresh by
// refreshing it on a fixed interval, independent of request traffic.
//
// The scheduler is Idle until armed, then fires once after Interval and
// again every Interval while its Handle is live. At most one chain exists:
// arming again cancels the previous handle, and a firing that belongs to a
// cancelled or superseded handle does nothing.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"civic/cmd/clock"
	"civic/cmd/internal/metrics"
)

// DefaultInterval sits just under a 10 minute access-credential lifetime.
const DefaultInterval = 9 * time.Minute

// RefreshFunc performs one proactive refresh. Failures are handled by the
// callee (the refresh coordinator signs the session out); the scheduler only
// logs them and never retries.
type RefreshFunc func(ctx context.Context) error

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
	Refresh  RefreshFunc
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	Armed  bool      `json:"armed"`
	NextAt time.Time `json:"next_at,omitzero"`
	Fires  uint64    `json:"fires"`
}

type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	refresh  RefreshFunc
	log      *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *Handle
	fires   uint64
}

// Handle identifies one armed chain.
type Handle struct {
	s         *Scheduler
	timer     *clock.Timer
	nextAt    time.Time
	cancelled bool
}

func New(opts Options) (*Scheduler, error) {
	if opts.Refresh == nil {
		return nil, errors.New("scheduler: nil refresh func")
	}
	s := &Scheduler{
		interval: opts.Interval,
		timeout:  opts.Timeout,
		clock:    opts.Clock,
		refresh:  opts.Refresh,
		log:      opts.Log,
		metrics:  opts.Metrics,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Arm starts a new chain, cancelling any existing one.
func (s *Scheduler) Arm() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.cancelLocked(s.current)
	}
	h := &Handle{s: s}
	s.current = h
	s.scheduleLocked(h)
	s.log.Info("scheduler.armed", "interval", s.interval.String(), "next_at", h.nextAt)
	return h
}

// Cancel stops the current chain, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.cancelLocked(s.current)
		s.log.Info("scheduler.cancelled")
	}
}

// OnAuthChange arms on sign-in and cancels on sign-out. Arming while armed
// keeps the existing chain.
func (s *Scheduler) OnAuthChange(authenticated bool) {
	if !authenticated {
		s.Cancel()
		return
	}
	s.mu.Lock()
	armed := s.current != nil
	s.mu.Unlock()
	if !armed {
		s.Arm()
	}
}

// Close cancels the chain and aborts an in-flight refresh.
func (s *Scheduler) Close() {
	s.Cancel()
	s.cancel()
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Fires: s.fires}
	if s.current != nil {
		st.Armed = true
		st.NextAt = s.current.nextAt
	}
	return st
}

// Cancel stops this chain. It is idempotent and safe to race with a firing.
func (h *Handle) Cancel() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.cancelLocked(h)
}

func (s *Scheduler) cancelLocked(h *Handle) {
	if h.cancelled {
		return
	}
	h.cancelled = true
	h.timer.Stop()
	if s.current == h {
		s.current = nil
	}
}

func (s *Scheduler) scheduleLocked(h *Handle) {
	h.nextAt = s.clock.Now().Add(s.interval)
	h.timer = s.clock.AfterFunc(s.interval, func() { s.fire(h) })
}

func (s *Scheduler) fire(h *Handle) {
	s.mu.Lock()
	if h.cancelled || s.current != h {
		s.mu.Unlock()
		s.log.Debug("scheduler.fire.stale")
		return
	}
	s.fires++
	// Next tick is scheduled before refreshing so the cadence does not
	// drift with refresh latency.
	s.scheduleLocked(h)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := s.clock.Now()
	err := s.refresh(ctx)
	s.metrics.ObserveScheduledRefresh(err == nil)
	if err != nil {
		s.log.Warn("scheduler.fire.fail", "err", err)
		return
	}
	s.log.Info("scheduler.fire.ok", "duration_ms", s.clock.Now().Sub(start).Milliseconds())
}
