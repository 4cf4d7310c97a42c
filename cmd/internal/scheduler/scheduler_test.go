package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"civic/cmd/clock"
	"civic/cmd/internal/metrics"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingRefresh struct {
	calls atomic.Int32
	err   error
}

func (c *countingRefresh) Refresh(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func newTestScheduler(t *testing.T, fc *clock.FakeClock, fn RefreshFunc) *Scheduler {
	t.Helper()
	s, err := New(Options{
		Interval: 9 * time.Minute,
		Clock:    fc,
		Refresh:  fn,
		Log:      discardLogger(),
		Metrics:  metrics.New(),
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestNewRequiresRefresh(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatalf("New(no refresh) err=nil want error")
	}
}

func TestArmFiresOnceThenEveryInterval(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(epoch)
	rf := &countingRefresh{}
	s := newTestScheduler(t, fc, rf.Refresh)

	s.Arm()

	fc.Advance(9*time.Minute - time.Second)
	if got := rf.calls.Load(); got != 0 {
		t.Fatalf("calls before interval=%d want=0", got)
	}

	fc.Advance(time.Second)
	if got := rf.calls.Load(); got != 1 {
		t.Fatalf("calls after first interval=%d want=1", got)
	}

	fc.Advance(9 * time.Minute)
	fc.Advance(9 * time.Minute)
	if got := rf.calls.Load(); got != 3 {
		t.Fatalf("calls after three intervals=%d want=3", got)
	}

	st := s.Status()
	if !st.Armed || st.Fires != 3 {
		t.Fatalf("Status()=%+v want armed with 3 fires", st)
	}
	if want := epoch.Add(36 * time.Minute); !st.NextAt.Equal(want) {
		t.Fatalf("NextAt=%v want=%v", st.NextAt, want)
	}
}

func TestFailedRefreshIsNotRetried(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(epoch)
	rf := &countingRefresh{err: errors.New("boom")}
	s := newTestScheduler(t, fc, rf.Refresh)

	s.Arm()
	fc.Advance(9 * time.Minute)
	if got := rf.calls.Load(); got != 1 {
		t.Fatalf("calls=%d want=1", got)
	}
	// Only the next regular tick is pending; there is no retry timer.
	if got := fc.Pending(); got != 1 {
		t.Fatalf("Pending()=%d want=1", got)
	}
	fc.Advance(time.Minute)
	if got := rf.calls.Load(); got != 1 {
		t.Fatalf("calls after a minute=%d want=1", got)
	}
}

func TestHandleCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(epoch)
	rf := &countingRefresh{}
	s := newTestScheduler(t, fc, rf.Refresh)

	h := s.Arm()
	h.Cancel()
	h.Cancel()

	fc.Advance(time.Hour)
	if got := rf.calls.Load(); got != 0 {
		t.Fatalf("calls after cancel=%d want=0", got)
	}
	if got := fc.Pending(); got != 0 {
		t.Fatalf("Pending()=%d want=0", got)
	}
	if s.Status().Armed {
		t.Fatalf("Status().Armed=true want=false")
	}
}

func TestRearmKeepsSingleChain(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(epoch)
	rf := &countingRefresh{}
	s := newTestScheduler(t, fc, rf.Refresh)

	old := s.Arm()
	fc.Advance(5 * time.Minute)
	s.Arm()

	if got := fc.Pending(); got != 1 {
		t.Fatalf("Pending() after re-arm=%d want=1", got)
	}

	// The replaced chain would have fired at 9m; the new one fires at 14m.
	fc.Advance(4 * time.Minute)
	if got := rf.calls.Load(); got != 0 {
		t.Fatalf("calls at 9m=%d want=0", got)
	}
	fc.Advance(5 * time.Minute)
	if got := rf.calls.Load(); got != 1 {
		t.Fatalf("calls at 14m=%d want=1", got)
	}

	// Cancelling the superseded handle must not touch the live chain.
	old.Cancel()
	if !s.Status().Armed {
		t.Fatalf("old.Cancel() disarmed the live chain")
	}
}

func TestOnAuthChange(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(epoch)
	rf := &countingRefresh{}
	s := newTestScheduler(t, fc, rf.Refresh)

	s.OnAuthChange(true)
	fc.Advance(3 * time.Minute)
	// Already armed: the first firing keeps its original deadline.
	s.OnAuthChange(true)
	if got := fc.Pending(); got != 1 {
		t.Fatalf("Pending()=%d want=1", got)
	}
	fc.Advance(6 * time.Minute)
	if got := rf.calls.Load(); got != 1 {
		t.Fatalf("calls=%d want=1", got)
	}

	s.OnAuthChange(false)
	fc.Advance(time.Hour)
	if got := rf.calls.Load(); got != 1 {
		t.Fatalf("calls after sign-out=%d want=1", got)
	}
	if s.Status().Armed {
		t.Fatalf("armed after sign-out")
	}
}

func TestCancelDuringRefreshStopsChain(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(epoch)
	var s *Scheduler
	var calls atomic.Int32
	s = newTestScheduler(t, fc, func(context.Context) error {
		calls.Add(1)
		// A failed refresh signs the session out, which disarms from
		// inside the firing.
		s.OnAuthChange(false)
		return errors.New("refresh rejected")
	})

	s.Arm()
	fc.Advance(9 * time.Minute)
	fc.Advance(time.Hour)

	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d want=1", got)
	}
	if got := fc.Pending(); got != 0 {
		t.Fatalf("Pending()=%d want=0", got)
	}
}

func TestConcurrentArmCancel(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(epoch)
	rf := &countingRefresh{}
	s := newTestScheduler(t, fc, rf.Refresh)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.OnAuthChange(true)
			} else {
				s.Arm().Cancel()
			}
		}()
	}
	wg.Wait()

	if got := fc.Pending(); got > 1 {
		t.Fatalf("Pending()=%d want<=1", got)
	}
}
