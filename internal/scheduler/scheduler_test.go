package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steamwatch/steamwatch/internal/config"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeDispatcher struct {
	appList int64
	stalest int64
	err     error
}

func (f *fakeDispatcher) RefreshAppList(ctx context.Context) (string, error) {
	atomic.AddInt64(&f.appList, 1)
	return "task-list", f.err
}

func (f *fakeDispatcher) RefreshStalestApps(ctx context.Context) (string, error) {
	atomic.AddInt64(&f.stalest, 1)
	return "task-bulk", f.err
}

// waitFor polls cond until it holds or the deadline passes; cron entry
// timing is not deterministic enough for fixed sleeps.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewRejectsBadCronSpec(t *testing.T) {
	cfg := config.Orchestrator{
		UpdateSchedule:    "not a cron line",
		ActualizeSchedule: "*/5 * * * *",
	}
	if _, err := New(cfg, &fakeDispatcher{}, discard); err == nil {
		t.Fatal("expected error for malformed cron spec")
	}
}

func TestBothEntriesFire(t *testing.T) {
	d := &fakeDispatcher{}
	cfg := config.Orchestrator{
		UpdateSchedule:    "@every 50ms",
		ActualizeSchedule: "@every 50ms",
	}
	s, err := New(cfg, d, discard)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt64(&d.appList) > 0 && atomic.LoadInt64(&d.stalest) > 0
	}, "entries never fired")
}

func TestStopPreventsFurtherTicks(t *testing.T) {
	d := &fakeDispatcher{}
	cfg := config.Orchestrator{
		UpdateSchedule:    "@every 20ms",
		ActualizeSchedule: "@every 20ms",
	}
	s, err := New(cfg, d, discard)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.Start()
	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt64(&d.stalest) > 0
	}, "scheduler never ticked")
	s.Stop()

	after := atomic.LoadInt64(&d.stalest)
	time.Sleep(70 * time.Millisecond)
	if got := atomic.LoadInt64(&d.stalest); got != after {
		t.Errorf("ticks continued after Stop: %d -> %d", after, got)
	}
}

func TestDispatchErrorDoesNotPanic(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("broker down")}
	cfg := config.Orchestrator{
		UpdateSchedule:    "@every 20ms",
		ActualizeSchedule: "@every 20ms",
	}
	s, err := New(cfg, d, discard)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt64(&d.appList) > 0
	}, "no dispatches despite errors")
}
