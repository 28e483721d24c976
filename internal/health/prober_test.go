package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestProberHealthyDependency(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	probe := Probe{Name: "mongo", Check: func(ctx context.Context) error { return nil }}

	prober := NewProber(ProberConfig{
		Interval:     50 * time.Millisecond,
		ProbeTimeout: 2 * time.Second,
	}, tracker, []Probe{probe}, discard)

	prober.Start()
	time.Sleep(80 * time.Millisecond)
	prober.Stop()

	stats := tracker.GetStats("mongo")
	if stats.State != StateHealthy {
		t.Errorf("expected healthy, got %s", stats.State)
	}
	if stats.TotalChecks == 0 {
		t.Error("expected at least one probe recorded")
	}
}

func TestProberFailingDependency(t *testing.T) {
	cfg := TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     3,
	}
	tracker := NewTracker(cfg)
	probe := Probe{Name: "broker", Check: func(ctx context.Context) error {
		return errors.New("connection refused")
	}}

	prober := NewProber(ProberConfig{
		Interval:     30 * time.Millisecond,
		ProbeTimeout: 2 * time.Second,
	}, tracker, []Probe{probe}, discard)

	prober.Start()
	time.Sleep(120 * time.Millisecond)
	prober.Stop()

	stats := tracker.GetStats("broker")
	if stats.TotalErrors == 0 {
		t.Error("expected errors recorded for failing dependency")
	}
	if stats.State == StateHealthy {
		t.Errorf("expected degraded or down, got %s", stats.State)
	}
}

func TestProberHonorsTimeout(t *testing.T) {
	cfg := TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
	}
	tracker := NewTracker(cfg)
	probe := Probe{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	prober := NewProber(ProberConfig{
		Interval:     10 * time.Second,
		ProbeTimeout: 20 * time.Millisecond,
	}, tracker, []Probe{probe}, discard)

	prober.Start()
	time.Sleep(100 * time.Millisecond)
	prober.Stop()

	stats := tracker.GetStats("slow")
	if stats.TotalErrors == 0 {
		t.Error("expected the timed-out probe recorded as an error")
	}
}

func TestProberStopIsClean(t *testing.T) {
	var probeCount atomic.Int64
	tracker := NewTracker(DefaultConfig())
	probe := Probe{Name: "counted", Check: func(ctx context.Context) error {
		probeCount.Add(1)
		return nil
	}}

	prober := NewProber(ProberConfig{
		Interval:     10 * time.Second, // long interval, only the initial probe fires
		ProbeTimeout: 2 * time.Second,
	}, tracker, []Probe{probe}, discard)

	prober.Start()
	time.Sleep(50 * time.Millisecond)
	prober.Stop()

	countAfterStop := probeCount.Load()
	time.Sleep(50 * time.Millisecond)

	if probeCount.Load() != countAfterStop {
		t.Error("probes continued after Stop()")
	}
}

func TestProberMultipleDependencies(t *testing.T) {
	var hits atomic.Int64
	check := func(ctx context.Context) error {
		hits.Add(1)
		return nil
	}

	tracker := NewTracker(DefaultConfig())
	probes := []Probe{
		{Name: "mongo", Check: check},
		{Name: "redis", Check: check},
		{Name: "broker", Check: check},
	}

	prober := NewProber(ProberConfig{
		Interval:     10 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}, tracker, probes, discard)

	prober.Start()
	time.Sleep(80 * time.Millisecond)
	prober.Stop()

	// The initial sweep hits all three.
	if hits.Load() < 3 {
		t.Errorf("expected at least 3 probe hits, got %d", hits.Load())
	}

	for _, name := range []string{"mongo", "redis", "broker"} {
		if s := tracker.GetStats(name); s.TotalChecks == 0 {
			t.Errorf("expected probe recorded for %s", name)
		}
	}
}

func TestProberAddProbeAtRuntime(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	prober := NewProber(ProberConfig{
		Interval:     30 * time.Millisecond,
		ProbeTimeout: time.Second,
	}, tracker, nil, discard)

	prober.Start()
	prober.AddProbe(Probe{Name: "late", Check: func(ctx context.Context) error { return nil }})
	time.Sleep(100 * time.Millisecond)
	prober.Stop()

	if s := tracker.GetStats("late"); s.TotalChecks == 0 {
		t.Error("expected the runtime-added probe to run")
	}
}
