package circuitbreaker

import (
	"testing"
	"time"
)

// brokenClock gives tests a movable now.
type brokenClock struct{ now time.Time }

func (c *brokenClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(t *testing.T, opts ...Option) (*Breaker, *brokenClock) {
	t.Helper()
	clock := &brokenClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(opts...)
	b.nowFunc = func() time.Time { return clock.now }
	return b, clock
}

func TestHealthyUpstreamStaysClosed(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 20; i++ {
		if !b.Allow() {
			t.Fatalf("fetch %d blocked with a healthy upstream", i)
		}
		b.RecordSuccess()
	}
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestTripsOnConsecutiveFetchFailures(t *testing.T) {
	b, _ := newTestBreaker(t, WithThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("state after 2 failures = %s, want closed", got)
	}

	b.RecordFailure()
	if got := b.CurrentState(); got != Open {
		t.Fatalf("state after 3 failures = %s, want open", got)
	}
	if b.Allow() {
		t.Fatal("tripped breaker let a fetch through")
	}
}

func TestSuccessResetsTheFailureRun(t *testing.T) {
	b, _ := newTestBreaker(t, WithThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// The run starts over: two more failures must not trip.
	b.RecordFailure()
	b.RecordFailure()
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("state = %s, want closed", got)
	}
	b.RecordFailure()
	if got := b.CurrentState(); got != Open {
		t.Fatalf("state = %s, want open", got)
	}
}

func TestCooldownAdmitsOneProbe(t *testing.T) {
	b, clock := newTestBreaker(t, WithThreshold(1), WithCooldown(30*time.Second))
	b.RecordFailure()

	clock.advance(29 * time.Second)
	if b.Allow() {
		t.Fatal("fetch admitted before the cooldown elapsed")
	}

	clock.advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe fetch blocked after the cooldown")
	}
	if got := b.CurrentState(); got != HalfOpen {
		t.Fatalf("state = %s, want half-open", got)
	}
	// Exactly one probe: a concurrent fetch waits for its verdict.
	if b.Allow() {
		t.Fatal("second fetch admitted while probing")
	}
}

func TestProbeVerdict(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clock := newTestBreaker(t, WithThreshold(1), WithCooldown(time.Second))
		b.RecordFailure()
		clock.advance(2 * time.Second)
		if !b.Allow() {
			t.Fatal("probe blocked")
		}
		b.RecordSuccess()
		if got := b.CurrentState(); got != Closed {
			t.Fatalf("state = %s, want closed", got)
		}
		if !b.Allow() {
			t.Fatal("recovered breaker blocked a fetch")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, clock := newTestBreaker(t, WithThreshold(1), WithCooldown(time.Second))
		b.RecordFailure()
		clock.advance(2 * time.Second)
		if !b.Allow() {
			t.Fatal("probe blocked")
		}
		b.RecordFailure()
		if got := b.CurrentState(); got != Open {
			t.Fatalf("state = %s, want open", got)
		}
		if b.Allow() {
			t.Fatal("fetch admitted right after a failed probe")
		}
	})
}

func TestStateChangeCallbackSeesFullCycle(t *testing.T) {
	type hop struct{ from, to State }
	var seen []hop

	b, clock := newTestBreaker(t, WithThreshold(1), WithCooldown(time.Second),
		WithOnStateChange(func(from, to State) { seen = append(seen, hop{from, to}) }))

	b.RecordFailure()
	clock.advance(2 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []hop{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}
	if len(seen) != len(want) {
		t.Fatalf("got %d transitions, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s->%s, want %s->%s",
				i, seen[i].from, seen[i].to, want[i].from, want[i].to)
		}
	}
}

func TestOptionBoundsAndNames(t *testing.T) {
	b := New(WithThreshold(0), WithCooldown(-time.Second))
	if b.failureThreshold != defaultThreshold {
		t.Fatalf("threshold = %d, want default %d", b.failureThreshold, defaultThreshold)
	}
	if b.cooldown != defaultCooldown {
		t.Fatalf("cooldown = %v, want default %v", b.cooldown, defaultCooldown)
	}

	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(42): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
