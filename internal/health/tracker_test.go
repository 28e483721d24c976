package health

import (
	"testing"
)

func TestRecordSuccess(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("mongo", 15.0)
	tr.RecordSuccess("mongo", 20.0)

	s := tr.GetStats("mongo")
	if s.TotalChecks != 2 {
		t.Errorf("expected 2 checks, got %d", s.TotalChecks)
	}
	if s.State != StateHealthy {
		t.Errorf("expected healthy, got %s", s.State)
	}
	if s.ConsecErrors != 0 {
		t.Errorf("expected 0 consec errors, got %d", s.ConsecErrors)
	}
}

func TestDegradedAfterErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordError("broker", "timeout")
	tr.RecordError("broker", "timeout")

	s := tr.GetStats("broker")
	if s.State != StateDegraded {
		t.Errorf("expected degraded after 2 errors, got %s", s.State)
	}
}

func TestDownAfterErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 5; i++ {
		tr.RecordError("broker", "connection refused")
	}

	s := tr.GetStats("broker")
	if s.State != StateDown {
		t.Errorf("expected down after 5 errors, got %s", s.State)
	}
}

func TestSuccessResetsErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordError("redis", "error1")
	tr.RecordError("redis", "error2")

	s := tr.GetStats("redis")
	if s.State != StateDegraded {
		t.Fatalf("expected degraded, got %s", s.State)
	}

	tr.RecordSuccess("redis", 3)

	s = tr.GetStats("redis")
	if s.State != StateHealthy {
		t.Errorf("expected healthy after success, got %s", s.State)
	}
	if s.ConsecErrors != 0 {
		t.Errorf("expected 0 consec errors after success, got %d", s.ConsecErrors)
	}
}

func TestAllStats(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("mongo", 10)
	tr.RecordSuccess("redis", 2)
	tr.RecordError("broker", "error")

	all := tr.AllStats()
	if len(all) != 3 {
		t.Errorf("expected 3 dependencies in AllStats, got %d", len(all))
	}
}

func TestGetStatsUnknown(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	s := tr.GetStats("nonexistent")
	if s.State != StateHealthy {
		t.Errorf("expected healthy for unknown dependency, got %s", s.State)
	}
}

func TestErrorCountTracking(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("auth", 50)
	tr.RecordError("auth", "err1")
	tr.RecordError("auth", "err2")

	s := tr.GetStats("auth")
	if s.TotalChecks != 3 {
		t.Errorf("expected 3 total checks, got %d", s.TotalChecks)
	}
	if s.TotalErrors != 2 {
		t.Errorf("expected 2 total errors, got %d", s.TotalErrors)
	}
}

func TestOverallWorstStateWins(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	if tr.Overall() != StateHealthy {
		t.Fatalf("empty tracker should be healthy, got %s", tr.Overall())
	}

	tr.RecordSuccess("mongo", 10)
	tr.RecordError("redis", "err1")
	tr.RecordError("redis", "err2")
	if tr.Overall() != StateDegraded {
		t.Errorf("expected degraded overall, got %s", tr.Overall())
	}

	for i := 0; i < 5; i++ {
		tr.RecordError("broker", "down")
	}
	if tr.Overall() != StateDown {
		t.Errorf("expected down overall, got %s", tr.Overall())
	}
}

func TestOnUpdateCallback(t *testing.T) {
	var gotDep string
	var gotState State
	tr := NewTracker(DefaultConfig(), WithOnUpdate(func(dep string, state State) {
		gotDep, gotState = dep, state
	}))

	tr.RecordSuccess("mongo", 5)
	if gotDep != "mongo" || gotState != StateHealthy {
		t.Errorf("callback got (%s, %s), want (mongo, healthy)", gotDep, gotState)
	}
}
