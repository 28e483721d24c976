package metrics

import (
	"testing"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.TasksPublished == nil {
		t.Fatal("expected non-nil TasksPublished counter")
	}
	if r.SteamLatency == nil {
		t.Fatal("expected non-nil SteamLatency histogram")
	}
	if r.PackagesMerged == nil {
		t.Fatal("expected non-nil PackagesMerged counter")
	}
}

func TestHandlerNonNil(t *testing.T) {
	r := New()
	if r.Handler() == nil {
		t.Fatal("expected non-nil http.Handler from Handler()")
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()

	r.TasksPublished.WithLabelValues("tasks_for_workers", "update_apps", "1").Inc()
	r.SteamRequests.WithLabelValues("appdetails", "200").Inc()
	r.SteamLatency.WithLabelValues("appdetails").Observe(320.0)
	r.PackagesMerged.WithLabelValues("created").Inc()
	r.MergeConflicts.Inc()
	r.CacheHits.WithLabelValues("token_info").Inc()
	r.TokensIssued.WithLabelValues("client_credentials").Inc()

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one metric family after recording values")
	}

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	want := []string{
		"steamwatch_tasks_published_total",
		"steamwatch_steam_requests_total",
		"steamwatch_steam_latency_ms",
		"steamwatch_packages_merged_total",
		"steamwatch_merge_conflicts_total",
		"steamwatch_cache_hits_total",
		"steamwatch_tokens_issued_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("expected metric %q in gathered metrics", name)
		}
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()

	r1.TasksPublished.WithLabelValues("tasks_for_workers", "update_apps", "3").Inc()

	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil && m.GetCounter().GetValue() > 0 {
				t.Error("r2 should not have any non-zero counters")
			}
		}
	}
}
