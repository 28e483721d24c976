package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/steamwatch/steamwatch/internal/broker"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/registry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type published struct {
	env      broker.Envelope
	priority uint8
	corrID   string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, env broker.Envelope, priority uint8) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.sent = append(f.sent, published{env: env, priority: priority, corrID: broker.CorrelationID(ctx)})
	f.mu.Unlock()
	return nil
}

func testConfig() config.Orchestrator {
	return config.Orchestrator{
		UpdateBatchSize:    2,
		DefaultCountryCode: "US",
		CountryBundle:      []string{"US", "DE"},
	}
}

func newTestService(t *testing.T, pub Publisher) (*Service, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if err := reg.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return NewService(reg, pub, testConfig(), discard), reg
}

func TestSubmitJournalsAndStampsCorrelation(t *testing.T) {
	pub := &fakePublisher{}
	svc, reg := newTestService(t, pub)
	ctx := context.Background()

	id, err := svc.UpdateAppList(ctx, broker.PriorityAPI)
	if err != nil {
		t.Fatalf("update app list: %v", err)
	}
	if id == "" {
		t.Fatal("expected a task id")
	}

	if len(pub.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.sent))
	}
	sent := pub.sent[0]
	if sent.env.TaskName != broker.TaskRequestAppsList {
		t.Errorf("task = %s, want %s", sent.env.TaskName, broker.TaskRequestAppsList)
	}
	if sent.priority != broker.PriorityAPI {
		t.Errorf("priority = %d, want %d", sent.priority, broker.PriorityAPI)
	}
	if sent.corrID != id {
		t.Errorf("correlation id = %q, want %q", sent.corrID, id)
	}

	rec, err := reg.GetTask(ctx, id)
	if err != nil || rec == nil {
		t.Fatalf("journal row missing: rec=%v err=%v", rec, err)
	}
	if rec.Status != registry.TaskPending {
		t.Errorf("status = %s, want PENDING", rec.Status)
	}
}

func TestUpdateAppDataDefaultsCountry(t *testing.T) {
	pub := &fakePublisher{}
	svc, _ := newTestService(t, pub)

	if _, err := svc.UpdateAppData(context.Background(), 570, "", broker.PriorityAPI); err != nil {
		t.Fatalf("update app data: %v", err)
	}

	var p broker.RequestAppDataParams
	if err := json.Unmarshal(pub.sent[0].env.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if p.AppID != 570 || p.CountryCode != "US" {
		t.Errorf("params = %+v, want app 570 in US", p)
	}
}

func TestUpdateAppDataRejectsBadID(t *testing.T) {
	pub := &fakePublisher{}
	svc, _ := newTestService(t, pub)

	if _, err := svc.UpdateAppData(context.Background(), 0, "US", broker.PriorityAPI); err == nil {
		t.Fatal("expected validation error")
	}
	if len(pub.sent) != 0 {
		t.Fatalf("published %d messages, want none", len(pub.sent))
	}
}

func TestBulkUpdateAppDataDefaultsBundle(t *testing.T) {
	pub := &fakePublisher{}
	svc, _ := newTestService(t, pub)

	if _, err := svc.BulkUpdateAppData(context.Background(), []int64{10, 20}, nil, broker.PriorityAPI); err != nil {
		t.Fatalf("bulk update: %v", err)
	}

	var p broker.BulkRequestAppsDataParams
	if err := json.Unmarshal(pub.sent[0].env.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if len(p.CountryCodes) != 2 || p.CountryCodes[0] != "US" || p.CountryCodes[1] != "DE" {
		t.Errorf("country codes = %v, want configured bundle", p.CountryCodes)
	}
}

func TestBulkUpdateAppDataRejectsEmptyIDs(t *testing.T) {
	svc, _ := newTestService(t, &fakePublisher{})
	if _, err := svc.BulkUpdateAppData(context.Background(), nil, nil, broker.PriorityAPI); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestPublishFailureMarksTaskFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	svc, reg := newTestService(t, pub)
	svc.newID = func() string { return "task-fixed" }

	if _, err := svc.UpdateAppList(context.Background(), broker.PriorityAPI); err == nil {
		t.Fatal("expected publish error")
	}

	rec, err := reg.GetTask(context.Background(), "task-fixed")
	if err != nil || rec == nil {
		t.Fatalf("journal row missing: rec=%v err=%v", rec, err)
	}
	if rec.Status != registry.TaskFailure {
		t.Errorf("status = %s, want FAILURE", rec.Status)
	}
}

func TestRefreshStalestAppsDispatchesBatch(t *testing.T) {
	pub := &fakePublisher{}
	svc, reg := newTestService(t, pub)
	ctx := context.Background()

	if _, err := reg.Actualize(ctx, []int64{30, 10, 20}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	id, err := svc.RefreshStalestApps(ctx)
	if err != nil {
		t.Fatalf("refresh stalest: %v", err)
	}
	if id == "" {
		t.Fatal("expected a task id")
	}

	sent := pub.sent[0]
	if sent.env.TaskName != broker.TaskBulkRequestAppsData {
		t.Fatalf("task = %s, want %s", sent.env.TaskName, broker.TaskBulkRequestAppsData)
	}
	if sent.priority != broker.PriorityScheduled {
		t.Errorf("priority = %d, want %d", sent.priority, broker.PriorityScheduled)
	}

	var p broker.BulkRequestAppsDataParams
	if err := json.Unmarshal(sent.env.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	// Batch size 2, never-fetched rows tie on last_updated and order by id.
	if len(p.AppIDs) != 2 || p.AppIDs[0] != 10 || p.AppIDs[1] != 20 {
		t.Errorf("app ids = %v, want [10 20]", p.AppIDs)
	}
}

func TestRefreshStalestAppsEmptyRegistry(t *testing.T) {
	pub := &fakePublisher{}
	svc, _ := newTestService(t, pub)

	id, err := svc.RefreshStalestApps(context.Background())
	if err != nil {
		t.Fatalf("refresh stalest: %v", err)
	}
	if id != "" || len(pub.sent) != 0 {
		t.Fatalf("expected a quiet no-op, got id=%q published=%d", id, len(pub.sent))
	}
}

func TestActualizeResultSettlesTask(t *testing.T) {
	pub := &fakePublisher{}
	svc, reg := newTestService(t, pub)
	ctx := context.Background()

	id, err := svc.UpdateAppList(ctx, broker.PriorityAPI)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The worker's result message carries the task id as its correlation id.
	resultCtx := broker.WithCorrelationID(ctx, id)
	params, _ := json.Marshal(broker.ActualizeAppListParams{AppIDs: []int64{10, 20, 30}})
	if err := svc.handleActualizeAppList(resultCtx, params); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	n, err := reg.CountApps(ctx)
	if err != nil || n != 3 {
		t.Fatalf("apps = %d (err %v), want 3", n, err)
	}

	status, err := svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != registry.TaskSuccess {
		t.Errorf("status = %s, want SUCCESS", status)
	}
}

func TestUpdateAppsStatusResultAdvances(t *testing.T) {
	pub := &fakePublisher{}
	svc, reg := newTestService(t, pub)
	ctx := context.Background()

	if _, err := reg.Actualize(ctx, []int64{10, 20}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	id, err := svc.BulkUpdateAppData(ctx, []int64{10, 20}, nil, broker.PriorityAPI)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	resultCtx := broker.WithCorrelationID(ctx, id)
	params, _ := json.Marshal(broker.UpdateAppsStatusParams{AppIDs: []int64{10}})
	if err := svc.handleUpdateAppsStatus(resultCtx, params); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	// 10 was freshened, so 20 is now the stalest row.
	stalest, err := reg.StalestN(ctx, 1)
	if err != nil || len(stalest) != 1 || stalest[0] != 20 {
		t.Fatalf("stalest = %v (err %v), want [20]", stalest, err)
	}

	status, _ := svc.Status(ctx, id)
	if status != registry.TaskSuccess {
		t.Errorf("status = %s, want SUCCESS", status)
	}
}

func TestStatusUnknownIsPending(t *testing.T) {
	svc, _ := newTestService(t, &fakePublisher{})
	status, err := svc.Status(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != registry.TaskPending {
		t.Errorf("status = %s, want PENDING", status)
	}
}

func TestResultHandlerRejectsBadParams(t *testing.T) {
	svc, _ := newTestService(t, &fakePublisher{})
	if err := svc.handleActualizeAppList(context.Background(), json.RawMessage(`{"app_ids":"nope"}`)); err == nil {
		t.Fatal("expected validation error")
	}
	if err := svc.handleUpdateAppsStatus(context.Background(), json.RawMessage(`[]`)); err == nil {
		t.Fatal("expected validation error")
	}
}
