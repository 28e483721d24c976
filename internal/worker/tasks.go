// Package worker executes the tasks the orchestrator dispatches: refreshing
// the upstream app list and fan-out refreshes of app data. Upstream fetches
// are serialized through the rate-limited client; backend posts run in
// parallel with first-error-wins cancellation.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/broker"
	"github.com/steamwatch/steamwatch/internal/catalog"
	"github.com/steamwatch/steamwatch/internal/steam"
)

// Fetcher is the upstream surface the tasks consume.
type Fetcher interface {
	AppList(ctx context.Context) ([]int64, error)
	AppDetail(ctx context.Context, appID int64, countryCode string) (*steam.AppDetail, error)
}

// PackagePoster submits one observation to the backend ingest endpoint.
type PackagePoster interface {
	PostPackage(ctx context.Context, obs catalog.Observation) error
}

// ResultPublisher sends result envelopes back to the orchestrator.
type ResultPublisher interface {
	Publish(ctx context.Context, env broker.Envelope, priority uint8) error
}

// Tasks holds the worker's task handlers and their collaborators.
type Tasks struct {
	steam          Fetcher
	backend        PackagePoster
	results        ResultPublisher
	defaultCountry string
	logger         *slog.Logger
}

func NewTasks(f Fetcher, p PackagePoster, r ResultPublisher, defaultCountry string, logger *slog.Logger) *Tasks {
	return &Tasks{
		steam:          f,
		backend:        p,
		results:        r,
		defaultCountry: defaultCountry,
		logger:         logger,
	}
}

// Register binds the worker's task names to their handlers.
func (t *Tasks) Register(r *broker.Router) {
	r.Register(broker.TaskRequestAppsList, t.handleRequestAppsList)
	r.Register(broker.TaskRequestAppData, t.handleRequestAppData)
	r.Register(broker.TaskBulkRequestAppsData, t.handleBulkRequest)
}

// handleRequestAppsList pulls the full upstream id universe and hands it to
// the orchestrator for diffing against its registry.
func (t *Tasks) handleRequestAppsList(ctx context.Context, _ json.RawMessage) error {
	t.logger.Info("requesting apps list")

	ids, err := t.steam.AppList(ctx)
	if err != nil {
		t.logger.Error("requesting apps list failed", slog.Any("error", err))
		return apperr.Handledf("request_apps_list: %v", err)
	}

	env, err := broker.NewEnvelope(broker.TaskActualizeAppList, broker.ActualizeAppListParams{AppIDs: ids})
	if err != nil {
		return err
	}
	if err := t.results.Publish(ctx, env, broker.PriorityResult); err != nil {
		return err
	}
	t.logger.Info("apps list delivered", slog.Int("count", len(ids)))
	return nil
}

// handleRequestAppData refreshes a single (app, country) pair and reports the
// id as updated once the backend acknowledged the package.
func (t *Tasks) handleRequestAppData(ctx context.Context, params json.RawMessage) error {
	var p broker.RequestAppDataParams
	if err := json.Unmarshal(params, &p); err != nil {
		return apperr.Validationf("request_app_data params: %v", err)
	}
	if p.AppID <= 0 {
		return apperr.Validationf("request_app_data: no app_id specified")
	}
	if p.CountryCode == "" {
		p.CountryCode = t.defaultCountry
		t.logger.Warn("no country specified, using default",
			slog.Int64("app_id", p.AppID),
			slog.String("country_code", p.CountryCode))
	}

	detail, err := t.steam.AppDetail(ctx, p.AppID, p.CountryCode)
	if err != nil {
		t.logger.Error("requesting app data failed",
			slog.Int64("app_id", p.AppID),
			slog.String("country_code", p.CountryCode),
			slog.Any("error", err))
		return apperr.Handledf("request_app_data %d/%s: %v", p.AppID, p.CountryCode, err)
	}

	obs := steam.BuildObservation(p.AppID, p.CountryCode, detail, time.Now().UTC(), t.logger)
	if err := t.backend.PostPackage(ctx, obs); err != nil {
		t.logger.Error("pushing package to backend failed",
			slog.Int64("app_id", p.AppID),
			slog.String("country_code", p.CountryCode),
			slog.Any("error", err))
		return apperr.Handledf("request_app_data %d/%s: backend post: %v", p.AppID, p.CountryCode, err)
	}

	env, err := broker.NewEnvelope(broker.TaskUpdateAppsStatus, broker.UpdateAppsStatusParams{AppIDs: []int64{p.AppID}})
	if err != nil {
		return err
	}
	return t.results.Publish(ctx, env, broker.PriorityResult)
}

// handleBulkRequest is the fan-out: |ids| x |countries| upstream fetches,
// serialized by the rate limiter, with backend posts running concurrently.
// A failed fetch skips its pair; a failed post cancels the outstanding posts.
// Either way the orchestrator learns exactly which ids were acknowledged, so
// partial failure never falsely freshens stale registry rows.
func (t *Tasks) handleBulkRequest(ctx context.Context, params json.RawMessage) error {
	var p broker.BulkRequestAppsDataParams
	if err := json.Unmarshal(params, &p); err != nil {
		return apperr.Validationf("bulk_request_for_apps_data params: %v", err)
	}
	if len(p.AppIDs) == 0 {
		t.logger.Warn("received empty batch of app ids")
	}
	if len(p.CountryCodes) == 0 {
		p.CountryCodes = []string{t.defaultCountry}
	}

	t.logger.Info("requesting batch of apps data",
		slog.Int("batch_size", len(p.AppIDs)),
		slog.Int("countries", len(p.CountryCodes)))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	acked := make(map[int64]struct{})

fanout:
	for _, appID := range p.AppIDs {
		for _, cc := range p.CountryCodes {
			// A failed post cancels gctx; stop burning rate budget on
			// fetches whose posts would be dropped anyway.
			if gctx.Err() != nil {
				break fanout
			}

			detail, err := t.steam.AppDetail(gctx, appID, cc)
			if err != nil {
				t.logger.Warn("requesting app data failed",
					slog.Int64("app_id", appID),
					slog.String("country_code", cc),
					slog.Any("error", err))
				continue
			}

			obs := steam.BuildObservation(appID, cc, detail, time.Now().UTC(), t.logger)
			g.Go(func() error {
				if err := t.backend.PostPackage(gctx, obs); err != nil {
					return err
				}
				mu.Lock()
				acked[appID] = struct{}{}
				mu.Unlock()
				return nil
			})
		}
	}

	postErr := g.Wait()

	// A killed batch (shutdown, broker disconnect) emits no partial ack.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	ids := make([]int64, 0, len(acked))
	for id := range acked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	env, err := broker.NewEnvelope(broker.TaskUpdateAppsStatus, broker.UpdateAppsStatusParams{AppIDs: ids})
	if err != nil {
		return err
	}
	if err := t.results.Publish(ctx, env, broker.PriorityResult); err != nil {
		return err
	}

	if postErr != nil {
		t.logger.Error("bulk post failed",
			slog.Int("batch_size", len(p.AppIDs)),
			slog.Int("acknowledged", len(ids)),
			slog.Any("error", postErr))
		return apperr.Handledf("bulk_request_for_apps_data: %v (acknowledged %d of %d)", postErr, len(ids), len(p.AppIDs))
	}

	t.logger.Info("batch of apps data delivered",
		slog.Int("batch_size", len(p.AppIDs)),
		slog.Int("acknowledged", len(ids)))
	return nil
}
