// Package orchestrator drives the refresh pipeline: it dispatches fetch tasks
// to the worker queue, journals their status, and folds the workers' result
// messages back into the app registry.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/broker"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/registry"
)

// Publisher is the slice of broker.Publisher the service needs.
type Publisher interface {
	Publish(ctx context.Context, env broker.Envelope, priority uint8) error
}

// Service owns task dispatch and result handling for the orchestrator.
type Service struct {
	registry *registry.Registry
	tasks    Publisher
	cfg      config.Orchestrator
	logger   *slog.Logger

	newID func() string
}

func NewService(reg *registry.Registry, tasks Publisher, cfg config.Orchestrator, logger *slog.Logger) *Service {
	return &Service{
		registry: reg,
		tasks:    tasks,
		cfg:      cfg,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// submit journals a PENDING task and publishes its envelope stamped with the
// journal id, so the worker's eventual result message answers it.
func (s *Service) submit(ctx context.Context, taskName string, params any, priority uint8) (string, error) {
	env, err := broker.NewEnvelope(taskName, params)
	if err != nil {
		return "", err
	}

	id := s.newID()
	if err := s.registry.CreateTask(ctx, id, taskName); err != nil {
		return "", err
	}

	ctx = broker.WithCorrelationID(ctx, id)
	if err := s.tasks.Publish(ctx, env, priority); err != nil {
		if jerr := s.registry.SetTaskStatus(ctx, id, registry.TaskFailure); jerr != nil {
			s.logger.Error("journal update failed",
				slog.String("task_id", id),
				slog.String("error", jerr.Error()),
			)
		}
		return "", err
	}

	s.logger.Info("task dispatched",
		slog.String("task", taskName),
		slog.String("task_id", id),
		slog.Int("priority", int(priority)),
	)
	return id, nil
}

// UpdateAppList asks a worker for the full upstream app id universe.
func (s *Service) UpdateAppList(ctx context.Context, priority uint8) (string, error) {
	return s.submit(ctx, broker.TaskRequestAppsList, struct{}{}, priority)
}

// UpdateAppData refreshes one app in one country. An empty country falls back
// to the configured default.
func (s *Service) UpdateAppData(ctx context.Context, appID int64, countryCode string, priority uint8) (string, error) {
	if appID <= 0 {
		return "", apperr.Validationf("app_id must be positive, got %d", appID)
	}
	if countryCode == "" {
		countryCode = s.cfg.DefaultCountryCode
	}
	params := broker.RequestAppDataParams{AppID: appID, CountryCode: countryCode}
	return s.submit(ctx, broker.TaskRequestAppData, params, priority)
}

// BulkUpdateAppData refreshes a batch of apps across countryCodes, falling
// back to the configured bundle when none are given.
func (s *Service) BulkUpdateAppData(ctx context.Context, appIDs []int64, countryCodes []string, priority uint8) (string, error) {
	if len(appIDs) == 0 {
		return "", apperr.Validationf("app_ids must not be empty")
	}
	if len(countryCodes) == 0 {
		countryCodes = s.cfg.CountryBundle
	}
	params := broker.BulkRequestAppsDataParams{AppIDs: appIDs, CountryCodes: countryCodes}
	return s.submit(ctx, broker.TaskBulkRequestAppsData, params, priority)
}

// RefreshAppList is the scheduled variant of UpdateAppList.
func (s *Service) RefreshAppList(ctx context.Context) (string, error) {
	return s.UpdateAppList(ctx, broker.PriorityScheduled)
}

// RefreshStalestApps selects the most outdated registry rows and dispatches a
// bulk refresh across the configured country bundle.
func (s *Service) RefreshStalestApps(ctx context.Context) (string, error) {
	ids, err := s.registry.StalestN(ctx, s.cfg.UpdateBatchSize)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		s.logger.Info("registry empty, nothing to refresh")
		return "", nil
	}
	return s.BulkUpdateAppData(ctx, ids, s.cfg.CountryBundle, broker.PriorityScheduled)
}

// Status reports the journal state for taskID. Unknown ids read as PENDING:
// the journal is pruned, so absence is indistinguishable from not-yet-settled.
func (s *Service) Status(ctx context.Context, taskID string) (registry.TaskState, error) {
	rec, err := s.registry.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return registry.TaskPending, nil
	}
	return rec.Status, nil
}

// Register binds the worker-result handlers on r.
func (s *Service) Register(r *broker.Router) {
	r.Register(broker.TaskActualizeAppList, s.handleActualizeAppList)
	r.Register(broker.TaskUpdateAppsStatus, s.handleUpdateAppsStatus)
}

// handleActualizeAppList diffs the received id universe against the registry
// and inserts whatever is missing with a never-fetched timestamp.
func (s *Service) handleActualizeAppList(ctx context.Context, params json.RawMessage) error {
	var p broker.ActualizeAppListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return apperr.Validationf("actualize_app_list: bad params: %v", err)
	}

	inserted, err := s.registry.Actualize(ctx, p.AppIDs)
	if err != nil {
		s.closeTask(ctx, registry.TaskFailure)
		return err
	}

	s.logger.Info("app list actualized",
		slog.Int("received", len(p.AppIDs)),
		slog.Int64("inserted", inserted),
	)
	s.closeTask(ctx, registry.TaskSuccess)
	return nil
}

// handleUpdateAppsStatus advances last_updated for the acknowledged subset.
func (s *Service) handleUpdateAppsStatus(ctx context.Context, params json.RawMessage) error {
	var p broker.UpdateAppsStatusParams
	if err := json.Unmarshal(params, &p); err != nil {
		return apperr.Validationf("update_apps_status: bad params: %v", err)
	}

	if err := s.registry.Advance(ctx, p.AppIDs); err != nil {
		s.closeTask(ctx, registry.TaskFailure)
		return err
	}

	s.logger.Info("apps marked fresh", slog.Int("count", len(p.AppIDs)))
	s.closeTask(ctx, registry.TaskSuccess)
	return nil
}

// closeTask settles the journal row named by the delivery's correlation id.
// Results published by our own workers always carry one; a missing id just
// means there is nothing to settle.
func (s *Service) closeTask(ctx context.Context, state registry.TaskState) {
	id := broker.CorrelationID(ctx)
	if id == "" {
		return
	}
	if err := s.registry.SetTaskStatus(ctx, id, state); err != nil {
		s.logger.Warn("task journal update failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// RunJournalPruner sweeps settled journal rows older than the retention
// window until ctx is cancelled.
func (s *Service) RunJournalPruner(ctx context.Context, retention time.Duration) {
	interval := retention / 2
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.registry.PruneTasks(ctx, retention)
			if err != nil {
				s.logger.Warn("journal prune failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.Debug("journal pruned", slog.Int64("rows", n))
			}
		}
	}
}
