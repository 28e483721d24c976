// Package broker implements the AMQP transport between the orchestrator and
// its workers: two durable priority queues, persistent JSON envelopes,
// prefetch-1 manual-ack consumption and reject-without-requeue on any
// handler failure.
package broker

import (
	"encoding/json"

	"github.com/steamwatch/steamwatch/internal/apperr"
)

// Queue names. Both sides declare both queues so startup order does not matter.
const (
	WorkerQueue = "tasks_for_workers"
	ResultQueue = "tasks_for_orchestrator"
)

// MaxPriority is the queue's x-max-priority. Scheduled refreshes publish at
// PriorityScheduled; tasks submitted through the HTTP API publish at
// PriorityAPI so user-initiated refreshes jump the backlog.
const (
	MaxPriority       = 5
	PriorityResult    = 0
	PriorityScheduled = 1
	PriorityAPI       = 3
)

// Task names carried in the envelope.
const (
	// Orchestrator → Worker.
	TaskRequestAppsList     = "request_apps_list"
	TaskRequestAppData      = "request_app_data"
	TaskBulkRequestAppsData = "bulk_request_for_apps_data"

	// Worker → Orchestrator.
	TaskActualizeAppList = "actualize_app_list"
	TaskUpdateAppsStatus = "update_apps_status"
)

// Envelope is the wire format for every message on both queues.
type Envelope struct {
	TaskName string          `json:"task_name"`
	Params   json.RawMessage `json:"params"`
}

// NewEnvelope marshals params into an Envelope for taskName.
func NewEnvelope(taskName string, params any) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, apperr.Validationf("marshal params for %s: %v", taskName, err)
	}
	return Envelope{TaskName: taskName, Params: raw}, nil
}

// RequestAppDataParams asks a worker to refresh one app in one country.
type RequestAppDataParams struct {
	AppID       int64  `json:"app_id"`
	CountryCode string `json:"country_code"`
}

// BulkRequestAppsDataParams asks a worker to refresh a batch of apps across
// a bundle of countries.
type BulkRequestAppsDataParams struct {
	AppIDs       []int64  `json:"app_ids"`
	CountryCodes []string `json:"country_codes"`
}

// ActualizeAppListParams carries the full upstream ID universe back to the
// orchestrator for diffing against the registry.
type ActualizeAppListParams struct {
	AppIDs []int64 `json:"app_ids"`
}

// UpdateAppsStatusParams carries the IDs whose refresh was acknowledged by
// the backend; only these get their last_updated advanced.
type UpdateAppsStatusParams struct {
	AppIDs []int64 `json:"app_ids"`
}
