package backend

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/httpx"
)

// The task endpoints relay to the orchestrator. Bodies are validated here
// before the upstream call, so a malformed request costs no network trip and
// fails with a local message.

type updateAppDataTask struct {
	AppID       int64  `json:"app_id"`
	CountryCode string `json:"country_code,omitempty"`
}

type bulkUpdateAppDataTask struct {
	AppIDs       []int64  `json:"app_ids"`
	CountryCodes []string `json:"country_codes,omitempty"`
}

func (a *api) submitUpdateAppList(w http.ResponseWriter, r *http.Request) {
	a.forwardTask(w, r, "update_app_list", struct{}{})
}

func (a *api) submitUpdateAppData(w http.ResponseWriter, r *http.Request) {
	var req updateAppDataTask
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if req.AppID <= 0 {
		httpx.Error(w, r, apperr.Validationf("app_id must be positive, got %d", req.AppID))
		return
	}
	a.forwardTask(w, r, "update_app_data", req)
}

func (a *api) submitBulkUpdateAppData(w http.ResponseWriter, r *http.Request) {
	var req bulkUpdateAppDataTask
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if len(req.AppIDs) == 0 {
		httpx.Error(w, r, apperr.Validationf("app_ids must not be empty"))
		return
	}
	a.forwardTask(w, r, "bulk_update_app_data", req)
}

func (a *api) forwardTask(w http.ResponseWriter, r *http.Request, name string, params any) {
	ref, err := a.Tasks.Submit(r.Context(), name, params)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, ref)
}

func (a *api) taskStatus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "taskID")
	if _, err := uuid.Parse(raw); err != nil {
		httpx.Error(w, r, apperr.Validationf("task id must be a UUID, got %q", raw))
		return
	}
	state, err := a.Tasks.Status(r.Context(), raw)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, state)
}
