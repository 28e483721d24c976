package orchestrator

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/steamwatch/steamwatch/internal/broker"
	"github.com/steamwatch/steamwatch/internal/httpx"
	"github.com/steamwatch/steamwatch/internal/oauth"
)

// API serves task submission and status over HTTP. Submissions publish at
// PriorityAPI so user-initiated refreshes jump the scheduled backlog.
type API struct {
	svc       *Service
	validator *oauth.Validator
	logger    *slog.Logger
}

func NewAPI(svc *Service, v *oauth.Validator, logger *slog.Logger) *API {
	return &API{svc: svc, validator: v, logger: logger}
}

// Mount attaches the task routes under /api/v1/tasks.
func (a *API) Mount(r chi.Router) {
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Use(oauth.RequireScopes(a.validator, oauth.ScopeOrchestratorTasks))
		r.Post("/update_app_list", a.updateAppList)
		r.Post("/update_app_data", a.updateAppData)
		r.Post("/bulk_update_app_data", a.bulkUpdateAppData)
		r.Get("/{taskID}", a.taskStatus)
	})
}

type taskResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type updateAppDataRequest struct {
	AppID       int64  `json:"app_id"`
	CountryCode string `json:"country_code,omitempty"`
}

type bulkUpdateAppDataRequest struct {
	AppIDs       []int64  `json:"app_ids"`
	CountryCodes []string `json:"country_codes,omitempty"`
}

func (a *API) updateAppList(w http.ResponseWriter, r *http.Request) {
	id, err := a.svc.UpdateAppList(r.Context(), broker.PriorityAPI)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, taskResponse{TaskID: id})
}

func (a *API) updateAppData(w http.ResponseWriter, r *http.Request) {
	var req updateAppDataRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	id, err := a.svc.UpdateAppData(r.Context(), req.AppID, req.CountryCode, broker.PriorityAPI)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, taskResponse{TaskID: id})
}

func (a *API) bulkUpdateAppData(w http.ResponseWriter, r *http.Request) {
	var req bulkUpdateAppDataRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	id, err := a.svc.BulkUpdateAppData(r.Context(), req.AppIDs, req.CountryCodes, broker.PriorityAPI)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, taskResponse{TaskID: id})
}

func (a *API) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	status, err := a.svc.Status(r.Context(), id)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statusResponse{TaskID: id, Status: string(status)})
}
