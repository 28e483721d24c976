package backend

import (
	"context"
	"net/http"
	"strings"

	"github.com/steamwatch/steamwatch/internal/oauth"
)

// TaskRef is a submitted task's handle, relayed from the orchestrator.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// TaskState is the journal status of one task.
type TaskState struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskProxy forwards task submissions and status reads to the orchestrator's
// task API, authenticating with the backend's own client credentials. The
// caller's token only needs to clear this service's scope check.
type TaskProxy struct {
	client  *oauth.Client
	baseURL string
}

func NewTaskProxy(client *oauth.Client, orchestratorURL string) *TaskProxy {
	return &TaskProxy{
		client:  client,
		baseURL: strings.TrimRight(orchestratorURL, "/"),
	}
}

// Submit registers a task of the given name with params as its body.
func (p *TaskProxy) Submit(ctx context.Context, name string, params any) (*TaskRef, error) {
	var ref TaskRef
	_, err := p.client.DoJSON(ctx, http.MethodPost, p.baseURL+"/api/v1/tasks/"+name, params, &ref)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// Status reads the journal state for taskID.
func (p *TaskProxy) Status(ctx context.Context, taskID string) (*TaskState, error) {
	var state TaskState
	_, err := p.client.DoJSON(ctx, http.MethodGet, p.baseURL+"/api/v1/tasks/"+taskID, nil, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}
