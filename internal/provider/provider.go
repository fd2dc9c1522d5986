package provider

import (
	"context"
	"fmt"
)

// Task statuses in the canonical result shape.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrorInfo carries a provider-side failure in canonical form.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the provider-agnostic description of a video task's outcome.
type Result struct {
	TaskID       string     `json:"task_id"`
	Provider     string     `json:"provider"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress,omitempty"`
	VideoURL     string     `json:"video_url,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	EventID      string     `json:"event_id,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
}

// CreateTaskRequest is the submission payload for a new generation task.
type CreateTaskRequest struct {
	Prompt      string
	Duration    int
	AspectRatio string
	Quality     string
	ImageURL    string
	CallbackURL string
}

// CreateTaskResponse is the provider's acceptance of a new task.
type CreateTaskResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Progress      int    `json:"progress,omitempty"`
	EstimatedTime int    `json:"estimated_time,omitempty"` // seconds
}

// Gateway is the uniform capability over heterogeneous AI video APIs.
type Gateway interface {
	Name() string
	CreateTask(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error)
	GetTaskStatus(ctx context.Context, taskID string) (*Result, error)
	ParseCallback(payload []byte) (*Result, error)
}

// Registry holds gateways keyed by provider type. Adding a provider is a
// registration, not a conditional branch.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

func (r *Registry) Register(g Gateway) {
	r.gateways[g.Name()] = g
}

// Get returns the gateway for a provider type, or an error if unrecognized.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return g, nil
}

// Names lists registered provider types.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
