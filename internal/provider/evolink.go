package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// EvolinkGateway talks to the Evolink video generation API.
type EvolinkGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewEvolinkGateway(baseURL, apiKey string) *EvolinkGateway {
	return &EvolinkGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *EvolinkGateway) Name() string {
	return "evolink"
}

type evolinkTask struct {
	TaskID   string `json:"task_id"`
	State    string `json:"state"` // queued, generating, success, failed
	Progress int    `json:"progress"`
	ETA      int    `json:"eta_seconds"`
	Output   struct {
		VideoURL string `json:"video_url"`
		CoverURL string `json:"cover_url"`
	} `json:"output"`
	Failure struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"failure"`
	EventID string `json:"event_id"`
}

func (g *EvolinkGateway) CreateTask(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":       req.Prompt,
		"duration":     req.Duration,
		"aspect_ratio": req.AspectRatio,
		"quality":      req.Quality,
		"image_url":    req.ImageURL,
		"callback_url": req.CallbackURL,
	})
	if err != nil {
		return nil, err
	}

	var task evolinkTask
	if err := g.do(ctx, http.MethodPost, "/v1/video/generations", body, &task); err != nil {
		return nil, err
	}

	log.Printf("[PROVIDER] Evolink accepted task %s state=%s", task.TaskID, task.State)
	return &CreateTaskResponse{
		TaskID:        task.TaskID,
		Status:        evolinkState(task.State),
		Progress:      task.Progress,
		EstimatedTime: task.ETA,
	}, nil
}

func (g *EvolinkGateway) GetTaskStatus(ctx context.Context, taskID string) (*Result, error) {
	var task evolinkTask
	if err := g.do(ctx, http.MethodGet, "/v1/video/generations/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	return g.toResult(&task), nil
}

func (g *EvolinkGateway) ParseCallback(payload []byte) (*Result, error) {
	var task evolinkTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("invalid evolink callback payload: %w", err)
	}
	if task.TaskID == "" {
		return nil, fmt.Errorf("evolink callback missing task_id")
	}
	return g.toResult(&task), nil
}

func (g *EvolinkGateway) toResult(task *evolinkTask) *Result {
	res := &Result{
		TaskID:       task.TaskID,
		Provider:     g.Name(),
		Status:       evolinkState(task.State),
		Progress:     task.Progress,
		VideoURL:     task.Output.VideoURL,
		ThumbnailURL: task.Output.CoverURL,
		EventID:      task.EventID,
	}
	if res.Status == StatusFailed {
		res.Error = &ErrorInfo{Code: task.Failure.Code, Message: task.Failure.Message}
	}
	return res
}

func (g *EvolinkGateway) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[PROVIDER] Evolink request failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[PROVIDER] Evolink returned non-OK status: %d", resp.StatusCode)
		return fmt.Errorf("evolink API returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func evolinkState(state string) string {
	switch state {
	case "queued":
		return StatusPending
	case "generating":
		return StatusProcessing
	case "success":
		return StatusCompleted
	case "failed":
		return StatusFailed
	default:
		return StatusProcessing
	}
}
