package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// KieGateway talks to the Kie video generation API. Kie wraps everything in a
// {code, msg, data} envelope and reports status as an integer.
type KieGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewKieGateway(baseURL, apiKey string) *KieGateway {
	return &KieGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *KieGateway) Name() string {
	return "kie"
}

type kieEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type kieTask struct {
	TaskID     string `json:"taskId"`
	Status     int    `json:"status"` // 0 waiting, 1 running, 2 done, 3 failed
	Progress   int    `json:"progress"`
	VideoURL   string `json:"videoUrl"`
	ImageURL   string `json:"imageUrl"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
	CallbackID string `json:"callbackId"`
}

func (g *KieGateway) CreateTask(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":      req.Prompt,
		"duration":    strconv.Itoa(req.Duration),
		"aspectRatio": req.AspectRatio,
		"quality":     req.Quality,
		"imageUrls":   nonEmpty(req.ImageURL),
		"callBackUrl": req.CallbackURL,
	})
	if err != nil {
		return nil, err
	}

	var task kieTask
	if err := g.do(ctx, http.MethodPost, "/api/v1/video/generate", body, &task); err != nil {
		return nil, err
	}

	log.Printf("[PROVIDER] Kie accepted task %s status=%d", task.TaskID, task.Status)
	return &CreateTaskResponse{
		TaskID:   task.TaskID,
		Status:   kieStatus(task.Status),
		Progress: task.Progress,
	}, nil
}

func (g *KieGateway) GetTaskStatus(ctx context.Context, taskID string) (*Result, error) {
	var task kieTask
	if err := g.do(ctx, http.MethodGet, "/api/v1/video/record-info?taskId="+taskID, nil, &task); err != nil {
		return nil, err
	}
	return g.toResult(&task), nil
}

func (g *KieGateway) ParseCallback(payload []byte) (*Result, error) {
	var env kieEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("invalid kie callback payload: %w", err)
	}
	var task kieTask
	if err := json.Unmarshal(env.Data, &task); err != nil {
		return nil, fmt.Errorf("invalid kie callback data: %w", err)
	}
	if task.TaskID == "" {
		return nil, fmt.Errorf("kie callback missing taskId")
	}
	res := g.toResult(&task)
	// Kie signals failure through the envelope code as well.
	if env.Code != 200 && res.Status != StatusFailed {
		res.Status = StatusFailed
		res.Error = &ErrorInfo{Code: strconv.Itoa(env.Code), Message: env.Msg}
	}
	return res, nil
}

func (g *KieGateway) toResult(task *kieTask) *Result {
	res := &Result{
		TaskID:       task.TaskID,
		Provider:     g.Name(),
		Status:       kieStatus(task.Status),
		Progress:     task.Progress,
		VideoURL:     task.VideoURL,
		ThumbnailURL: task.ImageURL,
		EventID:      task.CallbackID,
	}
	if res.Status == StatusFailed {
		res.Error = &ErrorInfo{Code: task.FailCode, Message: task.FailMsg}
	}
	return res
}

func (g *KieGateway) do(ctx context.Context, method, path string, body []byte, out *kieTask) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[PROVIDER] Kie request failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[PROVIDER] Kie returned non-OK status: %d", resp.StatusCode)
		return fmt.Errorf("kie API returned status %d", resp.StatusCode)
	}

	var env kieEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if env.Code != 200 {
		return fmt.Errorf("kie API error %d: %s", env.Code, env.Msg)
	}
	return json.Unmarshal(env.Data, out)
}

func kieStatus(status int) string {
	switch status {
	case 0:
		return StatusPending
	case 1:
		return StatusProcessing
	case 2:
		return StatusCompleted
	case 3:
		return StatusFailed
	default:
		return StatusProcessing
	}
}

func nonEmpty(url string) []string {
	if url == "" {
		return nil
	}
	return []string{url}
}
