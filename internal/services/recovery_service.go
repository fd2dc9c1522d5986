package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/vidspark/backend/internal/config"
	"github.com/vidspark/backend/internal/models"
	"github.com/vidspark/backend/internal/provider"
)

// Recovery actions, one per stuck-task candidate.
const (
	ActionComplete        = "complete"
	ActionFailProvider    = "fail_provider"
	ActionFailTimeout     = "fail_timeout"
	ActionFailMissingTask = "fail_missing_task"
	ActionQueryFailed     = "query_failed"
)

// RecoveryAction is one entry of a sweep's action plan.
type RecoveryAction struct {
	VideoUUID  string `json:"video_uuid"`
	Status     string `json:"status"`
	StuckFor   string `json:"stuck_for"`
	Action     string `json:"action"`
	Detail     string `json:"detail,omitempty"`
	Applied    bool   `json:"applied"`
	ApplyError string `json:"apply_error,omitempty"`
}

// RecoveryService repairs tasks stuck past their per-status timeout. It
// reuses the orchestrator's Complete/Fail paths, so a sweep and a late
// webhook settle or release each hold exactly once between them.
type RecoveryService struct {
	db        *sql.DB
	videos    *VideoService
	providers *provider.Registry
	config    *config.GenerationConfig
}

func NewRecoveryService(db *sql.DB, videos *VideoService, providers *provider.Registry, cfg *config.GenerationConfig) *RecoveryService {
	return &RecoveryService{db: db, videos: videos, providers: providers, config: cfg}
}

type stuckVideo struct {
	UUID      string
	Status    string
	Provider  string
	TaskID    string
	UpdatedAt time.Time
}

// Recover sweeps stuck tasks oldest-first, capped at limit. With dryRun it
// computes the full action plan with zero mutations; that is the default and
// the safety rail for the admin endpoint's GET path.
func (s *RecoveryService) Recover(ctx context.Context, dryRun bool, limit int) ([]RecoveryAction, error) {
	if limit <= 0 || limit > s.config.RecoveryLimit {
		limit = s.config.RecoveryLimit
	}

	candidates, err := s.findStuck(ctx, limit)
	if err != nil {
		return nil, err
	}

	actions := make([]RecoveryAction, 0, len(candidates))
	for _, v := range candidates {
		action := s.plan(ctx, &v)
		if !dryRun {
			s.apply(ctx, &v, &action)
		}
		actions = append(actions, action)
	}

	log.Printf("[RECOVERY] Sweep examined %d stuck tasks (dryRun=%v)", len(actions), dryRun)
	return actions, nil
}

func (s *RecoveryService) findStuck(ctx context.Context, limit int) ([]stuckVideo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, status, COALESCE(provider, ''), COALESCE(task_id, ''), updated_at
		FROM videos
		WHERE deleted = false
		  AND (
		       (status = 'PENDING'    AND updated_at < NOW() - make_interval(secs => $1))
		    OR (status = 'GENERATING' AND updated_at < NOW() - make_interval(secs => $2))
		    OR (status = 'UPLOADING'  AND updated_at < NOW() - make_interval(secs => $3))
		  )
		ORDER BY updated_at ASC
		LIMIT $4`,
		s.config.PendingTimeout.Seconds(),
		s.config.GeneratingTimeout.Seconds(),
		s.config.UploadingTimeout.Seconds(),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stuck []stuckVideo
	for rows.Next() {
		var v stuckVideo
		if err := rows.Scan(&v.UUID, &v.Status, &v.Provider, &v.TaskID, &v.UpdatedAt); err != nil {
			return nil, err
		}
		stuck = append(stuck, v)
	}
	return stuck, rows.Err()
}

// plan decides the action for one candidate without mutating anything.
func (s *RecoveryService) plan(ctx context.Context, v *stuckVideo) RecoveryAction {
	action := RecoveryAction{
		VideoUUID: v.UUID,
		Status:    v.Status,
		StuckFor:  time.Since(v.UpdatedAt).Round(time.Second).String(),
	}

	if v.TaskID == "" || v.Provider == "" {
		action.Action = ActionFailMissingTask
		action.Detail = "no external task to recover from"
		return action
	}

	gateway, err := s.providers.Get(v.Provider)
	if err != nil {
		action.Action = ActionFailMissingTask
		action.Detail = err.Error()
		return action
	}

	result, err := gateway.GetTaskStatus(ctx, v.TaskID)
	if err != nil {
		// Transient by assumption; the next sweep retries.
		action.Action = ActionQueryFailed
		action.Detail = err.Error()
		return action
	}

	switch result.Status {
	case provider.StatusCompleted:
		if result.VideoURL != "" {
			action.Action = ActionComplete
			action.Detail = result.VideoURL
		} else {
			action.Action = ActionFailProvider
			action.Detail = "provider reports completion without a video url"
		}
	case provider.StatusFailed:
		action.Action = ActionFailProvider
		if result.Error != nil {
			action.Detail = result.Error.Message
		}
	default:
		action.Action = ActionFailTimeout
		action.Detail = "provider still reports " + result.Status
	}
	return action
}

// apply executes one planned action through the shared completion/failure
// paths. query_failed is never applied; fail_timeout only when configured.
func (s *RecoveryService) apply(ctx context.Context, v *stuckVideo, action *RecoveryAction) {
	var err error
	switch action.Action {
	case ActionComplete:
		_, err = s.videos.Complete(ctx, v.UUID, &provider.Result{
			TaskID:   v.TaskID,
			Provider: v.Provider,
			Status:   provider.StatusCompleted,
			VideoURL: action.Detail,
		})
	case ActionFailProvider:
		reason := action.Detail
		if reason == "" {
			reason = "generation failed"
		}
		_, err = s.videos.Fail(ctx, v.UUID, reason)
	case ActionFailMissingTask:
		_, err = s.videos.Fail(ctx, v.UUID, "generation task could not be recovered")
	case ActionFailTimeout:
		if !s.config.AutoFailTimeout {
			action.Detail = "auto fail on timeout disabled"
			return
		}
		_, err = s.videos.Fail(ctx, v.UUID, "generation timed out")
	default:
		return
	}

	if err != nil {
		log.Printf("[RECOVERY] Apply %s on video %s failed: %v", action.Action, v.UUID, err)
		action.ApplyError = err.Error()
		return
	}
	action.Applied = true
	log.Printf("[RECOVERY] Applied %s on video %s", action.Action, v.UUID)
}

// ForceComplete manually completes one task with operator-supplied URLs,
// through the normal completion path so credits settle exactly once.
func (s *RecoveryService) ForceComplete(ctx context.Context, videoUUID, videoURL, thumbnailURL string) (*models.Video, error) {
	video, err := s.videos.GetVideoByUUID(ctx, videoUUID)
	if err != nil {
		return nil, err
	}
	return s.videos.Complete(ctx, videoUUID, &provider.Result{
		TaskID:       video.TaskID,
		Provider:     video.Provider,
		Status:       provider.StatusCompleted,
		VideoURL:     videoURL,
		ThumbnailURL: thumbnailURL,
	})
}
