package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vidspark/backend/internal/config"
	"github.com/vidspark/backend/internal/models"
	"github.com/vidspark/backend/internal/provider"
	"github.com/vidspark/backend/internal/storage"
)

// VideoService owns the video-generation state machine:
// PENDING -> GENERATING -> UPLOADING -> COMPLETED, FAILED reachable from every
// non-terminal state. COMPLETED and FAILED are idempotent sinks.
type VideoService struct {
	db        *sql.DB
	ledger    *CreditLedgerService
	providers *provider.Registry
	blobs     storage.BlobStore
	admission *AdmissionService
	validator *ValidationHelper
	config    *config.GenerationConfig
}

func NewVideoService(db *sql.DB, ledger *CreditLedgerService, providers *provider.Registry, blobs storage.BlobStore, admission *AdmissionService, cfg *config.GenerationConfig) *VideoService {
	return &VideoService{
		db:        db,
		ledger:    ledger,
		providers: providers,
		blobs:     blobs,
		admission: admission,
		validator: NewValidationHelper(),
		config:    cfg,
	}
}

// GenerateRequest is the submission payload.
type GenerateRequest struct {
	Prompt      string `json:"prompt" validate:"required,max=2000"`
	Model       string `json:"model" validate:"required"`
	Duration    int    `json:"duration" validate:"required,gt=0"`
	AspectRatio string `json:"aspectRatio" validate:"required"`
	Quality     string `json:"quality,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty" validate:"omitempty,url"`
}

// GenerateResult is returned to the client on submission.
type GenerateResult struct {
	VideoUUID   string `json:"videoUuid"`
	TaskID      string `json:"taskId"`
	Provider    string `json:"provider"`
	Status      string `json:"status"`
	CreditsUsed int64  `json:"creditsUsed"`
}

// Generate validates the request, creates the task row, freezes credits, and
// submits to the provider. Freeze failure marks the row FAILED; provider
// failure triggers a compensating release before marking FAILED.
func (s *VideoService) Generate(ctx context.Context, userID string, req *GenerateRequest) (*GenerateResult, error) {
	model, ok := models.VideoModels[req.Model]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", req.Model)
	}
	if !model.AllowsDuration(req.Duration) {
		return nil, fmt.Errorf("model %s does not support duration %ds", model.Name, req.Duration)
	}
	if !model.AllowsAspectRatio(req.AspectRatio) {
		return nil, fmt.Errorf("model %s does not support aspect ratio %s", model.Name, req.AspectRatio)
	}
	if req.ImageURL != "" && !model.SupportsImage {
		return nil, fmt.Errorf("model %s does not support image input", model.Name)
	}

	gateway, err := s.providers.Get(model.Provider)
	if err != nil {
		return nil, err
	}

	credits := model.Cost(req.Duration)
	videoUUID := uuid.NewString()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO videos (uuid, user_id, prompt, model, provider, status, credits_used, duration, aspect_ratio, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, $7, $8, NOW(), NOW())`,
		videoUUID, userID, req.Prompt, model.Name, model.Provider, credits, req.Duration, req.AspectRatio)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.Freeze(ctx, userID, credits, videoUUID); err != nil {
		log.Printf("[VIDEO] Freeze failed for video %s: %v", videoUUID, err)
		s.markFailed(ctx, videoUUID, translateLedgerError(err))
		return nil, err
	}

	// Provider call deliberately happens outside any open transaction.
	task, err := gateway.CreateTask(ctx, &provider.CreateTaskRequest{
		Prompt:      req.Prompt,
		Duration:    req.Duration,
		AspectRatio: req.AspectRatio,
		Quality:     req.Quality,
		ImageURL:    req.ImageURL,
		CallbackURL: s.signedCallbackURL(model.Provider, videoUUID),
	})
	if err != nil {
		log.Printf("[VIDEO] Provider submit failed for video %s: %v", videoUUID, err)
		// Compensating action: never leave credits frozen with no live task.
		if relErr := s.ledger.Release(ctx, videoUUID); relErr != nil {
			log.Printf("[VIDEO] Compensating release failed for video %s: %v", videoUUID, relErr)
		}
		s.markFailed(ctx, videoUUID, "generation failed")
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE videos SET status = 'GENERATING', task_id = $1, updated_at = NOW() WHERE uuid = $2`,
		task.TaskID, videoUUID)
	if err != nil {
		return nil, err
	}

	log.Printf("[VIDEO] Submitted video %s to %s (task %s, %d credits)",
		videoUUID, model.Provider, task.TaskID, credits)
	return &GenerateResult{
		VideoUUID:   videoUUID,
		TaskID:      task.TaskID,
		Provider:    model.Provider,
		Status:      models.VideoGenerating,
		CreditsUsed: credits,
	}, nil
}

// Complete drives a task to COMPLETED. It is the single completion path used
// by callbacks, polling, and recovery; rival calls serialize on the row lock
// and the loser observes the terminal state without re-mutating credits.
func (s *VideoService) Complete(ctx context.Context, videoUUID string, result *provider.Result) (*models.Video, error) {
	// Step 1: claim the row for upload. Short transaction, no provider I/O.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	video, err := s.lockVideo(ctx, tx, videoUUID)
	if err != nil {
		return nil, err
	}
	if video.IsTerminal() {
		log.Printf("[VIDEO] Complete on terminal video %s (%s), no-op", videoUUID, video.Status)
		return video, nil
	}
	if video.Status != models.VideoGenerating && video.Status != models.VideoUploading {
		// Stray or late signal; leave the row alone.
		log.Printf("[VIDEO] Complete on video %s in %s, ignoring", videoUUID, video.Status)
		return video, nil
	}

	if result.VideoURL == "" {
		return nil, fmt.Errorf("completion for video %s carries no video url", videoUUID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE videos SET status = 'UPLOADING', video_url = $1, updated_at = NOW() WHERE uuid = $2`,
		result.VideoURL, videoUUID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// Step 2: copy the asset. Outside any transaction; on failure the row
	// stays UPLOADING for the recovery sweep, credits stay frozen.
	stored, err := s.blobs.DownloadAndUpload(ctx, result.VideoURL, "videos/"+videoUUID+".mp4", "video/mp4")
	if err != nil {
		log.Printf("[VIDEO] Blob copy failed for video %s, left in UPLOADING: %v", videoUUID, err)
		return nil, err
	}

	// Step 3: settle and finish in one transaction.
	tx2, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx2.Rollback()

	video, err = s.lockVideo(ctx, tx2, videoUUID)
	if err != nil {
		return nil, err
	}
	if video.IsTerminal() {
		return video, nil
	}

	if err := s.ledger.SettleTx(ctx, tx2, videoUUID); err != nil {
		return nil, err
	}

	_, err = tx2.ExecContext(ctx, `
		UPDATE videos
		SET status = 'COMPLETED', video_url = $1, thumbnail_url = $2, updated_at = NOW(), completed_at = NOW()
		WHERE uuid = $3`,
		stored.URL, result.ThumbnailURL, videoUUID)
	if err != nil {
		return nil, err
	}
	if err := tx2.Commit(); err != nil {
		return nil, err
	}

	video.Status = models.VideoCompleted
	video.VideoURL = stored.URL
	video.ThumbnailURL = result.ThumbnailURL
	log.Printf("[VIDEO] Completed video %s -> %s", videoUUID, stored.URL)
	return video, nil
}

// Fail drives a task to FAILED, releasing its hold in the same transaction.
// Idempotent on terminal rows.
func (s *VideoService) Fail(ctx context.Context, videoUUID, reason string) (*models.Video, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	video, err := s.lockVideo(ctx, tx, videoUUID)
	if err != nil {
		return nil, err
	}
	if video.IsTerminal() {
		log.Printf("[VIDEO] Fail on terminal video %s (%s), no-op", videoUUID, video.Status)
		return video, nil
	}

	if err := s.ledger.ReleaseTx(ctx, tx, videoUUID); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE videos SET status = 'FAILED', error_message = $1, updated_at = NOW() WHERE uuid = $2`,
		reason, videoUUID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	video.Status = models.VideoFailed
	video.ErrorMessage = reason
	log.Printf("[VIDEO] Failed video %s: %s", videoUUID, reason)
	return video, nil
}

// RefreshStatus is the client polling path: terminal rows return stored
// state, anything else re-queries the provider and funnels a terminal result
// through Complete/Fail so polling and webhooks race safely.
func (s *VideoService) RefreshStatus(ctx context.Context, videoUUID, userID string) (*models.Video, error) {
	video, err := s.GetVideo(ctx, videoUUID, userID)
	if err != nil {
		return nil, err
	}
	if video.IsTerminal() {
		return video, nil
	}
	if video.TaskID == "" || video.Provider == "" {
		return video, nil
	}

	gateway, err := s.providers.Get(video.Provider)
	if err != nil {
		return video, nil
	}

	result, err := gateway.GetTaskStatus(ctx, video.TaskID)
	if err != nil {
		log.Printf("[VIDEO] Status query failed for video %s: %v", videoUUID, err)
		return video, nil
	}

	switch result.Status {
	case provider.StatusCompleted:
		return s.Complete(ctx, videoUUID, result)
	case provider.StatusFailed:
		reason := "generation failed"
		if result.Error != nil && result.Error.Message != "" {
			reason = result.Error.Message
		}
		return s.Fail(ctx, videoUUID, reason)
	default:
		return video, nil
	}
}

// GetVideo fetches one non-deleted video scoped to its owner.
func (s *VideoService) GetVideo(ctx context.Context, videoUUID, userID string) (*models.Video, error) {
	return s.fetchVideo(ctx, `WHERE uuid = $1 AND user_id = $2 AND deleted = false`, videoUUID, userID)
}

// GetVideoByUUID fetches one video regardless of owner. Used by the callback
// and recovery paths.
func (s *VideoService) GetVideoByUUID(ctx context.Context, videoUUID string) (*models.Video, error) {
	return s.fetchVideo(ctx, `WHERE uuid = $1`, videoUUID)
}

func (s *VideoService) fetchVideo(ctx context.Context, where string, args ...any) (*models.Video, error) {
	var v models.Video
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, user_id, prompt, model, provider, COALESCE(task_id, ''), status,
		       credits_used, duration, aspect_ratio, COALESCE(video_url, ''),
		       COALESCE(thumbnail_url, ''), COALESCE(error_message, ''),
		       deleted, created_at, updated_at, completed_at
		FROM videos `+where, args...).
		Scan(&v.ID, &v.UUID, &v.UserID, &v.Prompt, &v.Model, &v.Provider, &v.TaskID, &v.Status,
			&v.CreditsUsed, &v.Duration, &v.AspectRatio, &v.VideoURL,
			&v.ThumbnailURL, &v.ErrorMessage, &v.Deleted, &v.CreatedAt, &v.UpdatedAt, &v.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *VideoService) lockVideo(ctx context.Context, tx *sql.Tx, videoUUID string) (*models.Video, error) {
	var v models.Video
	err := tx.QueryRowContext(ctx, `
		SELECT id, uuid, user_id, status, COALESCE(task_id, ''), provider,
		       credits_used, COALESCE(video_url, ''), COALESCE(thumbnail_url, ''), COALESCE(error_message, '')
		FROM videos
		WHERE uuid = $1
		FOR UPDATE`, videoUUID).
		Scan(&v.ID, &v.UUID, &v.UserID, &v.Status, &v.TaskID, &v.Provider,
			&v.CreditsUsed, &v.VideoURL, &v.ThumbnailURL, &v.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video %s: %w", videoUUID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// markFailed is the best-effort failure note used before any hold exists or
// after it was already compensated.
func (s *VideoService) markFailed(ctx context.Context, videoUUID, reason string) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE videos SET status = 'FAILED', error_message = $1, updated_at = NOW()
		WHERE uuid = $2 AND status NOT IN ('COMPLETED', 'FAILED')`, reason, videoUUID)
	if err != nil {
		log.Printf("[VIDEO] Failed to mark video %s failed: %v", videoUUID, err)
	}
}

// signedCallbackURL builds the provider callback URL, signed with
// HMAC-SHA256(secret, uuid + ":" + timestampMillis).
func (s *VideoService) signedCallbackURL(providerName, videoUUID string) string {
	ts := time.Now().UnixMilli()
	return fmt.Sprintf("%s/api/v1/callbacks/%s?video=%s&ts=%d&sig=%s",
		s.config.CallbackBaseURL, providerName, videoUUID, ts,
		SignCallback(s.config.CallbackSecret, videoUUID, ts))
}

// SignCallback computes the callback signature for a video uuid and timestamp.
func SignCallback(secret, videoUUID string, tsMillis int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%s:%d", videoUUID, tsMillis)
	return hex.EncodeToString(h.Sum(nil))
}

// translateLedgerError maps internal ledger error kinds to the user-facing
// message stored on the video row.
func translateLedgerError(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient credits"
	case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrInvalidHoldState):
		return "generation failed"
	default:
		return "generation failed"
	}
}

// GenerateVideo handles video submission.
// @Summary Submit a video generation task
// @Description Validate, gate through admission control, freeze credits, and submit to the provider
// @Tags videos
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body GenerateRequest true "Generation request"
// @Success 201 {object} GenerateResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Failure 429 {object} services.AdmissionError
// @Failure 500 {object} services.ErrorResponse
// @Router /videos [post]
func (s *VideoService) GenerateVideo(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req GenerateRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.admission.CheckAdmission(r.Context(), userID, clientIP(r)); err != nil {
		var admErr *AdmissionError
		if errors.As(err, &admErr) {
			sendAdmissionRejection(w, admErr)
			return
		}
		log.Printf("[VIDEO] Admission check error for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
		return
	}

	result, err := s.Generate(r.Context(), userID, &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientCredits):
			SendErrorResponse(w, "Insufficient credits", http.StatusPaymentRequired, nil)
		case errors.Is(err, ErrProviderFailure):
			SendErrorResponse(w, "Generation failed, credits were not charged", http.StatusBadGateway, nil)
		default:
			SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// GetVideoHandler returns one of the user's videos.
// @Summary Get a video task
// @Tags videos
// @Produce json
// @Security BearerAuth
// @Param uuid path string true "Video UUID"
// @Success 200 {object} models.Video
// @Failure 404 {object} services.ErrorResponse
// @Router /videos/{uuid} [get]
func (s *VideoService) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	video, err := s.GetVideo(r.Context(), chi.URLParam(r, "uuid"), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			SendErrorResponse(w, "Video not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch video", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(video)
}

// RefreshVideoHandler actively re-queries the provider for a pending task.
// @Summary Refresh a video task's status
// @Tags videos
// @Produce json
// @Security BearerAuth
// @Param uuid path string true "Video UUID"
// @Success 200 {object} models.Video
// @Failure 404 {object} services.ErrorResponse
// @Router /videos/{uuid}/refresh [post]
func (s *VideoService) RefreshVideoHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	video, err := s.RefreshStatus(r.Context(), chi.URLParam(r, "uuid"), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			SendErrorResponse(w, "Video not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[VIDEO] Refresh failed: %v", err)
			SendErrorResponse(w, "Failed to refresh video", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(video)
}

// ListVideosHandler lists the user's non-deleted videos, newest first.
// @Summary List video tasks
// @Tags videos
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{videos=[]models.Video,count=int}
// @Router /videos [get]
func (s *VideoService) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, uuid, user_id, prompt, model, provider, COALESCE(task_id, ''), status,
		       credits_used, duration, aspect_ratio, COALESCE(video_url, ''),
		       COALESCE(thumbnail_url, ''), COALESCE(error_message, ''),
		       deleted, created_at, updated_at, completed_at
		FROM videos
		WHERE user_id = $1 AND deleted = false
		ORDER BY created_at DESC
		LIMIT 50`, userID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch videos", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	videos := []models.Video{}
	for rows.Next() {
		var v models.Video
		if err := rows.Scan(&v.ID, &v.UUID, &v.UserID, &v.Prompt, &v.Model, &v.Provider, &v.TaskID, &v.Status,
			&v.CreditsUsed, &v.Duration, &v.AspectRatio, &v.VideoURL,
			&v.ThumbnailURL, &v.ErrorMessage, &v.Deleted, &v.CreatedAt, &v.UpdatedAt, &v.CompletedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch videos", http.StatusInternalServerError, nil)
			return
		}
		videos = append(videos, v)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"videos": videos,
		"count":  len(videos),
	})
}

// DeleteVideoHandler soft-deletes a video. The row and its ledger history stay.
// @Summary Delete a video task
// @Tags videos
// @Security BearerAuth
// @Param uuid path string true "Video UUID"
// @Success 204
// @Failure 404 {object} services.ErrorResponse
// @Router /videos/{uuid} [delete]
func (s *VideoService) DeleteVideoHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	result, err := s.db.ExecContext(r.Context(), `
		UPDATE videos SET deleted = true, updated_at = NOW()
		WHERE uuid = $1 AND user_id = $2 AND deleted = false`,
		chi.URLParam(r, "uuid"), userID)
	if err != nil {
		SendErrorResponse(w, "Failed to delete video", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Video not found", http.StatusNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
