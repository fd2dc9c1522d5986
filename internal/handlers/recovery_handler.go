package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/vidspark/backend/internal/services"
)

// RecoveryHandler is the admin-gated endpoint over the stuck-task sweep.
// GET previews a dry run; POST applies a batch sweep or a manual single-task
// force-completion.
type RecoveryHandler struct {
	recovery  *services.RecoveryService
	validator *services.ValidationHelper
}

func NewRecoveryHandler(recovery *services.RecoveryService) *RecoveryHandler {
	return &RecoveryHandler{
		recovery:  recovery,
		validator: services.NewValidationHelper(),
	}
}

// Preview runs a dry-run sweep.
// @Summary Preview stuck-task recovery
// @Tags admin
// @Produce json
// @Success 200 {object} object{dry_run=bool,actions=[]services.RecoveryAction}
// @Failure 500 {object} services.ErrorResponse
// @Router /admin/recovery [get]
func (h *RecoveryHandler) Preview(w http.ResponseWriter, r *http.Request) {
	actions, err := h.recovery.Recover(r.Context(), true, 0)
	if err != nil {
		log.Printf("[RECOVERY] Preview failed: %v", err)
		services.SendErrorResponse(w, "Recovery sweep failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"dry_run": true,
		"actions": actions,
		"count":   len(actions),
	})
}

type recoverRequest struct {
	Action       string `json:"action" validate:"omitempty,oneof=recover"`
	DryRun       *bool  `json:"dryRun"`
	Limit        int    `json:"limit" validate:"omitempty,min=1,max=500"`
	VideoUUID    string `json:"videoUuid"`
	VideoURL     string `json:"videoUrl" validate:"omitempty,url"`
	ThumbnailURL string `json:"thumbnailUrl" validate:"omitempty,url"`
}

// Recover applies a batch sweep or force-completes a single task.
// @Summary Run stuck-task recovery
// @Description Batch sweep {action:"recover", dryRun, limit} or manual completion {videoUuid, videoUrl, thumbnailUrl}. Dry run is the default.
// @Tags admin
// @Accept json
// @Produce json
// @Param request body recoverRequest true "Recovery request"
// @Success 200 {object} object{actions=[]services.RecoveryAction}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/recovery [post]
func (h *RecoveryHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Manual single-task completion takes precedence over a batch sweep.
	if req.VideoUUID != "" {
		if req.VideoURL == "" {
			services.SendErrorResponse(w, "videoUrl is required for manual completion", http.StatusBadRequest, nil)
			return
		}
		video, err := h.recovery.ForceComplete(r.Context(), req.VideoUUID, req.VideoURL, req.ThumbnailURL)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				services.SendErrorResponse(w, "Video not found", http.StatusNotFound, nil)
				return
			}
			log.Printf("[RECOVERY] Manual completion of %s failed: %v", req.VideoUUID, err)
			services.SendErrorResponse(w, "Manual completion failed", http.StatusInternalServerError, nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(video)
		return
	}

	// Dry run unless explicitly opted out.
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	actions, err := h.recovery.Recover(r.Context(), dryRun, req.Limit)
	if err != nil {
		log.Printf("[RECOVERY] Sweep failed: %v", err)
		services.SendErrorResponse(w, "Recovery sweep failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"dry_run": dryRun,
		"actions": actions,
		"count":   len(actions),
	})
}
