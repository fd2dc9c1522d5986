package handlers

import (
	"context"
	"crypto/hmac"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vidspark/backend/internal/config"
	"github.com/vidspark/backend/internal/provider"
	"github.com/vidspark/backend/internal/services"
)

// CallbackHandler ingests provider webhooks: verifies signature and
// freshness, de-duplicates by event id, and funnels canonical results into
// the orchestrator's completion/failure paths.
type CallbackHandler struct {
	db        *sql.DB
	videos    *services.VideoService
	providers *provider.Registry
	config    *config.GenerationConfig
}

func NewCallbackHandler(db *sql.DB, videos *services.VideoService, providers *provider.Registry, cfg *config.GenerationConfig) *CallbackHandler {
	return &CallbackHandler{db: db, videos: videos, providers: providers, config: cfg}
}

// HandleCallback processes one provider webhook.
// @Summary Provider webhook callback
// @Description Signed callback from an AI video provider. Duplicate deliveries are absorbed.
// @Tags callbacks
// @Accept json
// @Produce json
// @Param provider path string true "Provider type"
// @Param video query string true "Video UUID"
// @Param ts query int true "Signature timestamp (millis)"
// @Param sig query string true "HMAC-SHA256 signature"
// @Success 200 {object} map[string]string
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /callbacks/{provider} [post]
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	providerType := chi.URLParam(r, "provider")
	videoUUID := r.URL.Query().Get("video")
	tsStr := r.URL.Query().Get("ts")
	sig := r.URL.Query().Get("sig")

	if videoUUID == "" || tsStr == "" || sig == "" {
		services.SendErrorResponse(w, "Missing signature parameters", http.StatusBadRequest, nil)
		return
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		services.SendErrorResponse(w, "Invalid timestamp", http.StatusBadRequest, nil)
		return
	}

	expected := services.SignCallback(h.config.CallbackSecret, videoUUID, ts)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		log.Printf("[CALLBACK] Bad signature for video %s", videoUUID)
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}
	if age := time.Since(time.UnixMilli(ts)); age > h.config.CallbackMaxAge || age < -time.Minute {
		log.Printf("[CALLBACK] Stale signature for video %s (age %v)", videoUUID, age)
		services.SendErrorResponse(w, "Signature expired", http.StatusUnauthorized, nil)
		return
	}

	gateway, err := h.providers.Get(providerType)
	if err != nil {
		services.SendErrorResponse(w, "Unknown provider", http.StatusBadRequest, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	result, err := gateway.ParseCallback(payload)
	if err != nil {
		log.Printf("[CALLBACK] Parse failed for %s callback on video %s: %v", providerType, videoUUID, err)
		services.SendErrorResponse(w, "Invalid callback payload", http.StatusBadRequest, nil)
		return
	}

	eventID := result.EventID
	if eventID == "" {
		// Providers without event ids get one derived from the terminal
		// signal itself, which still absorbs redelivery of that signal.
		eventID = result.TaskID + ":" + result.Status
	}

	fresh, err := h.recordEvent(r.Context(), providerType, eventID)
	if err != nil {
		log.Printf("[CALLBACK] Event dedupe failed for %s/%s: %v", providerType, eventID, err)
		services.SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}
	if !fresh {
		log.Printf("[CALLBACK] Duplicate event %s/%s absorbed", providerType, eventID)
		h.ok(w, "duplicate")
		return
	}

	// The uuid in the signed URL is the trusted key; the payload's task id is
	// only cross-checked against what we stored at submission.
	video, err := h.videos.GetVideoByUUID(r.Context(), videoUUID)
	if err != nil {
		log.Printf("[CALLBACK] Video %s not found for %s callback", videoUUID, providerType)
		services.SendErrorResponse(w, "Video not found", http.StatusNotFound, nil)
		return
	}
	if video.TaskID != "" && result.TaskID != "" && video.TaskID != result.TaskID {
		log.Printf("[CALLBACK] Task id mismatch for video %s: stored %s, payload %s — dropping",
			videoUUID, video.TaskID, result.TaskID)
		h.ok(w, "dropped")
		return
	}

	switch result.Status {
	case provider.StatusCompleted:
		if _, err := h.videos.Complete(r.Context(), videoUUID, result); err != nil {
			log.Printf("[CALLBACK] Complete failed for video %s: %v", videoUUID, err)
			services.SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
			return
		}
	case provider.StatusFailed:
		reason := "generation failed"
		if result.Error != nil && result.Error.Message != "" {
			reason = result.Error.Message
		}
		if _, err := h.videos.Fail(r.Context(), videoUUID, reason); err != nil {
			log.Printf("[CALLBACK] Fail failed for video %s: %v", videoUUID, err)
			services.SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
			return
		}
	default:
		// Progress updates are accepted and ignored; we wait for a terminal signal.
		log.Printf("[CALLBACK] Progress signal for video %s (%s), ignoring", videoUUID, result.Status)
	}

	h.ok(w, "processed")
}

// recordEvent inserts the (source, event_id) dedupe marker. Returns false if
// the event was already seen. ON CONFLICT DO NOTHING makes the unique
// constraint the correctness backstop under concurrent redelivery.
func (h *CallbackHandler) recordEvent(ctx context.Context, source, eventID string) (bool, error) {
	result, err := h.db.ExecContext(ctx, `
		INSERT INTO webhook_events (source, event_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source, event_id) DO NOTHING`, source, eventID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (h *CallbackHandler) ok(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
