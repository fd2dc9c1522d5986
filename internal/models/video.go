package models

import (
	"time"
)

// Video statuses. COMPLETED and FAILED are terminal.
const (
	VideoPending    = "PENDING"
	VideoGenerating = "GENERATING"
	VideoUploading  = "UPLOADING"
	VideoCompleted  = "COMPLETED"
	VideoFailed     = "FAILED"
)

// Video is a generation task. Owned exclusively by the video service; the
// ledger only ever sees the uuid as an opaque key.
type Video struct {
	ID           int64      `json:"id" db:"id"`
	UUID         string     `json:"uuid" db:"uuid"`
	UserID       string     `json:"user_id" db:"user_id"`
	Prompt       string     `json:"prompt" db:"prompt"`
	Model        string     `json:"model" db:"model"`
	Provider     string     `json:"provider" db:"provider"`
	TaskID       string     `json:"task_id,omitempty" db:"task_id"` // empty until the provider accepts
	Status       string     `json:"status" db:"status"`
	CreditsUsed  int64      `json:"credits_used" db:"credits_used"`
	Duration     int        `json:"duration" db:"duration"`
	AspectRatio  string     `json:"aspect_ratio" db:"aspect_ratio"`
	VideoURL     string     `json:"video_url,omitempty" db:"video_url"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty" db:"thumbnail_url"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	Deleted      bool       `json:"-" db:"deleted"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal reports whether the video reached a terminal status.
func (v *Video) IsTerminal() bool {
	return v.Status == VideoCompleted || v.Status == VideoFailed
}

// WebhookEvent is an insert-only dedupe marker. Existence of a (source,
// event_id) row means the event has been, or is being, processed.
type WebhookEvent struct {
	Source    string    `json:"source" db:"source"`
	EventID   string    `json:"event_id" db:"event_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VideoModel describes one generation model: what it accepts and what it costs.
type VideoModel struct {
	Name          string
	Provider      string
	Durations     []int    // allowed clip lengths in seconds
	AspectRatios  []string // allowed aspect ratios
	SupportsImage bool     // image-to-video input
	BaseCredits   int64    // credits per 5s tier
}

// Cost computes the credit cost for a clip of the given duration. Cost scales
// by 5-second tiers, rounding up.
func (m *VideoModel) Cost(duration int) int64 {
	tiers := int64((duration + 4) / 5)
	if tiers < 1 {
		tiers = 1
	}
	return m.BaseCredits * tiers
}

// AllowsDuration reports whether the model accepts the given clip length.
func (m *VideoModel) AllowsDuration(d int) bool {
	for _, allowed := range m.Durations {
		if d == allowed {
			return true
		}
	}
	return false
}

// AllowsAspectRatio reports whether the model accepts the given aspect ratio.
func (m *VideoModel) AllowsAspectRatio(ar string) bool {
	for _, allowed := range m.AspectRatios {
		if ar == allowed {
			return true
		}
	}
	return false
}

// VideoModels is the generation model catalog, keyed by model name.
var VideoModels = map[string]*VideoModel{
	"evolink-v1": {
		Name:          "evolink-v1",
		Provider:      "evolink",
		Durations:     []int{5, 10},
		AspectRatios:  []string{"16:9", "9:16", "1:1"},
		SupportsImage: true,
		BaseCredits:   40,
	},
	"evolink-v1-fast": {
		Name:          "evolink-v1-fast",
		Provider:      "evolink",
		Durations:     []int{5, 10},
		AspectRatios:  []string{"16:9", "9:16", "1:1"},
		SupportsImage: false,
		BaseCredits:   20,
	},
	"kie-standard": {
		Name:          "kie-standard",
		Provider:      "kie",
		Durations:     []int{5, 8, 10},
		AspectRatios:  []string{"16:9", "9:16"},
		SupportsImage: true,
		BaseCredits:   30,
	},
}
