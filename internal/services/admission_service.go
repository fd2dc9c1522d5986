package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vidspark/backend/internal/config"
)

// Plan names. Plans differentiate daily, parallel, and rate thresholds.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// AdmissionService is the pre-submission policy gate: account-age cooldown,
// daily cap, parallel-task cap, and fixed-window rate limits. All checks are
// advisory; no state is created before they pass, and the counters are not a
// correctness mechanism for the ledger.
type AdmissionService struct {
	db     *sql.DB
	redis  *redis.Client
	config *config.GenerationConfig
}

func NewAdmissionService(db *sql.DB, redisClient *redis.Client, cfg *config.GenerationConfig) *AdmissionService {
	return &AdmissionService{db: db, redis: redisClient, config: cfg}
}

// CheckAdmission runs every gate in order and returns the first rejection as
// an *AdmissionError. On success it increments the rate counters.
func (s *AdmissionService) CheckAdmission(ctx context.Context, userID, ip string) error {
	plan, createdAt, err := s.userPlan(ctx, userID)
	if err != nil {
		return err
	}

	if rej := s.checkCooldown(createdAt); rej != nil {
		log.Printf("[ADMISSION] Cooldown rejection for user %s", userID)
		return rej
	}
	if rej, err := s.checkDailyCap(ctx, userID, plan); err != nil {
		return err
	} else if rej != nil {
		log.Printf("[ADMISSION] Daily cap rejection for user %s", userID)
		return rej
	}
	if rej, err := s.checkParallelCap(ctx, userID, plan); err != nil {
		return err
	} else if rej != nil {
		log.Printf("[ADMISSION] Parallel cap rejection for user %s", userID)
		return rej
	}
	if rej, err := s.checkRateLimits(ctx, userID, ip, plan); err != nil {
		return err
	} else if rej != nil {
		log.Printf("[ADMISSION] Rate limit rejection for user %s ip %s", userID, ip)
		return rej
	}

	s.incrementRateCounters(ctx, userID, ip)
	return nil
}

func (s *AdmissionService) userPlan(ctx context.Context, userID string) (string, time.Time, error) {
	var plan string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(plan, 'free'), created_at FROM users WHERE id = $1`, userID).
		Scan(&plan, &createdAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return plan, createdAt, nil
}

func (s *AdmissionService) checkCooldown(createdAt time.Time) *AdmissionError {
	age := time.Since(createdAt)
	if age >= s.config.AccountCooldown {
		return nil
	}
	wait := s.config.AccountCooldown - age
	return &AdmissionError{
		Reason:     ReasonCooldown,
		Message:    "account too new to submit generation tasks",
		RetryAfter: wait,
		ResetAt:    createdAt.Add(s.config.AccountCooldown),
	}
}

func (s *AdmissionService) checkDailyCap(ctx context.Context, userID, plan string) (*AdmissionError, error) {
	max := s.config.FreeDailyMax
	if plan == PlanPro {
		max = s.config.ProDailyMax
	}
	if max == 0 { // unlimited
		return nil, nil
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM videos
		WHERE user_id = $1 AND deleted = false AND created_at > NOW() - INTERVAL '24 hours'`, userID).
		Scan(&count)
	if err != nil {
		return nil, err
	}
	if count < max {
		return nil, nil
	}
	return &AdmissionError{
		Reason:     ReasonDailyLimit,
		Message:    fmt.Sprintf("daily limit of %d videos reached", max),
		RetryAfter: 24 * time.Hour,
		Remaining:  0,
		ResetAt:    time.Now().Add(24 * time.Hour),
	}, nil
}

func (s *AdmissionService) checkParallelCap(ctx context.Context, userID, plan string) (*AdmissionError, error) {
	max := s.config.FreeParallelMax
	if plan == PlanPro {
		max = s.config.ProParallelMax
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM videos
		WHERE user_id = $1 AND deleted = false
		  AND status IN ('PENDING', 'GENERATING', 'UPLOADING')`, userID).
		Scan(&count)
	if err != nil {
		return nil, err
	}
	if count < max {
		return nil, nil
	}
	return &AdmissionError{
		Reason:    ReasonParallelLimit,
		Message:   fmt.Sprintf("at most %d tasks may run at once", max),
		Remaining: 0,
		ResetAt:   time.Now().Add(time.Minute),
	}, nil
}

// checkRateLimits applies two independent fixed-window gates: user+ip with a
// plan-differentiated threshold, and ip alone.
func (s *AdmissionService) checkRateLimits(ctx context.Context, userID, ip, plan string) (*AdmissionError, error) {
	if s.redis == nil {
		return nil, nil
	}

	userMax := s.config.FreeRatePerWindow
	if plan == PlanPro {
		userMax = s.config.ProRatePerWindow
	}

	if rej, err := s.checkWindow(ctx, s.userRateKey(userID, ip), userMax); rej != nil || err != nil {
		return rej, err
	}
	return s.checkWindow(ctx, s.ipRateKey(ip), s.config.IPRatePerWindow)
}

func (s *AdmissionService) checkWindow(ctx context.Context, key string, max int) (*AdmissionError, error) {
	count, err := s.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if count < max {
		return nil, nil
	}

	ttl, err := s.redis.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = s.config.RateLimitWindow
	}
	return &AdmissionError{
		Reason:     ReasonRateLimit,
		Message:    "too many submissions, slow down",
		RetryAfter: ttl,
		Remaining:  0,
		ResetAt:    time.Now().Add(ttl),
	}, nil
}

func (s *AdmissionService) incrementRateCounters(ctx context.Context, userID, ip string) {
	if s.redis == nil {
		return
	}
	pipe := s.redis.Pipeline()
	for _, key := range []string{s.userRateKey(userID, ip), s.ipRateKey(ip)} {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.config.RateLimitWindow)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ADMISSION] Rate counter increment failed: %v", err)
	}
}

func (s *AdmissionService) userRateKey(userID, ip string) string {
	return fmt.Sprintf("gen:ratelimit:user:%s:%s", userID, ip)
}

func (s *AdmissionService) ipRateKey(ip string) string {
	return fmt.Sprintf("gen:ratelimit:ip:%s", ip)
}

// sendAdmissionRejection writes the structured 429 with backoff metadata.
func sendAdmissionRejection(w http.ResponseWriter, rej *AdmissionError) {
	w.Header().Set("Content-Type", "application/json")
	if rej.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(rej.RetryAfter.Seconds())))
	}
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"reason":      rej.Reason,
		"message":     rej.Message,
		"retry_after": int(rej.RetryAfter.Seconds()),
		"remaining":   rej.Remaining,
		"reset_at":    rej.ResetAt,
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
