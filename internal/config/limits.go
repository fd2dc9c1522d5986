package config

import (
	"os"
	"strconv"
	"time"
)

// GenerationConfig holds the knobs for admission control, callback
// verification, and stuck-task recovery.
type GenerationConfig struct {
	// Callback signing
	CallbackSecret  string
	CallbackBaseURL string
	CallbackMaxAge  time.Duration

	// Admission control
	AccountCooldown      time.Duration
	FreeDailyMax         int // 0 = unlimited
	ProDailyMax          int
	FreeParallelMax      int
	ProParallelMax       int
	FreeRatePerWindow    int
	ProRatePerWindow     int
	IPRatePerWindow      int
	RateLimitWindow      time.Duration

	// Recovery timeouts per non-terminal status
	PendingTimeout    time.Duration
	GeneratingTimeout time.Duration
	UploadingTimeout  time.Duration
	AutoFailTimeout   bool // apply fail_timeout when not a dry run
	RecoveryLimit     int

	// Credit expiry
	ExpiryWarningWindow time.Duration

	AdminSecret string
}

func LoadGenerationConfig() *GenerationConfig {
	return &GenerationConfig{
		CallbackSecret:  getEnv("CALLBACK_SECRET", "dev-callback-secret"),
		CallbackBaseURL: getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),
		CallbackMaxAge:  getEnvAsDuration("CALLBACK_MAX_AGE", 24*time.Hour),

		AccountCooldown:   getEnvAsDuration("ADMISSION_ACCOUNT_COOLDOWN", 30*time.Minute),
		FreeDailyMax:      getEnvAsInt("ADMISSION_FREE_DAILY_MAX", 10),
		ProDailyMax:       getEnvAsInt("ADMISSION_PRO_DAILY_MAX", 0),
		FreeParallelMax:   getEnvAsInt("ADMISSION_FREE_PARALLEL_MAX", 1),
		ProParallelMax:    getEnvAsInt("ADMISSION_PRO_PARALLEL_MAX", 3),
		FreeRatePerWindow: getEnvAsInt("ADMISSION_FREE_RATE_MAX", 6),
		ProRatePerWindow:  getEnvAsInt("ADMISSION_PRO_RATE_MAX", 20),
		IPRatePerWindow:   getEnvAsInt("ADMISSION_IP_RATE_MAX", 30),
		RateLimitWindow:   getEnvAsDuration("ADMISSION_RATE_WINDOW", 1*time.Hour),

		PendingTimeout:    getEnvAsDuration("RECOVERY_PENDING_TIMEOUT", 10*time.Minute),
		GeneratingTimeout: getEnvAsDuration("RECOVERY_GENERATING_TIMEOUT", 60*time.Minute),
		UploadingTimeout:  getEnvAsDuration("RECOVERY_UPLOADING_TIMEOUT", 15*time.Minute),
		AutoFailTimeout:   getEnvAsBool("RECOVERY_AUTO_FAIL_TIMEOUT", true),
		RecoveryLimit:     getEnvAsInt("RECOVERY_LIMIT", 50),

		ExpiryWarningWindow: getEnvAsDuration("CREDIT_EXPIRY_WARNING_WINDOW", 7*24*time.Hour),

		AdminSecret: getEnv("ADMIN_SECRET", ""),
	}
}

// StatusTimeout returns the recovery timeout for a non-terminal video status.
// Unknown statuses get the generating timeout.
func (c *GenerationConfig) StatusTimeout(status string) time.Duration {
	switch status {
	case "PENDING":
		return c.PendingTimeout
	case "UPLOADING":
		return c.UploadingTimeout
	default:
		return c.GeneratingTimeout
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
