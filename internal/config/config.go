// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the invoice processing server.
// Defaults are suitable for local development with emulation enabled;
// production deployments set explicit values.
type Config struct {
	Server    ServerConfig
	Limits    LimitsConfig
	GCP       GCPConfig
	Tasks     TasksConfig
	LLM       LLMConfig
	OCR       OCRConfig
	Sanitize  SanitizeConfig
	RateLimit RateLimitConfig
	Retention RetentionConfig
	Lifecycle LifecycleConfig
}

type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

type LimitsConfig struct {
	MaxFiles     int
	MaxSizeMB    int
	MaxPages     int
	AcceptedMime []string
}

type GCPConfig struct {
	Project             string
	Region              string
	Bucket              string
	FirestoreDatabaseID string
}

type TasksConfig struct {
	Queue               string
	TargetURL           string
	ServiceAccountEmail string
	Emulate             bool
}

type LLMConfig struct {
	GeminiModel     string
	AnthropicAPIKey string
	AnthropicModel  string
	PromptVersion   string
	CallTimeout     time.Duration
	MaxRetries      int
}

type OCRConfig struct {
	SyncMaxPages int
	LangHints    []string
	StageTimeout time.Duration
}

type SanitizeConfig struct {
	MaxChars    int
	StripTop    int
	StripBottom int
}

type RateLimitConfig struct {
	Enabled          bool
	JobsPerMinute    int
	FilesPerMinute   int
	RetriesPerMinute int
	DailyPerSession  int
	DailyGlobal      int
	UseIPBackstop    bool
	IPPerMinute      int
}

type RetentionConfig struct {
	Hours        int
	LoopEnable   bool
	LoopInterval time.Duration
	BatchSize    int
}

type LifecycleConfig struct {
	HeartbeatInterval time.Duration
	LockStale         time.Duration
	AttemptBudget     time.Duration
	ManualRetryCap    int
}

// Load reads configuration from the environment, failing fast on invalid
// values. A .env file in the working directory is honored but never
// overrides variables already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:        getInt("PORT", 8080),
			CORSOrigins: getList("CORS_ORIGINS", "*"),
		},
		Limits: LimitsConfig{
			MaxFiles:     getInt("MAX_FILES", 10),
			MaxSizeMB:    getInt("MAX_SIZE_MB", 10),
			MaxPages:     getInt("MAX_PAGES", 20),
			AcceptedMime: []string{"application/pdf"},
		},
		GCP: GCPConfig{
			Project:             getEnv("GCP_PROJECT", os.Getenv("GOOGLE_CLOUD_PROJECT")),
			Region:              getEnv("REGION", "europe-west4"),
			Bucket:              getEnv("GCS_BUCKET", "invoice_processing_storage"),
			FirestoreDatabaseID: getEnv("FIRESTORE_DATABASE_ID", ""),
		},
		Tasks: TasksConfig{
			Queue:               getEnv("TASKS_QUEUE", "invoice-process-queue"),
			TargetURL:           getEnv("TASKS_TARGET_URL", ""),
			ServiceAccountEmail: getEnv("TASKS_SERVICE_ACCOUNT_EMAIL", ""),
			Emulate:             getBool("TASKS_EMULATE", true),
		},
		LLM: LLMConfig{
			GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
			PromptVersion:   getEnv("LLM_PROMPT_VERSION", "v1"),
			CallTimeout:     getDuration("LLM_CALL_TIMEOUT", 60*time.Second),
			MaxRetries:      getInt("LLM_MAX_RETRIES", 2),
		},
		OCR: OCRConfig{
			SyncMaxPages: getInt("OCR_SYNC_MAX_PAGES", 2),
			LangHints:    getList("OCR_LANG_HINTS", "en,nl"),
			StageTimeout: getDuration("OCR_STAGE_TIMEOUT", 5*time.Minute),
		},
		Sanitize: SanitizeConfig{
			MaxChars:    getInt("PREPROCESS_MAX_CHARS", 12000),
			StripTop:    getInt("ZONE_STRIP_TOP", 0),
			StripBottom: getInt("ZONE_STRIP_BOTTOM", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:          getBool("RL_ENABLED", true),
			JobsPerMinute:    getInt("RL_JOBS_PER_MIN", 30),
			FilesPerMinute:   getInt("RL_FILES_PER_MIN", 60),
			RetriesPerMinute: getInt("RL_RETRIES_PER_MIN", 10),
			DailyPerSession:  getInt("RL_DAILY_PER_SESSION", 50),
			DailyGlobal:      getInt("RL_DAILY_GLOBAL", 1000),
			UseIPBackstop:    getBool("RL_USE_IP_BACKSTOP", false),
			IPPerMinute:      getInt("RL_IP_PER_MIN", 120),
		},
		Retention: RetentionConfig{
			Hours:        getInt("RETENTION_HOURS", 24),
			LoopEnable:   getBool("RETENTION_LOOP_ENABLE", true),
			LoopInterval: time.Duration(getInt("RETENTION_LOOP_INTERVAL_MIN", 60)) * time.Minute,
			BatchSize:    getInt("RETENTION_BATCH_SIZE", 200),
		},
		Lifecycle: LifecycleConfig{
			HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			LockStale:         getDuration("LOCK_STALE", 10*time.Minute),
			AttemptBudget:     getDuration("ATTEMPT_BUDGET", 900*time.Second),
			ManualRetryCap:    getInt("MANUAL_RETRY_CAP", 3),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Limits.MaxFiles <= 0 || c.Limits.MaxSizeMB <= 0 || c.Limits.MaxPages <= 0 {
		return fmt.Errorf("MAX_FILES, MAX_SIZE_MB and MAX_PAGES must be positive")
	}
	if c.GCP.Bucket == "" {
		return fmt.Errorf("GCS_BUCKET must be set")
	}
	if !c.Tasks.Emulate {
		if c.GCP.Project == "" {
			return fmt.Errorf("GCP_PROJECT must be set when task emulation is disabled")
		}
		if c.Tasks.TargetURL == "" || c.Tasks.ServiceAccountEmail == "" {
			return fmt.Errorf("TASKS_TARGET_URL and TASKS_SERVICE_ACCOUNT_EMAIL must be set when task emulation is disabled")
		}
	}
	if c.Lifecycle.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	return nil
}

// StaleThreshold is the lock liveness cutoff: the configured stale duration or
// three heartbeat intervals, whichever is larger.
func (c *Config) StaleThreshold() time.Duration {
	if h := 3 * c.Lifecycle.HeartbeatInterval; h > c.Lifecycle.LockStale {
		return h
	}
	return c.Lifecycle.LockStale
}

// MaxSizeBytes returns the per-file size limit in bytes.
func (c *Config) MaxSizeBytes() int64 {
	return int64(c.Limits.MaxSizeMB) * 1024 * 1024
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
