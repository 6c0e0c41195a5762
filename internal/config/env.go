package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom log forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// PoolConfig describes one credential pool: the keys themselves plus
// the window limit and cooldown applied to each key.
type PoolConfig struct {
	Keys            []string
	PerKeyLimit     int
	WindowSeconds   int
	CooldownSeconds int
	Concurrency     int
}

// PoolsConfig holds one pool per job class. Pools never share keys.
type PoolsConfig struct {
	Extract  PoolConfig
	Format   PoolConfig
	Fallback PoolConfig
}

// WorkerConfig defines executor retry/backoff behavior.
type WorkerConfig struct {
	Concurrency        int
	ExtractMaxRetries  int
	FormatMaxRetries   int
	BaseDelay          time.Duration
	CallBackoffCap     time.Duration
	ExhaustBackoffCap  time.Duration
	SlotAcquireTimeout time.Duration
	PagePacingMin      time.Duration
	PagePacingMax      time.Duration
}

// GeminiConfig defines the completion service endpoint and model.
type GeminiConfig struct {
	Model          string
	Endpoint       string
	RequestTimeout time.Duration
}

// QueueConfig defines queue connectivity and stream names per class.
type QueueConfig struct {
	RedisURL       string
	ExtractStream  string
	FormatStream   string
	FallbackStream string
	Group          string
	IdemTTL        time.Duration
}

// ArchiveConfig defines optional S3 archival of finished results.
type ArchiveConfig struct {
	Enabled  bool
	Bucket   string
	Prefix   string
	Region   string
	Password string
}

// HTTPConfig defines the API server.
type HTTPConfig struct {
	Port           string
	MaxUploadMB    int
	PushTimeout    time.Duration
	RunWorker      bool
	RunAPI         bool
	MaxUploadPages int
}

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig
	Axiom   AxiomConfig
	Pools   PoolsConfig
	Worker  WorkerConfig
	Gemini  GeminiConfig
	Queue   QueueConfig
	Archive ArchiveConfig
	HTTP    HTTPConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/docdispatch.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_docdispatch",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	perKeyLimit := parseInt(getEnv("PER_KEY_LIMIT", "60"), 60)
	windowSeconds := parseInt(getEnv("WINDOW_SECONDS", "60"), 60)
	cooldownSeconds := parseInt(getEnv("COOLDOWN_SECONDS", "90"), 90)
	concurrency := parseInt(getEnv("CONCURRENCY_LIMIT", "3"), 3)

	pool := func(keys []string) PoolConfig {
		return PoolConfig{
			Keys:            keys,
			PerKeyLimit:     perKeyLimit,
			WindowSeconds:   windowSeconds,
			CooldownSeconds: cooldownSeconds,
			Concurrency:     concurrency,
		}
	}
	cfg.Pools = PoolsConfig{
		Extract:  pool(envKeys("GEMINI_API_KEY_1", "GEMINI_API_KEY_2", "GEMINI_API_KEY_3", "GEMINI_API_KEY_4")),
		Format:   pool(envKeys("GEMINI_API_KEY_5", "GEMINI_API_KEY_6")),
		Fallback: pool(envKeys("GEMINI_API_KEY_7")),
	}

	cfg.Worker = WorkerConfig{
		Concurrency:        parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
		ExtractMaxRetries:  parseInt(getEnv("EXTRACT_MAX_RETRIES", "6"), 6),
		FormatMaxRetries:   parseInt(getEnv("FORMAT_MAX_RETRIES", "4"), 4),
		BaseDelay:          parseDuration(getEnv("RETRY_BASE_DELAY", "1s"), time.Second),
		CallBackoffCap:     parseDuration(getEnv("CALL_BACKOFF_CAP", "30s"), 30*time.Second),
		ExhaustBackoffCap:  parseDuration(getEnv("EXHAUST_BACKOFF_CAP", "10s"), 10*time.Second),
		SlotAcquireTimeout: parseDuration(getEnv("SLOT_ACQUIRE_TIMEOUT", "10s"), 10*time.Second),
		PagePacingMin:      parseDuration(getEnv("PAGE_PACING_MIN", "800ms"), 800*time.Millisecond),
		PagePacingMax:      parseDuration(getEnv("PAGE_PACING_MAX", "1500ms"), 1500*time.Millisecond),
	}

	cfg.Gemini = GeminiConfig{
		Model:          getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		Endpoint:       getEnv("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
		RequestTimeout: parseDuration(getEnv("GEMINI_TIMEOUT", "120s"), 120*time.Second),
	}

	cfg.Queue = QueueConfig{
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379"),
		ExtractStream:  getEnv("EXTRACT_STREAM", "jobs:extract"),
		FormatStream:   getEnv("FORMAT_STREAM", "jobs:format"),
		FallbackStream: getEnv("FALLBACK_STREAM", "jobs:fallback"),
		Group:          getEnv("QUEUE_GROUP", "workers"),
		IdemTTL:        parseDuration(getEnv("IDEM_TTL", "1h"), time.Hour),
	}

	cfg.Archive = ArchiveConfig{
		Enabled:  parseBool(getEnv("ARCHIVE_RESULTS", "0")),
		Bucket:   getEnv("ARCHIVE_S3_BUCKET", ""),
		Prefix:   getEnv("ARCHIVE_S3_PREFIX", "results"),
		Region:   getEnv("AWS_REGION", "us-east-1"),
		Password: getEnv("ARCHIVE_PASSWORD", ""),
	}

	cfg.HTTP = HTTPConfig{
		Port:           getEnv("PORT", "8080"),
		MaxUploadMB:    parseInt(getEnv("MAX_UPLOAD_MB", "64"), 64),
		PushTimeout:    parseDuration(getEnv("WS_PUSH_TIMEOUT", "5s"), 5*time.Second),
		RunWorker:      parseBool(getEnv("RUN_WORKER", "1")),
		RunAPI:         parseBool(getEnv("RUN_API", "1")),
		MaxUploadPages: parseInt(getEnv("MAX_UPLOAD_PAGES", "200"), 200),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envKeys(names ...string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
