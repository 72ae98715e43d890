// Package profileconfig loads the enumerated configuration options of the
// profile-memory engine from the environment, with .env support matching
// the reference's load_dotenv() usage.
package profileconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully-resolved set of options in §6.
type Config struct {
	MaxCacheSize            int
	UpdateInterval          time.Duration
	MessageLimit            int
	TimeLimit               time.Duration
	ConsolidationThreshold  int
	HistoryBatchSize        int
	MaxConcurrentTxns       int

	StorageBackend string // postgres|mongo|qdrant|memory
	StorageHost     string
	StoragePort     string
	StorageUser     string
	StoragePassword string
	StorageDatabase string

	EmbedderProvider string // openai|vertex|ollama|fastembed|dummy
	EmbedderModel    string

	LanguageModelProvider string // anthropic|openai|gemini|ollama|dummy
	LanguageModelModel    string

	PromptModule string // selects an opaque prompt bundle
}

// Load reads configuration from the process environment, first merging in
// any .env file found in the working directory (a missing .env is not an
// error). Typed defaults match the documented values in §6.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		MaxCacheSize:           envInt("MAX_CACHE_SIZE", 1000),
		UpdateInterval:         envSeconds("UPDATE_INTERVAL_SEC", 2),
		MessageLimit:           envInt("MESSAGE_LIMIT", 5),
		TimeLimit:              envSeconds("TIME_LIMIT_SEC", 120),
		ConsolidationThreshold: envInt("CONSOLIDATION_THRESHOLD", 5),
		HistoryBatchSize:       envInt("HISTORY_BATCH_SIZE", 100),
		MaxConcurrentTxns:      envInt("POOL_MAX_CONCURRENT_TRANSACTIONS", 100),

		StorageBackend:  envStr("STORAGE_BACKEND", "memory"),
		StorageHost:     envStr("STORAGE_HOST", "localhost"),
		StoragePort:     envStr("STORAGE_PORT", "5432"),
		StorageUser:     envStr("STORAGE_USER", ""),
		StoragePassword: envStr("STORAGE_PASSWORD", ""),
		StorageDatabase: envStr("STORAGE_DATABASE", "profilememory"),

		EmbedderProvider: envStr("EMBEDDER_PROVIDER", "dummy"),
		EmbedderModel:    envStr("EMBEDDER_MODEL", ""),

		LanguageModelProvider: envStr("LANGUAGE_MODEL_PROVIDER", "dummy"),
		LanguageModelModel:    envStr("LANGUAGE_MODEL_MODEL", ""),

		PromptModule: envStr("PROMPT_MODULE", "general"),
	}

	if cfg.MaxCacheSize <= 0 {
		return nil, fmt.Errorf("profileconfig: MAX_CACHE_SIZE must be > 0, got %d", cfg.MaxCacheSize)
	}
	if cfg.MessageLimit <= 0 {
		return nil, fmt.Errorf("profileconfig: MESSAGE_LIMIT must be > 0, got %d", cfg.MessageLimit)
	}
	if cfg.ConsolidationThreshold < 2 {
		return nil, fmt.Errorf("profileconfig: CONSOLIDATION_THRESHOLD must be >= 2, got %d", cfg.ConsolidationThreshold)
	}
	if cfg.HistoryBatchSize <= 0 {
		return nil, fmt.Errorf("profileconfig: HISTORY_BATCH_SIZE must be > 0, got %d", cfg.HistoryBatchSize)
	}
	if cfg.MaxConcurrentTxns <= 0 {
		return nil, fmt.Errorf("profileconfig: POOL_MAX_CONCURRENT_TRANSACTIONS must be > 0, got %d", cfg.MaxConcurrentTxns)
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, defSeconds float64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defSeconds * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Duration(defSeconds * float64(time.Second))
	}
	return time.Duration(f * float64(time.Second))
}
