package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultContextBudgetTokens      = 2048
	DefaultSummarizeThresholdTokens = 8192
	DefaultScanDepth                = 2
	DefaultVectorThreshold          = 0.75
	DefaultMaxVectorResults         = 5
	DefaultSimilarityTimeoutSeconds = 5
	DefaultKeywordWeight            = 0.1
	DefaultSimilarityWeight         = 1.0
	DefaultImportanceWeight         = 0.05
	DefaultStateIdleMinutes         = 60
	DefaultStateTableSize           = 4096
	DefaultLogBufferSize            = 256
)

// Config holds the engine configuration. Defaults are applied first, then the
// TOML file, then LOREWEAVE_* environment variables.
type Config struct {
	DBPath   string
	LogLevel string
	LogFile  string

	// Budget
	ContextBudgetTokens int

	// Matcher
	DefaultScanDepth         int
	DefaultVectorThreshold   float64
	DefaultMaxVectorResults  int
	SimilarityTimeoutSeconds int

	// Scoring
	KeywordWeight    float64
	SimilarityWeight float64
	ImportanceWeight float64

	// Lifecycle
	SummarizeThresholdTokens int

	// Activation state table
	StateIdleMinutes int
	StateTableSize   int

	// Activation log
	LogBufferSize int
}

type fileConfig struct {
	Storage struct {
		DBPath string `toml:"db_path"`
	} `toml:"storage"`
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
	Budget struct {
		ContextTokens int `toml:"context_tokens"`
	} `toml:"budget"`
	Matcher struct {
		ScanDepth         int     `toml:"scan_depth"`
		VectorThreshold   float64 `toml:"vector_threshold"`
		MaxVectorResults  int     `toml:"max_vector_results"`
		SimilarityTimeout int     `toml:"similarity_timeout_seconds"`
	} `toml:"matcher"`
	Scoring struct {
		KeywordWeight    float64 `toml:"keyword_weight"`
		SimilarityWeight float64 `toml:"similarity_weight"`
		ImportanceWeight float64 `toml:"importance_weight"`
	} `toml:"scoring"`
	Lifecycle struct {
		SummarizeThresholdTokens int `toml:"summarize_threshold_tokens"`
	} `toml:"lifecycle"`
	State struct {
		IdleMinutes int `toml:"idle_minutes"`
		TableSize   int `toml:"table_size"`
	} `toml:"state"`
	ActivationLog struct {
		BufferSize int `toml:"buffer_size"`
	} `toml:"activation_log"`
}

// Load reads configuration from the given TOML file (if it exists) and the
// environment. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DBPath:                   "loreweave.sqlite3",
		LogLevel:                 "info",
		ContextBudgetTokens:      DefaultContextBudgetTokens,
		DefaultScanDepth:         DefaultScanDepth,
		DefaultVectorThreshold:   DefaultVectorThreshold,
		DefaultMaxVectorResults:  DefaultMaxVectorResults,
		SimilarityTimeoutSeconds: DefaultSimilarityTimeoutSeconds,
		KeywordWeight:            DefaultKeywordWeight,
		SimilarityWeight:         DefaultSimilarityWeight,
		ImportanceWeight:         DefaultImportanceWeight,
		SummarizeThresholdTokens: DefaultSummarizeThresholdTokens,
		StateIdleMinutes:         DefaultStateIdleMinutes,
		StateTableSize:           DefaultStateTableSize,
		LogBufferSize:            DefaultLogBufferSize,
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			var parsed fileConfig
			if err := toml.Unmarshal(data, &parsed); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			applyFile(cfg, &parsed)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, parsed *fileConfig) {
	if parsed.Storage.DBPath != "" {
		cfg.DBPath = parsed.Storage.DBPath
	}
	if parsed.Logging.Level != "" {
		cfg.LogLevel = parsed.Logging.Level
	}
	if parsed.Logging.File != "" {
		cfg.LogFile = parsed.Logging.File
	}
	if parsed.Budget.ContextTokens != 0 {
		cfg.ContextBudgetTokens = parsed.Budget.ContextTokens
	}
	if parsed.Matcher.ScanDepth != 0 {
		cfg.DefaultScanDepth = parsed.Matcher.ScanDepth
	}
	if parsed.Matcher.VectorThreshold != 0 {
		cfg.DefaultVectorThreshold = parsed.Matcher.VectorThreshold
	}
	if parsed.Matcher.MaxVectorResults != 0 {
		cfg.DefaultMaxVectorResults = parsed.Matcher.MaxVectorResults
	}
	if parsed.Matcher.SimilarityTimeout != 0 {
		cfg.SimilarityTimeoutSeconds = parsed.Matcher.SimilarityTimeout
	}
	if parsed.Scoring.KeywordWeight != 0 {
		cfg.KeywordWeight = parsed.Scoring.KeywordWeight
	}
	if parsed.Scoring.SimilarityWeight != 0 {
		cfg.SimilarityWeight = parsed.Scoring.SimilarityWeight
	}
	if parsed.Scoring.ImportanceWeight != 0 {
		cfg.ImportanceWeight = parsed.Scoring.ImportanceWeight
	}
	if parsed.Lifecycle.SummarizeThresholdTokens != 0 {
		cfg.SummarizeThresholdTokens = parsed.Lifecycle.SummarizeThresholdTokens
	}
	if parsed.State.IdleMinutes != 0 {
		cfg.StateIdleMinutes = parsed.State.IdleMinutes
	}
	if parsed.State.TableSize != 0 {
		cfg.StateTableSize = parsed.State.TableSize
	}
	if parsed.ActivationLog.BufferSize != 0 {
		cfg.LogBufferSize = parsed.ActivationLog.BufferSize
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOREWEAVE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOREWEAVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOREWEAVE_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := envInt("LOREWEAVE_CONTEXT_BUDGET_TOKENS"); v != 0 {
		cfg.ContextBudgetTokens = v
	}
	if v := envInt("LOREWEAVE_SCAN_DEPTH"); v != 0 {
		cfg.DefaultScanDepth = v
	}
	if v := envFloat("LOREWEAVE_VECTOR_THRESHOLD"); v != 0 {
		cfg.DefaultVectorThreshold = v
	}
	if v := envInt("LOREWEAVE_MAX_VECTOR_RESULTS"); v != 0 {
		cfg.DefaultMaxVectorResults = v
	}
	if v := envInt("LOREWEAVE_SIMILARITY_TIMEOUT_SECONDS"); v != 0 {
		cfg.SimilarityTimeoutSeconds = v
	}
	if v := envInt("LOREWEAVE_SUMMARIZE_THRESHOLD_TOKENS"); v != 0 {
		cfg.SummarizeThresholdTokens = v
	}
	if v := envInt("LOREWEAVE_LOG_BUFFER_SIZE"); v != 0 {
		cfg.LogBufferSize = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// SimilarityTimeout returns the configured similarity timeout as a duration.
func (c *Config) SimilarityTimeout() time.Duration {
	return time.Duration(c.SimilarityTimeoutSeconds) * time.Second
}

// StateIdleTTL returns the idle TTL for per-conversation activation state.
func (c *Config) StateIdleTTL() time.Duration {
	return time.Duration(c.StateIdleMinutes) * time.Minute
}

// Validate verifies the configuration is usable. Invalid configuration is
// rejected here, at load time, never mid-turn.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db path is empty")
	}
	if c.ContextBudgetTokens <= 0 {
		return fmt.Errorf("context budget must be positive, got %d", c.ContextBudgetTokens)
	}
	if c.DefaultScanDepth < 0 {
		return fmt.Errorf("scan depth cannot be negative")
	}
	if c.DefaultVectorThreshold < 0 || c.DefaultVectorThreshold > 1 {
		return fmt.Errorf("vector threshold must be between 0 and 1, got %g", c.DefaultVectorThreshold)
	}
	if c.DefaultMaxVectorResults <= 0 {
		return fmt.Errorf("max vector results must be positive")
	}
	if c.SimilarityTimeoutSeconds <= 0 {
		return fmt.Errorf("similarity timeout must be positive")
	}
	if c.KeywordWeight < 0 || c.SimilarityWeight < 0 || c.ImportanceWeight < 0 {
		return fmt.Errorf("scoring weights cannot be negative")
	}
	if c.SummarizeThresholdTokens <= 0 {
		return fmt.Errorf("summarize threshold must be positive")
	}
	if c.StateIdleMinutes <= 0 {
		return fmt.Errorf("state idle minutes must be positive")
	}
	if c.StateTableSize <= 0 {
		return fmt.Errorf("state table size must be positive")
	}
	if c.LogBufferSize <= 0 {
		return fmt.Errorf("activation log buffer size must be positive")
	}
	return nil
}
