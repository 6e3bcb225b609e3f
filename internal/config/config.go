// Package config reads the process configuration from environment
// variables, in the same raw os.Getenv-plus-helpers style the upstream
// service uses rather than pulling in a config framework. An optional
// YAML file can override defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved process configuration.
type Config struct {
	DatabaseURL string

	// ExecutionRPCEndpoints and FinalityOracleEndpoints are comma-separated
	// endpoint lists, already split.
	ExecutionRPCEndpoints  []string
	FinalityOracleEndpoints []string

	BlockIndexerBatchSize     int
	BlockIndexerPollInterval  time.Duration
	MaxReorgDepth             uint64

	MilestoneIndexerBatchSize    int
	MilestoneIndexerPollInterval time.Duration

	BlockBackfillTarget    uint64
	BlockBackfillBatchSize int

	MilestoneBackfillTarget    uint64
	MilestoneBackfillBatchSize int

	HistoricalFeeBackfillTarget    uint64
	HistoricalFeeBackfillBatchSize int

	ReceiptEnrichDeadline time.Duration

	PushSinkURL     string
	PushSinkTimeout time.Duration

	HealthPort int

	RPCRetryMax   int
	RPCRetryDelay time.Duration

	OracleRetryMax     int
	OracleRetryBaseDelay time.Duration
	OracleRetryMaxDelay  time.Duration
}

// Load resolves configuration from environment variables, optionally
// layered over a YAML file named by CONFIG_FILE (if set and present).
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyYAMLOverrides(path, cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	cfg.DatabaseURL = getEnvDefault("DATABASE_URL", cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.ExecutionRPCEndpoints = getEnvCSV("EXECUTION_RPC_URLS", cfg.ExecutionRPCEndpoints)
	if len(cfg.ExecutionRPCEndpoints) == 0 {
		return nil, fmt.Errorf("EXECUTION_RPC_URLS is required")
	}
	cfg.FinalityOracleEndpoints = getEnvCSV("FINALITY_ORACLE_URLS", cfg.FinalityOracleEndpoints)
	if len(cfg.FinalityOracleEndpoints) == 0 {
		return nil, fmt.Errorf("FINALITY_ORACLE_URLS is required")
	}

	cfg.BlockIndexerBatchSize = getEnvInt("BLOCK_INDEXER_BATCH_SIZE", cfg.BlockIndexerBatchSize)
	cfg.BlockIndexerPollInterval = getEnvDuration("BLOCK_INDEXER_POLL_INTERVAL", cfg.BlockIndexerPollInterval)
	cfg.MaxReorgDepth = getEnvUint64("MAX_REORG_DEPTH", cfg.MaxReorgDepth)

	cfg.MilestoneIndexerBatchSize = getEnvInt("MILESTONE_INDEXER_BATCH_SIZE", cfg.MilestoneIndexerBatchSize)
	cfg.MilestoneIndexerPollInterval = getEnvDuration("MILESTONE_INDEXER_POLL_INTERVAL", cfg.MilestoneIndexerPollInterval)

	cfg.BlockBackfillTarget = getEnvUint64("BLOCK_BACKFILL_TARGET", cfg.BlockBackfillTarget)
	cfg.BlockBackfillBatchSize = getEnvInt("BLOCK_BACKFILL_BATCH_SIZE", cfg.BlockBackfillBatchSize)

	cfg.MilestoneBackfillTarget = getEnvUint64("MILESTONE_BACKFILL_TARGET", cfg.MilestoneBackfillTarget)
	cfg.MilestoneBackfillBatchSize = getEnvInt("MILESTONE_BACKFILL_BATCH_SIZE", cfg.MilestoneBackfillBatchSize)

	cfg.HistoricalFeeBackfillTarget = getEnvUint64("HISTORICAL_FEE_BACKFILL_TARGET", cfg.HistoricalFeeBackfillTarget)
	cfg.HistoricalFeeBackfillBatchSize = getEnvInt("HISTORICAL_FEE_BACKFILL_BATCH_SIZE", cfg.HistoricalFeeBackfillBatchSize)

	cfg.ReceiptEnrichDeadline = getEnvDuration("RECEIPT_ENRICH_DEADLINE", cfg.ReceiptEnrichDeadline)

	cfg.PushSinkURL = getEnvDefault("PUSH_SINK_URL", cfg.PushSinkURL)
	cfg.PushSinkTimeout = getEnvDuration("PUSH_SINK_TIMEOUT", cfg.PushSinkTimeout)

	cfg.HealthPort = getEnvInt("HEALTH_PORT", cfg.HealthPort)

	cfg.RPCRetryMax = getEnvInt("RPC_RETRY_MAX", cfg.RPCRetryMax)
	cfg.RPCRetryDelay = getEnvDuration("RPC_RETRY_DELAY", cfg.RPCRetryDelay)

	cfg.OracleRetryMax = getEnvInt("ORACLE_RETRY_MAX", cfg.OracleRetryMax)
	cfg.OracleRetryBaseDelay = getEnvDuration("ORACLE_RETRY_BASE_DELAY", cfg.OracleRetryBaseDelay)
	cfg.OracleRetryMaxDelay = getEnvDuration("ORACLE_RETRY_MAX_DELAY", cfg.OracleRetryMaxDelay)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		BlockIndexerBatchSize:        10,
		BlockIndexerPollInterval:     2 * time.Second,
		MaxReorgDepth:                64,
		MilestoneIndexerBatchSize:    10,
		MilestoneIndexerPollInterval: 3 * time.Second,
		BlockBackfillBatchSize:       50,
		MilestoneBackfillBatchSize:   20,
		HistoricalFeeBackfillBatchSize: 100,
		ReceiptEnrichDeadline:        5 * time.Minute,
		PushSinkTimeout:              5 * time.Second,
		HealthPort:                   8080,
		RPCRetryMax:                  3,
		RPCRetryDelay:                500 * time.Millisecond,
		OracleRetryMax:               6,
		OracleRetryBaseDelay:         500 * time.Millisecond,
		OracleRetryMaxDelay:          60 * time.Second,
	}
}

type yamlOverrides struct {
	DatabaseURL string `yaml:"database_url"`
}

func applyYAMLOverrides(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var o yamlOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return err
	}
	if o.DatabaseURL != "" {
		cfg.DatabaseURL = o.DatabaseURL
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvCSV(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
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

func getEnvUint64(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
