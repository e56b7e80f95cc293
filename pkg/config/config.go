// Copyright 2025 LedgerVault Project
//
// Configuration for the ledger engine. Values come from defaults, an
// optional YAML file, and environment variables, in that order. A
// process-wide instance backs callers that embed the engine without
// explicit wiring; tests that mutate it must call ResetToDefaults.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ledger engine
type Config struct {
	// Database Configuration
	DatabaseURL         string `yaml:"database_url"`
	DatabaseMaxConns    int    `yaml:"database_max_conns"`
	DatabaseMinConns    int    `yaml:"database_min_conns"`
	DatabaseMaxIdleTime int    `yaml:"database_max_idle_time"` // seconds
	DatabaseMaxLifetime int    `yaml:"database_max_lifetime"`  // seconds

	// On-chain size policy
	MaxOnChainChars int    `yaml:"max_on_chain_chars"`
	MaxOnChainBytes uint64 `yaml:"max_on_chain_bytes"`

	// Off-chain storage
	OffChainRoot           string `yaml:"off_chain_root"`
	OffChainThresholdBytes uint64 `yaml:"off_chain_threshold_bytes"`
	OffChainMaxBytes       uint64 `yaml:"off_chain_max_bytes"`

	// Search limits
	MaxSearchResults  int `yaml:"max_search_results"`
	MaxJSONRecursion  int `yaml:"max_json_recursion"`
	MaxJSONIterations int `yaml:"max_json_iterations"`

	// Persistence batching
	BatchSize      int `yaml:"batch_size"`       // rows per insert batch
	StreamPageSize int `yaml:"stream_page_size"` // rows per streaming page

	// Concurrency
	SequenceRetryAttempts   int           `yaml:"sequence_retry_attempts"`
	IndexingShutdownTimeout time.Duration `yaml:"indexing_shutdown_timeout"`

	// Service Configuration
	LogLevel string `yaml:"log_level"`
}

// Default returns the documented default configuration
func Default() *Config {
	return &Config{
		DatabaseMaxConns:    25,
		DatabaseMinConns:    5,
		DatabaseMaxIdleTime: 300,
		DatabaseMaxLifetime: 3600,

		MaxOnChainChars: 10_000,
		MaxOnChainBytes: 1_048_576,

		OffChainRoot:           "./off-chain",
		OffChainThresholdBytes: 524_288,
		OffChainMaxBytes:       104_857_600,

		MaxSearchResults:  10_000,
		MaxJSONRecursion:  100,
		MaxJSONIterations: 100,

		BatchSize:      50,
		StreamPageSize: 1000,

		SequenceRetryAttempts:   3,
		IndexingShutdownTimeout: 30 * time.Second,

		LogLevel: "info",
	}
}

// Load reads configuration from defaults, then an optional YAML file named
// by LEDGERVAULT_CONFIG, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("LEDGERVAULT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from defaults plus the given YAML file, then
// applies environment variable overrides on top.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DatabaseURL = getEnv("LEDGERVAULT_DATABASE_URL", c.DatabaseURL)
	c.DatabaseMaxConns = getEnvInt("LEDGERVAULT_DATABASE_MAX_CONNS", c.DatabaseMaxConns)
	c.DatabaseMinConns = getEnvInt("LEDGERVAULT_DATABASE_MIN_CONNS", c.DatabaseMinConns)
	c.DatabaseMaxIdleTime = getEnvInt("LEDGERVAULT_DATABASE_MAX_IDLE_TIME", c.DatabaseMaxIdleTime)
	c.DatabaseMaxLifetime = getEnvInt("LEDGERVAULT_DATABASE_MAX_LIFETIME", c.DatabaseMaxLifetime)

	c.MaxOnChainChars = getEnvInt("LEDGERVAULT_MAX_ON_CHAIN_CHARS", c.MaxOnChainChars)
	c.MaxOnChainBytes = getEnvSize("LEDGERVAULT_MAX_ON_CHAIN_BYTES", c.MaxOnChainBytes)

	c.OffChainRoot = getEnv("LEDGERVAULT_OFF_CHAIN_ROOT", c.OffChainRoot)
	c.OffChainThresholdBytes = getEnvSize("LEDGERVAULT_OFF_CHAIN_THRESHOLD", c.OffChainThresholdBytes)
	c.OffChainMaxBytes = getEnvSize("LEDGERVAULT_OFF_CHAIN_MAX", c.OffChainMaxBytes)

	c.MaxSearchResults = getEnvInt("LEDGERVAULT_MAX_SEARCH_RESULTS", c.MaxSearchResults)
	c.MaxJSONRecursion = getEnvInt("LEDGERVAULT_MAX_JSON_RECURSION", c.MaxJSONRecursion)
	c.MaxJSONIterations = getEnvInt("LEDGERVAULT_MAX_JSON_ITERATIONS", c.MaxJSONIterations)

	c.BatchSize = getEnvInt("LEDGERVAULT_BATCH_SIZE", c.BatchSize)
	c.StreamPageSize = getEnvInt("LEDGERVAULT_STREAM_PAGE_SIZE", c.StreamPageSize)

	c.SequenceRetryAttempts = getEnvInt("LEDGERVAULT_SEQUENCE_RETRY_ATTEMPTS", c.SequenceRetryAttempts)
	c.IndexingShutdownTimeout = getEnvDuration("LEDGERVAULT_INDEXING_SHUTDOWN_TIMEOUT", c.IndexingShutdownTimeout)

	c.LogLevel = getEnv("LEDGERVAULT_LOG_LEVEL", c.LogLevel)
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	if c.MaxOnChainChars <= 0 {
		errs = append(errs, "max_on_chain_chars must be positive")
	}
	if c.MaxOnChainBytes == 0 {
		errs = append(errs, "max_on_chain_bytes must be positive")
	}
	if c.OffChainThresholdBytes == 0 {
		errs = append(errs, "off_chain_threshold_bytes must be positive")
	}
	if c.OffChainMaxBytes < c.OffChainThresholdBytes {
		errs = append(errs, "off_chain_max_bytes must be at least off_chain_threshold_bytes")
	}
	if c.MaxSearchResults <= 0 {
		errs = append(errs, "max_search_results must be positive")
	}
	if c.MaxJSONRecursion <= 0 || c.MaxJSONIterations <= 0 {
		errs = append(errs, "JSON traversal bounds must be positive")
	}
	if c.BatchSize <= 0 {
		errs = append(errs, "batch_size must be positive")
	}
	if c.StreamPageSize <= 0 {
		errs = append(errs, "stream_page_size must be positive")
	}
	if c.SequenceRetryAttempts <= 0 {
		errs = append(errs, "sequence_retry_attempts must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// ============================================================================
// PROCESS-WIDE CONFIGURATION
// ============================================================================

var (
	mu      sync.RWMutex
	current = Default()
)

// Current returns the process-wide configuration.
func Current() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Set replaces the process-wide configuration.
func Set(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	mu.Lock()
	current = cfg
	mu.Unlock()
	return nil
}

// ResetToDefaults restores the process-wide configuration to the documented
// defaults. Tests that mutate the process-wide configuration must call this.
func ResetToDefaults() {
	mu.Lock()
	current = Default()
	mu.Unlock()
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSize parses human-readable byte sizes ("512KB", "100MB") as well as
// plain integers.
func getEnvSize(key string, defaultValue uint64) uint64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(value)); err == nil {
		return size.Bytes()
	}
	if intValue, err := strconv.ParseUint(value, 10, 64); err == nil {
		return intValue
	}
	return defaultValue
}
