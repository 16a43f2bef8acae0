// Package config provides unified configuration for the feature-fetch core.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents which surfaces a fetch-server process runs.
type Mode string

const (
	ModeAll  Mode = "all"
	ModeHTTP Mode = "http"
	ModeGRPC Mode = "grpc"
)

// Config holds the unified configuration for the fetch core and its
// serving surfaces.
type Config struct {
	// Mode specifies which surfaces to run: all, http, grpc
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for the reference KV store's files.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP HTTPConfig `json:"http" yaml:"http"`
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	Fetch      FetchConfig      `json:"fetch" yaml:"fetch"`
	ServingInfo ServingInfoConfig `json:"serving_info" yaml:"serving_info"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	KVStore    KVStoreConfig    `json:"kv_store" yaml:"kv_store"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// FetchConfig holds the group-by/join fetcher's concurrency and timeout
// settings.
type FetchConfig struct {
	// WorkerPoolSize bounds the goroutines decoding/aggregating a single
	// request batch. Zero means runtime.NumCPU().
	WorkerPoolSize int `json:"worker_pool_size" yaml:"worker_pool_size"`

	// Timeout is the overall per-call deadline (default 10s).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// DecodeCacheSize bounds the per-call BatchIR memoization cache
	// (entries, not bytes).
	DecodeCacheSize int `json:"decode_cache_size" yaml:"decode_cache_size"`
}

// ServingInfoConfig holds the TTL cache's settings.
type ServingInfoConfig struct {
	TTL             time.Duration `json:"ttl" yaml:"ttl"`
	MetadataDataset string        `json:"metadata_dataset" yaml:"metadata_dataset"`
	JoinsDataset    string        `json:"joins_dataset" yaml:"joins_dataset"`
}

// LoggingConfig holds the logging sampler's settings.
type LoggingConfig struct {
	DefaultSamplePercent float64       `json:"default_sample_percent" yaml:"default_sample_percent"`
	JoinCodecTTL         time.Duration `json:"join_codec_ttl" yaml:"join_codec_ttl"`
	Debug                bool          `json:"debug" yaml:"debug"`
}

// KVStoreConfig holds the reference KV store's backend settings.
type KVStoreConfig struct {
	// Backend is one of "memory", "sqlite".
	Backend string `json:"backend" yaml:"backend"`

	// SQLitePath is the path to the SQLite-backed store's database file.
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`

	// ColdInlineThresholdBytes is the size above which a batch blob spills
	// to the S3 cold tier instead of being stored inline in SQLite.
	ColdInlineThresholdBytes int64 `json:"cold_inline_threshold_bytes" yaml:"cold_inline_threshold_bytes"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 cold-tier configuration.
type S3Config struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/fetchcore",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Fetch: FetchConfig{
			WorkerPoolSize:  0,
			Timeout:         10 * time.Second,
			DecodeCacheSize: 256,
		},
		ServingInfo: ServingInfoConfig{
			TTL:             5 * time.Minute,
			MetadataDataset: "SERVING_INFO_METADATA",
			JoinsDataset:    "JOIN_METADATA",
		},
		Logging: LoggingConfig{
			DefaultSamplePercent: 0,
			JoinCodecTTL:         5 * time.Minute,
			Debug:                false,
		},
		KVStore: KVStoreConfig{
			Backend:                  "memory",
			ColdInlineThresholdBytes: 64 * 1024,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/fetchcore"
	}
	if c.KVStore.SQLitePath == "" {
		c.KVStore.SQLitePath = filepath.Join(c.DataDir, "kvstore.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeHTTP, ModeGRPC:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, http, or grpc)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.KVStore.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid kv_store.backend: %s (must be memory or sqlite)", c.KVStore.Backend)
	}

	if c.KVStore.S3.Enabled && c.KVStore.S3.Bucket == "" {
		return fmt.Errorf("kv_store.s3.bucket is required when kv_store.s3.enabled is true")
	}

	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}

	if c.Logging.DefaultSamplePercent < 0 || c.Logging.DefaultSamplePercent > 100 {
		return fmt.Errorf("logging.default_sample_percent must be between 0 and 100, got %v", c.Logging.DefaultSamplePercent)
	}

	return nil
}

// ShouldRunHTTP returns true if the HTTP surface should run.
func (c *Config) ShouldRunHTTP() bool {
	return c.Mode == ModeAll || c.Mode == ModeHTTP
}

// ShouldRunGRPC returns true if the gRPC surface should run.
func (c *Config) ShouldRunGRPC() bool {
	return (c.Mode == ModeAll || c.Mode == ModeGRPC) && c.GRPC.Enabled
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the FETCHCORE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FETCHCORE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("FETCHCORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("FETCHCORE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("FETCHCORE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("FETCHCORE_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("FETCHCORE_FETCH_WORKER_POOL_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Fetch.WorkerPoolSize)
	}
	if v := os.Getenv("FETCHCORE_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fetch.Timeout = d
		}
	}

	if v := os.Getenv("FETCHCORE_SERVING_INFO_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ServingInfo.TTL = d
		}
	}

	if v := os.Getenv("FETCHCORE_LOGGING_SAMPLE_PERCENT"); v != "" {
		fmt.Sscanf(v, "%f", &cfg.Logging.DefaultSamplePercent)
	}
	if v := os.Getenv("FETCHCORE_LOGGING_DEBUG"); v != "" {
		cfg.Logging.Debug = v == "true" || v == "1"
	}

	if v := os.Getenv("FETCHCORE_KV_STORE_BACKEND"); v != "" {
		cfg.KVStore.Backend = v
	}
	if v := os.Getenv("FETCHCORE_KV_STORE_SQLITE_PATH"); v != "" {
		cfg.KVStore.SQLitePath = v
	}
	if v := os.Getenv("FETCHCORE_S3_BUCKET"); v != "" {
		cfg.KVStore.S3.Enabled = true
		cfg.KVStore.S3.Bucket = v
	}
	if v := os.Getenv("FETCHCORE_S3_REGION"); v != "" {
		cfg.KVStore.S3.Region = v
	}
	if v := os.Getenv("FETCHCORE_S3_ENDPOINT"); v != "" {
		cfg.KVStore.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.KVStore.Backend == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.KVStore.SQLitePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
