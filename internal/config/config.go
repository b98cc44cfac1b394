package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Storage backends for collab data.
const (
	StorageObject   = "object"
	StoragePostgres = "postgres"
)

type Config struct {
	ListenAddr  string            `json:"listen_addr"`
	AuthToken   string            `json:"auth_token"`
	Storage     StorageConfig     `json:"storage"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
	Collab      CollabConfig      `json:"collab"`
	Timeout     TimeoutConfig     `json:"timeout"`
	GC          GCConfig          `json:"gc"`
}

// StorageConfig selects the collab backend.
type StorageConfig struct {
	// Type is "object" (manifest + blobs in the object store) or "postgres".
	Type        string `json:"type"`
	PostgresDSN string `json:"postgres_dsn"`
}

type ObjectStoreConfig struct {
	Type      string `json:"type"`
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
	RootPath  string `json:"root_path"`
}

// CollabConfig holds batch limits and store tuning.
type CollabConfig struct {
	// MaxBatchItems caps items per batch create or query.
	// Default: 1000
	MaxBatchItems int `json:"max_batch_items"`
	// MaxBodyMB caps request bodies after decompression, in MB.
	// Default: 64
	MaxBodyMB int `json:"max_body_mb"`
	// ReadConcurrency bounds parallel blob reads per workspace.
	// Default: 16
	ReadConcurrency int `json:"read_concurrency"`
	// LockStripes is the number of per-identity lock stripes.
	// Default: 256
	LockStripes int `json:"lock_stripes"`
	// CommitTimeoutMs bounds a backend commit once started.
	// Default: 30000
	CommitTimeoutMs int `json:"commit_timeout_ms"`
}

// GetMaxBatchItems returns MaxBatchItems with default fallback.
func (c CollabConfig) GetMaxBatchItems() int {
	if c.MaxBatchItems <= 0 {
		return 1000
	}
	return c.MaxBatchItems
}

// MaxBodyBytes returns the body limit converted from MB to bytes.
func (c CollabConfig) MaxBodyBytes() int64 {
	if c.MaxBodyMB <= 0 {
		return 64 * 1024 * 1024
	}
	return int64(c.MaxBodyMB) * 1024 * 1024
}

// GetReadConcurrency returns ReadConcurrency with default fallback.
func (c CollabConfig) GetReadConcurrency() int {
	if c.ReadConcurrency <= 0 {
		return 16
	}
	return c.ReadConcurrency
}

// GetLockStripes returns LockStripes with default fallback.
func (c CollabConfig) GetLockStripes() int {
	if c.LockStripes <= 0 {
		return 256
	}
	return c.LockStripes
}

// GetCommitTimeout returns CommitTimeoutMs with default fallback.
func (c CollabConfig) GetCommitTimeout() int {
	if c.CommitTimeoutMs <= 0 {
		return 30000
	}
	return c.CommitTimeoutMs
}

// TimeoutConfig holds per-request timeout configuration.
type TimeoutConfig struct {
	// ReadTimeoutMs is the maximum time allowed for read requests in milliseconds.
	// Default: 30000 (30 seconds)
	ReadTimeoutMs int `json:"read_ms"`
	// WriteTimeoutMs is the maximum time allowed for write requests in milliseconds.
	// Default: 60000 (60 seconds)
	WriteTimeoutMs int `json:"write_ms"`
}

// GetReadTimeout returns the read timeout in milliseconds with default fallback.
func (c TimeoutConfig) GetReadTimeout() int {
	if c.ReadTimeoutMs <= 0 {
		return 30000
	}
	return c.ReadTimeoutMs
}

// GetWriteTimeout returns the write timeout in milliseconds with default fallback.
func (c TimeoutConfig) GetWriteTimeout() int {
	if c.WriteTimeoutMs <= 0 {
		return 60000
	}
	return c.WriteTimeoutMs
}

// GCConfig controls the orphan blob collector of the object backend.
type GCConfig struct {
	Enabled bool `json:"enabled"`
	// ScanIntervalMinutes is the time between sweeps.
	// Default: 360
	ScanIntervalMinutes int `json:"scan_interval_minutes"`
	// RetentionMinutes is the minimum age of a blob before it can be
	// collected. It is never allowed below the commit timeout.
	// Default: 60
	RetentionMinutes int  `json:"retention_minutes"`
	DryRun           bool `json:"dry_run"`
}

// GetScanInterval returns ScanIntervalMinutes with default fallback.
func (c GCConfig) GetScanInterval() int {
	if c.ScanIntervalMinutes <= 0 {
		return 360
	}
	return c.ScanIntervalMinutes
}

// GetRetention returns RetentionMinutes with default fallback.
func (c GCConfig) GetRetention() int {
	if c.RetentionMinutes <= 0 {
		return 60
	}
	return c.RetentionMinutes
}

func Default() *Config {
	return &Config{
		ListenAddr: ":8000",
		Storage: StorageConfig{
			Type: StorageObject,
		},
		ObjectStore: ObjectStoreConfig{
			Type:      "fs",
			RootPath:  "/tmp/collabd-data",
			Endpoint:  "http://localhost:9000",
			Bucket:    "collabd",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Region:    "us-east-1",
		},
		GC: GCConfig{
			Enabled: true,
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageObject:
		switch c.ObjectStore.Type {
		case "memory", "fs", "s3":
		default:
			return fmt.Errorf("unknown object_store.type %q", c.ObjectStore.Type)
		}
	case StoragePostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return errors.New("storage.postgres_dsn is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	return nil
}

// Load reads the JSON file at path (or $COLLABD_CONFIG) over Default and
// then applies COLLABD_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("COLLABD_CONFIG")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if env := os.Getenv("COLLABD_LISTEN_ADDR"); env != "" {
		cfg.ListenAddr = env
	}
	if env := os.Getenv("COLLABD_AUTH_TOKEN"); env != "" {
		cfg.AuthToken = env
	}

	if env := os.Getenv("COLLABD_STORAGE_TYPE"); env != "" {
		cfg.Storage.Type = env
	}
	if env := os.Getenv("COLLABD_POSTGRES_DSN"); env != "" {
		cfg.Storage.PostgresDSN = env
	}

	if env := os.Getenv("COLLABD_OBJECT_STORE_TYPE"); env != "" {
		cfg.ObjectStore.Type = env
	}
	if env := os.Getenv("COLLABD_OBJECT_STORE_ENDPOINT"); env != "" {
		cfg.ObjectStore.Endpoint = env
	}
	if env := os.Getenv("COLLABD_OBJECT_STORE_BUCKET"); env != "" {
		cfg.ObjectStore.Bucket = env
	}
	if env := os.Getenv("COLLABD_OBJECT_STORE_ROOT"); env != "" {
		cfg.ObjectStore.RootPath = env
	}
	if env := os.Getenv("COLLABD_OBJECT_STORE_ACCESS_KEY"); env != "" {
		cfg.ObjectStore.AccessKey = env
	}
	if env := os.Getenv("COLLABD_OBJECT_STORE_SECRET_KEY"); env != "" {
		cfg.ObjectStore.SecretKey = env
	}
	if env := os.Getenv("COLLABD_OBJECT_STORE_REGION"); env != "" {
		cfg.ObjectStore.Region = env
	}
	if env := os.Getenv("COLLABD_OBJECT_STORE_USE_SSL"); env != "" {
		cfg.ObjectStore.UseSSL = env == "true" || env == "1"
	}

	// Collab limits
	if env := os.Getenv("COLLABD_MAX_BATCH_ITEMS"); env != "" {
		if n, err := parseIntEnv(env); err == nil {
			cfg.Collab.MaxBatchItems = n
		}
	}
	if env := os.Getenv("COLLABD_MAX_BODY_MB"); env != "" {
		if n, err := parseIntEnv(env); err == nil {
			cfg.Collab.MaxBodyMB = n
		}
	}
	if env := os.Getenv("COLLABD_READ_CONCURRENCY"); env != "" {
		if n, err := parseIntEnv(env); err == nil {
			cfg.Collab.ReadConcurrency = n
		}
	}
	if env := os.Getenv("COLLABD_LOCK_STRIPES"); env != "" {
		if n, err := parseIntEnv(env); err == nil {
			cfg.Collab.LockStripes = n
		}
	}
	if env := os.Getenv("COLLABD_COMMIT_TIMEOUT_MS"); env != "" {
		if n, err := parseIntEnv(env); err == nil {
			cfg.Collab.CommitTimeoutMs = n
		}
	}

	// Timeout configuration
	if env := os.Getenv("COLLABD_TIMEOUT_READ_MS"); env != "" {
		if n, err := parseIntEnv(env); err == nil {
			cfg.Timeout.ReadTimeoutMs = n
		}
	}
	if env := os.Getenv("COLLABD_TIMEOUT_WRITE_MS"); env != "" {
		if n, err := parseIntEnv(env); err == nil {
			cfg.Timeout.WriteTimeoutMs = n
		}
	}

	if env := os.Getenv("COLLABD_GC_ENABLED"); env != "" {
		cfg.GC.Enabled = env == "true" || env == "1"
	}
	if env := os.Getenv("COLLABD_GC_DRY_RUN"); env != "" {
		cfg.GC.DryRun = env == "true" || env == "1"
	}
	if env := os.Getenv("COLLABD_GC_SCAN_INTERVAL_MINUTES"); env != "" {
		if n, err := parseIntEnv(env); err == nil {
			cfg.GC.ScanIntervalMinutes = n
		}
	}
	if env := os.Getenv("COLLABD_GC_RETENTION_MINUTES"); env != "" {
		if n, err := parseIntEnv(env); err == nil {
			cfg.GC.RetentionMinutes = n
		}
	}

	return cfg, nil
}

func parseIntEnv(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
