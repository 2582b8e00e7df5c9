package models

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string        `yaml:"server_addr"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CacheSize   int           `yaml:"cache_size"`
	KafkaBroker string        `yaml:"kafka_broker"`
	KafkaTopic  string        `yaml:"kafka_topic"`
	LogLevel    string        `yaml:"log_level"`
	CORSOrigins []string      `yaml:"cors_origins"`

	Storage StorageConfig `yaml:"storage"`
	Upload  UploadConfig  `yaml:"upload"`
	Webhook WebhookConfig `yaml:"webhook"`

	BatchRetention time.Duration `yaml:"batch_retention"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`

	APIKeys map[string]APIKey `yaml:"api_keys"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // fs or s3
	Path     string `yaml:"path"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
}

// DefaultMaxPixels is the largest width*height accepted for decoding, the
// same ceiling Pillow applies.
const DefaultMaxPixels = 1024 * 1024 * 1024 / 4 / 3

type UploadConfig struct {
	MaxFileSize       int64      `yaml:"max_file_size"`
	MaxPixels         int64      `yaml:"max_pixels"`
	MaxBatchSize      int        `yaml:"max_batch_size"`
	AllowedExtensions []string   `yaml:"allowed_extensions"`
	AllowedMIMETypes  []string   `yaml:"allowed_mime_types"`
	DefaultQuality    int        `yaml:"default_quality"`
	DefaultMode       ResizeMode `yaml:"default_mode"`
}

type WebhookConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	UserAgent     string        `yaml:"user_agent"`
}

// APIKey is the tenant behind a static key. Every path the tenant writes
// to must start with AllowedPrefix.
type APIKey struct {
	Name          string `yaml:"name"`
	AllowedPrefix string `yaml:"allowed_prefix"`
}

func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case os.IsNotExist(err):
		// env and defaults only
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.ServerAddr = getEnv("SERVER_ADDR", c.ServerAddr)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.KafkaBroker = getEnv("KAFKA_BROKER", c.KafkaBroker)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Storage.S3Bucket = getEnv("S3_BUCKET", c.Storage.S3Bucket)
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8000"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "image-events"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "fs"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./storage"
	}

	u := &c.Upload
	if u.MaxFileSize <= 0 {
		u.MaxFileSize = 10 * 1024 * 1024
	}
	if u.MaxPixels <= 0 {
		u.MaxPixels = DefaultMaxPixels
	}
	if u.MaxBatchSize <= 0 {
		u.MaxBatchSize = 100
	}
	if len(u.AllowedExtensions) == 0 {
		u.AllowedExtensions = []string{"jpg", "jpeg", "png", "gif", "webp"}
	}
	if len(u.AllowedMIMETypes) == 0 {
		u.AllowedMIMETypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	}
	if u.DefaultQuality == 0 {
		u.DefaultQuality = 85
	}
	if u.DefaultMode == "" {
		u.DefaultMode = ModeFit
	}

	w := &c.Webhook
	if w.Timeout <= 0 {
		w.Timeout = 10 * time.Second
	}
	if w.RetryAttempts <= 0 {
		w.RetryAttempts = 3
	}
	if w.RetryDelay <= 0 {
		w.RetryDelay = time.Second
	}
	if w.UserAgent == "" {
		w.UserAgent = "ImageStorageService/1.0"
	}

	if c.BatchRetention <= 0 {
		c.BatchRetention = 24 * time.Hour
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "fs":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Upload.DefaultQuality < 1 || c.Upload.DefaultQuality > 100 {
		return fmt.Errorf("upload.default_quality must be between 1 and 100")
	}
	for key, k := range c.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("api key for %q is empty", k.Name)
		}
	}
	return nil
}

// getEnv returns the environment value for key, or fallback when unset.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
