package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backend selection for the object store adapter. The switch is a
// deploy-time toggle, not runtime detection.
const (
	StorageBackendS3 = "s3"
	StorageBackendFS = "fs"
)

type Config struct {
	Env string

	AWSConfig     *AWSConfig
	RedisConfig   *RedisConfig
	ServiceConfig *ServiceConfig
	UploadConfig  *UploadConfig

	Tracing     bool
	TracingAddr string
}

type AWSConfig struct {
	Region    string
	AccountID string

	SessionsTableName string
	UploadsBucketName string

	// Endpoint overrides the AWS endpoint (localstack in dev).
	Endpoint string
}

type RedisConfig struct {
	Host     string
	Password string
	DB       int
}

type ServiceConfig struct {
	HTTPAddr string

	PipelineQueueName      string
	NotificationsQueueName string

	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
}

type UploadConfig struct {
	ChunkSize   uint64
	MaxFileSize uint64
	Expiry      time.Duration

	AllowedTypes      []string
	AllowedExtensions []string

	TempPrefix  string
	FinalPrefix string

	DigestAlgorithm string

	StorageBackend string
	FSRoot         string
}

func LoadConfig() Config {
	return Config{
		Env: envOr("APP_ENV", "dev"),

		AWSConfig: &AWSConfig{
			Region:            envOr("AWS_REGION", "us-east-1"),
			AccountID:         os.Getenv("AWS_ACCOUNT_ID"),
			SessionsTableName: envOr("SESSIONS_TABLE_NAME", "upload-sessions"),
			UploadsBucketName: envOr("UPLOADS_BUCKET_NAME", "datakeep-uploads"),
			Endpoint:          os.Getenv("AWS_ENDPOINT"),
		},

		RedisConfig: &RedisConfig{
			Host:     envOr("REDIS_HOST", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},

		ServiceConfig: &ServiceConfig{
			HTTPAddr:               envOr("HTTP_ADDR", ":8080"),
			PipelineQueueName:      envOr("PIPELINE_QUEUE_NAME", "ai-pipeline-jobs"),
			NotificationsQueueName: envOr("NOTIFICATIONS_QUEUE_NAME", "uploads-notifications"),
			SweepInterval:          envDuration("SWEEP_INTERVAL", 5*time.Minute),
			ShutdownTimeout:        envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},

		UploadConfig: &UploadConfig{
			ChunkSize:         envBytes("CHUNK_SIZE", 1<<20),
			MaxFileSize:       envBytes("MAX_FILE_SIZE", 10<<30),
			Expiry:            envDuration("SESSION_EXPIRY", 24*time.Hour),
			AllowedTypes:      envList("ALLOWED_TYPES", defaultAllowedTypes),
			AllowedExtensions: envList("ALLOWED_EXTENSIONS", defaultAllowedExtensions),
			TempPrefix:        envOr("TEMP_PREFIX", "temp-chunks"),
			FinalPrefix:       envOr("FINAL_PREFIX", "final"),
			DigestAlgorithm:   envOr("DIGEST_ALGORITHM", "sha256"),
			StorageBackend:    envOr("STORAGE_BACKEND", StorageBackendS3),
			FSRoot:            envOr("FS_STORAGE_ROOT", "./data/uploads"),
		},

		Tracing:     envBool("TRACING_ENABLED", false),
		TracingAddr: envOr("TRACING_ADDR", "localhost:4318"),
	}
}

var defaultAllowedTypes = []string{
	"application/json",
	"application/jsonl",
	"application/x-ndjson",
	"text/csv",
	"text/plain",
	"application/octet-stream",
	"application/parquet",
}

var defaultAllowedExtensions = []string{
	"json", "jsonl", "csv", "txt", "parquet", "bin",
}

func (c *AWSConfig) Validate() error {
	if c.Region == "" {
		return errors.New("aws region is required")
	}
	if c.SessionsTableName == "" {
		return errors.New("sessions table name is required")
	}
	if c.UploadsBucketName == "" {
		return errors.New("uploads bucket name is required")
	}
	return nil
}

func (c *UploadConfig) Validate() error {
	if c.ChunkSize == 0 {
		return errors.New("chunk size must be positive")
	}
	if c.MaxFileSize == 0 {
		return errors.New("max file size must be positive")
	}
	if c.Expiry <= 0 {
		return errors.New("session expiry must be positive")
	}
	if c.DigestAlgorithm != "sha256" {
		return fmt.Errorf("unsupported digest algorithm %q", c.DigestAlgorithm)
	}
	switch c.StorageBackend {
	case StorageBackendS3, StorageBackendFS:
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBytes(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
