// Package config provides configuration structures and validation for the invoice intake services.
// Both binaries (api_gateway, invoice_processor) share one Config; each reads the sections it needs.
package config

import (
	"errors"
	"strings"
	"time"
)

// Config holds the complete application configuration with settings for all components.
type Config struct {
	Application ApplicationConfig
	Logging     LoggingConfig
	Server      ServerConfig
	Kafka       KafkaConfig
	Postgres    PostgresConfig
	MongoDB     MongoDBConfig
	Redis       RedisConfig
	Archive     ArchiveConfig
	Pipeline    PipelineConfig
	Dedupe      DedupeConfig
	OCR         OCRConfig
	WorkerPool  WorkerPoolConfig
	RateLimit   RateLimitConfig
	Reaper      ReaperConfig
}

// ApplicationConfig contains general application configuration
type ApplicationConfig struct {
	Env  string
	Name string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port            int           // Port to listen on
	ShutdownTimeout time.Duration // Grace period for server shutdown
	ReadTimeout     time.Duration // Maximum duration for reading entire request
	WriteTimeout    time.Duration // Maximum duration for writing response
	IdleTimeout     time.Duration // Maximum duration to wait for next request
	MaxUploadSize   int64         // Multipart body limit in bytes
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Brokers           string
	SubmissionTopic   string
	NumPartitions     int
	ReplicationFactor int
	ConsumerGroup     string
	MinBytes          int
	MaxBytes          int
	MaxWait           time.Duration
	StartOffset       int64
	DLQTopic          string
}

// BrokerList splits the comma-separated KAFKA_BROKERS value
func (k KafkaConfig) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
}

// MongoDBConfig contains MongoDB configuration
type MongoDBConfig struct {
	URI             string
	Database        string
	AuditCollection string
	Timeout         time.Duration
	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration
}

// RedisConfig contains Redis connection settings used by the upload rate limiter
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ArchiveConfig points at the S3 bucket holding original uploads.
// An empty Bucket disables archiving; reprocessing then cannot re-extract.
type ArchiveConfig struct {
	Bucket       string
	Region       string
	Endpoint     string // Custom endpoint (MinIO, LocalStack)
	UsePathStyle bool
	Prefix       string
}

// PipelineConfig tunes the orchestrator's in-memory status tracker
type PipelineConfig struct {
	StatusRetention time.Duration // How long a finished run stays visible
	StatusCapacity  int           // Upper bound of tracked runs
}

// DedupeConfig tunes duplicate detection
type DedupeConfig struct {
	FuzzyThreshold float64
	CandidateLimit int
}

// OCRConfig selects and configures the extraction engine
type OCRConfig struct {
	Engine        string // http | text | tesseract
	Endpoint      string
	Timeout       time.Duration
	Language      string
	MinConfidence float64
	MaxFileSize   int64
	AllowedTypes  []string
}

// WorkerPoolConfig contains worker pool configuration
type WorkerPoolConfig struct {
	Size int
}

// RateLimitConfig contains token bucket settings for uploads
type RateLimitConfig struct {
	Enabled    bool
	Capacity   int
	RefillRate float64 // Tokens per second
}

// ReaperConfig controls the stale PROCESSING record sweeper
type ReaperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// validate checks every section and reports all violations at once
func (c *Config) validate() error {
	var validationErrors []string

	// Server
	if c.Server.Port <= 0 {
		validationErrors = append(validationErrors, "SERVER_PORT must be greater than 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_SHUTDOWN_TIMEOUT must be greater than 0")
	}
	if c.Server.ReadTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_READ_TIMEOUT must be greater than 0")
	}
	if c.Server.WriteTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_WRITE_TIMEOUT must be greater than 0")
	}
	if c.Server.IdleTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_IDLE_TIMEOUT must be greater than 0")
	}
	if c.Server.MaxUploadSize <= 0 {
		validationErrors = append(validationErrors, "SERVER_MAX_UPLOAD_SIZE must be greater than 0")
	}

	// Kafka
	if c.Kafka.Brokers == "" {
		validationErrors = append(validationErrors, "KAFKA_BROKERS is required")
	}
	if c.Kafka.SubmissionTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_SUBMISSION_TOPIC is required")
	}
	if c.Kafka.ConsumerGroup == "" {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_GROUP is required")
	}
	if c.Kafka.MinBytes <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MIN_BYTES must be greater than 0")
	}
	if c.Kafka.MaxBytes <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MAX_BYTES must be greater than 0")
	}
	if c.Kafka.MaxWait <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MAX_WAIT must be greater than 0")
	}
	if c.Kafka.DLQTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_DLQ_TOPIC is required")
	}

	// PostgreSQL
	if c.Postgres.URL == "" {
		validationErrors = append(validationErrors, "POSTGRES_URL is required")
	}
	if c.Postgres.MaxConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONNS must be greater than 0")
	}
	if c.Postgres.MinConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MIN_CONNS must be greater than 0")
	}
	if c.Postgres.ConnMaxLifetime <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_LIFETIME must be greater than 0")
	}
	if c.Postgres.ConnMaxIdleTime <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_IDLE_TIME must be greater than 0")
	}

	// MongoDB
	if c.MongoDB.URI == "" {
		validationErrors = append(validationErrors, "MONGO_URI is required")
	}
	if c.MongoDB.Database == "" {
		validationErrors = append(validationErrors, "MONGO_DATABASE is required")
	}
	if c.MongoDB.AuditCollection == "" {
		validationErrors = append(validationErrors, "MONGO_AUDIT_COLLECTION is required")
	}
	if c.MongoDB.Timeout <= 0 {
		validationErrors = append(validationErrors, "MONGO_TIMEOUT must be greater than 0")
	}
	if c.MongoDB.MaxPoolSize <= 0 {
		validationErrors = append(validationErrors, "MONGO_MAX_POOL_SIZE must be greater than 0")
	}
	if c.MongoDB.MinPoolSize <= 0 {
		validationErrors = append(validationErrors, "MONGO_MIN_POOL_SIZE must be greater than 0")
	}

	// Redis is only needed when rate limiting is on
	if c.RateLimit.Enabled {
		if c.Redis.Addr == "" {
			validationErrors = append(validationErrors, "REDIS_ADDR is required when RATE_LIMIT_ENABLED is true")
		}
		if c.RateLimit.Capacity <= 0 {
			validationErrors = append(validationErrors, "RATE_LIMIT_CAPACITY must be greater than 0")
		}
		if c.RateLimit.RefillRate <= 0 {
			validationErrors = append(validationErrors, "RATE_LIMIT_REFILL_RATE must be greater than 0")
		}
	}

	// Archive
	if c.Archive.Bucket != "" && c.Archive.Region == "" {
		validationErrors = append(validationErrors, "ARCHIVE_REGION is required when ARCHIVE_BUCKET is set")
	}

	// Pipeline
	if c.Pipeline.StatusRetention <= 0 {
		validationErrors = append(validationErrors, "PIPELINE_STATUS_RETENTION must be greater than 0")
	}
	if c.Pipeline.StatusCapacity <= 0 {
		validationErrors = append(validationErrors, "PIPELINE_STATUS_CAPACITY must be greater than 0")
	}

	// Dedupe
	if c.Dedupe.FuzzyThreshold <= 0 || c.Dedupe.FuzzyThreshold > 1 {
		validationErrors = append(validationErrors, "DEDUPE_FUZZY_THRESHOLD must be in (0, 1]")
	}
	if c.Dedupe.CandidateLimit <= 0 {
		validationErrors = append(validationErrors, "DEDUPE_FUZZY_CANDIDATE_LIMIT must be greater than 0")
	}

	// OCR
	switch c.OCR.Engine {
	case "http":
		if c.OCR.Endpoint == "" {
			validationErrors = append(validationErrors, "OCR_ENDPOINT is required for the http engine")
		}
	case "text", "tesseract":
	default:
		validationErrors = append(validationErrors, "OCR_ENGINE must be one of http, text, tesseract")
	}
	if c.OCR.Timeout <= 0 {
		validationErrors = append(validationErrors, "OCR_TIMEOUT must be greater than 0")
	}
	if c.OCR.MinConfidence < 0 || c.OCR.MinConfidence > 1 {
		validationErrors = append(validationErrors, "OCR_MIN_CONFIDENCE must be in [0, 1]")
	}
	if c.OCR.MaxFileSize <= 0 {
		validationErrors = append(validationErrors, "OCR_MAX_FILE_SIZE must be greater than 0")
	}
	if len(c.OCR.AllowedTypes) == 0 {
		validationErrors = append(validationErrors, "OCR_ALLOWED_TYPES must not be empty")
	}

	// WorkerPool
	if c.WorkerPool.Size <= 0 {
		validationErrors = append(validationErrors, "WORKER_POOL_SIZE must be greater than 0")
	}

	// Reaper
	if c.Reaper.Interval <= 0 {
		validationErrors = append(validationErrors, "REAPER_INTERVAL must be greater than 0")
	}
	if c.Reaper.StaleAfter <= 0 {
		validationErrors = append(validationErrors, "REAPER_STALE_AFTER must be greater than 0")
	}
	if c.Reaper.BatchSize <= 0 {
		validationErrors = append(validationErrors, "REAPER_BATCH_SIZE must be greater than 0")
	}

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, ", "))
	}

	return nil
}
