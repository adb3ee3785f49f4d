// Package config provides configuration for the tabulake binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tabulake/tabulake/pkg/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TABULAKE_"

// Config holds the configuration of the ingestion service.
type Config struct {
	// DataDir is the base directory for local state (catalog, staging)
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Output configuration
	Output OutputConfig `json:"output" yaml:"output"`

	// Catalog configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Write configuration
	Write WriteConfig `json:"write" yaml:"write"`

	// Flatten configuration
	Flatten FlattenConfig `json:"flatten" yaml:"flatten"`

	// Partition routing configuration
	Partition PartitionConfig `json:"partition" yaml:"partition"`

	// Storage is where cleansed files are written
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Source is where raw objects are read; empty type means Storage
	Source StorageConfig `json:"source" yaml:"source"`

	// Retry configuration for transient failures
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// HTTP trigger configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Kafka trigger configuration
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`

	// Sentry error reporting
	Sentry SentryConfig `json:"sentry" yaml:"sentry"`

	// Workers is the number of events processed concurrently
	Workers int `json:"workers" yaml:"workers"`

	// Verbose enables debug logging
	Verbose bool `json:"verbose" yaml:"verbose"`
}

// OutputConfig holds output layout configuration.
type OutputConfig struct {
	// Root is the cleansed root prefix of every written file
	Root string `json:"root" yaml:"root"`
}

// CatalogConfig holds catalog configuration.
type CatalogConfig struct {
	// Database is the catalog database of the target table
	Database string `json:"database" yaml:"database"`

	// Table is the target table name
	Table string `json:"table" yaml:"table"`

	// Path is the SQLite manifest file ("" = <data_dir>/manifest.db)
	Path string `json:"path" yaml:"path"`

	// MaxCASAttempts bounds compare-and-swap rounds per registration
	MaxCASAttempts int `json:"max_cas_attempts" yaml:"max_cas_attempts"`
}

// Identity returns the target table identity.
func (c CatalogConfig) Identity() types.TableIdentity {
	return types.TableIdentity{Database: c.Database, Table: c.Table}
}

// WriteConfig holds partition writer configuration.
type WriteConfig struct {
	// Mode is append or overwrite
	Mode string `json:"mode" yaml:"mode"`

	// MaxRowsPerFile splits large batches into several files
	MaxRowsPerFile int `json:"max_rows_per_file" yaml:"max_rows_per_file"`

	// Compression is snappy, zstd, gzip or none
	Compression string `json:"compression" yaml:"compression"`

	// StagingDir holds files while they are encoded ("" = <data_dir>/staging)
	StagingDir string `json:"staging_dir" yaml:"staging_dir"`

	// DeleteConcurrency bounds parallel deletes of superseded files
	DeleteConcurrency int `json:"delete_concurrency" yaml:"delete_concurrency"`
}

// FlattenConfig holds flattening configuration.
type FlattenConfig struct {
	// ItemsKey names the top-level list of independent items
	ItemsKey string `json:"items_key" yaml:"items_key"`

	// Separator joins nested keys and array indexes
	Separator string `json:"separator" yaml:"separator"`
}

// PartitionConfig holds partition key derivation configuration.
type PartitionConfig struct {
	// KeyPattern is a regular expression with one capture group applied to
	// the raw object key
	KeyPattern string `json:"key_pattern" yaml:"key_pattern"`

	// DefaultKey is used when KeyPattern does not match
	DefaultKey string `json:"default_key" yaml:"default_key"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`

	// Timeout bounds every storage call
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// UploadConcurrency bounds parallel part uploads of one large file
	UploadConcurrency int `json:"upload_concurrency" yaml:"upload_concurrency"`
}

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the trigger webhook address ("" disables it)
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// EventTimeout bounds the processing of one webhook request
	EventTimeout time.Duration `json:"event_timeout" yaml:"event_timeout"`
}

// KafkaConfig holds Kafka trigger configuration.
type KafkaConfig struct {
	// Brokers are the seed brokers ("" disables the Kafka source)
	Brokers []string `json:"brokers" yaml:"brokers"`

	// Topic carries object-created notifications
	Topic string `json:"topic" yaml:"topic"`

	// GroupID is the consumer group
	GroupID string `json:"group_id" yaml:"group_id"`
}

// Enabled reports whether a Kafka source is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// SentryConfig holds error reporting configuration.
type SentryConfig struct {
	DSN         string `json:"dsn" yaml:"dsn"`
	Environment string `json:"environment" yaml:"environment"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tabulake",
		Output: OutputConfig{
			Root: "cleansed",
		},
		Catalog: CatalogConfig{
			MaxCASAttempts: 32,
		},
		Write: WriteConfig{
			Mode:              string(types.WriteModeAppend),
			MaxRowsPerFile:    100000,
			Compression:       "snappy",
			DeleteConcurrency: 4,
		},
		Flatten: FlattenConfig{
			ItemsKey:  "items",
			Separator: ".",
		},
		Partition: PartitionConfig{
			KeyPattern: `region=([^/]+)`,
		},
		Storage: StorageConfig{
			Type:    "local",
			Timeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
			EventTimeout: 4 * time.Minute,
		},
		Kafka: KafkaConfig{
			GroupID: "tabulake-ingest",
		},
		Workers: 4,
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tabulake"
	}

	if c.Storage.Type == "local" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Source.Type == "" {
		c.Source = c.Storage
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = c.Storage.Timeout
	}

	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "manifest.db")
	}
	if c.Write.StagingDir == "" {
		c.Write.StagingDir = filepath.Join(c.DataDir, "staging")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Output.Root == "" {
		return fmt.Errorf("output.root is required")
	}
	if strings.Contains(c.Output.Root, "..") {
		return fmt.Errorf("output.root must not contain '..', got %q", c.Output.Root)
	}

	if err := c.Catalog.Identity().Validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	if _, err := types.ParseWriteMode(c.Write.Mode); err != nil {
		return fmt.Errorf("write.mode: %w", err)
	}
	switch strings.ToLower(c.Write.Compression) {
	case "snappy", "zstd", "gzip", "none", "":
	default:
		return fmt.Errorf("invalid write.compression: %s (must be snappy, zstd, gzip, or none)", c.Write.Compression)
	}
	if c.Write.MaxRowsPerFile < 0 {
		return fmt.Errorf("write.max_rows_per_file must not be negative, got %d", c.Write.MaxRowsPerFile)
	}

	if c.Flatten.Separator == "" {
		return fmt.Errorf("flatten.separator is required")
	}

	re, err := regexp.Compile(c.Partition.KeyPattern)
	if err != nil {
		return fmt.Errorf("invalid partition.key_pattern: %w", err)
	}
	if re.NumSubexp() != 1 {
		return fmt.Errorf("partition.key_pattern must have exactly one capture group, got %d", re.NumSubexp())
	}

	if err := c.Storage.validate("storage"); err != nil {
		return err
	}
	if c.Source.Type != "" {
		if err := c.Source.validate("source"); err != nil {
			return err
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}

	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}

	return nil
}

func (s StorageConfig) validate(name string) error {
	if s.Type != "local" && s.Type != "s3" {
		return fmt.Errorf("invalid %s.type: %s (must be local or s3)", name, s.Type)
	}
	if s.Type == "local" && s.Path == "" {
		return fmt.Errorf("%s.path is required when %s.type is local", name, name)
	}
	if s.Type == "s3" && s.S3.Bucket == "" {
		return fmt.Errorf("%s.s3.bucket is required when %s.type is s3", name, name)
	}
	if s.S3.UploadConcurrency < 0 {
		return fmt.Errorf("%s.s3.upload_concurrency must be non-negative", name)
	}
	return nil
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
// Environment variables use the TABULAKE_ prefix. Malformed numbers and
// durations are reported rather than ignored.
func LoadFromEnv(cfg *Config) error {
	e := envReader{}

	e.str("DATA_DIR", &cfg.DataDir)
	e.str("OUTPUT_ROOT", &cfg.Output.Root)

	// Catalog configuration
	e.str("CATALOG_DATABASE", &cfg.Catalog.Database)
	e.str("CATALOG_TABLE", &cfg.Catalog.Table)
	e.str("CATALOG_PATH", &cfg.Catalog.Path)

	// Write configuration
	e.str("WRITE_MODE", &cfg.Write.Mode)
	e.integer("WRITE_MAX_ROWS_PER_FILE", &cfg.Write.MaxRowsPerFile)
	e.str("WRITE_COMPRESSION", &cfg.Write.Compression)

	// Flatten and partition configuration
	e.str("FLATTEN_ITEMS_KEY", &cfg.Flatten.ItemsKey)
	e.str("FLATTEN_SEPARATOR", &cfg.Flatten.Separator)
	e.str("PARTITION_KEY_PATTERN", &cfg.Partition.KeyPattern)
	e.str("PARTITION_DEFAULT_KEY", &cfg.Partition.DefaultKey)

	// Storage configuration
	e.str("STORAGE_TYPE", &cfg.Storage.Type)
	e.str("STORAGE_PATH", &cfg.Storage.Path)
	e.duration("STORAGE_TIMEOUT", &cfg.Storage.Timeout)
	e.str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	e.str("S3_REGION", &cfg.Storage.S3.Region)
	e.str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	e.boolean("S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)
	e.integer("S3_UPLOAD_CONCURRENCY", &cfg.Storage.S3.UploadConcurrency)
	e.str("SOURCE_TYPE", &cfg.Source.Type)
	e.str("SOURCE_PATH", &cfg.Source.Path)
	e.str("SOURCE_S3_BUCKET", &cfg.Source.S3.Bucket)
	e.str("SOURCE_S3_REGION", &cfg.Source.S3.Region)

	// Retry configuration
	e.integer("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	e.duration("RETRY_BASE_BACKOFF", &cfg.Retry.BaseBackoff)
	e.duration("RETRY_MAX_BACKOFF", &cfg.Retry.MaxBackoff)

	// Trigger configuration
	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	if v := os.Getenv(EnvPrefix + "KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	e.str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	e.str("KAFKA_GROUP_ID", &cfg.Kafka.GroupID)

	e.str("SENTRY_DSN", &cfg.Sentry.DSN)
	e.str("SENTRY_ENVIRONMENT", &cfg.Sentry.Environment)
	e.integer("WORKERS", &cfg.Workers)
	e.boolean("VERBOSE", &cfg.Verbose)

	return e.err
}

type envReader struct {
	err error
}

func (e *envReader) str(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		return
	}
	*dst = d
}

func (e *envReader) boolean(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load builds the configuration from defaults, an optional file and the
// environment. Callers apply flags, then Resolve and Validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Catalog.Path),
		c.Write.StagingDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Source.Type == "local" {
		dirs = append(dirs, c.Source.Path)
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
