package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulake/tabulake/pkg/types"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Catalog.Database = "youtube"
	cfg.Catalog.Table = "videos"
	cfg.Resolve()
	return cfg
}

func TestDefaultConfig_ResolveAndValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join("data", "tabulake", "storage"), filepath.Clean(cfg.Storage.Path))
	assert.Equal(t, filepath.Join("data", "tabulake", "manifest.db"), filepath.Clean(cfg.Catalog.Path))
	assert.Equal(t, cfg.Storage, cfg.Source)
	assert.Equal(t, types.TableIdentity{Database: "youtube", Table: "videos"}, cfg.Catalog.Identity())
	assert.False(t, cfg.Kafka.Enabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing table", func(c *Config) { c.Catalog.Table = "" }, "catalog"},
		{"bad mode", func(c *Config) { c.Write.Mode = "upsert" }, "write.mode"},
		{"bad compression", func(c *Config) { c.Write.Compression = "lz4" }, "write.compression"},
		{"bad storage", func(c *Config) { c.Storage.Type = "gcs" }, "storage.type"},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }, "storage.s3.bucket"},
		{"source s3 without bucket", func(c *Config) { c.Source = StorageConfig{Type: "s3"} }, "source.s3.bucket"},
		{"negative upload concurrency", func(c *Config) { c.Storage.S3.UploadConcurrency = -1 }, "storage.s3.upload_concurrency"},
		{"pattern without group", func(c *Config) { c.Partition.KeyPattern = "region=.*" }, "capture group"},
		{"invalid pattern", func(c *Config) { c.Partition.KeyPattern = "(" }, "key_pattern"},
		{"escaping root", func(c *Config) { c.Output.Root = "../elsewhere" }, "output.root"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"localhost:9092"} }, "kafka.topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabulake.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
output:
  root: lake/cleansed
catalog:
  database: youtube
  table: videos
write:
  mode: overwrite
  compression: zstd
storage:
  type: s3
  timeout: 10s
  s3:
    bucket: lake-bucket
    region: eu-west-1
retry:
  max_attempts: 5
  base_backoff: 100ms
kafka:
  brokers: [a:9092, b:9092]
  topic: raw-objects
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "lake/cleansed", cfg.Output.Root)
	assert.Equal(t, "overwrite", cfg.Write.Mode)
	assert.Equal(t, "zstd", cfg.Write.Compression)
	assert.Equal(t, 10*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, "lake-bucket", cfg.Storage.S3.Bucket)
	assert.Equal(t, "lake-bucket", cfg.Source.S3.Bucket)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseBackoff)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxBackoff)
	assert.True(t, cfg.Kafka.Enabled())
	assert.Equal(t, "tabulake-ingest", cfg.Kafka.GroupID)
	assert.Equal(t, 100000, cfg.Write.MaxRowsPerFile)

	_, err = LoadFromFile(filepath.Join(dir, "tabulake.toml"))
	assert.Error(t, err)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabulake.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"catalog": {"database": "db", "table": "t"}, "workers": 9}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Workers)
	assert.Equal(t, "t", cfg.Catalog.Table)
	assert.Equal(t, "items", cfg.Flatten.ItemsKey)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TABULAKE_OUTPUT_ROOT", "env-root")
	t.Setenv("TABULAKE_CATALOG_DATABASE", "envdb")
	t.Setenv("TABULAKE_CATALOG_TABLE", "envtable")
	t.Setenv("TABULAKE_WRITE_MODE", "overwrite")
	t.Setenv("TABULAKE_WORKERS", "16")
	t.Setenv("TABULAKE_STORAGE_TIMEOUT", "3s")
	t.Setenv("TABULAKE_KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("TABULAKE_VERBOSE", "true")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, "env-root", cfg.Output.Root)
	assert.Equal(t, types.TableIdentity{Database: "envdb", Table: "envtable"}, cfg.Catalog.Identity())
	assert.Equal(t, "overwrite", cfg.Write.Mode)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 3*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Verbose)
}

func TestLoadFromEnv_Malformed(t *testing.T) {
	t.Setenv("TABULAKE_WORKERS", "many")
	err := LoadFromEnv(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TABULAKE_WORKERS")
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.DataDir, cfg.Storage.Path, cfg.Write.StagingDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
