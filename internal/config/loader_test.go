package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "./data", cfg.Storage.Root)
		assert.False(t, cfg.Storage.UseRemote)
		assert.Equal(t, "s3", cfg.Storage.Driver)
		assert.Equal(t, "gtfs/", cfg.Storage.Prefix)
		assert.True(t, cfg.Storage.UseSSL)

		assert.Equal(t, 75, cfg.Upload.ProgressEvery)
		assert.Equal(t, 100, cfg.Jobs.History)
		assert.Equal(t, 8, cfg.Cache.Networks)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("FEEDSTORE_SERVER_PORT", "3000")
		t.Setenv("FEEDSTORE_LOGGING_LEVEL", "warn")
		t.Setenv("FEEDSTORE_STORAGE_USE_REMOTE", "true")
		t.Setenv("FEEDSTORE_STORAGE_BUCKET", "feeds")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.True(t, cfg.Storage.UseRemote)
		assert.Equal(t, "feeds", cfg.Storage.Bucket)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("FEEDSTORE_SERVER_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feedstore.yaml")
	content := `storage:
  root: /srv/feeds
  use_remote: true
  driver: minio
  bucket: gtfs-archive
  endpoint: localhost:9000
server:
  read_timeout: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("FEEDSTORE_STORAGE_BUCKET", "from-env")

	cfg, err := LoadFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/feeds", cfg.Storage.Root)
	assert.Equal(t, "minio", cfg.Storage.Driver)
	assert.Equal(t, "from-env", cfg.Storage.Bucket)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)

	mc := cfg.Storage.MinioConfig()
	assert.Equal(t, "localhost:9000", mc.Endpoint)
	assert.Equal(t, "from-env", mc.Bucket)
	assert.True(t, mc.UseSSL)

	_, err = LoadFile(context.Background(), filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestDurationParsing(t *testing.T) {
	t.Setenv("FEEDSTORE_SERVER_READ_TIMEOUT", "45s")
	t.Setenv("FEEDSTORE_SERVER_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		errSub    string
	}{
		{
			name:      "remote without bucket",
			overrides: map[string]any{"storage": map[string]any{"use_remote": true}},
			errSub:    "storage.bucket",
		},
		{
			name:      "unknown driver",
			overrides: map[string]any{"storage": map[string]any{"driver": "gcs"}},
			errSub:    "storage.driver",
		},
		{
			name:      "empty root",
			overrides: map[string]any{"storage": map[string]any{"root": " "}},
			errSub:    "storage.root",
		},
		{
			name:      "bad port",
			overrides: map[string]any{"server": map[string]any{"port": 70000}},
			errSub:    "server.port",
		},
		{
			name:      "bad profile",
			overrides: map[string]any{"logging": map[string]any{"profile": "pretty"}},
			errSub:    "logging.profile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background(), map[string]any{"cache": map[string]any{"networks": 3}})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.Cache.Networks, current.Cache.Networks)
}

func TestStorageConversions(t *testing.T) {
	s := StorageConfig{
		Root:            "/data",
		Subdir:          "feeds",
		Bucket:          "b",
		Prefix:          "gtfs/",
		Region:          "eu-west-1",
		Endpoint:        "http://localhost:4566",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
		ForcePathStyle:  true,
		IMDSRegion:      true,
	}

	ac := s.ArtifactConfig(10)
	assert.Equal(t, "/data", ac.Root)
	assert.Equal(t, "feeds", ac.Subdir)
	assert.Equal(t, 10, ac.ProgressEvery)

	sc := s.S3Config()
	assert.Equal(t, "b", sc.Bucket)
	assert.Equal(t, "eu-west-1", sc.Region)
	assert.True(t, sc.ForcePathStyle)
	assert.True(t, sc.IMDSRegion)
	require.NoError(t, sc.Validate())
}
