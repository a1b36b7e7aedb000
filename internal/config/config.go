// Package config loads feedstore settings from defaults, an optional YAML
// file, FEEDSTORE_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/feedstore/pkg/artifact"
	"github.com/3leaps/feedstore/pkg/provider"
	"github.com/3leaps/feedstore/pkg/provider/minio"
	"github.com/3leaps/feedstore/pkg/provider/s3"
)

// EnvPrefix prefixes every environment variable, e.g. FEEDSTORE_STORAGE_BUCKET.
const EnvPrefix = "FEEDSTORE"

type Config struct {
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Upload  UploadConfig  `mapstructure:"upload" yaml:"upload"`
	Jobs    JobsConfig    `mapstructure:"jobs" yaml:"jobs"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

type StorageConfig struct {
	Root      string `mapstructure:"root" yaml:"root"`
	Subdir    string `mapstructure:"subdir" yaml:"subdir"`
	UseRemote bool   `mapstructure:"use_remote" yaml:"use_remote"`
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile   string `mapstructure:"profile" yaml:"profile"`

	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
	UseSSL         bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	IMDSRegion     bool   `mapstructure:"imds_region" yaml:"imds_region"`
	StagingDir     string `mapstructure:"staging_dir" yaml:"staging_dir"`
}

type UploadConfig struct {
	ProgressEvery int `mapstructure:"progress_every" yaml:"progress_every"`
}

type JobsConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	History int    `mapstructure:"history" yaml:"history"`
}

type CacheConfig struct {
	Networks int `mapstructure:"networks" yaml:"networks"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// SetDefaults registers every key with its default value. Keys must be
// registered for environment variables to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.root", "./data")
	v.SetDefault("storage.subdir", "")
	v.SetDefault("storage.use_remote", false)
	v.SetDefault("storage.driver", string(provider.ProviderS3))
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", artifact.DefaultPrefix)
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.profile", "")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.force_path_style", false)
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.imds_region", false)
	v.SetDefault("storage.staging_dir", "")

	v.SetDefault("upload.progress_every", artifact.DefaultProgressEvery)

	v.SetDefault("jobs.dir", "./jobs")
	v.SetDefault("jobs.history", 100)

	v.SetDefault("cache.networks", 8)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
}

// BindEnv makes v read FEEDSTORE_<SECTION>_<KEY> variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration without a config file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile reads configuration, merging the YAML file at path when set.
// Overrides are nested maps keyed like the YAML file and win over
// everything else.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)
	BindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Decode converts the settings held by v into a validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	switch provider.ProviderType(c.Storage.Driver) {
	case provider.ProviderS3, provider.ProviderMinio:
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %q or %q, got %q", provider.ProviderS3, provider.ProviderMinio, c.Storage.Driver))
	}
	if c.Storage.UseRemote && strings.TrimSpace(c.Storage.Bucket) == "" {
		errs = append(errs, errors.New("storage.bucket is required when storage.use_remote is set"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Jobs.History < 0 {
		errs = append(errs, fmt.Errorf("jobs.history must not be negative: %d", c.Jobs.History))
	}
	switch strings.ToLower(c.Logging.Profile) {
	case "structured", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.profile must be structured or console, got %q", c.Logging.Profile))
	}
	return errors.Join(errs...)
}

// ArtifactConfig returns the artifact store settings.
func (s StorageConfig) ArtifactConfig(progressEvery int) artifact.Config {
	return artifact.Config{
		Root:          s.Root,
		Subdir:        s.Subdir,
		Prefix:        s.Prefix,
		StagingDir:    s.StagingDir,
		ProgressEvery: progressEvery,
	}
}

// S3Config returns the AWS S3 provider settings.
func (s StorageConfig) S3Config() s3.Config {
	return s3.Config{
		Bucket:          s.Bucket,
		Region:          s.Region,
		Endpoint:        s.Endpoint,
		Profile:         s.Profile,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		ForcePathStyle:  s.ForcePathStyle,
		IMDSRegion:      s.IMDSRegion,
	}
}

// MinioConfig returns the MinIO provider settings.
func (s StorageConfig) MinioConfig() minio.Config {
	return minio.Config{
		Endpoint:        s.Endpoint,
		Bucket:          s.Bucket,
		Region:          s.Region,
		Profile:         s.Profile,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		UseSSL:          s.UseSSL,
	}
}

// JobsDir returns the absolute job record directory, or "" when unset.
func (j JobsConfig) JobsDir() (string, error) {
	if strings.TrimSpace(j.Dir) == "" {
		return "", nil
	}
	return filepath.Abs(j.Dir)
}
