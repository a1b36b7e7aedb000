// Package cmd implements the feedstore command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/feedstore/internal/config"
	"github.com/3leaps/feedstore/internal/observability"
	"github.com/3leaps/feedstore/pkg/artifact"
	"github.com/3leaps/feedstore/pkg/network"
	"github.com/3leaps/feedstore/pkg/provider"
	"github.com/3leaps/feedstore/pkg/provider/minio"
	"github.com/3leaps/feedstore/pkg/provider/s3"
)

// VersionInfo is stamped at build time.
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command and server.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile   string
	appConfig *config.Config

	// networkBuilder is supplied by programs embedding feedstore; without it
	// the server does not accept read-network jobs.
	networkBuilder network.Builder
)

// SetNetworkBuilder installs the transport network reader used by serve.
func SetNetworkBuilder(b network.Builder) {
	networkBuilder = b
}

var rootCmd = &cobra.Command{
	Use:   "feedstore",
	Short: "Store and publish transit feed artifacts",
	Long: `feedstore keeps GTFS feed versions and derived artifacts on local disk or
in an S3-compatible bucket, and runs long operations such as publishing as
background jobs with pollable status.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(*cobra.Command, []string) { observability.Sync() },
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	setDefaults()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (YAML)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-profile", "", "Log profile: structured or console")
	pf.String("root", "", "Local artifact root directory")
	pf.Bool("remote", false, "Use the remote bucket as the active backend")
	pf.String("bucket", "", "Remote bucket name")

	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logging.profile", pf.Lookup("log-profile"))
	_ = viper.BindPFlag("storage.root", pf.Lookup("root"))
	_ = viper.BindPFlag("storage.use_remote", pf.Lookup("remote"))
	_ = viper.BindPFlag("storage.bucket", pf.Lookup("bucket"))
}

func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// initConfig reads the config file and environment, then sets up logging.
func initConfig(cmd *cobra.Command, _ []string) error {
	v := viper.GetViper()
	config.BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	appConfig = cfg

	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return err
	}
	if cfgFile != "" {
		observability.CLILogger.Debug("Loaded config file", zap.String("path", cfgFile))
	}
	return nil
}

func currentConfig() (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	return config.Decode(viper.GetViper())
}

// openStore builds the artifact store described by cfg. The caller must Close it.
func openStore(ctx context.Context, cfg *config.Config) (*artifact.Store, error) {
	opts := []artifact.Option{artifact.WithLogger(observability.CLILogger)}

	if cfg.Storage.UseRemote {
		remote, err := openRemote(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		opts = append(opts, artifact.WithRemote(remote))
	}

	store, err := artifact.New(cfg.Storage.ArtifactConfig(cfg.Upload.ProgressEvery), opts...)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	observability.CLILogger.Debug("Artifact store ready",
		zap.String("root", store.Root()),
		zap.Bool("remote", store.Remote()),
	)
	return store, nil
}

func openRemote(ctx context.Context, sc config.StorageConfig) (provider.Backend, error) {
	var (
		p   provider.Provider
		err error
	)
	switch provider.ProviderType(sc.Driver) {
	case provider.ProviderMinio:
		p, err = minio.New(sc.MinioConfig())
	case provider.ProviderS3:
		p, err = s3.New(ctx, sc.S3Config())
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
	if err != nil {
		observability.CLILogger.Error("Failed to create provider",
			zap.String("driver", sc.Driver),
			zap.String("bucket", sc.Bucket),
			zap.Error(err),
		)
		return nil, err
	}

	backend, ok := provider.AsBackend(p)
	if !ok {
		_ = p.Close()
		return nil, fmt.Errorf("storage driver %q cannot read and write objects", sc.Driver)
	}
	return backend, nil
}

// exitWithError prints err and exits non-zero; used by main.
func exitWithError(err error) {
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

// Main runs the CLI and exits on failure.
func Main() {
	if err := Execute(); err != nil {
		exitWithError(err)
	}
}
