package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/feedstore/internal/config"
	"github.com/3leaps/feedstore/internal/observability"
	"github.com/3leaps/feedstore/internal/server"
	"github.com/3leaps/feedstore/pkg/job"
	"github.com/3leaps/feedstore/pkg/jobregistry"
	"github.com/3leaps/feedstore/pkg/network"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve artifacts and job status over HTTP.

Finished jobs are recorded under jobs.dir so 'feedstore jobs' can inspect them
after the server exits. SIGINT and SIGTERM trigger a graceful shutdown that
waits for running jobs and removes staged temp files.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Listen host")
	serveCmd.Flags().Int("port", 0, "Listen port")
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func newRegistry(cfg *config.Config) (*job.Registry, error) {
	opts := []job.RegistryOption{
		job.WithHistory(cfg.Jobs.History),
		job.WithRegistryLogger(observability.CLILogger),
	}
	dir, err := cfg.Jobs.JobsDir()
	if err != nil {
		return nil, fmt.Errorf("resolve jobs.dir: %w", err)
	}
	if dir != "" {
		opts = append(opts, job.WithRecords(jobregistry.NewStore(dir)))
	}
	return job.NewRegistry(opts...), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	log := observability.CLILogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Failed to clean staged files", zap.Error(err))
		}
	}()

	reg, err := newRegistry(cfg)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithStore(store),
		server.WithJobs(reg),
		// Shutdown waits for jobs instead of cancelling them.
		server.WithJobContext(context.WithoutCancel(ctx)),
		server.WithLogger(log),
		server.WithVersion(versionInfo.Version),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
	}
	if networkBuilder != nil {
		cache, err := network.NewCache(cfg.Cache.Networks)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithNetworks(networkBuilder, cache))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := reg.Wait(shutdownCtx); err != nil {
		log.Warn("Jobs still running at shutdown", zap.Int("active", len(reg.Active())))
		errs = append(errs, fmt.Errorf("wait for jobs: %w", err))
	}
	if err := <-errCh; err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
