package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/feedstore/internal/observability"
	"github.com/3leaps/feedstore/pkg/artifact"
)

var artifactsCmd = &cobra.Command{
	Use:     "artifacts",
	Aliases: []string{"art"},
	Short:   "Inspect and manage stored artifacts",
}

var artifactsListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List artifact ids",
	Args:  cobra.NoArgs,
	RunE:  runArtifactsList,
}

var artifactsStatCmd = &cobra.Command{
	Use:   "stat <id>",
	Short: "Show size and modification time of an artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsStat,
}

var artifactsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Write artifact content to a file or stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsGet,
}

var artifactsPutCmd = &cobra.Command{
	Use:   "put <id> <file>",
	Short: "Store a local file as an artifact",
	Long: `Store a local file as an artifact on local disk.

With --source the file is also copied over the source's latest alias
(<source>.zip). A failed alias copy is logged and does not fail the command.`,
	Args: cobra.ExactArgs(2),
	RunE: runArtifactsPut,
}

var artifactsUploadCmd = &cobra.Command{
	Use:   "upload <id> <file>",
	Short: "Upload a file to the remote bucket",
	Args:  cobra.ExactArgs(2),
	RunE:  runArtifactsUpload,
}

var artifactsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an artifact (missing artifacts are not an error)",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsRm,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsStatCmd)
	artifactsCmd.AddCommand(artifactsGetCmd)
	artifactsCmd.AddCommand(artifactsPutCmd)
	artifactsCmd.AddCommand(artifactsUploadCmd)
	artifactsCmd.AddCommand(artifactsRmCmd)

	artifactsListCmd.Flags().String("match", "", "Only list ids matching this glob (e.g. '*.zip')")
	artifactsListCmd.Flags().Bool("long", false, "Show size and modification time")
	artifactsStatCmd.Flags().Bool("json", false, "Output as JSON")
	artifactsGetCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	artifactsPutCmd.Flags().String("source", "", "Feed source id whose latest alias is refreshed")
	artifactsUploadCmd.Flags().String("source", "", "Feed source id whose latest alias is refreshed")
}

// withStore opens the configured store, runs fn and closes the store.
func withStore(cmd *cobra.Command, fn func(*artifact.Store) error) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			observability.CLILogger.Warn("Failed to clean staged files", zap.Error(err))
		}
	}()
	return fn(store)
}

func runArtifactsList(cmd *cobra.Command, _ []string) error {
	pattern, _ := cmd.Flags().GetString("match")
	long, _ := cmd.Flags().GetBool("long")
	out := cmd.OutOrStdout()

	return withStore(cmd, func(store *artifact.Store) error {
		ctx := cmd.Context()
		var (
			ids []string
			err error
		)
		if pattern != "" {
			ids, err = store.Match(ctx, pattern)
		} else {
			ids, err = store.IDs(ctx)
		}
		if err != nil {
			return err
		}

		if !long {
			for _, id := range ids {
				_, _ = fmt.Fprintln(out, id)
			}
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "ID\tSIZE\tMODIFIED")
		for _, id := range ids {
			info, ok, err := store.Stat(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", id, humanize.Bytes(uint64(info.Size)), info.LastModified.UTC().Format(time.RFC3339))
		}
		return nil
	})
}

func runArtifactsStat(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	return withStore(cmd, func(store *artifact.Store) error {
		info, ok, err := store.Stat(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("artifact %q not found", args[0])
		}
		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		_, _ = fmt.Fprintf(out, "ID:        %s\n", info.ID)
		_, _ = fmt.Fprintf(out, "Size:      %s (%d bytes)\n", humanize.Bytes(uint64(info.Size)), info.Size)
		_, _ = fmt.Fprintf(out, "Modified:  %s (%s)\n", info.LastModified.UTC().Format(time.RFC3339), humanize.Time(info.LastModified))
		return nil
	})
}

func runArtifactsGet(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	return withStore(cmd, func(store *artifact.Store) error {
		path, ok, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("artifact %q not found", args[0])
		}
		if store.Remote() {
			defer func() { _ = store.Release(path) }()
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()

		var dst io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			defer func() { _ = f.Close() }()
			dst = f
		}
		n, err := io.Copy(dst, src)
		if err != nil {
			return err
		}
		observability.CLILogger.Debug("Wrote artifact",
			zap.String("artifact_id", args[0]),
			zap.String("size", humanize.Bytes(uint64(n))),
		)
		return nil
	})
}

func runArtifactsPut(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")

	return withStore(cmd, func(store *artifact.Store) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		path, err := store.Create(cmd.Context(), args[0], f, source)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	})
}

func runArtifactsUpload(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")

	return withStore(cmd, func(store *artifact.Store) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		var last int64
		progress := func(sent, total int64) {
			if total > 0 && sent*10/total != last*10/total {
				observability.CLILogger.Info("Upload progress",
					zap.String("artifact_id", args[0]),
					zap.String("sent", humanize.Bytes(uint64(sent))),
					zap.String("total", humanize.Bytes(uint64(total))),
				)
			}
			last = sent
		}

		path, err := store.Upload(cmd.Context(), f, args[0], source, artifact.WithProgress(progress))
		if err != nil {
			return err
		}
		_ = store.Release(path)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s\n", args[0])
		return nil
	})
}

func runArtifactsRm(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(store *artifact.Store) error {
		return store.Delete(cmd.Context(), args[0])
	})
}
